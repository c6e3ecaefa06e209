// Package resource tracks advisory CPU, memory, and GPU budgets so
// processors can reject work that would exceed their declared limits.
// Limits are advisory only; the OS is never preempted.
package resource

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/framebuf/framebuf/internal/models"
)

// Stats is a point-in-time view of host resource usage.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	CPUCount      int     `json:"cpu_count"`
}

// Allocation is one advisory reservation held by a task.
type Allocation struct {
	TaskID        string  `json:"task_id"`
	CPUCores      float64 `json:"cpu_cores,omitempty"`
	MemoryLimitMB float64 `json:"memory_limit_mb,omitempty"`
	GPUDeviceID   int     `json:"gpu_device_id,omitempty"`
	HasGPU        bool    `json:"has_gpu,omitempty"`
}

// Manager hands out advisory allocations against a fixed budget.
type Manager struct {
	logger *slog.Logger

	maxCPUCores float64
	maxMemoryMB float64
	gpuDevices  map[int]bool // device id -> free

	mu          sync.Mutex
	allocations map[string]Allocation
	usedCPU     float64
	usedMemory  float64
}

// NewManager creates a manager budgeted at the given fraction of host
// resources. gpuDevices lists device ids available for exclusive use.
func NewManager(maxCPUPercent, maxMemoryPercent float64, gpuDevices []int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxCPUPercent <= 0 || maxCPUPercent > 100 {
		maxCPUPercent = 80
	}
	if maxMemoryPercent <= 0 || maxMemoryPercent > 100 {
		maxMemoryPercent = 80
	}

	totalMB := float64(8 * 1024)
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMB = float64(vm.Total) / (1024 * 1024)
	}
	cores := float64(runtime.NumCPU())

	gpus := make(map[int]bool, len(gpuDevices))
	for _, id := range gpuDevices {
		gpus[id] = true
	}

	return &Manager{
		logger:      logger,
		maxCPUCores: cores * maxCPUPercent / 100,
		maxMemoryMB: totalMB * maxMemoryPercent / 100,
		gpuDevices:  gpus,
		allocations: make(map[string]Allocation),
	}
}

// Acquire reserves the requested budget for taskID. It returns a policy
// error when the reservation would exceed the budget.
func (m *Manager) Acquire(taskID string, cpuCores, memoryMB float64, wantGPU bool) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[taskID]; exists {
		return nil, models.NewError(models.KindPolicy, fmt.Errorf("task %s already holds an allocation", taskID))
	}
	if m.usedCPU+cpuCores > m.maxCPUCores {
		return nil, models.NewError(models.KindPolicy, fmt.Errorf(
			"cpu budget exceeded: %.1f + %.1f > %.1f cores", m.usedCPU, cpuCores, m.maxCPUCores))
	}
	if m.usedMemory+memoryMB > m.maxMemoryMB {
		return nil, models.NewError(models.KindPolicy, fmt.Errorf(
			"memory budget exceeded: %.0f + %.0f > %.0f MB", m.usedMemory, memoryMB, m.maxMemoryMB))
	}

	alloc := Allocation{TaskID: taskID, CPUCores: cpuCores, MemoryLimitMB: memoryMB}
	if wantGPU {
		id, ok := m.freeGPULocked()
		if !ok {
			return nil, models.NewError(models.KindPolicy, fmt.Errorf("no free gpu device"))
		}
		m.gpuDevices[id] = false
		alloc.GPUDeviceID = id
		alloc.HasGPU = true
	}

	m.usedCPU += cpuCores
	m.usedMemory += memoryMB
	m.allocations[taskID] = alloc

	m.logger.Debug("resource allocation acquired",
		slog.String("task_id", taskID),
		slog.Float64("cpu_cores", cpuCores),
		slog.Float64("memory_mb", memoryMB),
	)
	a := alloc
	return &a, nil
}

func (m *Manager) freeGPULocked() (int, bool) {
	for id, free := range m.gpuDevices {
		if free {
			return id, true
		}
	}
	return 0, false
}

// Release returns a task's reservation to the budget.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocations[taskID]
	if !ok {
		return
	}
	delete(m.allocations, taskID)
	m.usedCPU -= alloc.CPUCores
	m.usedMemory -= alloc.MemoryLimitMB
	if alloc.HasGPU {
		m.gpuDevices[alloc.GPUDeviceID] = true
	}
}

// Allocations returns a copy of the current reservations.
func (m *Manager) Allocations() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, a)
	}
	return out
}

// HostStats samples current host usage.
func (m *Manager) HostStats() Stats {
	s := Stats{CPUCount: runtime.NumCPU()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return s
}
