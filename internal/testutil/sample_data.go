// Package testutil provides test utilities including sample data
// generation for frames and processor registrations.
package testutil

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/framebuf/framebuf/internal/models"
)

// Fictional camera sites for test data.
var Cameras = []string{
	"cam-lobby",
	"cam-dock-1",
	"cam-dock-2",
	"cam-parking-north",
	"cam-corridor-3",
}

var frameCounter atomic.Int64

// NewFrameID builds a frame id in the production format
// <ms>_<source>_<camera>_<counter>_<rand>.
func NewFrameID(source, cameraID string, ts time.Time) string {
	n := frameCounter.Add(1)
	entropy := ulid.Make().String()
	return fmt.Sprintf("%d_%s_%s_%d_%s", ts.UnixMilli(), source, cameraID, n, entropy[len(entropy)-6:])
}

// SampleFrame returns a valid FrameRef with the given priority.
func SampleFrame(priority int) *models.FrameRef {
	now := time.Now()
	camera := Cameras[rand.Intn(len(Cameras))]
	return &models.FrameRef{
		FrameID:   NewFrameID("capture", camera, now),
		CameraID:  camera,
		Timestamp: now,
		SizeBytes: 128 * 1024,
		Width:     1920,
		Height:    1080,
		Format:    "jpeg",
		Priority:  priority,
	}
}

// SampleFrameWithCapability returns a frame requiring the capability.
func SampleFrameWithCapability(priority int, capability string) *models.FrameRef {
	f := SampleFrame(priority)
	f.Metadata = map[string]string{"capability": capability}
	return f
}

// SampleRegistration returns a valid registration for the processor id.
func SampleRegistration(id string, capacity int, capabilities ...string) models.ProcessorRegistration {
	if len(capabilities) == 0 {
		capabilities = []string{"detection"}
	}
	return models.ProcessorRegistration{
		ID:           id,
		Capabilities: capabilities,
		Capacity:     capacity,
		Queue:        models.EgressStream(id),
	}
}
