// Package models defines the core data types exchanged between the
// orchestrator, the stream store, and processor clients.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Stream naming conventions. Egress streams are always derivable from the
// processor id so that discovery by pattern scan works.
const (
	DefaultIngressStream = "frames:metadata"
	DefaultDLQStream     = "frames:dlq"
	DefaultConsumerGroup = "frame-buffer-group"
	EgressStreamPrefix   = "frames:ready:"
)

// EgressStream returns the canonical egress stream name for a processor.
func EgressStream(processorID string) string {
	return EgressStreamPrefix + processorID
}

// FrameRef identifies a single captured frame. It carries metadata only;
// pixel data never flows through the buffer tier.
type FrameRef struct {
	FrameID      string            `json:"frame_id"`
	CameraID     string            `json:"camera_id"`
	Timestamp    time.Time         `json:"timestamp"`
	SizeBytes    int64             `json:"size_bytes"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Format       string            `json:"format"`
	Priority     int               `json:"priority"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the invariants routing relies on.
func (f *FrameRef) Validate() error {
	if f.FrameID == "" {
		return NewError(KindProtocol, fmt.Errorf("frame_id cannot be empty"))
	}
	if f.Width <= 0 || f.Height <= 0 {
		return NewError(KindProtocol, fmt.Errorf("invalid dimensions %dx%d", f.Width, f.Height))
	}
	if f.Priority < 0 || f.Priority > 10 {
		return NewError(KindProtocol, fmt.Errorf("priority %d out of range [0,10]", f.Priority))
	}
	return nil
}

// Capability returns the processing capability this frame requires,
// falling back to the supplied default when the frame does not declare one.
func (f *FrameRef) Capability(fallback string) string {
	if c, ok := f.Metadata["capability"]; ok && c != "" {
		return c
	}
	return fallback
}

// ToFields flattens the frame into the string field map used by stream
// entries. Non-scalar values are serialized as JSON.
func (f *FrameRef) ToFields() map[string]string {
	fields := map[string]string{
		"frame_id":   f.FrameID,
		"camera_id":  f.CameraID,
		"timestamp":  f.Timestamp.UTC().Format(time.RFC3339Nano),
		"size_bytes": strconv.FormatInt(f.SizeBytes, 10),
		"width":      strconv.Itoa(f.Width),
		"height":     strconv.Itoa(f.Height),
		"format":     f.Format,
		"priority":   strconv.Itoa(f.Priority),
	}
	if len(f.TraceContext) > 0 {
		if b, err := json.Marshal(f.TraceContext); err == nil {
			fields["trace_context"] = string(b)
		}
	}
	if len(f.Metadata) > 0 {
		if b, err := json.Marshal(f.Metadata); err == nil {
			fields["metadata"] = string(b)
		}
	}
	return fields
}

// FrameFromFields parses a stream entry field map into a FrameRef.
// Unknown fields are preserved in Metadata. Timestamps are accepted as
// RFC3339 or epoch milliseconds.
func FrameFromFields(fields map[string]string) (*FrameRef, error) {
	f := &FrameRef{
		FrameID:  fields["frame_id"],
		CameraID: fields["camera_id"],
		Format:   fields["format"],
	}

	ts, err := parseTimestamp(fields["timestamp"])
	if err != nil {
		return nil, NewError(KindProtocol, fmt.Errorf("parsing timestamp: %w", err))
	}
	f.Timestamp = ts

	if v := fields["size_bytes"]; v != "" {
		if f.SizeBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, NewError(KindProtocol, fmt.Errorf("parsing size_bytes: %w", err))
		}
	}
	if v := fields["width"]; v != "" {
		if f.Width, err = strconv.Atoi(v); err != nil {
			return nil, NewError(KindProtocol, fmt.Errorf("parsing width: %w", err))
		}
	}
	if v := fields["height"]; v != "" {
		if f.Height, err = strconv.Atoi(v); err != nil {
			return nil, NewError(KindProtocol, fmt.Errorf("parsing height: %w", err))
		}
	}
	if v := fields["priority"]; v != "" {
		if f.Priority, err = strconv.Atoi(v); err != nil {
			return nil, NewError(KindProtocol, fmt.Errorf("parsing priority: %w", err))
		}
	}
	if v := fields["trace_context"]; v != "" {
		if err := json.Unmarshal([]byte(v), &f.TraceContext); err != nil {
			return nil, NewError(KindProtocol, fmt.Errorf("parsing trace_context: %w", err))
		}
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &f.Metadata); err != nil {
			return nil, NewError(KindProtocol, fmt.Errorf("parsing metadata: %w", err))
		}
	}

	// Preserve unknown fields so schema evolution does not lose data.
	for k, v := range fields {
		switch k {
		case "frame_id", "camera_id", "timestamp", "size_bytes", "width",
			"height", "format", "priority", "trace_context", "metadata",
			"routed_at", "route_reason":
		default:
			if f.Metadata == nil {
				f.Metadata = make(map[string]string)
			}
			if _, exists := f.Metadata[k]; !exists {
				f.Metadata[k] = v
			}
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("timestamp missing")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	// Epoch milliseconds, as emitted by some capture tiers.
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	// Fractional epoch seconds.
	if sec, err := strconv.ParseFloat(v, 64); err == nil {
		return time.UnixMilli(int64(sec * 1000)), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
