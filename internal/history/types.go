package history

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the store. Driver "" or "none" disables history.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CaptureRecord is one scheduled fire and its result.
type CaptureRecord struct {
	RunID        string    `json:"run_id"`
	At           time.Time `json:"at"`
	DeviceID     string    `json:"device_id"`
	Model        string    `json:"model,omitempty"`
	CaptureIndex int       `json:"capture_index"`
	Outcome      string    `json:"outcome"`
	File         string    `json:"file,omitempty"`
	Bytes        int64     `json:"bytes,omitempty"`
	SinksOK      int       `json:"sinks_ok"`
	SinksFailed  int       `json:"sinks_failed"`
	TookMS       int64     `json:"took_ms"`
	Error        string    `json:"error,omitempty"`
}

// DeviceRecord is a device lifecycle change.
type DeviceRecord struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	ID     string    `json:"id"`
	Model  string    `json:"model,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Store is the persistence API used by the recorder and the debug server.
type Store interface {
	AppendCapture(ctx context.Context, r CaptureRecord) error
	AppendDevice(ctx context.Context, r DeviceRecord) error
	// RecentCaptures returns up to n records, newest first.
	RecentCaptures(ctx context.Context, n int) ([]CaptureRecord, error)
	Close() error
}
