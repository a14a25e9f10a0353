package capture

import (
	"time"

	"timelapser/internal/observability/metrics"
)

// Event is the outcome of one fire, published as eventbus.TypeCaptureDone.
type Event struct {
	RunID        string        `json:"run_id,omitempty"`
	DeviceID     string        `json:"device_id"`
	Model        string        `json:"model,omitempty"`
	CaptureIndex int           `json:"capture_index"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	Outcome      string        `json:"outcome"`
	Artifact     string        `json:"artifact,omitempty"`
	File         string        `json:"file,omitempty"`
	Bytes        int64         `json:"bytes,omitempty"`
	SinksOK      int           `json:"sinks_ok"`
	SinksFailed  int           `json:"sinks_failed"`
	Err          string        `json:"err,omitempty"`
}

// Faulted reports whether the device should be evicted.
func (e Event) Faulted() bool { return e.Outcome == metrics.OutcomeFault }
