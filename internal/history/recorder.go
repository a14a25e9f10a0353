package history

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"timelapser/internal/capture"
	"timelapser/internal/eventbus"
	"timelapser/internal/scheduler"
	logx "timelapser/pkg/logx"
)

const recorderBuffer = 256

// Recorder copies bus events into a Store.
type Recorder struct {
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
	warn    rate.Sometimes
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "history")),
		timeout: 2 * time.Second,
		warn:    rate.Sometimes{Interval: time.Minute},
	}
}

// Run records events until ctx is done. Events still buffered at that point
// are flushed before returning.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(recorderBuffer,
		eventbus.TypeCaptureDone,
		eventbus.TypeDeviceAdded,
		eventbus.TypeDeviceRemoved,
		eventbus.TypeDeviceEvicted,
	)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-ch:
					r.record(e)
				default:
					return nil
				}
			}
		case e := <-ch:
			r.record(e)
		}
	}
}

func (r *Recorder) record(e eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch d := e.Data.(type) {
	case capture.Event:
		err = r.store.AppendCapture(ctx, CaptureFromEvent(d))
	case scheduler.DeviceEvent:
		err = r.store.AppendDevice(ctx, DeviceRecord{At: e.Time, Kind: e.Type, ID: d.ID, Model: d.Model, Reason: d.Reason})
	default:
		return
	}
	if err != nil {
		r.warn.Do(func() {
			r.log.Warn("history write failed", logx.String("type", e.Type), logx.Err(err))
		})
	}
}

func CaptureFromEvent(e capture.Event) CaptureRecord {
	return CaptureRecord{
		RunID:        e.RunID,
		At:           e.Started,
		DeviceID:     e.DeviceID,
		Model:        e.Model,
		CaptureIndex: e.CaptureIndex,
		Outcome:      e.Outcome,
		File:         e.File,
		Bytes:        e.Bytes,
		SinksOK:      e.SinksOK,
		SinksFailed:  e.SinksFailed,
		TookMS:       e.Duration.Milliseconds(),
		Error:        e.Err,
	}
}
