// Package capture runs one capture cycle: take a picture, stage it locally,
// fan it out to the configured sinks and report the outcome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"timelapser/internal/config"
	"timelapser/internal/device"
	"timelapser/internal/eventbus"
	"timelapser/internal/observability/metrics"
	"timelapser/internal/sink"
	logx "timelapser/pkg/logx"
)

var (
	// ErrSkipped means the job fired outside its window (late wake-up).
	ErrSkipped = errors.New("outside capture window")
	// ErrOverlap means the concurrency bound for this (device, capture) pair
	// was reached and the fire was dropped.
	ErrOverlap = errors.New("too many captures in flight")
)

// Pipeline holds what every job shares.
type Pipeline struct {
	Staging    afero.Fs
	StagingDir string
	Location   *time.Location
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Log        logx.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	t := now()
	if p.Location != nil {
		t = t.In(p.Location)
	}
	return t
}

// Job is one (device, capture config) pair.
type Job struct {
	pipe    *Pipeline
	dev     *device.Exclusive
	capture config.Capture
	sinks   []sink.Sink
	gate    *semaphore.Weighted
	log     logx.Logger

	dropped  atomic.Uint64
	dropWarn *rate.Limiter
	lastRun  atomic.Pointer[Event]
}

// NewJob binds a capture config to a device. maxConcurrent bounds runs of this
// pair; further fires are dropped, not queued.
func NewJob(p *Pipeline, dev device.Device, c config.Capture, sinks []sink.Sink, maxConcurrent int) *Job {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Job{
		pipe:     p,
		dev:      device.NewExclusive(dev),
		capture:  c,
		sinks:    sinks,
		gate:     semaphore.NewWeighted(int64(maxConcurrent)),
		log:      p.Log.With(logx.String("device", dev.ID()), logx.Int("capture", c.Index)),
		dropWarn: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

func (j *Job) Capture() config.Capture { return j.capture }
func (j *Job) DeviceID() string        { return j.dev.ID() }

// Dropped counts fires rejected by the concurrency bound.
func (j *Job) Dropped() uint64 { return j.dropped.Load() }

// LastRun returns the most recent outcome, or nil.
func (j *Job) LastRun() *Event { return j.lastRun.Load() }

// Run executes one cycle. The returned error wraps device.ErrFault when the
// device should be evicted; sink failures are joined *sink.WriteError values.
func (j *Job) Run(ctx context.Context) (err error) {
	fired := j.pipe.now()
	// cron wakes slightly after the scheduled instant; windows have second
	// resolution, so a fire at an inclusive Till must still count.
	if !j.capture.Window.Contains(fired.Truncate(time.Second)) {
		j.log.Debug("fire outside window, skipped", logx.Time("at", fired))
		j.finish(&Event{DeviceID: j.dev.ID(), CaptureIndex: j.capture.Index, Started: fired, Outcome: metrics.OutcomeSkipped}, nil)
		return ErrSkipped
	}

	if !j.gate.TryAcquire(1) {
		n := j.dropped.Add(1)
		j.pipe.Metrics.Capture(j.dev.ID(), metrics.OutcomeDropped, 0)
		if j.dropWarn.Allow() {
			j.log.Warn("capture dropped, previous runs still in flight", logx.Uint64("dropped_total", n))
		}
		return ErrOverlap
	}
	defer j.gate.Release(1)

	ev := &Event{
		RunID:        uuid.NewString(),
		DeviceID:     j.dev.ID(),
		Model:        j.dev.Model(),
		CaptureIndex: j.capture.Index,
		Started:      fired,
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			j.log.Error("capture.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		j.finish(ev, err)
	}()

	return j.run(ctx, ev)
}

func (j *Job) run(ctx context.Context, ev *Event) error {
	runDir := filepath.Join(j.pipe.StagingDir, ev.RunID)
	if err := j.pipe.Staging.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}
	defer func() {
		if err := j.pipe.Staging.RemoveAll(runDir); err != nil {
			j.log.Warn("staging cleanup failed", logx.String("dir", runDir), logx.Err(err))
		}
	}()

	staged, size, err := j.acquire(ctx, ev, runDir)
	if err != nil {
		return err
	}
	ev.File = filepath.Base(staged)
	ev.Bytes = size

	var failures []error
	for _, s := range j.sinks {
		if err := s.Store(ctx, staged); err != nil {
			failures = append(failures, err)
			j.log.Error("sink write failed", logx.String("sink", s.String()), logx.Err(err))
			continue
		}
		ev.SinksOK++
	}
	ev.SinksFailed = len(failures)
	return errors.Join(failures...)
}

// acquire captures and downloads under one device acquisition.
func (j *Job) acquire(ctx context.Context, ev *Event, runDir string) (string, int64, error) {
	var (
		staged string
		size   int64
	)
	err := j.dev.Do(ctx, func(d device.Device) error {
		art, err := d.Capture(ctx)
		if err != nil {
			return err
		}
		ev.Artifact = art.Path()

		staged = filepath.Join(runDir, StagedName(d.ID(), ev.Started, art.Name))
		f, err := j.pipe.Staging.OpenFile(staged, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("staging file: %w", err)
		}
		cw := &countingWriter{w: f}
		derr := d.Download(ctx, art, cw, !j.capture.KeepOnDevice)
		cerr := f.Close()
		if derr != nil {
			return derr
		}
		if cerr != nil {
			return fmt.Errorf("staging file: %w", cerr)
		}
		size = cw.n
		return nil
	})
	return staged, size, err
}

func (j *Job) finish(ev *Event, err error) {
	ev.Duration = j.pipe.now().Sub(ev.Started)
	if ev.Outcome == "" {
		ev.Outcome = outcomeOf(err)
	}
	if err != nil {
		ev.Err = err.Error()
	}
	j.lastRun.Store(ev)
	j.pipe.Metrics.Capture(ev.DeviceID, ev.Outcome, ev.Duration)
	if j.pipe.Bus != nil {
		j.pipe.Bus.Publish(eventbus.Event{Type: eventbus.TypeCaptureDone, Data: *ev})
	}

	switch ev.Outcome {
	case metrics.OutcomeOK:
		j.log.Info("captured",
			logx.String("file", ev.File),
			logx.String("size", humanize.Bytes(uint64(ev.Bytes))),
			logx.Int("sinks", ev.SinksOK),
			logx.Duration("took", ev.Duration),
		)
	case metrics.OutcomeBusy:
		j.log.Warn("device busy, capture skipped", logx.Err(err))
	case metrics.OutcomeSkipped:
	default:
		j.log.Error("capture failed", logx.String("outcome", ev.Outcome), logx.Err(err))
	}
}

func outcomeOf(err error) string {
	var werr *sink.WriteError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, device.ErrFault):
		return metrics.OutcomeFault
	case errors.Is(err, device.ErrBusy):
		return metrics.OutcomeBusy
	case errors.As(err, &werr):
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeError
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StagedName is the file name sinks store: device id, local capture time and
// the on-device name, so files from several cameras never collide.
func StagedName(deviceID string, at time.Time, artifactName string) string {
	return fmt.Sprintf("%s_%s_%s",
		unsafeName.ReplaceAllString(deviceID, "_"),
		at.Format("20060102-150405"),
		unsafeName.ReplaceAllString(filepath.Base(artifactName), "_"),
	)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
