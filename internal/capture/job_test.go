package capture_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"timelapser/internal/capture"
	"timelapser/internal/config"
	"timelapser/internal/device"
	"timelapser/internal/device/devicetest"
	"timelapser/internal/eventbus"
	"timelapser/internal/sink"
	"timelapser/internal/window"
	logx "timelapser/pkg/logx"
)

// recordingSink remembers the order of Store calls across sinks.
type recordingSink struct {
	name  string
	fail  bool
	fs    afero.Fs
	order *[]string
	mu    *sync.Mutex
	seen  []string
}

func (r *recordingSink) Kind() string   { return "fake" }
func (r *recordingSink) String() string { return r.name }
func (r *recordingSink) Store(_ context.Context, p string) error {
	r.mu.Lock()
	*r.order = append(*r.order, r.name)
	r.mu.Unlock()
	b, err := afero.ReadFile(r.fs, p)
	if err != nil {
		return err
	}
	r.seen = append(r.seen, string(b))
	if r.fail {
		return &sink.WriteError{Sink: r.name, Kind: "fake", Path: p, Err: errors.New("disk full")}
	}
	return nil
}

type fixture struct {
	fs     afero.Fs
	pipe   *capture.Pipeline
	dev    *devicetest.Device
	events <-chan eventbus.Event
	order  []string
	mu     sync.Mutex
}

// Tuesday 16 Oct 2018 12:00 UTC.
var noon = time.Date(2018, time.October, 16, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TypeCaptureDone)
	t.Cleanup(unsub)
	f := &fixture{fs: afero.NewMemMapFs(), dev: devicetest.New("SN-1"), events: events}
	f.pipe = &capture.Pipeline{
		Staging:    f.fs,
		StagingDir: "/staging",
		Location:   time.UTC,
		Bus:        bus,
		Log:        logx.Nop(),
		Now:        func() time.Time { return noon },
	}
	return f
}

func (f *fixture) sink(name string, fail bool) *recordingSink {
	return &recordingSink{name: name, fail: fail, fs: f.fs, order: &f.order, mu: &f.mu}
}

func captureCfg(keep bool) config.Capture {
	return config.Capture{
		Index: 0,
		Window: window.Window{
			Weekdays: window.AllWeekdays,
			Since:    window.TimeOfDay{Hour: 8},
			Till:     window.TimeOfDay{Hour: 18},
			Interval: time.Minute,
		},
		KeepOnDevice: keep,
	}
}

func (f *fixture) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, "/staging")
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging not cleaned: %d entries", len(entries))
	}
}

func (f *fixture) nextEvent(t *testing.T) capture.Event {
	t.Helper()
	select {
	case e := <-f.events:
		return e.Data.(capture.Event)
	case <-time.After(time.Second):
		t.Fatalf("no capture event published")
		return capture.Event{}
	}
}

func TestJob_SuccessFansOutInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, b := f.sink("a", false), f.sink("b", false)
	job := capture.NewJob(f.pipe, f.dev, captureCfg(false), []sink.Sink{a, b}, 2)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fmt.Sprint(f.order) != "[a b]" {
		t.Fatalf("sink order=%v", f.order)
	}
	if a.seen[0] != "jpeg:SN-1" || b.seen[0] != "jpeg:SN-1" {
		t.Fatalf("sinks saw %q / %q", a.seen, b.seen)
	}
	if len(f.dev.Deleted()) != 1 {
		t.Fatalf("artifact should be deleted from device when keep_on_device=false")
	}
	f.assertStagingEmpty(t)

	ev := f.nextEvent(t)
	if ev.Outcome != "ok" || ev.SinksOK != 2 || ev.File != "SN-1_20181016-120000_IMG_0001.JPG" || ev.RunID == "" {
		t.Fatalf("event=%+v", ev)
	}
	if job.LastRun() == nil || job.LastRun().RunID != ev.RunID {
		t.Fatalf("last run not recorded")
	}
}

func TestJob_SinkFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, b := f.sink("a", true), f.sink("b", false)
	job := capture.NewJob(f.pipe, f.dev, captureCfg(true), []sink.Sink{a, b}, 2)

	err := job.Run(context.Background())
	var werr *sink.WriteError
	if !errors.As(err, &werr) || werr.Sink != "a" {
		t.Fatalf("expected WriteError from a, got %v", err)
	}
	if errors.Is(err, device.ErrFault) {
		t.Fatalf("sink failure must not look like a device fault")
	}
	if len(b.seen) != 1 {
		t.Fatalf("second sink not called after first failed")
	}
	if len(f.dev.Deleted()) != 0 {
		t.Fatalf("keep_on_device=true must not delete")
	}
	f.assertStagingEmpty(t)

	ev := f.nextEvent(t)
	if ev.Outcome != "partial" || ev.SinksOK != 1 || ev.SinksFailed != 1 {
		t.Fatalf("event=%+v", ev)
	}
}

func TestJob_OutsideWindowSkips(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pipe.Now = func() time.Time { return noon.Add(8 * time.Hour) }
	job := capture.NewJob(f.pipe, f.dev, captureCfg(true), nil, 2)

	if err := job.Run(context.Background()); !errors.Is(err, capture.ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
	if f.dev.Captures.Load() != 0 {
		t.Fatalf("device must not be touched outside the window")
	}
}

func TestJob_LateWakeAtTillStillCaptures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// Scheduled for 18:00:00 (inclusive Till), cron woke 4ms later.
	f.pipe.Now = func() time.Time { return noon.Add(6*time.Hour + 4*time.Millisecond) }
	job := capture.NewJob(f.pipe, f.dev, captureCfg(true), []sink.Sink{f.sink("a", false)}, 2)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.dev.Captures.Load() != 1 {
		t.Fatalf("capture at the closing second was skipped")
	}

	f.pipe.Now = func() time.Time { return noon.Add(6*time.Hour + time.Second) }
	if err := job.Run(context.Background()); !errors.Is(err, capture.ErrSkipped) {
		t.Fatalf("expected ErrSkipped one second past Till, got %v", err)
	}
}

func TestJob_DeviceErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		capErr  error
		dlErr   error
		outcome string
		target  error
	}{
		{"fault on capture", fmt.Errorf("%w: usb reset", device.ErrFault), nil, "fault", device.ErrFault},
		{"fault on download", nil, fmt.Errorf("%w: io", device.ErrFault), "fault", device.ErrFault},
		{"busy", fmt.Errorf("%w: claimed", device.ErrBusy), nil, "busy", device.ErrBusy},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.dev.CaptureErr, f.dev.DownloadErr = tc.capErr, tc.dlErr
			s := f.sink("a", false)
			job := capture.NewJob(f.pipe, f.dev, captureCfg(false), []sink.Sink{s}, 2)

			if err := job.Run(context.Background()); !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			if len(s.seen) != 0 {
				t.Fatalf("sinks must not run after a device error")
			}
			f.assertStagingEmpty(t)
			if ev := f.nextEvent(t); ev.Outcome != tc.outcome || ev.Faulted() != (tc.outcome == "fault") {
				t.Fatalf("event=%+v", ev)
			}
		})
	}
}

func TestJob_ConcurrencyBoundDrops(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dev.Block = make(chan struct{})
	job := capture.NewJob(f.pipe, f.dev, captureCfg(true), nil, 1)

	done := make(chan error, 1)
	go func() { done <- job.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.dev.Captures.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first run never reached the device")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := job.Run(context.Background()); !errors.Is(err, capture.ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if job.Dropped() != 1 {
		t.Fatalf("dropped=%d", job.Dropped())
	}

	close(f.dev.Block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if f.dev.Overlapped() {
		t.Fatalf("device operations overlapped")
	}
}

func TestStagedName(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	if got := capture.StagedName("usb:002,007", at, "IMG 0001.JPG"); got != "usb_002_007_20240309-070501_IMG_0001.JPG" {
		t.Fatalf("got %q", got)
	}
}
