// Package scheduler keeps one job set per connected device and reconciles the
// sets against the device registry on every refresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timelapser/internal/capture"
	"timelapser/internal/config"
	"timelapser/internal/device"
	"timelapser/internal/eventbus"
	"timelapser/internal/observability/metrics"
	"timelapser/internal/sink"
	"timelapser/internal/window"
	logx "timelapser/pkg/logx"
)

// Poller reports the devices connected right now.
type Poller interface {
	Poll(ctx context.Context) []device.Device
}

type Options struct {
	Poller   Poller
	Captures []config.Capture
	Pipeline *capture.Pipeline

	// Sinks maps capture index to its sinks. Built by the caller so sink
	// construction errors surface before the scheduler starts.
	Sinks map[int][]sink.Sink

	RefreshInterval   time.Duration
	ReleaseTimeout    time.Duration
	MaxConcurrentJobs int
	Location          *time.Location

	// Kicks triggers an early refresh (hotplug). Optional.
	Kicks <-chan struct{}

	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
}

// DeviceEvent is the payload of device lifecycle events.
type DeviceEvent struct {
	ID      string `json:"id"`
	Model   string `json:"model,omitempty"`
	Entries int    `json:"entries,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type evictRequest struct {
	set *jobSet
	err error
}

// Service is the device lifecycle scheduler. All changes to the active set
// happen on the Run goroutine.
type Service struct {
	opts Options
	log  logx.Logger
	cron *cron.Cron

	evictCh chan evictRequest
	// retry asks Run for a refresh after a handle finished releasing.
	retry    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex // guards active for Snapshot readers
	active map[string]*jobSet

	releasing sync.WaitGroup
	pending   sync.Map // *jobSet -> device id, while draining
}

func New(opts Options) (*Service, error) {
	if opts.Poller == nil {
		return nil, errors.New("scheduler: poller is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("scheduler: pipeline is required")
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = config.DefaultRefreshInterval
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = config.DefaultReleaseTimeout
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = config.DefaultMaxConcurrentJobs
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))

	return &Service{
		opts: opts,
		log:  log,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(logx.CronLogger(log)),
			cron.WithChain(cron.Recover(logx.CronLogger(log))),
		),
		evictCh: make(chan evictRequest, 16),
		retry:   make(chan struct{}, 1),
		stopped: make(chan struct{}),
		active:  map[string]*jobSet{},
	}, nil
}

// Run polls devices until ctx is done, then tears every job set down and
// waits for the devices to be released.
func (s *Service) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("service started",
		logx.String("tz", s.opts.Location.String()),
		logx.Int("captures", len(s.opts.Captures)),
		logx.Duration("refresh", s.opts.RefreshInterval),
	)

	tick := time.NewTicker(s.opts.RefreshInterval)
	defer tick.Stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-tick.C:
			s.Refresh(ctx)
		case <-s.opts.Kicks:
			s.log.Debug("hotplug kick")
			s.Refresh(ctx)
		case <-s.retry:
			s.Refresh(ctx)
		case req := <-s.evictCh:
			s.evict(req)
		}
	}
}

func (s *Service) shutdown() {
	start := time.Now()
	s.stopOnce.Do(func() { close(s.stopped) })
	s.mu.RLock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.remove(id, "shutdown")
	}
	<-s.cron.Stop().Done()
	s.releasing.Wait()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Refresh reconciles the active set with one registry poll.
func (s *Service) Refresh(ctx context.Context) {
	current := s.opts.Poller.Poll(ctx)
	seen := make(map[string]device.Device, len(current))
	for _, d := range current {
		seen[d.ID()] = d
	}

	s.mu.RLock()
	var removed []string
	for id, js := range s.active {
		d, ok := seen[id]
		if !ok {
			removed = append(removed, id)
			continue
		}
		if d != js.dev {
			// Same id, new handle: the camera was re-identified.
			removed = append(removed, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range removed {
		s.isolate(id, "remove", func() { s.remove(id, "disconnected") })
	}
	for _, d := range current {
		s.mu.RLock()
		_, ok := s.active[d.ID()]
		s.mu.RUnlock()
		if ok {
			continue
		}
		if s.draining(d) {
			// The old set still owns this handle and will close it.
			s.log.Debug("device still releasing, add deferred", logx.String("device", d.ID()))
			continue
		}
		d := d
		s.isolate(d.ID(), "add", func() { s.add(ctx, d) })
	}
	s.updateGauges()
}

// isolate keeps one misbehaving device from stopping the reconciliation.
func (s *Service) isolate(id, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("reconcile.panic",
				logx.String("device", id),
				logx.String("op", op),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// draining reports whether dev is the handle of a set that has not been
// released yet.
func (s *Service) draining(dev device.Device) bool {
	found := false
	s.pending.Range(func(k, _ any) bool {
		if k.(*jobSet).dev == dev {
			found = true
			return false
		}
		return true
	})
	return found
}

func (s *Service) add(ctx context.Context, dev device.Device) {
	// Shutdown must not cut transfers short; the set is cancelled by drain
	// once the release timeout expires.
	js := newJobSet(context.WithoutCancel(ctx), dev, time.Now().In(s.opts.Location))
	// Every entry of the device shares one lock.
	shared := device.NewExclusive(dev)
	for _, c := range s.opts.Captures {
		if !c.AppliesTo(dev.ID()) {
			continue
		}
		job := capture.NewJob(s.opts.Pipeline, shared, c, s.opts.Sinks[c.Index], s.opts.MaxConcurrentJobs)
		sched := window.Schedule{Window: c.Window, Location: s.opts.Location}
		id := s.cron.Schedule(sched, s.runner(js, job))
		js.entries = append(js.entries, entry{job: job, id: id})
	}

	s.mu.Lock()
	s.active[dev.ID()] = js
	s.mu.Unlock()

	s.log.Info("device added",
		logx.String("device", dev.ID()),
		logx.String("model", dev.Model()),
		logx.Int("entries", len(js.entries)),
	)
	s.publish(eventbus.TypeDeviceAdded, DeviceEvent{ID: dev.ID(), Model: dev.Model(), Entries: len(js.entries)})
}

func (s *Service) runner(js *jobSet, job *capture.Job) cron.Job {
	return cron.FuncJob(func() {
		if !js.enter() {
			return
		}
		defer js.leave()

		err := job.Run(js.ctx)
		if errors.Is(err, device.ErrFault) {
			select {
			case s.evictCh <- evictRequest{set: js, err: err}:
			case <-js.ctx.Done():
			case <-s.stopped:
			}
		}
	})
}

// remove cancels every entry of the device and releases it in the background
// once in-flight runs are done.
func (s *Service) remove(id, reason string) {
	s.mu.Lock()
	js, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, e := range js.entries {
		s.cron.Remove(e.id)
	}
	js.close()

	s.log.Info("device removed", logx.String("device", id), logx.String("reason", reason))
	s.publish(eventbus.TypeDeviceRemoved, DeviceEvent{ID: id, Model: js.dev.Model(), Reason: reason})

	s.pending.Store(js, id)
	s.releasing.Add(1)
	go func() {
		defer s.releasing.Done()

		if !js.drain(s.opts.ReleaseTimeout) {
			s.log.Warn("in-flight captures cancelled", logx.String("device", id), logx.Duration("timeout", s.opts.ReleaseTimeout))
		}
		if _, err := js.releaseDevice(); err != nil {
			s.log.Warn("device release failed", logx.String("device", id), logx.Err(err))
		} else {
			s.log.Debug("device released", logx.String("device", id))
		}
		s.pending.Delete(js)
		select {
		case s.retry <- struct{}{}:
		default:
		}
	}()
}

func (s *Service) evict(req evictRequest) {
	id := req.set.dev.ID()
	s.mu.RLock()
	cur := s.active[id]
	s.mu.RUnlock()
	if cur != req.set {
		// Already removed or replaced; the fault belongs to an old activation.
		return
	}
	s.log.Warn("device fault, evicting", logx.String("device", id), logx.Err(req.err))
	s.opts.Metrics.Evicted()
	s.remove(id, "fault")
	s.publish(eventbus.TypeDeviceEvicted, DeviceEvent{ID: id, Model: req.set.dev.Model(), Reason: fmt.Sprint(req.err)})
	s.updateGauges()
}

func (s *Service) publish(typ string, data DeviceEvent) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (s *Service) updateGauges() {
	s.mu.RLock()
	devices, entries := len(s.active), 0
	for _, js := range s.active {
		entries += len(js.entries)
	}
	s.mu.RUnlock()
	s.opts.Metrics.SetActive(devices, entries)
}

// ActiveIDs returns the ids of devices with a job set.
func (s *Service) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}
