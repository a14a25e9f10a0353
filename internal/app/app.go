// Package app wires the daemon: logging, device polling, the scheduler,
// capture history and the debug server, all under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"timelapser/internal/capture"
	"timelapser/internal/config"
	"timelapser/internal/device"
	"timelapser/internal/device/gphoto"
	"timelapser/internal/eventbus"
	"timelapser/internal/history"
	"timelapser/internal/observability/debug"
	"timelapser/internal/observability/metrics"
	"timelapser/internal/runtime/supervisor"
	"timelapser/internal/scheduler"
	"timelapser/internal/sink"
	logx "timelapser/pkg/logx"
)

type Options struct {
	// Verbose forces DEBUG logging.
	Verbose bool
	// Enumerator defaults to the gphoto2 driver.
	Enumerator device.Enumerator
	// Staging defaults to the OS filesystem.
	Staging afero.Fs
}

type App struct {
	settings *config.Settings

	log  logx.Logger
	logs *logx.Service

	metrics *metrics.Metrics
	bus     eventbus.Bus
	store   history.Store

	hotplug  *device.HotplugWatcher
	sched    *scheduler.Service
	recorder *history.Recorder
	debug    *debug.Server

	sup *supervisor.Supervisor
}

// NewLogging builds the logging service from settings.
func NewLogging(s *config.Settings, verbose bool) (*logx.Service, logx.Logger) {
	level := s.Logging.Level
	if verbose {
		level = "DEBUG"
	}
	return logx.New(logx.Config{
		Level:   level,
		Console: s.Logging.Console,
		File: logx.FileConfig{
			Enabled: s.Logging.File.Enabled,
			Path:    s.Logging.File.Path,
		},
	})
}

func New(ctx context.Context, s *config.Settings, opts Options) (*App, error) {
	if s == nil {
		return nil, errors.New("app: settings are required")
	}
	logSvc, root := NewLogging(s, opts.Verbose)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		settings: s,
		log:      log,
		logs:     logSvc,
		metrics:  metrics.New(),
		bus:      eventbus.New(),
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	staging := opts.Staging
	if staging == nil {
		staging = afero.NewOsFs()
	}
	if err := staging.MkdirAll(s.StagingDir, 0o755); err != nil {
		return fail(fmt.Errorf("staging dir: %w", err))
	}

	enum := opts.Enumerator
	if enum == nil {
		enum = gphoto.New(gphoto.Options{
			Binary:         s.Camera.Binary,
			CommandTimeout: s.Camera.CommandTimeout,
		}, root)
	}

	sinks, err := buildSinks(ctx, s.Captures, sink.Options{
		Source:  staging,
		Log:     root,
		Metrics: a.metrics,
	})
	if err != nil {
		return fail(err)
	}

	if s.History.Driver != "none" {
		st, err := history.Open(history.Config{
			Driver:      s.History.Driver,
			Path:        s.History.Path,
			BusyTimeout: s.History.BusyTimeout,
		}, root)
		if err != nil {
			return fail(fmt.Errorf("history: %w", err))
		}
		a.store = st
		a.recorder = history.NewRecorder(st, a.bus, root)
		log.Info("history enabled", logx.String("driver", s.History.Driver), logx.String("path", s.History.Path))
	}

	var kicks <-chan struct{}
	if s.Hotplug.Enabled {
		a.hotplug = device.NewHotplugWatcher(s.Hotplug.Paths, s.Hotplug.Debounce, root)
		kicks = a.hotplug.Kicks()
	}

	a.sched, err = scheduler.New(scheduler.Options{
		Poller:   device.NewRegistry(enum, root, a.metrics),
		Captures: s.Captures,
		Pipeline: &capture.Pipeline{
			Staging:    staging,
			StagingDir: s.StagingDir,
			Location:   s.Location,
			Bus:        a.bus,
			Metrics:    a.metrics,
			Log:        root,
		},
		Sinks:             sinks,
		RefreshInterval:   s.RefreshInterval,
		ReleaseTimeout:    s.ReleaseTimeout,
		MaxConcurrentJobs: s.MaxConcurrentJobs,
		Location:          s.Location,
		Kicks:             kicks,
		Bus:               a.bus,
		Metrics:           a.metrics,
		Log:               root,
	})
	if err != nil {
		return fail(err)
	}

	if s.Debug.Enabled {
		a.debug = debug.New(debug.Config{
			Addr:          s.Debug.Addr,
			Token:         s.Debug.Token,
			AllowInsecure: s.Debug.AllowInsecure,
			Pprof:         s.Debug.Pprof,
		}, debug.Sources{
			Scheduler: a.sched,
			History:   a.store,
			Metrics:   a.metrics.Handler(),
			Tasks:     a.tasks,
		}, root)
	}
	return a, nil
}

// buildSinks constructs every capture's sinks concurrently; S3 clients load
// shared AWS config which may touch the network.
func buildSinks(ctx context.Context, captures []config.Capture, opts sink.Options) (map[int][]sink.Sink, error) {
	var (
		mu  sync.Mutex
		out = make(map[int][]sink.Sink, len(captures))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range captures {
		c := c
		g.Go(func() error {
			ss, err := sink.NewAll(gctx, c.Sinks, opts)
			if err != nil {
				return fmt.Errorf("timelapse_configuration[%d]: %w", c.Index, err)
			}
			mu.Lock()
			out[c.Index] = ss
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *App) tasks() []supervisor.TaskStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Tasks()
}

// Scheduler exposes the scheduler for status queries.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Start launches every loop. It returns immediately.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.sup.Go("scheduler", a.sched.Run)
	if a.hotplug != nil {
		a.sup.GoRestart("hotplug", a.hotplug.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if a.recorder != nil {
		a.sup.Go("history", a.recorder.Run)
	}
	if a.debug != nil {
		// Optional; a refused bind must not stop captures.
		a.sup.GoRestart("debug", func(c context.Context) error {
			err := a.debug.Run(c)
			if errors.Is(err, debug.ErrInsecureBind) {
				return nil
			}
			return err
		}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	a.sup.Go("watchdog", func(c context.Context) error { return watchdog(c, a.log) })

	sdNotify(a.log, sdReady(a.settings))
	a.log.Info("app started",
		logx.String("config", a.settings.Path),
		logx.Int("captures", len(a.settings.Captures)),
		logx.String("tz", a.settings.Location.String()),
	)
	return nil
}

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop cancels every loop, waits for devices to be released and closes the
// history store and log files.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)
	a.sup.Cancel()

	// Releasing devices may take up to the release timeout.
	a.step(ctx, "supervisor", a.settings.ReleaseTimeout+5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) && c.Err() == nil {
			return nil
		}
		return err
	})
	a.step(ctx, "history", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("bus_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so a stuck component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
