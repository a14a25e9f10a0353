package device

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "timelapser/pkg/logx"
)

// HotplugWatcher watches USB device node directories and signals Kicks after
// a burst of changes settles, so the scheduler can refresh before its next tick.
type HotplugWatcher struct {
	paths    []string
	debounce time.Duration
	log      logx.Logger
	kick     chan struct{}
}

func NewHotplugWatcher(paths []string, debounce time.Duration, log logx.Logger) *HotplugWatcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &HotplugWatcher{
		paths:    paths,
		debounce: debounce,
		log:      log.With(logx.String("comp", "device.hotplug")),
		kick:     make(chan struct{}, 1),
	}
}

// Kicks delivers at most one pending notification; extra kicks coalesce.
func (h *HotplugWatcher) Kicks() <-chan struct{} { return h.kick }

func (h *HotplugWatcher) signal() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Run watches until ctx is done. A broken watcher is recreated with a
// jittered exponential backoff.
func (h *HotplugWatcher) Run(ctx context.Context) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 30 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(h.debounce, h.signal)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := h.open()
		if err != nil {
			wait := nextWait()
			h.log.Warn("hotplug watch init failed", logx.Err(err), logx.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}

		backoff = restartBackoffBase
		h.log.Debug("hotplug watcher started", logx.String("paths", strings.Join(h.paths, ",")))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Bus directories appear when a hub is attached; watch them too.
				if ev.Op&fsnotify.Create != 0 {
					if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
						_ = w.Add(ev.Name)
					}
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					h.log.Trace("usb node changed", logx.String("path", ev.Name), logx.String("op", ev.Op.String()))
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were lost; refresh once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					h.log.Warn("hotplug watch overflow; forcing refresh", logx.Err(err))
					debounce()
					continue
				}
				h.log.Warn("hotplug watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		h.log.Warn("hotplug watcher stopped; restarting", logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// open watches every configured path and its immediate subdirectories
// (/dev/bus/usb/001, /dev/bus/usb/002, ...).
func (h *HotplugWatcher) open() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	added := 0
	for _, p := range h.paths {
		if err := w.Add(p); err != nil {
			h.log.Debug("hotplug path not watchable", logx.String("path", p), logx.Err(err))
			continue
		}
		added++
		entries, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				if err := w.Add(filepath.Join(p, e.Name())); err == nil {
					added++
				}
			}
		}
	}
	if added == 0 {
		_ = w.Close()
		return nil, os.ErrNotExist
	}
	return w, nil
}
