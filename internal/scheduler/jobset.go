package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timelapser/internal/capture"
	"timelapser/internal/device"
)

type entry struct {
	job *capture.Job
	id  cron.EntryID
}

// jobSet owns every scheduled entry of one active device. Entries are removed
// from cron at once; the device handle is released after in-flight runs drain.
type jobSet struct {
	dev     device.Device
	entries []entry
	since   time.Time

	// ctx outlives the scheduler run; drain cancels it once runs finish or the
	// release timeout expires.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup

	release sync.Once
}

func newJobSet(parent context.Context, dev device.Device, now time.Time) *jobSet {
	ctx, cancel := context.WithCancel(parent)
	return &jobSet{dev: dev, since: now, ctx: ctx, cancel: cancel}
}

// enter registers a run. It fails once the set is being torn down so no run
// can start after draining began.
func (js *jobSet) enter() bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.closed {
		return false
	}
	js.running.Add(1)
	return true
}

func (js *jobSet) leave() { js.running.Done() }

func (js *jobSet) close() {
	js.mu.Lock()
	js.closed = true
	js.mu.Unlock()
}

// drain waits for in-flight runs. After timeout the runs are cancelled and
// waited for again. Reports whether the runs finished on their own.
func (js *jobSet) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		js.running.Wait()
		close(done)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-done:
		js.cancel()
		return true
	case <-expired:
		js.cancel()
		<-done
		return false
	}
}

// releaseDevice closes the handle exactly once.
func (js *jobSet) releaseDevice() (first bool, err error) {
	js.release.Do(func() {
		first = true
		err = js.dev.Close()
	})
	return first, err
}
