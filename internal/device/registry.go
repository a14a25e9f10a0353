package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timelapser/internal/observability/metrics"
	logx "timelapser/pkg/logx"
)

// Registry polls an Enumerator and hands out one Exclusive wrapper per
// physical device so every job on that device shares the same lock.
type Registry struct {
	enum    Enumerator
	log     logx.Logger
	metrics *metrics.Metrics

	// warn throttles repeated enumeration failures (e.g. libusb errors every
	// refresh while a camera is half-connected).
	warn       *rate.Limiter
	suppressed int

	mu    sync.Mutex
	known map[string]*Exclusive
}

func NewRegistry(enum Enumerator, log logx.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		enum:    enum,
		log:     log.With(logx.String("comp", "device.registry")),
		metrics: m,
		warn:    rate.NewLimiter(rate.Every(time.Minute), 1),
		known:   map[string]*Exclusive{},
	}
}

// Poll returns the currently connected devices sorted by id. Enumeration
// failures and panics in the driver yield an empty set; they are logged and
// never returned.
func (r *Registry) Poll(ctx context.Context) (devs []Device) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failed(fmt.Errorf("%w: panic: %v", ErrEnumerate, rec))
			devs = nil
		}
	}()

	found, err := r.enum.Enumerate(ctx)
	if err != nil {
		if !errors.Is(err, ErrEnumerate) {
			err = fmt.Errorf("%w: %w", ErrEnumerate, err)
		}
		r.failed(err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(found))
	out := make([]Device, 0, len(found))
	for _, d := range found {
		if d == nil {
			continue
		}
		id := d.ID()
		if id == "" {
			r.log.Warn("device without id ignored", logx.String("model", d.Model()))
			continue
		}
		if _, dup := seen[id]; dup {
			r.log.Warn("duplicate device id ignored", logx.String("device", id), logx.String("model", d.Model()))
			continue
		}
		seen[id] = struct{}{}

		x, ok := r.known[id]
		if !ok || x.Unwrap() != unwrap(d) {
			x = NewExclusive(d)
			r.known[id] = x
		}
		out = append(out, x)
	}
	for id := range r.known {
		if _, ok := seen[id]; !ok {
			delete(r.known, id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) failed(err error) {
	r.metrics.EnumerateFailed()
	if r.warn.Allow() {
		r.log.Warn("device enumeration failed", logx.Err(err), logx.Int("suppressed", r.suppressed))
		r.suppressed = 0
		return
	}
	r.suppressed++
	r.log.Debug("device enumeration failed", logx.Err(err))
}

func unwrap(d Device) Device {
	if x, ok := d.(*Exclusive); ok {
		return x.Unwrap()
	}
	return d
}
