package device

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/semaphore"
)

// Exclusive serializes access to a Device. The first caller to acquire wins;
// others block until release or until their context is done.
type Exclusive struct {
	dev Device
	sem *semaphore.Weighted
}

func NewExclusive(d Device) *Exclusive {
	if x, ok := d.(*Exclusive); ok {
		return x
	}
	return &Exclusive{dev: d, sem: semaphore.NewWeighted(1)}
}

func (e *Exclusive) ID() string    { return e.dev.ID() }
func (e *Exclusive) Model() string { return e.dev.Model() }

// Unwrap returns the underlying device.
func (e *Exclusive) Unwrap() Device { return e.dev }

// Do runs fn while holding the device. fn receives the unwrapped device so a
// capture and its download happen under one acquisition.
func (e *Exclusive) Do(ctx context.Context, fn func(Device) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire %s: %w", e.dev.ID(), err)
	}
	defer e.sem.Release(1)
	return fn(e.dev)
}

func (e *Exclusive) Capture(ctx context.Context) (a Artifact, err error) {
	err = e.Do(ctx, func(d Device) error {
		a, err = d.Capture(ctx)
		return err
	})
	return a, err
}

func (e *Exclusive) Download(ctx context.Context, a Artifact, w io.Writer, deleteFromDevice bool) error {
	return e.Do(ctx, func(d Device) error {
		return d.Download(ctx, a, w, deleteFromDevice)
	})
}

func (e *Exclusive) Close() error { return e.dev.Close() }
