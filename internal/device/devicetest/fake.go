// Package devicetest provides in-memory devices for tests.
package devicetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"timelapser/internal/device"
)

// Device is a scriptable device.Device.
type Device struct {
	DeviceID    string
	DeviceModel string

	// Payload is written by Download.
	Payload []byte

	// CaptureErr / DownloadErr are returned when set.
	CaptureErr  error
	DownloadErr error

	// Block, when set, makes Capture wait until it is closed or ctx is done.
	Block chan struct{}

	mu      sync.Mutex
	seq     int
	deleted []device.Artifact
	inUse   int32
	overlap int32

	Captures  atomic.Int32
	Downloads atomic.Int32
	Closes    atomic.Int32
}

func New(id string) *Device {
	return &Device{DeviceID: id, DeviceModel: "Fake Camera", Payload: []byte("jpeg:" + id)}
}

func (d *Device) ID() string    { return d.DeviceID }
func (d *Device) Model() string { return d.DeviceModel }

func (d *Device) enter() func() {
	if atomic.AddInt32(&d.inUse, 1) > 1 {
		atomic.StoreInt32(&d.overlap, 1)
	}
	return func() { atomic.AddInt32(&d.inUse, -1) }
}

// Overlapped reports whether two operations were ever in flight at once.
func (d *Device) Overlapped() bool { return atomic.LoadInt32(&d.overlap) == 1 }

func (d *Device) Capture(ctx context.Context) (device.Artifact, error) {
	defer d.enter()()
	d.Captures.Add(1)
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return device.Artifact{}, ctx.Err()
		}
	}
	if d.CaptureErr != nil {
		return device.Artifact{}, d.CaptureErr
	}
	d.mu.Lock()
	d.seq++
	n := d.seq
	d.mu.Unlock()
	return device.Artifact{Folder: "/store_00010001/DCIM/100CANON", Name: fmt.Sprintf("IMG_%04d.JPG", n)}, nil
}

func (d *Device) Download(_ context.Context, a device.Artifact, w io.Writer, deleteFromDevice bool) error {
	defer d.enter()()
	d.Downloads.Add(1)
	if d.DownloadErr != nil {
		return d.DownloadErr
	}
	if _, err := w.Write(d.Payload); err != nil {
		return fmt.Errorf("%w: write: %v", device.ErrFault, err)
	}
	if deleteFromDevice {
		d.mu.Lock()
		d.deleted = append(d.deleted, a)
		d.mu.Unlock()
	}
	return nil
}

// Deleted lists artifacts removed from the device by Download.
func (d *Device) Deleted() []device.Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.Artifact(nil), d.deleted...)
}

func (d *Device) Close() error {
	d.Closes.Add(1)
	return nil
}

// Enumerator returns whatever device set was last stored with Set.
type Enumerator struct {
	mu   sync.Mutex
	devs []device.Device
	err  error
}

func (e *Enumerator) Set(devs ...device.Device) {
	e.mu.Lock()
	e.devs = devs
	e.err = nil
	e.mu.Unlock()
}

func (e *Enumerator) Fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *Enumerator) Enumerate(context.Context) ([]device.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]device.Device(nil), e.devs...), nil
}
