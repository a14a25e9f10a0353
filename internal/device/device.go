// Package device defines the camera contract the scheduler depends on and the
// registry that turns driver enumeration into the set of active devices.
package device

import (
	"context"
	"errors"
	"io"
	"path"
)

var (
	// ErrEnumerate marks a transient failure listing devices. The registry
	// reports an empty set for that poll and retries on the next one.
	ErrEnumerate = errors.New("device enumeration failed")

	// ErrBusy means the device is temporarily claimed by someone else. It is
	// not a fault: the current capture is skipped and the device stays active.
	ErrBusy = errors.New("device busy")

	// ErrFault means the device handle is unusable. The scheduler evicts the
	// device and waits for it to be enumerated again.
	ErrFault = errors.New("device fault")
)

// Artifact locates a captured file on the device.
type Artifact struct {
	Folder string
	Name   string
}

func (a Artifact) Path() string { return path.Join(a.Folder, a.Name) }

func (a Artifact) IsZero() bool { return a.Name == "" }

// Device is a handle to one camera.
//
// Capture and Download are not safe for concurrent use on the same device;
// callers go through Exclusive.
type Device interface {
	// ID is stable across reconnects (serial number when the camera has one).
	ID() string
	Model() string

	// Capture triggers a capture and returns where the result is stored on
	// the device. Errors wrap ErrBusy or ErrFault.
	Capture(ctx context.Context) (Artifact, error)

	// Download copies the artifact into w. When deleteFromDevice is set the
	// artifact is removed from the device after a successful transfer.
	Download(ctx context.Context, a Artifact, w io.Writer, deleteFromDevice bool) error

	// Close releases the handle. It is called once per activation.
	Close() error
}

// Enumerator lists the currently connected devices. Errors are treated as
// transient.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func(ctx context.Context) ([]Device, error)

func (f EnumeratorFunc) Enumerate(ctx context.Context) ([]Device, error) { return f(ctx) }

// IDs returns the ids of devs in order.
func IDs(devs []Device) []string {
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.ID())
	}
	return out
}
