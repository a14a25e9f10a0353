// Package gphoto drives PTP/USB cameras through the gphoto2 command line tool.
package gphoto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"timelapser/internal/device"
	logx "timelapser/pkg/logx"
)

// Runner executes gphoto2 with args. When stdout is non-nil the command's
// standard output is streamed there and the returned bytes hold stderr only;
// otherwise both streams are returned combined.
type Runner func(ctx context.Context, stdout io.Writer, args ...string) ([]byte, error)

// ExecRunner runs the binary at bin.
func ExecRunner(bin string) Runner {
	return func(ctx context.Context, stdout io.Writer, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, bin, args...)
		var out bytes.Buffer
		if stdout != nil {
			cmd.Stdout = stdout
			cmd.Stderr = &out
		} else {
			cmd.Stdout = &out
			cmd.Stderr = &out
		}
		err := cmd.Run()
		return out.Bytes(), err
	}
}

type Options struct {
	// Binary defaults to "gphoto2" on PATH.
	Binary string
	// CommandTimeout bounds every gphoto2 invocation except downloads.
	CommandTimeout time.Duration
	// Runner overrides process execution (tests).
	Runner Runner
}

// Driver implements device.Enumerator. Camera handles are cached by port and
// replaced when a different model shows up on the same port.
type Driver struct {
	run     Runner
	timeout time.Duration
	log     logx.Logger

	mu    sync.Mutex
	cache map[string]*Camera
}

func New(opts Options, log logx.Logger) *Driver {
	if opts.Binary == "" {
		opts.Binary = "gphoto2"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	run := opts.Runner
	if run == nil {
		run = ExecRunner(opts.Binary)
	}
	return &Driver{
		run:     run,
		timeout: opts.CommandTimeout,
		log:     log.With(logx.String("comp", "gphoto")),
		cache:   map[string]*Camera{},
	}
}

func (d *Driver) exec(ctx context.Context, stdout io.Writer, args ...string) ([]byte, error) {
	if stdout == nil && d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.run(ctx, stdout, args...)
}

// Enumerate lists connected cameras. Cameras that are busy while being
// identified are skipped for this round.
func (d *Driver) Enumerate(ctx context.Context) ([]device.Device, error) {
	out, err := d.exec(ctx, nil, "--auto-detect")
	if err != nil {
		return nil, fmt.Errorf("%w: gphoto2 --auto-detect: %v: %s", device.ErrEnumerate, err, firstLine(out))
	}
	found := ParseAutoDetect(string(out))

	d.mu.Lock()
	defer d.mu.Unlock()

	present := make(map[string]struct{}, len(found))
	devs := make([]device.Device, 0, len(found))
	for _, f := range found {
		present[f.Port] = struct{}{}

		cam := d.cache[f.Port]
		if cam != nil && (cam.model != f.Model || cam.closed.Load()) {
			delete(d.cache, f.Port)
			cam = nil
		}
		if cam == nil {
			cam, err = d.identify(ctx, f)
			if err != nil {
				if errors.Is(err, device.ErrBusy) {
					d.log.Warn("camera busy, not using it", logx.String("model", f.Model), logx.String("port", f.Port), logx.Err(err))
				} else {
					d.log.Warn("camera identification failed", logx.String("model", f.Model), logx.String("port", f.Port), logx.Err(err))
				}
				continue
			}
			d.cache[f.Port] = cam
		}
		devs = append(devs, cam)
	}
	for port := range d.cache {
		if _, ok := present[port]; !ok {
			delete(d.cache, port)
		}
	}
	return devs, nil
}

func (d *Driver) identify(ctx context.Context, f Detected) (*Camera, error) {
	cam := &Camera{drv: d, model: f.Model, port: f.Port}

	// Captures must land on the card so they can be listed and fetched later.
	if out, err := cam.cmd(ctx, "--set-config-value", "capturetarget=Memory card"); err != nil {
		if isBusy(string(out)) {
			return nil, classify(err, out)
		}
		d.log.Debug("capturetarget not set", logx.String("port", f.Port), logx.String("out", firstLine(out)))
	}

	out, err := cam.cmd(ctx, "--summary")
	if err != nil {
		return nil, classify(err, out)
	}
	cam.serial = ParseSerial(string(out))
	if cam.serial == "" {
		d.log.Warn("no serial number in camera summary, using port as id", logx.String("model", f.Model), logx.String("port", f.Port))
	}
	d.log.Debug("camera identified", logx.String("model", f.Model), logx.String("port", f.Port), logx.String("serial", cam.serial))
	return cam, nil
}

// Camera is one gphoto2-addressable camera.
type Camera struct {
	drv    *Driver
	model  string
	port   string
	serial string
	closed atomic.Bool
}

func (c *Camera) ID() string {
	if c.serial != "" {
		return c.serial
	}
	return c.port
}

func (c *Camera) Model() string { return c.model }
func (c *Camera) Port() string  { return c.port }

func (c *Camera) cmd(ctx context.Context, args ...string) ([]byte, error) {
	return c.drv.exec(ctx, nil, append([]string{"--port", c.port}, args...)...)
}

func (c *Camera) Capture(ctx context.Context) (device.Artifact, error) {
	if c.closed.Load() {
		return device.Artifact{}, fmt.Errorf("%w: handle closed", device.ErrFault)
	}
	out, err := c.cmd(ctx, "--capture-image")
	if err != nil {
		return device.Artifact{}, classify(err, out)
	}
	return ParseCaptured(string(out))
}

func (c *Camera) Download(ctx context.Context, a device.Artifact, w io.Writer, deleteFromDevice bool) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: handle closed", device.ErrFault)
	}
	list, err := c.cmd(ctx, "--folder", a.Folder, "--list-files")
	if err != nil {
		return classify(err, list)
	}
	n, err := ParseFileNumber(string(list), a.Name)
	if err != nil {
		return err
	}
	num := strconv.Itoa(n)

	out, err := c.drv.exec(ctx, w, "--port", c.port, "--folder", a.Folder, "--get-file", num, "--stdout")
	if err != nil {
		return classify(err, out)
	}
	if !deleteFromDevice {
		return nil
	}
	if out, err := c.cmd(ctx, "--folder", a.Folder, "--delete-file", num); err != nil {
		return classify(err, out)
	}
	return nil
}

// Close marks the handle unusable; the next Enumerate creates a fresh one.
func (c *Camera) Close() error {
	c.closed.Store(true)
	return nil
}

func classify(err error, out []byte) error {
	if isBusy(string(out)) {
		return fmt.Errorf("%w: %s", device.ErrBusy, firstLine(out))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", device.ErrFault, err)
	}
	return fmt.Errorf("%w: %v: %s", device.ErrFault, err, firstLine(out))
}

// firstLine returns the first error-looking line of gphoto2 output.
func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "*** Error") || strings.Contains(line, "rror") {
			return line
		}
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
