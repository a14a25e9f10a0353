package gphoto

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"timelapser/internal/device"
	logx "timelapser/pkg/logx"
)

const autoDetect = `Model                          Port
----------------------------------------------------------
Canon EOS 1000D                usb:002,007
Nikon DSC D750                 usb:001,004
`

func TestParseAutoDetect(t *testing.T) {
	t.Parallel()

	got := ParseAutoDetect(autoDetect)
	want := []Detected{{"Canon EOS 1000D", "usb:002,007"}, {"Nikon DSC D750", "usb:001,004"}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	if rows := ParseAutoDetect("Model  Port\n------\n"); len(rows) != 0 {
		t.Fatalf("expected no rows, got %v", rows)
	}
}

func TestParseSerial(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"Manufacturer: Canon Inc.\n  Serial Number: 4a1b2c3d4e\nVersion: 3-1.0.0\n", "4a1b2c3d4e"},
		{"Serial Number: 00000000000000000000000000000000\n", ""},
		{"Model: X\n", ""},
	}
	for _, tc := range cases {
		if got := ParseSerial(tc.in); got != tc.want {
			t.Fatalf("ParseSerial(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseCaptured(t *testing.T) {
	t.Parallel()

	a, err := ParseCaptured("New file is in location /store_00010001/DCIM/100CANON/IMG_0042.JPG on the camera\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Folder != "/store_00010001/DCIM/100CANON" || a.Name != "IMG_0042.JPG" {
		t.Fatalf("artifact=%+v", a)
	}
	if _, err := ParseCaptured("nothing here"); !errors.Is(err, device.ErrFault) {
		t.Fatalf("expected ErrFault, got %v", err)
	}
}

func TestParseFileNumber(t *testing.T) {
	t.Parallel()

	out := `There are 2 files in folder '/store_00010001/DCIM/100CANON':
#1     IMG_0041.JPG               rd  4211 KB 3888x2592 image/jpeg
#2     IMG_0042.JPG               rd  4302 KB 3888x2592 image/jpeg
`
	n, err := ParseFileNumber(out, "IMG_0042.JPG")
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, err := ParseFileNumber(out, "IMG_9999.JPG"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

// scripted answers gphoto2 invocations by matching the joined args.
type scripted struct {
	mu    sync.Mutex
	calls []string
	reply func(args string, stdout io.Writer) ([]byte, error)
}

func (s *scripted) run(_ context.Context, stdout io.Writer, args ...string) ([]byte, error) {
	joined := strings.Join(args, " ")
	s.mu.Lock()
	s.calls = append(s.calls, joined)
	s.mu.Unlock()
	return s.reply(joined, stdout)
}

func (s *scripted) count(sub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

var errExit = errors.New("exit status 1")

func TestDriver_EnumerateCachesAndSkipsBusy(t *testing.T) {
	t.Parallel()

	s := &scripted{reply: func(args string, _ io.Writer) ([]byte, error) {
		switch {
		case args == "--auto-detect":
			return []byte(autoDetect), nil
		case strings.Contains(args, "usb:001,004"):
			return []byte("*** Error (-53: 'Could not claim the USB device') ***"), errExit
		case strings.HasSuffix(args, "--summary"):
			return []byte("Serial Number: SN1000D\n"), nil
		default:
			return nil, nil
		}
	}}
	d := New(Options{Runner: s.run}, logx.Nop())

	devs, err := d.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(devs) != 1 || devs[0].ID() != "SN1000D" || devs[0].Model() != "Canon EOS 1000D" {
		t.Fatalf("devices=%v", device.IDs(devs))
	}

	again, _ := d.Enumerate(context.Background())
	if len(again) != 1 || again[0] != devs[0] {
		t.Fatalf("expected cached handle")
	}
	if n := s.count("usb:002,007 --summary"); n != 1 {
		t.Fatalf("summary called %d times, want 1", n)
	}

	// A closed handle is replaced on the next enumeration.
	_ = devs[0].Close()
	third, _ := d.Enumerate(context.Background())
	if len(third) != 1 || third[0] == devs[0] {
		t.Fatalf("expected a fresh handle after close")
	}
}

func TestDriver_EnumerateFailure(t *testing.T) {
	t.Parallel()

	s := &scripted{reply: func(string, io.Writer) ([]byte, error) {
		return []byte("*** Error: No camera found ***"), errExit
	}}
	d := New(Options{Runner: s.run}, logx.Nop())
	if _, err := d.Enumerate(context.Background()); !errors.Is(err, device.ErrEnumerate) {
		t.Fatalf("expected ErrEnumerate, got %v", err)
	}
}

func TestCamera_CaptureDownloadDelete(t *testing.T) {
	t.Parallel()

	s := &scripted{reply: func(args string, stdout io.Writer) ([]byte, error) {
		switch {
		case strings.HasSuffix(args, "--capture-image"):
			return []byte("New file is in location /DCIM/100CANON/IMG_0007.JPG on the camera\n"), nil
		case strings.HasSuffix(args, "--list-files"):
			return []byte("#1 IMG_0006.JPG rd 1 KB\n#2 IMG_0007.JPG rd 1 KB\n"), nil
		case strings.Contains(args, "--get-file 2 --stdout"):
			_, _ = stdout.Write([]byte("JPEGDATA"))
			return nil, nil
		case strings.Contains(args, "--delete-file 2"):
			return nil, nil
		default:
			return nil, errExit
		}
	}}
	d := New(Options{Runner: s.run}, logx.Nop())
	cam := &Camera{drv: d, model: "Canon", port: "usb:002,007", serial: "SN"}

	a, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	var buf bytes.Buffer
	if err := cam.Download(context.Background(), a, &buf, true); err != nil {
		t.Fatalf("download: %v", err)
	}
	if buf.String() != "JPEGDATA" {
		t.Fatalf("payload=%q", buf.String())
	}
	if s.count("--delete-file 2") != 1 {
		t.Fatalf("expected delete call, calls=%v", s.calls)
	}

	buf.Reset()
	if err := cam.Download(context.Background(), a, &buf, false); err != nil {
		t.Fatalf("download keep: %v", err)
	}
	if s.count("--delete-file") != 1 {
		t.Fatalf("keep_on_device must not delete")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if err := classify(errExit, []byte("*** Error (-53: 'Could not claim the USB device') ***")); !errors.Is(err, device.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := classify(errExit, []byte("*** Error (-7: 'I/O problem') ***")); !errors.Is(err, device.ErrFault) {
		t.Fatalf("expected ErrFault, got %v", err)
	}
	if err := classify(context.DeadlineExceeded, nil); !errors.Is(err, device.ErrFault) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline fault, got %v", err)
	}
}
