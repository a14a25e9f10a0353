package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"timelapser/internal/config"
	"timelapser/internal/device/devicetest"
	logx "timelapser/pkg/logx"
)

func loadSettings(t *testing.T, dir string) *config.Settings {
	t.Helper()
	yaml := fmt.Sprintf(`
logging:
  level: ERROR
scheduler:
  refresh_interval: 50ms
  release_timeout: 1s
  staging_dir: /staging
  timezone: UTC
hotplug:
  enabled: false
history:
  driver: file
  path: %s
timelapse_configuration:
  - frequency: 1
    keep_on_camera: false
    datastore:
      type: filesystem
      store_path: %s
`, filepath.Join(dir, "history.jsonl"), filepath.Join(dir, "store"))
	path := filepath.Join(dir, "timelapser.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	s, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestApp_CapturesToStoreAndHistory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := loadSettings(t, dir)

	cam := devicetest.New("SN-42")
	enum := &devicetest.Enumerator{}
	enum.Set(cam)

	a, err := New(context.Background(), s, Options{Enumerator: enum, Staging: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	store := filepath.Join(dir, "store")
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, _ := os.ReadDir(store)
		if len(entries) > 0 {
			if !strings.HasPrefix(entries[0].Name(), "SN-42_") {
				t.Fatalf("unexpected stored file %q", entries[0].Name())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no capture stored")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := a.Scheduler().Snapshot(); len(got.Devices) != 1 || got.Devices[0].ID != "SN-42" {
		t.Fatalf("snapshot=%+v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if cam.Closes.Load() != 1 {
		t.Fatalf("device closed %d times", cam.Closes.Load())
	}
	if len(cam.Deleted()) == 0 {
		t.Fatalf("keep_on_camera=false should delete from the camera")
	}
	b, err := os.ReadFile(filepath.Join(dir, "history.captures.jsonl"))
	if err != nil || !strings.Contains(string(b), `"device_id":"SN-42"`) {
		t.Fatalf("history not written: %v %q", err, b)
	}
}

func TestApp_RejectsBadSink(t *testing.T) {
	t.Parallel()

	s := loadSettings(t, t.TempDir())
	s.Captures[0].Sinks[0].Type = "dropbox"
	if _, err := New(context.Background(), s, Options{Enumerator: &devicetest.Enumerator{}, Staging: afero.NewMemMapFs()}); err == nil {
		t.Fatalf("expected sink construction error")
	}
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	s := loadSettings(t, t.TempDir())
	a, b := devicetest.New("B"), devicetest.New("A")
	enum := &devicetest.Enumerator{}
	enum.Set(a, b)

	got, err := ListDevices(context.Background(), s, enum, logx.Nop())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "A" || got[1].Model != "Fake Camera" {
		t.Fatalf("devices=%+v", got)
	}
	if a.Closes.Load() != 1 || b.Closes.Load() != 1 {
		t.Fatalf("handles not released")
	}

	enum.Fail(errors.New("libusb"))
	if _, err := ListDevices(context.Background(), s, enum, logx.Nop()); err == nil {
		t.Fatalf("expected enumeration error")
	}
}
