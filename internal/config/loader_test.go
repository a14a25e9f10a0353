package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"timelapser/internal/window"
)

func TestResolve_DefaultCaptureWhenListMissing(t *testing.T) {
	t.Parallel()

	s, err := Resolve("", &Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Captures) != 1 {
		t.Fatalf("expected 1 default capture, got %d", len(s.Captures))
	}
	c := s.Captures[0]
	if c.Window.Weekdays != window.AllWeekdays {
		t.Fatalf("weekdays=%s", c.Window.Weekdays)
	}
	if c.Window.Since != (window.TimeOfDay{}) || c.Window.Till != (window.TimeOfDay{Hour: 23, Minute: 59, Second: 59}) {
		t.Fatalf("window=%s", c.Window)
	}
	if c.Window.Interval != 10*time.Second {
		t.Fatalf("interval=%s", c.Window.Interval)
	}
	if c.Bound() || !c.KeepOnDevice {
		t.Fatalf("unexpected capture %s", c)
	}
	if len(c.Sinks) != 1 || c.Sinks[0].Type != SinkFilesystem || c.Sinks[0].StorePath != DefaultStorePath {
		t.Fatalf("sinks=%v", c.Sinks)
	}
	if s.RefreshInterval != DefaultRefreshInterval || s.MaxConcurrentJobs != DefaultMaxConcurrentJobs {
		t.Fatalf("scheduler defaults not applied: %+v", s)
	}
	if !s.Hotplug.Enabled || s.History.Driver != "none" || s.Debug.Addr != DefaultDebugAddr {
		t.Fatalf("section defaults not applied: %+v", s)
	}
}

func TestParse_YAMLFlexibleForms(t *testing.T) {
	t.Parallel()

	doc := `
scheduler:
  refresh_interval: 2s
  max_concurrent_jobs: 3
  timezone: UTC
timelapse_configuration:
  - week_days: [tue, WED, Thu]
    since_tod: "22:00"
    till_tod: {hour: 10, minute: 30}
    frequency: 60
    camera_sn: " ABC123 "
    keep_on_camera: false
    datastore:
      type: filesystem
      store_path: /srv/tl
  - frequency: 5m
    datastore:
      - type: filesystem
        store_path: /a
      - type: s3
        store_path: cams/
        bucket: pics
        access_key_id: AKIA
        secret_access_key: shh
`
	cfg, err := Parse("x.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s, err := Resolve("x.yaml", cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.RefreshInterval != 2*time.Second || s.MaxConcurrentJobs != 3 || s.Location != time.UTC {
		t.Fatalf("scheduler settings: %+v", s)
	}
	if len(s.Captures) != 2 {
		t.Fatalf("captures=%d", len(s.Captures))
	}

	a := s.Captures[0]
	if a.Window.Weekdays != window.NewWeekdays(1, 2, 3) || !a.Window.Wraps() {
		t.Fatalf("capture 0 window=%s", a.Window)
	}
	if a.Window.Till != (window.TimeOfDay{Hour: 10, Minute: 30}) || a.Window.Interval != time.Minute {
		t.Fatalf("capture 0 window=%s", a.Window)
	}
	if a.DeviceID != "ABC123" || a.KeepOnDevice || !a.AppliesTo("ABC123") || a.AppliesTo("other") {
		t.Fatalf("capture 0=%s", a)
	}

	b := s.Captures[1]
	if b.Index != 1 || b.Window.Interval != 5*time.Minute || b.Bound() || !b.KeepOnDevice {
		t.Fatalf("capture 1=%s", b)
	}
	if len(b.Sinks) != 2 || b.Sinks[1].Type != SinkS3 {
		t.Fatalf("capture 1 sinks=%v", b.Sinks)
	}
	if strings.Contains(b.String(), "shh") || strings.Contains(b.String(), "AKIA") {
		t.Fatalf("capture string leaks credentials: %s", b)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Parse("x.json", []byte(`{"scheduler":{"refresh":"5s"}}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	_, err = Parse("x.yaml", []byte("timelapse_configuration:\n  - datastore: {type: filesystem, store_path: /x, colour: red}\n"))
	if err == nil {
		t.Fatalf("expected unknown datastore key to be rejected")
	}
}

func TestResolve_CollectsAllProblems(t *testing.T) {
	t.Parallel()

	doc := `{
  "scheduler": {"refresh_interval": "soon", "timezone": "Mars/Olympus"},
  "history": {"driver": "mongo"},
  "timelapse_configuration": [
    {"week_days": ["Funday"], "frequency": 0, "datastore": {"type": "s3", "store_path": "p"}},
    {"datastore": [{"type": "dropbox", "store_path": "p"}, {"type": "filesystem"}]},
    {"datastore": {"type": "sftp", "store_path": "/in", "host": "h", "user": "u"}}
  ]
}`
	cfg, err := Parse("x.json", []byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = Resolve("x.json", cfg)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	wants := []string{
		"scheduler.refresh_interval",
		"scheduler.timezone",
		"history.driver",
		"timelapse_configuration[0].week_days",
		"timelapse_configuration[0].frequency",
		"timelapse_configuration[0].datastore[0].bucket",
		"timelapse_configuration[0].datastore[0].access_key_id",
		"timelapse_configuration[1].datastore[0].type",
		"timelapse_configuration[1].datastore[1].store_path",
		"timelapse_configuration[2].datastore[0]: sftp needs password",
	}
	msg := verr.Error()
	for _, w := range wants {
		if !strings.Contains(msg, w) {
			t.Fatalf("expected problem mentioning %q in:\n%s", w, msg)
		}
	}
}

func TestResolve_EmptyListRejected(t *testing.T) {
	t.Parallel()

	cfg, err := Parse("x.json", []byte(`{"timelapse_configuration": []}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := Resolve("x.json", cfg); err == nil {
		t.Fatalf("expected error for empty capture list")
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "timelapser.yml")
	body := "timelapse_configuration:\n  - since_tod: {hour: 6}\n    till_tod: \"18:00:30\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Path != path || len(s.Captures) != 1 {
		t.Fatalf("settings=%+v", s)
	}
	w := s.Captures[0].Window
	if w.Since != (window.TimeOfDay{Hour: 6}) || w.Till != (window.TimeOfDay{Hour: 18, Second: 30}) {
		t.Fatalf("window=%s", w)
	}
}

func TestSearchPaths_Order(t *testing.T) {
	t.Parallel()

	paths := SearchPaths()
	if len(paths) < 6 {
		t.Fatalf("paths=%v", paths)
	}
	if paths[0] != filepath.Join(".", "timelapser.yaml") {
		t.Fatalf("first path=%q", paths[0])
	}
	if last := paths[len(paths)-1]; last != "/etc/timelapser.json" {
		t.Fatalf("last path=%q", last)
	}
}
