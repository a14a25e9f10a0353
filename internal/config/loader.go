package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"timelapser/internal/window"
)

// FileBaseName is the config file name searched in the preferred locations.
const FileBaseName = "timelapser"

var fileExts = []string{".yaml", ".yml", ".json"}

// Defaults for the resolved settings.
const (
	DefaultRefreshInterval   = 5 * time.Second
	DefaultMaxConcurrentJobs = 2
	DefaultReleaseTimeout    = 2 * time.Minute
	DefaultHotplugDebounce   = 500 * time.Millisecond
	DefaultDebugAddr         = "127.0.0.1:6061"
	DefaultHistoryBusy       = 5 * time.Second
	DefaultHotplugPath       = "/dev/bus/usb"
	DefaultCameraBinary      = "gphoto2"
	DefaultCameraTimeout     = 30 * time.Second
)

// Settings is the validated, resolved form of Config.
type Settings struct {
	// Path is the file the settings came from; empty when built-in defaults are used.
	Path string

	Logging LoggingConfig

	RefreshInterval   time.Duration
	MaxConcurrentJobs int
	Location          *time.Location
	StagingDir        string
	ReleaseTimeout    time.Duration

	Camera  CameraSettings
	Hotplug HotplugSettings
	History HistorySettings
	Debug   DebugConfig

	Captures []Capture
}

type CameraSettings struct {
	Binary         string
	CommandTimeout time.Duration
}

type HotplugSettings struct {
	Enabled  bool
	Paths    []string
	Debounce time.Duration
}

type HistorySettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// SearchPaths lists the preferred config locations, most preferred first:
// working directory, home directory, /etc.
func SearchPaths() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, home)
	}
	dirs = append(dirs, "/etc")

	out := make([]string, 0, len(dirs)*len(fileExts))
	for _, d := range dirs {
		for _, ext := range fileExts {
			out = append(out, filepath.Join(d, FileBaseName+ext))
		}
	}
	return out
}

// Discover returns the first existing file of SearchPaths, or "" if none exists.
func Discover() string {
	for _, p := range SearchPaths() {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// Load reads, parses and validates a config file. An empty path triggers
// discovery; when no file is found the built-in defaults are returned.
func Load(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		path = Discover()
	}
	if path == "" {
		return Resolve("", &Config{})
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	return Resolve(path, cfg)
}

// Parse decodes raw YAML or JSON (chosen by the extension of path) into a Config.
func Parse(path string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, &ValidationError{Path: path, Problems: []string{err.Error()}}
	}
	if len(bytes.TrimSpace(jb)) == 0 || string(bytes.TrimSpace(jb)) == "null" {
		return &Config{}, nil
	}

	var cfg Config
	if err := strictDecode(jb, &cfg); err != nil {
		return nil, &ValidationError{Path: path, Problems: []string{fmt.Sprintf("%s decode: %v", format, err)}}
	}
	return &cfg, nil
}

func strictDecode(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("trailing data")
		}
		return err
	}
	return nil
}

// Resolve applies defaults and validates cfg. Every problem is reported in a
// single *ValidationError.
func Resolve(path string, cfg *Config) (*Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	verr := &ValidationError{Path: path}
	s := &Settings{Path: path, Logging: cfg.Logging, Debug: cfg.Debug}

	checkStruct(verr, "scheduler", cfg.Scheduler)
	checkStruct(verr, "history", cfg.History)

	var err error
	if s.RefreshInterval, err = ParseDurationOrDefault("scheduler.refresh_interval", cfg.Scheduler.RefreshInterval, DefaultRefreshInterval); err != nil {
		verr.addf("%v", err)
	}
	if s.ReleaseTimeout, err = ParseDurationOrDefault("scheduler.release_timeout", cfg.Scheduler.ReleaseTimeout, DefaultReleaseTimeout); err != nil {
		verr.addf("%v", err)
	}
	s.MaxConcurrentJobs = cfg.Scheduler.MaxConcurrentJobs
	if s.MaxConcurrentJobs <= 0 {
		s.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}

	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			verr.addf("scheduler.timezone: %v", err)
		} else {
			s.Location = loc
		}
	}

	s.StagingDir = strings.TrimSpace(cfg.Scheduler.StagingDir)
	if s.StagingDir == "" {
		s.StagingDir = filepath.Join(os.TempDir(), "timelapser")
	}

	s.Camera.Binary = strings.TrimSpace(cfg.Camera.Binary)
	if s.Camera.Binary == "" {
		s.Camera.Binary = DefaultCameraBinary
	}
	if s.Camera.CommandTimeout, err = ParseDurationOrDefault("camera.command_timeout", cfg.Camera.CommandTimeout, DefaultCameraTimeout); err != nil {
		verr.addf("%v", err)
	}

	s.Hotplug.Enabled = cfg.Hotplug.Enabled == nil || *cfg.Hotplug.Enabled
	s.Hotplug.Paths = cfg.Hotplug.Paths
	if len(s.Hotplug.Paths) == 0 {
		s.Hotplug.Paths = []string{DefaultHotplugPath}
	}
	if s.Hotplug.Debounce, err = ParseDurationOrDefault("hotplug.debounce", cfg.Hotplug.Debounce, DefaultHotplugDebounce); err != nil {
		verr.addf("%v", err)
	}

	s.History.Driver = strings.ToLower(strings.TrimSpace(cfg.History.Driver))
	if s.History.Driver == "" {
		s.History.Driver = "none"
	}
	s.History.Path = strings.TrimSpace(cfg.History.Path)
	if s.History.Driver != "none" && s.History.Path == "" {
		verr.addf("history.path: required for driver %q", s.History.Driver)
	}
	if s.History.BusyTimeout, err = ParseDurationOrDefault("history.busy_timeout", cfg.History.BusyTimeout, DefaultHistoryBusy); err != nil {
		verr.addf("%v", err)
	}

	if strings.TrimSpace(s.Debug.Addr) == "" {
		s.Debug.Addr = DefaultDebugAddr
	}

	raws := cfg.Timelapse
	if raws == nil {
		raws = []CaptureRaw{DefaultCaptureRaw()}
	}
	for i, raw := range raws {
		c, ok := resolveCapture(verr, i, raw)
		if ok {
			s.Captures = append(s.Captures, c)
		}
	}
	if len(raws) == 0 {
		verr.addf("timelapse_configuration: at least one capture is required")
	}

	if !verr.empty() {
		return nil, verr
	}
	return s, nil
}

func resolveCapture(verr *ValidationError, idx int, raw CaptureRaw) (Capture, bool) {
	prefix := fmt.Sprintf("timelapse_configuration[%d]", idx)
	before := len(verr.Problems)
	raw = raw.withDefaults()

	days, err := window.ParseWeekdays(raw.WeekDays)
	if err != nil {
		verr.addf("%s.week_days: %v", prefix, err)
	} else if days.Empty() {
		verr.addf("%s.week_days: at least one week day is required", prefix)
	}

	since, till := raw.SinceTOD.TimeOfDay, raw.TillTOD.TimeOfDay
	if err := since.Validate(); err != nil {
		verr.addf("%s.since_tod: %v", prefix, err)
	}
	if err := till.Validate(); err != nil {
		verr.addf("%s.till_tod: %v", prefix, err)
	}

	interval := time.Duration(*raw.Frequency)
	if interval < time.Second {
		verr.addf("%s.frequency: must be at least 1s, got %s", prefix, interval)
	}

	if len(raw.Datastore) == 0 {
		verr.addf("%s.datastore: at least one datastore is required", prefix)
	}
	for j, ds := range raw.Datastore {
		dsPrefix := fmt.Sprintf("%s.datastore[%d]", prefix, j)
		checkStruct(verr, dsPrefix, ds)
		if ds.Timeout != "" {
			if _, err := ParseDurationField(dsPrefix+".timeout", ds.Timeout); err != nil {
				verr.addf("%v", err)
			}
		}
		if ds.Type == SinkSFTP && ds.Password == "" && ds.PrivateKeyPath == "" {
			verr.addf("%s: sftp needs password or private_key_path", dsPrefix)
		}
	}

	if len(verr.Problems) != before {
		return Capture{}, false
	}
	return Capture{
		Index: idx,
		Window: window.Window{
			Weekdays: days,
			Since:    since,
			Till:     till,
			Interval: interval,
		},
		DeviceID:     strings.TrimSpace(raw.CameraSN),
		KeepOnDevice: *raw.KeepOnCamera,
		Sinks:        append([]SinkSpec(nil), raw.Datastore...),
	}, true
}
