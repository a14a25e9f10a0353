package config

// Config is the on-disk document. Both YAML and JSON are accepted; unknown
// keys are rejected.
//
// Example (YAML):
//
//	scheduler:
//	  refresh_interval: 5s
//	  max_concurrent_jobs: 2
//	timelapse_configuration:
//	  - week_days: [Mon, Tue, Wed]
//	    since_tod: "10:30"
//	    till_tod: {hour: 22}
//	    frequency: 60
//	    datastore:
//	      type: filesystem
//	      store_path: /srv/timelapse
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Camera    CameraConfig    `json:"camera"`
	Hotplug   HotplugConfig   `json:"hotplug"`
	History   HistoryConfig   `json:"history"`
	Debug     DebugConfig     `json:"debug"`

	// Timelapse lists capture configurations. When the key is missing a single
	// default capture is used.
	Timelapse []CaptureRaw `json:"timelapse_configuration,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// CameraConfig controls the gphoto2 driver.
type CameraConfig struct {
	Binary         string `json:"binary,omitempty"`          // default: "gphoto2" on PATH
	CommandTimeout string `json:"command_timeout,omitempty"` // default: 30s; downloads are not bounded
}

// SchedulerConfig controls device polling and job execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - refresh_interval: "5s"
//   - max_concurrent_jobs: 2
//   - timezone: local time
//   - staging_dir: OS temp dir + "/timelapser"
//   - release_timeout: "2m"
type SchedulerConfig struct {
	RefreshInterval   string `json:"refresh_interval,omitempty"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs,omitempty" validate:"gte=0"`
	Timezone          string `json:"timezone,omitempty"`
	StagingDir        string `json:"staging_dir,omitempty"`

	// ReleaseTimeout bounds how long a removed device waits for its running
	// jobs before the handle is closed anyway.
	ReleaseTimeout string `json:"release_timeout,omitempty"`
}

// HotplugConfig triggers an early device refresh when USB device nodes change.
// Enabled is a pointer so an omitted section defaults to on.
type HotplugConfig struct {
	Enabled  *bool    `json:"enabled,omitempty"`
	Paths    []string `json:"paths,omitempty"`
	Debounce string   `json:"debounce,omitempty"`
}

// HistoryConfig controls the optional capture history store.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./timelapser_history.db" }
type HistoryConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server (health, status,
// metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
