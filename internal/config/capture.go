package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"timelapser/internal/window"
)

// Sink kinds.
const (
	SinkFilesystem = "filesystem"
	SinkS3         = "s3"
	SinkSFTP       = "sftp"
	SinkFTP        = "ftp"
)

// CaptureRaw is one entry of timelapse_configuration as written by the
// operator. Missing keys fall back to the defaults of DefaultCaptureRaw.
type CaptureRaw struct {
	WeekDays     []string      `json:"week_days,omitempty"`
	SinceTOD     *TimeOfDayRaw `json:"since_tod,omitempty"`
	TillTOD      *TimeOfDayRaw `json:"till_tod,omitempty"`
	Frequency    *Frequency    `json:"frequency,omitempty"`
	CameraSN     string        `json:"camera_sn,omitempty"`
	KeepOnCamera *bool         `json:"keep_on_camera,omitempty"`
	Datastore    SinkList      `json:"datastore,omitempty"`
}

// TimeOfDayRaw accepts either {"hour": 10, "minute": 30} or "10:30[:00]".
type TimeOfDayRaw struct {
	window.TimeOfDay
}

func (t *TimeOfDayRaw) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		tod, err := window.ParseTimeOfDay(s)
		if err != nil {
			return err
		}
		t.TimeOfDay = tod
		return nil
	}

	var m struct {
		Hour   int `json:"hour"`
		Minute int `json:"minute"`
		Second int `json:"second"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("time of day: %w", err)
	}
	t.TimeOfDay = window.TimeOfDay{Hour: m.Hour, Minute: m.Minute, Second: m.Second}
	return nil
}

func (t TimeOfDayRaw) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.TimeOfDay.String())
}

// Frequency is the firing interval. A bare number is whole seconds; a string
// is a Go duration ("90s", "5m").
type Frequency time.Duration

func (f *Frequency) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("frequency: %w", err)
		}
		*f = Frequency(d)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("frequency: expected seconds or duration string: %w", err)
	}
	*f = Frequency(time.Duration(n * float64(time.Second)))
	return nil
}

func (f Frequency) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(f).String())
}

// SinkSpec describes one storage destination ("datastore").
//
// filesystem: store_path is the target directory.
// s3:         store_path is the key prefix inside bucket.
// sftp/ftp:   store_path is the remote directory.
type SinkSpec struct {
	Type      string `json:"type" validate:"required,oneof=filesystem s3 sftp ftp"`
	StorePath string `json:"store_path" validate:"required"`

	// s3
	Bucket          string `json:"bucket,omitempty" validate:"required_if=Type s3"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKeyID     string `json:"access_key_id,omitempty" validate:"required_if=Type s3"`
	SecretAccessKey string `json:"secret_access_key,omitempty" validate:"required_if=Type s3"`
	SessionToken    string `json:"session_token,omitempty"`
	UsePathStyle    bool   `json:"use_path_style,omitempty"`

	// sftp, ftp
	Host                  string `json:"host,omitempty" validate:"required_if=Type sftp,required_if=Type ftp"`
	Port                  int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	User                  string `json:"user,omitempty" validate:"required_if=Type sftp,required_if=Type ftp"`
	Password              string `json:"password,omitempty"`
	PrivateKeyPath        string `json:"private_key_path,omitempty"`
	KnownHostsPath        string `json:"known_hosts_path,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty"`
	Timeout               string `json:"timeout,omitempty"`
}

// String never includes credentials.
func (s SinkSpec) String() string {
	switch s.Type {
	case SinkS3:
		if s.Endpoint != "" {
			return fmt.Sprintf("s3://%s/%s (endpoint %s)", s.Bucket, strings.TrimPrefix(s.StorePath, "/"), s.Endpoint)
		}
		return fmt.Sprintf("s3://%s/%s", s.Bucket, strings.TrimPrefix(s.StorePath, "/"))
	case SinkSFTP, SinkFTP:
		port := ""
		if s.Port > 0 {
			port = fmt.Sprintf(":%d", s.Port)
		}
		return fmt.Sprintf("%s://%s@%s%s%s", s.Type, s.User, s.Host, port, s.StorePath)
	default:
		return fmt.Sprintf("%s:%s", s.Type, s.StorePath)
	}
}

// SinkList accepts either a single datastore object or a list of them.
type SinkList []SinkSpec

func (l *SinkList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var one SinkSpec
		if err := strictDecode(b, &one); err != nil {
			return fmt.Errorf("datastore: %w", err)
		}
		*l = SinkList{one}
		return nil
	}
	var many []SinkSpec
	if err := strictDecode(b, &many); err != nil {
		return fmt.Errorf("datastore: %w", err)
	}
	*l = many
	return nil
}

// Capture is a validated, immutable capture configuration.
type Capture struct {
	// Index is the position in timelapse_configuration (0-based).
	Index int

	Window window.Window

	// DeviceID binds the capture to one camera serial number. Empty means the
	// capture applies to every connected camera.
	DeviceID string

	KeepOnDevice bool
	Sinks        []SinkSpec
}

// Bound reports whether the capture targets a specific device.
func (c Capture) Bound() bool { return c.DeviceID != "" }

// AppliesTo reports whether the capture should run on the given device.
func (c Capture) AppliesTo(deviceID string) bool {
	return c.DeviceID == "" || c.DeviceID == deviceID
}

func (c Capture) String() string {
	dev := c.DeviceID
	if dev == "" {
		dev = "*"
	}
	sinks := make([]string, 0, len(c.Sinks))
	for _, s := range c.Sinks {
		sinks = append(sinks, s.String())
	}
	return fmt.Sprintf("capture#%d device=%s window=[%s] keep_on_device=%t sinks=[%s]",
		c.Index, dev, c.Window, c.KeepOnDevice, strings.Join(sinks, ", "))
}

// DefaultCaptureRaw mirrors the built-in capture used when nothing is configured.
func DefaultCaptureRaw() CaptureRaw {
	freq := Frequency(10 * time.Second)
	keep := true
	return CaptureRaw{
		WeekDays:     []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"},
		SinceTOD:     &TimeOfDayRaw{window.TimeOfDay{}},
		TillTOD:      &TimeOfDayRaw{window.TimeOfDay{Hour: 23, Minute: 59, Second: 59}},
		Frequency:    &freq,
		KeepOnCamera: &keep,
		Datastore:    SinkList{{Type: SinkFilesystem, StorePath: DefaultStorePath}},
	}
}

// DefaultStorePath is relative to the working directory of the process.
const DefaultStorePath = "./timelapser_store"

// withDefaults fills every missing key from DefaultCaptureRaw.
func (r CaptureRaw) withDefaults() CaptureRaw {
	def := DefaultCaptureRaw()
	if r.WeekDays == nil {
		r.WeekDays = def.WeekDays
	}
	if r.SinceTOD == nil {
		r.SinceTOD = def.SinceTOD
	}
	if r.TillTOD == nil {
		r.TillTOD = def.TillTOD
	}
	if r.Frequency == nil {
		r.Frequency = def.Frequency
	}
	if r.KeepOnCamera == nil {
		r.KeepOnCamera = def.KeepOnCamera
	}
	if r.Datastore == nil {
		r.Datastore = def.Datastore
	}
	return r
}
