package logx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.With(String("comp", "x")).Error("dropped", Err(errors.New("boom")))
	if Nop().Enabled(LevelError) {
		t.Fatalf("nop logger should not be enabled")
	}
}

func TestFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "timelapser.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})

	log.With(String("comp", "scheduler")).Debug("entry added",
		String("device", "SN-1"), Duration("interval", 1500*time.Millisecond), Err(nil))
	log.Trace("below level")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"comp":"scheduler"`, `"device":"SN-1"`, `"interval":"1.5s"`, `"caller":"logx_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
	if strings.Contains(out, "below level") || strings.Contains(out, `"err"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{"warning": LevelWarn, " ERROR ": LevelError, "trace": LevelTrace, "loud": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}
