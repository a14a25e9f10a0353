package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "timelapser/pkg/logx"
)

const (
	fileRecentKeep  = 512
	fileRotateLines = 100_000
)

// fileStore appends JSON Lines.
//
// Files:
//   - <prefix>.captures.jsonl   (append-only; rotated to .1 after fileRotateLines)
//   - <prefix>.devices.jsonl    (append-only)
//
// The newest captures are kept in memory for RecentCaptures.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	capturesPath string
	captures     *os.File
	devices      *os.File
	lines        int

	recent []CaptureRecord // ring, oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, capturesPath: prefix + ".captures.jsonl"}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("history replay failed", logx.Err(err))
	}

	cf, err := os.OpenFile(s.capturesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	df, err := os.OpenFile(prefix+".devices.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = cf.Close()
		return nil, err
	}
	s.captures, s.devices = cf, df
	return s, nil
}

// replay loads the tail of the capture log into the ring.
func (s *fileStore) replay() error {
	f, err := os.Open(s.capturesPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		s.lines++
		var r CaptureRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.remember(r)
	}
	return sc.Err()
}

func (s *fileStore) remember(r CaptureRecord) {
	s.recent = append(s.recent, r)
	if len(s.recent) > fileRecentKeep {
		s.recent = s.recent[len(s.recent)-fileRecentKeep:]
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.captures != nil {
		err1 = s.captures.Close()
		s.captures = nil
	}
	if s.devices != nil {
		err2 = s.devices.Close()
		s.devices = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendCapture(ctx context.Context, r CaptureRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captures == nil {
		return errors.New("capture log closed")
	}
	if err := json.NewEncoder(s.captures).Encode(r); err != nil {
		return err
	}
	s.remember(r)
	s.lines++
	if s.lines >= fileRotateLines {
		if err := s.rotateLocked(); err != nil {
			s.log.Debug("capture log rotate failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendDevice(ctx context.Context, r DeviceRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices == nil {
		return errors.New("device log closed")
	}
	return json.NewEncoder(s.devices).Encode(r)
}

func (s *fileStore) RecentCaptures(ctx context.Context, n int) ([]CaptureRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]CaptureRecord, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) rotateLocked() error {
	if err := s.captures.Close(); err != nil {
		return err
	}
	s.captures = nil
	if err := os.Rename(s.capturesPath, s.capturesPath+".1"); err != nil {
		return err
	}
	f, err := os.OpenFile(s.capturesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.captures = f
	s.lines = 0
	return nil
}
