// Package sink stores captured files in their configured destinations
// (local directory, S3-compatible bucket, SFTP or FTP server).
package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"timelapser/internal/config"
	"timelapser/internal/observability/metrics"
	logx "timelapser/pkg/logx"
)

// Sink stores one local file. Implementations must not modify or remove the
// source file; the caller owns it.
type Sink interface {
	Kind() string
	Store(ctx context.Context, localPath string) error
	String() string
}

// WriteError reports a failed Store. It carries the sink description, never
// its credentials.
type WriteError struct {
	Sink string
	Kind string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s to %s: %v", filepath.Base(e.Path), e.Sink, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Options carries the dependencies shared by all sinks.
type Options struct {
	// Source is the filesystem holding the staged files. Defaults to the OS filesystem.
	Source afero.Fs
	// Local is the target for filesystem sinks. Defaults to the OS filesystem.
	Local afero.Fs

	Log     logx.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Source == nil {
		o.Source = afero.NewOsFs()
	}
	if o.Local == nil {
		o.Local = afero.NewOsFs()
	}
	return o
}

// New builds the sink described by spec. Network sinks connect lazily on
// each Store.
func New(ctx context.Context, spec config.SinkSpec, opts Options) (Sink, error) {
	opts = opts.withDefaults()

	var (
		s   Sink
		err error
	)
	switch spec.Type {
	case config.SinkFilesystem:
		s, err = NewFilesystem(opts.Local, opts.Source, spec.StorePath)
	case config.SinkS3:
		s, err = NewS3(ctx, spec, opts.Source)
	case config.SinkSFTP:
		s, err = NewSFTP(spec, opts.Source)
	case config.SinkFTP:
		s, err = NewFTP(spec, opts.Source)
	default:
		err = fmt.Errorf("unknown datastore type %q", spec.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore %s: %w", spec, err)
	}
	return &instrumented{inner: s, src: opts.Source, log: opts.Log, metrics: opts.Metrics}, nil
}

// NewAll builds every sink of a capture, in order.
func NewAll(ctx context.Context, specs []config.SinkSpec, opts Options) ([]Sink, error) {
	out := make([]Sink, 0, len(specs))
	for _, spec := range specs {
		s, err := New(ctx, spec, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// instrumented wraps failures in *WriteError and records metrics.
type instrumented struct {
	inner   Sink
	src     afero.Fs
	log     logx.Logger
	metrics *metrics.Metrics
}

func (s *instrumented) Kind() string   { return s.inner.Kind() }
func (s *instrumented) String() string { return s.inner.String() }

func (s *instrumented) Store(ctx context.Context, localPath string) error {
	start := time.Now()
	var size int64
	if st, err := s.src.Stat(localPath); err == nil {
		size = st.Size()
	}

	err := s.inner.Store(ctx, localPath)
	s.metrics.SinkWrite(s.inner.Kind(), err == nil, size)
	if err != nil {
		return &WriteError{Sink: s.inner.String(), Kind: s.inner.Kind(), Path: localPath, Err: err}
	}
	s.log.Debug("stored",
		logx.String("sink", s.inner.String()),
		logx.String("file", filepath.Base(localPath)),
		logx.Int64("bytes", size),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}
