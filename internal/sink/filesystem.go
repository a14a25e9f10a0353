package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Filesystem copies files into a directory. Files are written under a
// temporary name and renamed, so readers never see partial images.
type Filesystem struct {
	fs  afero.Fs
	src afero.Fs
	dir string
}

func NewFilesystem(fs, src afero.Fs, dir string) (*Filesystem, error) {
	if dir == "" {
		return nil, fmt.Errorf("store_path is empty")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &Filesystem{fs: fs, src: src, dir: dir}, nil
}

func (f *Filesystem) Kind() string   { return "filesystem" }
func (f *Filesystem) String() string { return "filesystem:" + f.dir }

func (f *Filesystem) Store(ctx context.Context, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := f.src.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	// The directory may have been removed since start-up (e.g. unmounted disk).
	if err := f.fs.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}

	final := filepath.Join(f.dir, filepath.Base(localPath))
	tmp := filepath.Join(f.dir, "."+filepath.Base(localPath)+"."+uuid.NewString()+".part")
	out, err := f.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = f.fs.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = f.fs.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = f.fs.Remove(tmp)
		return err
	}
	if err := f.fs.Rename(tmp, final); err != nil {
		_ = f.fs.Remove(tmp)
		return err
	}
	return nil
}
