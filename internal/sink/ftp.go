package sink

import (
	"context"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/spf13/afero"

	"timelapser/internal/config"
)

// FTP uploads files to a plain FTP server.
type FTP struct {
	addr     string
	user     string
	password string
	dir      string
	src      afero.Fs
	timeout  time.Duration
	desc     string
}

func NewFTP(spec config.SinkSpec, src afero.Fs) (*FTP, error) {
	port := spec.Port
	if port == 0 {
		port = 21
	}
	return &FTP{
		addr:     net.JoinHostPort(spec.Host, strconv.Itoa(port)),
		user:     spec.User,
		password: spec.Password,
		dir:      path.Clean("/" + strings.TrimSpace(spec.StorePath)),
		src:      src,
		timeout:  spec.TimeoutOrDefault(30 * time.Second),
		desc:     spec.String(),
	}, nil
}

func (f *FTP) Kind() string   { return "ftp" }
func (f *FTP) String() string { return f.desc }

func (f *FTP) Store(ctx context.Context, localPath string) error {
	in, err := f.src.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	conn, err := ftp.Dial(f.addr, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(f.user, f.password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := ftpMkdirAll(conn, f.dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", f.dir, err)
	}

	final := path.Join(f.dir, filepath.Base(localPath))
	tmp := final + ".part"
	if err := conn.Stor(tmp, in); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("upload: %w", err)
	}
	if err := conn.Rename(tmp, final); err != nil {
		_ = conn.Delete(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ftpMkdirAll creates every missing component of the absolute, clean dir.
// Errors from existing directories are ignored; the final ChangeDir verifies
// the result.
func ftpMkdirAll(conn *ftp.ServerConn, dir string) error {
	if dir == "/" {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		cur += "/" + part
		_ = conn.MakeDir(cur)
	}
	if err := conn.ChangeDir(dir); err != nil {
		return err
	}
	return conn.ChangeDir("/")
}
