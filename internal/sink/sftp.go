package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"timelapser/internal/config"
)

// SFTP uploads files over SSH. A new connection is opened per Store; capture
// intervals are long compared to the handshake.
type SFTP struct {
	addr    string
	dir     string
	src     afero.Fs
	timeout time.Duration
	client  *ssh.ClientConfig
	desc    string
}

func NewSFTP(spec config.SinkSpec, src afero.Fs) (*SFTP, error) {
	auth, err := sshAuthMethods(spec.Password, spec.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(spec)
	if err != nil {
		return nil, err
	}
	port := spec.Port
	if port == 0 {
		port = 22
	}
	timeout := spec.TimeoutOrDefault(30 * time.Second)
	return &SFTP{
		addr:    net.JoinHostPort(spec.Host, strconv.Itoa(port)),
		dir:     spec.StorePath,
		src:     src,
		timeout: timeout,
		client: &ssh.ClientConfig{
			User:            spec.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
		desc: spec.String(),
	}, nil
}

func (s *SFTP) Kind() string   { return "sftp" }
func (s *SFTP) String() string { return s.desc }

func (s *SFTP) Store(ctx context.Context, localPath string) error {
	in, err := s.src.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.client)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	// Abort the transfer when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = sshClient.Close() })
	defer stop()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("sftp subsystem: %w", err)
	}
	defer client.Close()

	if err := client.MkdirAll(s.dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	final := path.Join(s.dir, filepath.Base(localPath))
	tmp := final + ".part"
	out, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("upload: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = client.Remove(tmp)
		return err
	}
	// PosixRename overwrites an existing target where the server supports it.
	if err := client.PosixRename(tmp, final); err != nil {
		if err := client.Rename(tmp, final); err != nil {
			_ = client.Remove(tmp)
			return fmt.Errorf("rename: %w", err)
		}
	}
	return nil
}

// sshAuthMethods prefers the password when both are set.
func sshAuthMethods(password, keyPath string) ([]ssh.AuthMethod, error) {
	if password != "" {
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}
	if keyPath == "" {
		return nil, errors.New("sftp: password or private_key_path is required")
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("sftp: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var ppErr *ssh.PassphraseMissingError
		if errors.As(err, &ppErr) {
			return nil, fmt.Errorf("sftp: key %q is passphrase-protected; passphrase-protected keys are not supported", keyPath)
		}
		return nil, fmt.Errorf("sftp: parse key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func hostKeyCallback(spec config.SinkSpec) (ssh.HostKeyCallback, error) {
	if spec.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	p := spec.KnownHostsPath
	if p == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("sftp: known_hosts_path not set and no home dir: %w", err)
		}
		p = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(p)
	if err != nil {
		return nil, fmt.Errorf("sftp: known hosts %s: %w", p, err)
	}
	return cb, nil
}
