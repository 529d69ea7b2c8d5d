package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/user/fleetscan/internal/model"
)

// powershellStdin runs a script piped on stdin without profile or prompts.
const powershellStdin = "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -Command -"

// SSHConfig holds settings for sessions over Windows OpenSSH.
type SSHConfig struct {
	Port           int
	KnownHostsFile string
	Insecure       bool
	ConnectTimeout time.Duration
}

// SSHDialer opens sessions over SSH to hosts running the OpenSSH server.
type SSHDialer struct {
	cfg SSHConfig
}

// NewSSHDialer creates an SSH dialer.
func NewSSHDialer(cfg SSHConfig) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &SSHDialer{cfg: cfg}
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(d.cfg.KnownHostsFile)
}

// Open dials the host and completes the SSH handshake with password auth.
func (d *SSHDialer) Open(ctx context.Context, host string, cred model.Credential) (Session, error) {
	callback, err := d.hostKeyCallback()
	if err != nil {
		return nil, &TransportError{Host: host, Op: "connect", Err: fmt.Errorf("load known hosts: %w", err)}
	}

	addr := Endpoint(host, d.cfg.Port)
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Host: host, Op: "connect", Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	config := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cred.Secret)},
		HostKeyCallback: callback,
		Timeout:         d.cfg.ConnectTimeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, &TransportError{Host: host, Op: "connect", Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{host: host, client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	host   string
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, script string) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, &TransportError{Host: s.host, Op: "run", Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdin = strings.NewReader(script)
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(powershellStdin) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return Result{}, &TransportError{Host: s.host, Op: "run", Err: ctx.Err()}
	case err := <-done:
		res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return Result{}, &TransportError{Host: s.host, Op: "run", Err: err}
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
