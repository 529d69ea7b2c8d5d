package remote

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/masterzen/winrm"

	"github.com/user/fleetscan/internal/model"
)

// WinRMConfig holds endpoint and timeout settings for WinRM sessions.
type WinRMConfig struct {
	Port             int
	HTTPS            bool
	Insecure         bool
	NTLM             bool
	OperationTimeout time.Duration
	ReadTimeout      time.Duration
	CACert           []byte
}

// WinRMDialer opens sessions over WS-Management.
type WinRMDialer struct {
	cfg WinRMConfig
}

// NewWinRMDialer creates a dialer for the given settings.
func NewWinRMDialer(cfg WinRMConfig) *WinRMDialer {
	if cfg.Port == 0 {
		cfg.Port = 5985
		if cfg.HTTPS {
			cfg.Port = 5986
		}
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 60 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = cfg.OperationTimeout + 30*time.Second
	}
	return &WinRMDialer{cfg: cfg}
}

// Open creates a client and proves the credentials by opening and closing a
// shell, so unreachable or unauthorized hosts fail here rather than on the
// first script.
func (d *WinRMDialer) Open(ctx context.Context, host string, cred model.Credential) (Session, error) {
	endpoint := winrm.NewEndpoint(host, d.cfg.Port, d.cfg.HTTPS, d.cfg.Insecure, d.cfg.CACert, nil, nil, d.cfg.ReadTimeout)

	params := winrm.NewParameters(fmt.Sprintf("PT%dS", int(d.cfg.OperationTimeout.Seconds())), "en-US", 153600)
	if d.cfg.NTLM {
		params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }
	}

	client, err := winrm.NewClientWithParameters(endpoint, cred.Username, cred.Secret, params)
	if err != nil {
		return nil, &TransportError{Host: host, Op: "connect", Err: err}
	}

	shell, err := awaitShell(ctx, client.CreateShell)
	if err != nil {
		return nil, &TransportError{Host: host, Op: "connect", Err: err}
	}
	_ = shell.Close()

	return &winrmSession{host: host, client: client}, nil
}

type winrmSession struct {
	host   string
	client *winrm.Client
}

func (s *winrmSession) Run(ctx context.Context, script string) (Result, error) {
	var stdout, stderr bytes.Buffer

	code, err := s.client.RunWithContext(ctx, winrm.Powershell(script), &stdout, &stderr)
	if err != nil {
		return Result{}, &TransportError{Host: s.host, Op: "run", Err: err}
	}

	return Result{ExitCode: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// Close has nothing to release; each command opens and closes its own shell.
func (s *winrmSession) Close() error {
	return nil
}

// awaitShell runs create until it returns or ctx is done. A shell created
// after the caller gave up is closed so it does not linger on the host.
func awaitShell[S interface{ Close() error }](ctx context.Context, create func() (S, error)) (S, error) {
	type result struct {
		shell S
		err   error
	}
	done := make(chan result, 1)
	go func() {
		shell, err := create()
		done <- result{shell: shell, err: err}
	}()

	select {
	case r := <-done:
		return r.shell, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.shell.Close()
			}
		}()
		var zero S
		return zero, ctx.Err()
	}
}
