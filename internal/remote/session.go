// Package remote opens authenticated management sessions to Windows hosts and
// runs scripts over them.
package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/user/fleetscan/internal/model"
)

// Result is the raw outcome of one command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Session is one authenticated connection to one host. Commands run
// sequentially; Close must be called exactly once.
type Session interface {
	Run(ctx context.Context, script string) (Result, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Open(ctx context.Context, host string, cred model.Credential) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string, cred model.Credential) (Session, error)

// Open calls f.
func (f DialerFunc) Open(ctx context.Context, host string, cred model.Credential) (Session, error) {
	return f(ctx, host, cred)
}

// TransportError reports that the host could not be reached or authenticated,
// or that the connection broke mid-command. The session is unusable after it.
type TransportError struct {
	Host string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandError reports that a script ran but exited non-zero.
type CommandError struct {
	Host     string
	Script   string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("script %s on %s exited with code %d", e.Script, e.Host, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Endpoint joins a host and port.
func Endpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
