// Package transport abstracts the management-protocol session used to reach
// a host's PowerShell agent. The control plane only depends on the Session
// interface; credential acquisition and the wire protocol itself live behind
// the Dialer supplied at process start.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Credentials identifies the principal the transport authenticates as.
// Configured once at process start and never mutated afterwards.
type Credentials struct {
	Principal  string
	Realm      string
	KeytabPath string
}

// Session is one reusable management-protocol connection to a host. Execute
// sends a request payload to the agent and returns its full stdout;
// ExecuteStream additionally delivers stdout/stderr chunks as they arrive.
// Implementations must tolerate concurrent callers.
type Session interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
	ExecuteStream(ctx context.Context, payload []byte, onStdout, onStderr func(chunk []byte)) ([]byte, error)
	Close() error
}

// Dialer constructs sessions. Construction is synchronous and may block; the
// remote task scheduler owns all blocking waits around it.
type Dialer interface {
	Dial(ctx context.Context, hostname string) (Session, error)
}

// TransportError wraps a session or network level fault. Jobs seeing one
// transition to failed with the message attached.
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport fault on %s: %v", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandDialerConfig configures the exec-based dialer. The command template
// receives the hostname via %h; the agent payload is written to the process
// stdin.
type CommandDialerConfig struct {
	Command     string
	Args        []string
	Credentials Credentials
}

// NewCommandDialer returns a Dialer that reaches each host's agent by
// spawning the configured remoting command per request. The session handle
// itself is cheap; the per-request process carries the actual connection.
func NewCommandDialer(cfg CommandDialerConfig) Dialer {
	return &commandDialer{cfg: cfg}
}

type commandDialer struct {
	cfg CommandDialerConfig
}

func (d *commandDialer) Dial(ctx context.Context, hostname string) (Session, error) {
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}
	args := make([]string, 0, len(d.cfg.Args))
	for _, a := range d.cfg.Args {
		args = append(args, strings.ReplaceAll(a, "%h", hostname))
	}
	log.WithFields(log.Fields{
		"hostname":  hostname,
		"principal": d.cfg.Credentials.Principal,
	}).Debug("Constructed transport session")
	return &commandSession{hostname: hostname, command: d.cfg.Command, args: args}, nil
}

// commandSession runs the remoting command once per Execute call.
type commandSession struct {
	hostname string
	command  string
	args     []string
}

func (s *commandSession) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return s.ExecuteStream(ctx, payload, nil, nil)
}

func (s *commandSession) ExecuteStream(ctx context.Context, payload []byte, onStdout, onStderr func([]byte)) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Stdin = bytes.NewReader(payload)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Host: s.hostname, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &TransportError{Host: s.hostname, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Host: s.hostname, Err: err}
	}

	var stdout bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drain(stderrPipe, onStderr)
	}()

	if err := drainInto(stdoutPipe, &stdout, onStdout); err != nil {
		cmd.Wait()
		return nil, &TransportError{Host: s.hostname, Err: err}
	}
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		// A nonzero agent exit with output is still parseable; only report
		// transport faults when nothing came back.
		if stdout.Len() == 0 {
			return nil, &TransportError{Host: s.hostname, Err: err}
		}
		log.WithFields(log.Fields{
			"hostname": s.hostname,
			"error":    err.Error(),
		}).Debug("Remoting command exited nonzero with output, deferring to result parse")
	}
	return stdout.Bytes(), nil
}

func (s *commandSession) Close() error { return nil }

func drain(r io.Reader, onChunk func([]byte)) {
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 && onChunk != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			return
		}
	}
}

func drainInto(r io.Reader, sink *bytes.Buffer, onChunk func([]byte)) error {
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			sink.Write(buf[:n])
			if onChunk != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
