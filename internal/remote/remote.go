// Package remote runs one shell command on one node over SSH, with a
// connect timeout and a command timeout enforced independently.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrTimeout is returned when either the connect or the command budget
// is exhausted.
var ErrTimeout = errors.New("remote: timeout")

// ErrNoHostKeyPolicy is returned when neither a known_hosts file nor
// InsecureIgnoreHostKey is configured.
var ErrNoHostKeyPolicy = errors.New("remote: no known_hosts file configured and insecure_ignore_host_key is off")

// Request describes one command execution.
type Request struct {
	Address        string // host or host:port
	Credential     []byte // PEM private key, plaintext
	Command        string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// Result holds the command output. A non-zero ExitCode is a normal
// result, not an error; errors are reserved for transport failures and
// timeouts.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs remote commands.
type Executor interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// SSH is an Executor opening one SSH connection per command.
type SSH struct {
	User string
	Port int
	// KnownHostsFile pins host keys.
	KnownHostsFile string
	// InsecureIgnoreHostKey accepts any host key and overrides
	// KnownHostsFile. It must be set explicitly.
	InsecureIgnoreHostKey bool
}

func (s *SSH) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if s.KnownHostsFile == "" {
		return nil, ErrNoHostKeyPolicy
	}
	if _, err := os.Stat(s.KnownHostsFile); err != nil {
		return nil, fmt.Errorf("remote: known hosts: %w", err)
	}
	cb, err := knownhosts.New(s.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("remote: known hosts: %w", err)
	}
	return cb, nil
}

func (s *SSH) addr(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// Run dials, authenticates with req.Credential and runs req.Command.
// The connect phase (TCP dial plus SSH handshake) is bounded by
// ConnectTimeout, the command by CommandTimeout.
func (s *SSH) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	signer, err := ssh.ParsePrivateKey(req.Credential)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("remote: parse key: %w", err)
	}
	hostKeys, err := s.hostKeyCallback()
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	client, err := s.connect(ctx, req, &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         req.ConnectTimeout,
	})
	if err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, fmt.Errorf("remote: session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdCtx := ctx
	if req.CommandTimeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, req.CommandTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(req.Command) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-cmdCtx.Done():
		// Closing the client unblocks session.Run.
		client.Close()
		<-done
		res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, Duration: time.Since(start)}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: command exceeded %s", ErrTimeout, req.CommandTimeout)
		}
		return res, cmdCtx.Err()
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("remote: run: %w", runErr)
	}
	return res, nil
}

func (s *SSH) connect(ctx context.Context, req Request, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := s.addr(req.Address)

	dialCtx := ctx
	if req.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, req.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: connect to %s exceeded %s", ErrTimeout, addr, req.ConnectTimeout)
		}
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(req.ConnectTimeout)
	if req.ConnectTimeout > 0 {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		var netErr net.Error
		timedOut := errors.As(err, &netErr) && netErr.Timeout()
		if timedOut || (req.ConnectTimeout > 0 && !time.Now().Before(deadline)) {
			return nil, fmt.Errorf("%w: handshake with %s exceeded %s", ErrTimeout, addr, req.ConnectTimeout)
		}
		return nil, fmt.Errorf("remote: handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}
