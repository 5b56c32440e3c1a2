// Package remote runs shell commands on cluster workers over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Session executes commands on one worker host. Callers close it exactly
// once, when the worker's processing ends.
type Session interface {
	// Run executes command and returns its captured stdout and stderr.
	// A failed command returns the captured output alongside the error.
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
	Close() error
}

// Dialer opens a Session to a worker host.
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}

// ConnectError reports a failure to establish a session with a worker.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandError reports a remote command that failed, carrying everything
// needed to diagnose it from the log alone.
type CommandError struct {
	Command    string
	Stdout     string
	Stderr     string
	ExitStatus int // -1 when the command never ran to completion
	Err        error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command failed (exit %d): %s", e.ExitStatus, e.Command)
	if e.Stderr != "" {
		msg += fmt.Sprintf(": %s", strings.TrimSpace(e.Stderr))
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// The yarn client logs to stderr at INFO level even on success. Stderr
// containing this marker is treated as noise when the exit status is zero.
const infoMarker = "INFO"

// checkResult decides whether a completed command counts as failed. The exit
// status is authoritative; non-INFO stderr on a zero exit is still treated as
// a failure so that chatty clients that always exit zero are not trusted
// blindly.
func checkResult(command, stdout, stderr string, exitStatus int, runErr error) error {
	if runErr != nil || exitStatus != 0 {
		return &CommandError{
			Command:    command,
			Stdout:     stdout,
			Stderr:     stderr,
			ExitStatus: exitStatus,
			Err:        runErr,
		}
	}
	if strings.TrimSpace(stderr) != "" && !strings.Contains(stderr, infoMarker) {
		return &CommandError{
			Command:    command,
			Stdout:     stdout,
			Stderr:     stderr,
			ExitStatus: 0,
		}
	}
	return nil
}

// SSHDialer opens SSH sessions using publickey auth. Host keys are not
// verified, matching the fleet-tool convention of trusting first contact on a
// private network.
type SSHDialer struct {
	User    string
	KeyFile string
	Port    int

	// Passphrase for an encrypted key file. When empty and the key turns
	// out to be encrypted, PassphraseFunc is consulted (nil means fail).
	Passphrase     string
	PassphraseFunc func() (string, error)

	// CommandTimeout bounds each individual Run call. Zero means no bound.
	CommandTimeout time.Duration

	// DialTimeout bounds connection establishment. Zero means no bound.
	DialTimeout time.Duration

	signer ssh.Signer
}

// Dial connects to host and returns a Session bound to it.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Session, error) {
	signer, err := d.loadSigner()
	if err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.DialTimeout,
	}

	port := d.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, &ConnectError{Host: host, Err: err}
	}
	return &sshSession{client: client, timeout: d.CommandTimeout}, nil
}

// loadSigner parses the private key once and reuses it for every worker.
func (d *SSHDialer) loadSigner() (ssh.Signer, error) {
	if d.signer != nil {
		return d.signer, nil
	}

	keyData, err := os.ReadFile(d.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return nil, fmt.Errorf("failed to parse key file %s: %w", d.KeyFile, err)
		}
		passphrase := d.Passphrase
		if passphrase == "" && d.PassphraseFunc != nil {
			passphrase, err = d.PassphraseFunc()
			if err != nil {
				return nil, fmt.Errorf("failed to read key passphrase: %w", err)
			}
		}
		if passphrase == "" {
			return nil, fmt.Errorf("key file %s is encrypted and no passphrase was given", d.KeyFile)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt key file %s: %w", d.KeyFile, err)
		}
	}

	d.signer = signer
	return signer, nil
}

type sshSession struct {
	client  *ssh.Client
	timeout time.Duration
}

// Run executes one command. x/crypto/ssh sessions are single-shot, so each
// call opens a fresh channel on the shared connection.
func (s *sshSession) Run(ctx context.Context, command string) (string, string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", &CommandError{Command: command, ExitStatus: -1, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	runErr, timedOut := waitCommand(ctx, done, func() { sess.Close() })
	if timedOut {
		return stdout.String(), stderr.String(), &CommandError{
			Command:    command,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			ExitStatus: -1,
			Err:        runErr,
		}
	}

	exitStatus := 0
	if runErr != nil {
		exitStatus = -1
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			exitStatus = exitErr.ExitStatus()
			runErr = nil // the status itself is the failure
		}
	}
	return stdout.String(), stderr.String(),
		checkResult(command, stdout.String(), stderr.String(), exitStatus, runErr)
}

// waitCommand waits for the command goroutine. When ctx expires first, the
// session is torn down to unblock the remote command, and done is still
// drained: the library's stream-copy goroutines write into the caller's
// output buffers until the run returns, so the buffers must be quiescent
// before anyone reads them.
func waitCommand(ctx context.Context, done <-chan error, teardown func()) (err error, timedOut bool) {
	select {
	case runErr := <-done:
		return runErr, false
	case <-ctx.Done():
		teardown()
		<-done
		return ctx.Err(), true
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
