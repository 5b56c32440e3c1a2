package remote

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func TestCommandTemplates(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{DiskUsageCmd("/data/usercache/bob"), "df -P /data/usercache/bob | awk 'NR==2 {print $5}'"},
		{ListDirsCmd("/data/usercache"), "ls -1 /data/usercache"},
		{FindAppCmd("spark-bob"), "yarn application -list | grep spark-bob | awk '{print $1}'"},
		{KillAppCmd("application_1691_0042"), "yarn application -kill application_1691_0042"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestCheckResult(t *testing.T) {
	tests := []struct {
		name       string
		stderr     string
		exitStatus int
		runErr     error
		wantErr    bool
	}{
		{name: "clean run", exitStatus: 0},
		{name: "whitespace-only stderr", stderr: "  \n", exitStatus: 0},
		{name: "info noise on stderr", stderr: "23/08/26 INFO client.RMProxy: connecting", exitStatus: 0},
		{name: "real stderr on zero exit", stderr: "ls: cannot access /data: No such file or directory", exitStatus: 0, wantErr: true},
		{name: "nonzero exit with silent stderr", exitStatus: 1, wantErr: true},
		{name: "nonzero exit with info stderr", stderr: "INFO something", exitStatus: 2, wantErr: true},
		{name: "transport error", exitStatus: -1, runErr: errors.New("channel closed"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkResult("ls -1 /data", "out", tt.stderr, tt.exitStatus, tt.runErr)
			if tt.wantErr {
				var cmdErr *CommandError
				if !errors.As(err, &cmdErr) {
					t.Fatalf("checkResult() = %v, want *CommandError", err)
				}
				if cmdErr.Command != "ls -1 /data" {
					t.Errorf("Command = %q, want the failing command", cmdErr.Command)
				}
				if cmdErr.Stdout != "out" {
					t.Errorf("Stdout = %q, want captured output", cmdErr.Stdout)
				}
			} else if err != nil {
				t.Errorf("checkResult() = %v, want nil", err)
			}
		})
	}
}

func TestWaitCommandNormalCompletion(t *testing.T) {
	runErr := errors.New("exit status 1")
	done := make(chan error, 1)
	done <- runErr

	err, timedOut := waitCommand(context.Background(), done, func() {
		t.Error("teardown called on normal completion")
	})
	if timedOut {
		t.Error("waitCommand() reported a timeout")
	}
	if !errors.Is(err, runErr) {
		t.Errorf("err = %v, want the run error", err)
	}
}

func TestWaitCommandDrainsBeforeReturning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The goroutine stands in for sess.Run: it only finishes once teardown
	// has closed the channel, and the output buffers are only safe to read
	// after it has finished.
	torndown := make(chan struct{})
	done := make(chan error)
	var finished atomic.Bool
	go func() {
		<-torndown
		finished.Store(true)
		done <- errors.New("session closed")
	}()

	err, timedOut := waitCommand(ctx, done, func() { close(torndown) })
	if !timedOut {
		t.Fatal("waitCommand() did not report a timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !finished.Load() {
		t.Error("waitCommand() returned while the command goroutine was still running")
	}
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{
		Command:    "df -P /data",
		Stderr:     "df: /data: No such file or directory\n",
		ExitStatus: 1,
	}
	msg := err.Error()
	if !strings.Contains(msg, "df -P /data") {
		t.Errorf("message %q does not name the command", msg)
	}
	if !strings.Contains(msg, "No such file or directory") {
		t.Errorf("message %q does not carry stderr", msg)
	}
	if !strings.Contains(msg, "exit 1") {
		t.Errorf("message %q does not carry the exit status", msg)
	}
}

func TestConnectErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ConnectError{Host: "worker01", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("ConnectError does not unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "worker01") {
		t.Errorf("message %q does not name the host", err.Error())
	}
}
