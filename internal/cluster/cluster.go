// Package cluster inspects usercache directories on workers and maps them to
// running applications.
package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yarnsweep/yarnsweep/internal/remote"
)

// ParseError reports remote command output that did not match the expected
// shape.
type ParseError struct {
	Command string
	Output  string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unexpected output from %q: %s (got %q)", e.Command, e.Reason, e.Output)
}

// ListUserDirs returns the entries under root, one per output line. Lines are
// kept verbatim apart from dropping empty ones.
func ListUserDirs(ctx context.Context, sess remote.Session, root string) ([]string, error) {
	stdout, _, err := sess.Run(ctx, remote.ListDirsCmd(root))
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, line := range strings.Split(stdout, "\n") {
		if line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

// DiskUsagePercent returns the use% of the filesystem containing path,
// parsed from output like "  87%\n".
func DiskUsagePercent(ctx context.Context, sess remote.Session, path string) (int, error) {
	command := remote.DiskUsageCmd(path)
	stdout, _, err := sess.Run(ctx, command)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSuffix(strings.TrimSpace(stdout), "%")
	percent, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ParseError{Command: command, Output: stdout, Reason: "not a percentage"}
	}
	return percent, nil
}

// Resolver maps a usercache directory name to the application that owns it
// and issues kills. The scheduler names Spark applications after the cache
// directory with a framework prefix; NamePrefix makes that convention
// swappable.
type Resolver struct {
	NamePrefix string
	Log        *logrus.Entry
}

// AppID looks up the id of the running application owning dirName. Lookup
// failures are never swallowed: without an id the directory cannot be
// remediated, so the error is logged here with the pattern and returned.
func (r *Resolver) AppID(ctx context.Context, sess remote.Session, dirName string) (string, error) {
	pattern := r.NamePrefix + dirName
	command := remote.FindAppCmd(pattern)
	stdout, _, err := sess.Run(ctx, command)
	if err != nil {
		r.Log.WithError(err).Errorf("application lookup failed for %s", pattern)
		return "", err
	}
	appID := strings.TrimSpace(stdout)
	if appID == "" {
		err := &ParseError{Command: command, Output: stdout, Reason: "no application id found"}
		r.Log.WithError(err).Errorf("no running application matches %s", pattern)
		return "", err
	}
	return appID, nil
}

// Kill terminates the application with the given id. Intent is logged before
// the command is issued so an aborted run still shows what was attempted.
func (r *Resolver) Kill(ctx context.Context, sess remote.Session, appID string) error {
	r.Log.Infof("killing application %s", appID)
	_, _, err := sess.Run(ctx, remote.KillAppCmd(appID))
	return err
}
