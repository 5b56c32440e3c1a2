// Package cleaner drives the sweep: connect to each worker, find usercache
// directories over the usage threshold, and kill the owning applications.
package cleaner

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yarnsweep/yarnsweep/internal/cluster"
	"github.com/yarnsweep/yarnsweep/internal/remote"
)

// Remediation is one directory whose owning application was killed (or, in a
// dry run, would have been).
type Remediation struct {
	Worker string
	Dir    string
	AppID  string // empty in dry runs
}

// Failure is a worker or directory that could not be processed. Failures
// never abort the run; they are collected for the final report.
type Failure struct {
	Worker string
	Dir    string // empty for connection/listing failures
	Err    error
}

// Report is the outcome of one run.
type Report struct {
	Remediated []Remediation
	Failed     []Failure
}

// Stable reports whether the run found nothing to remediate.
func (r *Report) Stable() bool {
	return len(r.Remediated) == 0
}

func (r *Report) String() string {
	if r.Stable() {
		return "disk usage is stable, no applications killed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "remediated %d directories:", len(r.Remediated))
	for _, rem := range r.Remediated {
		if rem.AppID == "" {
			fmt.Fprintf(&b, "\n  %s: %s (dry run)", rem.Worker, rem.Dir)
		} else {
			fmt.Fprintf(&b, "\n  %s: %s -> killed %s", rem.Worker, rem.Dir, rem.AppID)
		}
	}
	return b.String()
}

// Cleaner sweeps the worker fleet. Workers are processed strictly in order,
// one at a time; the record of handled directories is shared across workers
// and needs no locking while execution stays sequential.
type Cleaner struct {
	Dialer       remote.Dialer
	Workers      []string
	UsercacheDir string
	Resolver     *cluster.Resolver
	Log          *logrus.Entry

	// DryRun reports over-threshold directories without resolving or
	// killing anything.
	DryRun bool
}

// Run sweeps every worker and returns the report. Remote failures are
// isolated to the worker they occurred on; Run only returns an error when
// ctx is cancelled. A directory name is handled at most once per run, even
// when it appears on several workers.
func (c *Cleaner) Run(ctx context.Context, thresholdPercent int) (*Report, error) {
	report := &Report{}
	handled := make(map[string]bool)

	for _, worker := range c.Workers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c.sweepWorker(ctx, worker, thresholdPercent, handled, report)
	}

	if report.Stable() {
		c.Log.Info("disk usage is stable, no applications killed")
	}
	return report, nil
}

// sweepWorker processes one worker. Any failure is logged and recorded, and
// abandons the remainder of this worker only.
func (c *Cleaner) sweepWorker(ctx context.Context, worker string, threshold int, handled map[string]bool, report *Report) {
	log := c.Log.WithField("worker", worker)

	sess, err := c.Dialer.Dial(ctx, worker)
	if err != nil {
		log.WithError(err).Error("cannot connect, skipping worker")
		report.Failed = append(report.Failed, Failure{Worker: worker, Err: err})
		return
	}
	defer sess.Close()

	dirs, err := cluster.ListUserDirs(ctx, sess, c.UsercacheDir)
	if err != nil {
		log.WithError(err).Errorf("cannot list %s, skipping worker", c.UsercacheDir)
		report.Failed = append(report.Failed, Failure{Worker: worker, Err: err})
		return
	}

	for _, dir := range dirs {
		if handled[dir] {
			log.Debugf("%s already handled this run, skipping", dir)
			continue
		}
		if err := c.sweepDir(ctx, sess, log, worker, dir, threshold, handled, report); err != nil {
			log.WithError(err).WithField("dir", dir).Error("abandoning remaining directories on this worker")
			report.Failed = append(report.Failed, Failure{Worker: worker, Dir: dir, Err: err})
			return
		}
	}
}

// sweepDir measures one directory and remediates it when over threshold.
func (c *Cleaner) sweepDir(ctx context.Context, sess remote.Session, log *logrus.Entry, worker, dir string, threshold int, handled map[string]bool, report *Report) error {
	// Usercache paths are remote POSIX paths regardless of the local OS.
	dirPath := path.Join(c.UsercacheDir, dir)

	usage, err := cluster.DiskUsagePercent(ctx, sess, dirPath)
	if err != nil {
		return err
	}
	log.Debugf("%s at %d%% (threshold %d%%)", dirPath, usage, threshold)
	if usage <= threshold {
		return nil
	}

	if c.DryRun {
		handled[dir] = true
		log.Infof("%s over threshold at %d%%, would kill owning application", dirPath, usage)
		report.Remediated = append(report.Remediated, Remediation{Worker: worker, Dir: dir})
		return nil
	}

	appID, err := c.Resolver.AppID(ctx, sess, dir)
	if err != nil {
		return err
	}

	// Marked before the kill: if the kill fails, retrying the same
	// directory later in the run would double-kill on a recovered app.
	handled[dir] = true

	if err := c.Resolver.Kill(ctx, sess, appID); err != nil {
		return err
	}
	log.Infof("application killed: %s (%s at %d%%)", appID, dirPath, usage)
	report.Remediated = append(report.Remediated, Remediation{Worker: worker, Dir: dir, AppID: appID})
	return nil
}
