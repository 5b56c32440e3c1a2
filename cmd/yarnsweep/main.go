package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/yarnsweep/yarnsweep/internal/cleaner"
	"github.com/yarnsweep/yarnsweep/internal/cluster"
	"github.com/yarnsweep/yarnsweep/internal/config"
	"github.com/yarnsweep/yarnsweep/internal/remote"
)

var version = "dev"

var (
	verbose bool
)

const defaultThreshold = 50

func main() {
	app := &cli.App{
		Name:  "yarnsweep",
		Usage: "Monitor YARN usercache disk usage and kill runaway applications",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file",
			},
			&cli.StringFlag{
				Name:    "ssh-user",
				Aliases: []string{"u"},
				Usage:   "SSH username for the workers",
			},
			&cli.StringFlag{
				Name:    "ssh-key",
				Aliases: []string{"i"},
				Usage:   "SSH private key file for the workers",
			},
			&cli.StringFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Comma-separated list of worker hostnames",
			},
			&cli.IntFlag{
				Name:  "worker-count",
				Usage: "Generate worker names from a count instead of a list",
			},
			&cli.StringFlag{
				Name:  "worker-prefix",
				Usage: "Hostname prefix for generated worker names",
			},
			&cli.StringFlag{
				Name:  "usercache-dir",
				Usage: "Usercache root directory on the workers",
			},
			&cli.StringFlag{
				Name:  "app-prefix",
				Usage: "Application name prefix for directory-to-app matching",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "SSH port on the workers",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout for each remote command",
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "Enable debug output",
				Destination: &verbose,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "clean",
				Usage: "Sweep the workers and kill applications over the usage threshold",
				Flags: []cli.Flag{thresholdFlag()},
				Action: func(c *cli.Context) error {
					return runSweep(c, false)
				},
			},
			{
				Name:  "check",
				Usage: "Report directories over the threshold without killing anything",
				Flags: []cli.Flag{thresholdFlag()},
				Action: func(c *cli.Context) error {
					return runSweep(c, true)
				},
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Printf("yarnsweep %s\n", version)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "yarnsweep: %v\n", err)
		os.Exit(1)
	}
}

func thresholdFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "threshold",
		Aliases: []string{"t"},
		Value:   defaultThreshold,
		Usage:   "Disk usage percentage that triggers a kill",
	}
}

func runSweep(c *cli.Context, dryRun bool) error {
	log := newLogger()

	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}

	workers, err := config.ExpandWorkers(cfg.Workers, cfg.WorkerCount, cfg.WorkerPrefix)
	if err != nil {
		return err
	}

	dialer := &remote.SSHDialer{
		User:           cfg.SSHUser,
		KeyFile:        cfg.SSHKeyFile,
		Port:           cfg.SSHPort,
		PassphraseFunc: promptPassphrase,
		CommandTimeout: cfg.CommandTimeout.Duration,
		DialTimeout:    cfg.CommandTimeout.Duration,
	}

	sweeper := &cleaner.Cleaner{
		Dialer:       dialer,
		Workers:      workers,
		UsercacheDir: cfg.UsercacheDir,
		Resolver: &cluster.Resolver{
			NamePrefix: cfg.AppNamePrefix,
			Log:        log.WithField("component", "resolver"),
		},
		Log:    log.WithField("component", "cleaner"),
		DryRun: dryRun,
	}

	// Ctrl-C stops after the current worker instead of mid-kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := sweeper.Run(ctx, c.Int("threshold"))
	if err != nil {
		return err
	}
	fmt.Println(report)
	return nil
}

// buildConfig merges the config file (when given) with command-line flags.
// Flags always win over file values.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("ssh-user") {
		cfg.SSHUser = c.String("ssh-user")
	}
	if c.IsSet("ssh-key") {
		cfg.SSHKeyFile = c.String("ssh-key")
	}
	if c.IsSet("workers") {
		cfg.Workers = splitWorkers(c.String("workers"))
	}
	if c.IsSet("worker-count") {
		cfg.WorkerCount = c.Int("worker-count")
	}
	if c.IsSet("worker-prefix") {
		cfg.WorkerPrefix = c.String("worker-prefix")
	}
	if c.IsSet("usercache-dir") {
		cfg.UsercacheDir = c.String("usercache-dir")
	}
	if c.IsSet("app-prefix") {
		cfg.AppNamePrefix = c.String("app-prefix")
	}
	if c.IsSet("port") {
		cfg.SSHPort = c.Int("port")
	}
	if c.IsSet("timeout") {
		cfg.CommandTimeout.Duration = c.Duration("timeout")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitWorkers parses a comma-separated host list, tolerating stray spaces
// and empty segments.
func splitWorkers(raw string) []string {
	var workers []string
	for _, host := range strings.Split(raw, ",") {
		host = strings.TrimSpace(host)
		if host != "" {
			workers = append(workers, host)
		}
	}
	return workers
}

// promptPassphrase asks for an SSH key passphrase with hidden input. Only
// used when the key file turns out to be encrypted.
func promptPassphrase() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Key passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return strings.TrimSpace(string(passphrase)), nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
