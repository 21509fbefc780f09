package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/throw-if-null/reconciler/internal/api"
	"github.com/throw-if-null/reconciler/internal/config"
	"github.com/throw-if-null/reconciler/internal/engine"
	"github.com/throw-if-null/reconciler/internal/journal"
	"github.com/throw-if-null/reconciler/internal/paths"
	"github.com/throw-if-null/reconciler/internal/telemetry"
	"github.com/throw-if-null/reconciler/internal/version"
)

// overridable in tests
var telemetryInit = telemetry.Init

type app struct {
	root   string
	cfg    config.Config
	out    io.Writer
	logger *log.Logger

	shutdown telemetry.Shutdown
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		root:   ".",
		out:    out,
		logger: log.New(errOut, "reconciler: ", log.LstdFlags),
	}
}

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:          "reconciler",
		Short:        "Submit remote asynchronous tasks and reconcile them to a final state",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context())
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.logger.Writer())
	root.PersistentFlags().StringVar(&a.root, "root", ".", "directory holding .reconciler/ and .env")

	root.AddCommand(CaptchaCmd(a))
	root.AddCommand(PayCmd(a))
	root.AddCommand(VideoCmd(a))
	root.AddCommand(HistoryCmd(a))
	root.AddCommand(VersionCmd())
	return root
}

func (a *app) init(ctx context.Context) error {
	res := config.Load(a.root)
	if res.ParseError != nil {
		return fmt.Errorf("load config %s: %w", res.Path, res.ParseError)
	}
	a.cfg = res.Config

	shutdown, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        a.cfg.Telemetry.Enabled,
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		OTLPEndpoint:   a.cfg.Telemetry.Endpoint,
		Insecure:       a.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.shutdown == nil {
		return
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Printf("telemetry shutdown: %v", err)
	}
}

// policyOptions turns the configured per-kind policies into engine options.
func (a *app) policyOptions() []engine.Option {
	var opts []engine.Option
	defaults := engine.DefaultPolicies()
	for _, k := range api.Kinds() {
		pc, _ := a.cfg.Policy(k)
		p := defaults[k]
		if d := pc.Interval(); d > 0 {
			p.Interval = d
		}
		if d := pc.Backoff(); d > 0 {
			p.Backoff = d
		}
		p.Deadline = pc.Deadline()
		p.Effects.DismissAfter = pc.DismissAfter()
		opts = append(opts, engine.WithPolicy(k, p))
	}
	return opts
}

// openJournal opens the configured journal, or returns nil when it is
// disabled. Relative sqlite paths are resolved under the root directory.
func (a *app) openJournal(ctx context.Context) (*journal.Journal, error) {
	if a.cfg.Journal.Disabled {
		return nil, nil
	}
	dsn := a.cfg.Journal.DSN
	if !journal.IsPostgres(dsn) && !filepath.IsAbs(dsn) {
		p, err := paths.SafeJoin(a.root, dsn)
		if err != nil {
			return nil, fmt.Errorf("journal path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		dsn = p
	}
	j, err := journal.Open(dsn, journal.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return j, nil
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("reconciler"))
			return nil
		},
	}
}
