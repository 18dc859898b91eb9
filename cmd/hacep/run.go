package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/raj/hacep/pkg/config"
	"github.com/raj/hacep/pkg/httpserver"
	"github.com/raj/hacep/pkg/service"
	"github.com/raj/hacep/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	LogLevel string

	// Overrides applied on top of the environment when non-empty.
	NodeID        string
	HTTPAddr      string
	RaftBootstrap bool
}

// NewRunCommand creates the command that runs one engine process. All
// settings come from HACEP_* environment variables.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an engine process",
		Long: `Run one process of a hacep fleet.

The process campaigns for leadership of its group. While it leads it consumes
the input topics into the state engine and publishes engine output; otherwise
it stands by as a hot replica.

Snapshots go to the compacted HACEP_SNAPSHOT_TOPIC by default, where any
process that takes over can read them. HACEP_SNAPSHOT_BACKEND=bolt keeps them
in a local file instead, which only a failover on the same host can use.

Configuration is read from HACEP_* environment variables, for example:
  HACEP_NODE_ID=node-1 HACEP_BROKERS=kafka:9092 HACEP_RAFT_BOOTSTRAP=true hacep run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "override HACEP_NODE_ID")
	cmd.Flags().StringVar(&opts.HTTPAddr, "http-addr", "", "override HACEP_HTTP_ADDR")
	cmd.Flags().BoolVar(&opts.RaftBootstrap, "bootstrap", false, "bootstrap a new raft lock group")
	return cmd
}

func runEngine(parent context.Context, opts *RunOptions) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}
	logger = logger.With("node", cfg.NodeID, "group", cfg.GroupID)

	shutdownTracing, err := tracing.Init(ctx, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	eng, err := service.Build(logger, cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	addr, stopHTTP, err := httpserver.Start(logger, eng, cfg.HTTPAddr)
	if err != nil {
		_ = eng.Stop(context.Background())
		return err
	}

	if err := eng.Start(ctx); err != nil {
		_ = stopHTTP(context.Background())
		_ = eng.Stop(context.Background())
		return err
	}
	logger.Info("hacep running", "http", addr, "lock", cfg.LockBackend, "snapshots", cfg.SnapshotBackend)

	<-ctx.Done()
	logger.Info("hacep exiting", "reason", ctx.Err())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	var result *multierror.Error
	if err := eng.Stop(stopCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := stopHTTP(stopCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop http server: %w", err))
	}
	if err := shutdownTracing(stopCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop tracing: %w", err))
	}
	return result.ErrorOrNil()
}

func (o *RunOptions) apply(cfg *config.Config) error {
	if o.NodeID == "" && o.HTTPAddr == "" && !o.RaftBootstrap {
		return nil
	}
	if o.NodeID != "" {
		cfg.NodeID = o.NodeID
	}
	if o.HTTPAddr != "" {
		cfg.HTTPAddr = o.HTTPAddr
	}
	if o.RaftBootstrap {
		cfg.RaftBootstrap = true
	}
	return cfg.Validate()
}
