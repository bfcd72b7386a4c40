package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/canvassync/internal/config"
	"github.com/roach88/canvassync/internal/relay"
	"github.com/roach88/canvassync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr          string
	Database      string
	RedisAddr     string
	SnapshotEvery int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the canvassync relay.

The relay accepts websocket connections on /sessions/{id}/ws, routes
frames between the participants of each session, and keeps an
authoritative replica of every session. Replicas are persisted to
SQLite (--db) every --snapshot-every operations and when a session's last
participant leaves. An empty --db keeps replicas in memory only.

With --redis, several relays share sessions over Redis pub/sub.

Examples:
  canvassync serve
  canvassync serve --addr :9000 --db ./relay.db
  canvassync serve --config relay.yaml --redis localhost:6379`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			return runServe(cmd, opts, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config, :8090)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite snapshot database")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "Redis address for multi-instance fan-out")
	cmd.Flags().IntVar(&opts.SnapshotEvery, "snapshot-every", 0, "persist after this many operations")

	return cmd
}

// apply overrides config values with flags the user set.
func (o *ServeOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Relay.Addr = o.Addr
	}
	if flags.Changed("db") {
		cfg.Relay.Database = o.Database
	}
	if flags.Changed("redis") {
		cfg.Relay.RedisAddr = o.RedisAddr
	}
	if flags.Changed("snapshot-every") {
		cfg.Relay.SnapshotEvery = o.SnapshotEvery
	}
}

func runServe(cmd *cobra.Command, opts *ServeOptions, cfg *config.Config) error {
	if cfg.Relay.SnapshotEvery < 0 {
		return NewExitError(ExitCommandError, "--snapshot-every must not be negative")
	}
	logger := opts.logger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var snapshots relay.SnapshotStore
	if cfg.Relay.Database != "" {
		logger.Info("opening database", "path", cfg.Relay.Database)
		st, err := store.Open(cfg.Relay.Database, store.WithRevisionLimit(cfg.Relay.Revisions))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		snapshots = st
	}

	broker, closeBroker, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect broker", err)
	}
	defer closeBroker()

	settings := relay.DefaultSettings()
	settings.SnapshotEvery = cfg.Relay.SnapshotEvery
	hub := relay.NewHub(broker, snapshots, settings, relay.WithLogger(logger))
	if err := hub.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start relay", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s. Press Ctrl-C to stop.\n", cfg.Relay.Addr)
	if err := relay.NewServer(hub).ListenAndServe(ctx, cfg.Relay.Addr); err != nil {
		return WrapExitError(ExitFailure, "relay error", err)
	}
	logger.Info("relay stopped gracefully")
	return nil
}

// openBroker picks Redis when an address is configured, else in-process.
func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relay.Broker, func(), error) {
	if cfg.Relay.RedisAddr == "" {
		return relay.NewLocalBroker(), func() {}, nil
	}
	client, err := relay.DialRedis(ctx, cfg.Relay.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis broker", "addr", cfg.Relay.RedisAddr, "prefix", cfg.Relay.ChannelPrefix)
	return relay.NewRedisBroker(client, cfg.Relay.ChannelPrefix, logger), func() { client.Close() }, nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when parent is done.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
