package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldlog/datalogger/agent/internal/acquire"
	"github.com/fieldlog/datalogger/agent/internal/buffer"
	"github.com/fieldlog/datalogger/agent/internal/config"
	"github.com/fieldlog/datalogger/agent/internal/identity"
	"github.com/fieldlog/datalogger/agent/internal/instrument"
	"github.com/fieldlog/datalogger/agent/internal/lifecycle"
	"github.com/fieldlog/datalogger/agent/internal/metrics"
	"github.com/fieldlog/datalogger/agent/internal/shipper"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the acquisition and shipping loops until terminated",
		Long: `Run the datalogger pipeline: sample the instrument, persist readings to the
local buffer and ship them upstream. SIGINT or SIGTERM triggers an orderly
shutdown: the in-memory batch is flushed and in-flight publishes complete
before the process exits.

Example:
  datalogger run --config /etc/datalogger/datalogger.yaml
  datalogger run -c ./bench.jsonc --log-format text --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(newLogger(opts, cmd.OutOrStdout(), cmd.ErrOrStderr()))

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runAgent(ctx, opts)
		},
	}
}

func runAgent(ctx context.Context, opts *RootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	slog.Info("datalogger starting",
		"config", opts.ConfigPath,
		"instrument", cfg.Instrument.Type,
		"registers", len(cfg.Instrument.Registers),
		"upstream", cfg.Upstream.Kind,
		"sample_interval", cfg.Acquisition.SampleInterval,
	)

	deviceID, err := identity.New(cfg.Device, opts.Env).ID()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to resolve device identity", err)
	}

	store, err := buffer.Open(cfg.Storage.Path, buffer.Options{
		MaxRows:     cfg.Storage.MaxRows,
		Synchronous: cfg.Storage.Synchronous,
		TxTimeout:   cfg.Storage.TxTimeout,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open buffer", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("buffer: close failed", "err", err)
		}
	}()

	client, err := instrument.Open(ctx, cfg.Instrument)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up instrument", err)
	}
	defer client.Close()

	pub, err := shipper.NewPublisher(ctx, cfg.Upstream, deviceID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up upstream publisher", err)
	}
	defer pub.Close()

	m := metrics.New()

	// A config change cancels runCtx and the process exits 0 for the
	// supervisor to restart it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	co := lifecycle.New(cfg.Lifecycle.ShutdownGrace)
	co.Add("acquire", acquire.New(cfg, client, cfg.Instrument.Registers, deviceID, store, m).Run)
	co.Add("shipper", shipper.New(cfg, store, pub, deviceID, m).Run)
	co.Add("metrics", serveMetrics(m, cfg.Metrics.Listen))
	if cfg.Lifecycle.RestartOnChange {
		co.Add("config-watch", watchConfig(opts.ConfigPath, opts.Env, cancel))
	}

	slog.Info("datalogger running", "device_id", deviceID, "buffer", store.Path())
	if err := co.Run(runCtx); err != nil {
		return WrapExitError(ExitFailure, "pipeline stopped with error", err)
	}
	slog.Info("datalogger stopped")
	return nil
}

// serveMetrics returns a unit for the /metrics listener. A listener that
// fails is logged and the unit finishes; sampling and shipping continue.
func serveMetrics(m *metrics.Pipeline, addr string) lifecycle.RunFunc {
	return func(ctx context.Context) error {
		if err := m.Serve(ctx, addr); err != nil {
			slog.Warn("metrics: listener stopped, continuing without it", "addr", addr, "err", err)
		}
		return nil
	}
}

// watchConfig returns a unit that requests an orderly shutdown when the
// config file changes. A watcher that cannot start is logged and the unit
// finishes; the pipeline keeps running without it.
func watchConfig(path string, env config.Env, restart context.CancelFunc) lifecycle.RunFunc {
	return func(ctx context.Context) error {
		err := config.Watch(ctx, path, env, func(*config.Config) {
			slog.Info("config changed, restarting", "path", path)
			restart()
		})
		if err != nil {
			slog.Warn("config: watcher stopped", "path", path, "err", err)
		}
		return nil
	}
}

