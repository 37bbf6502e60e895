package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/fieldlog/datalogger/agent/internal/config"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "/etc/datalogger/datalogger.yaml"

// Accepted values for the global flags.
var (
	ValidFormats    = []string{"text", "json"}
	ValidLogFormats = []string{"json", "text"}
	ValidLogLevels  = []string{"debug", "info", "warn", "error"}
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
	LogFormat  string // "json" | "text"
	LogLevel   string

	// Env is the environment snapshot secrets and the device id are read
	// from. Nil means the process environment, captured once before the
	// command runs.
	Env config.Env
}

// NewRootCommand creates the datalogger command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datalogger",
		Short: "datalogger - field instrument acquisition and store-and-forward",
		Long: `datalogger samples a field instrument on a fixed interval, keeps every
reading in a local SQLite buffer and forwards it upstream in batches. Readings
survive power loss and network outages; nothing is deleted until the collector
has acknowledged it or the buffer runs out of room.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if !slices.Contains(ValidLogFormats, opts.LogFormat) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be one of %v", opts.LogFormat, ValidLogFormats))
			}
			if !slices.Contains(ValidLogLevels, opts.LogLevel) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid log level %q: must be one of %v", opts.LogLevel, ValidLogLevels))
			}
			// One-shot commands keep stdout for their result. run
			// replaces this logger with its own.
			slog.SetDefault(newLogger(opts, cmd.ErrOrStderr(), cmd.ErrOrStderr()))
			if opts.Env == nil {
				opts.Env = config.EnvFromOS()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to config file (.yaml, .json or .jsonc)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "json", "log format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// loadConfig loads the config named by --config. A failure is a command
// error: the process must not start with a config it cannot read.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.Env)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}
