package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldlog/datalogger/agent/internal/instrument"
	"github.com/fieldlog/datalogger/pkg/types"
)

// ReadReport is the output of the read command.
type ReadReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Values    json.RawMessage `json:"values"`
}

func (r ReadReport) String() string {
	return r.Timestamp.Format(time.RFC3339Nano) + " " + string(r.Values)
}

// NewReadCommand creates the read command.
func NewReadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read the configured registers once and print them",
		Long: `Open the configured instrument, read every register once and print the
values as the JSON object that would be stored in the buffer. Nothing is
persisted or shipped. Useful on the bench to check wiring and the register
map before deploying.

Example:
  datalogger read -c ./site.yaml
  datalogger read --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd.OutOrStdout())
			report, err := readOnce(cmd.Context(), opts)
			if err != nil {
				_ = f.Error(err)
				return err
			}
			return f.Success(report)
		},
	}
}

func readOnce(ctx context.Context, opts *RootOptions) (*ReadReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	client, err := instrument.Open(ctx, cfg.Instrument)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up instrument", err)
	}
	defer client.Close()

	rctx, cancel := context.WithTimeout(ctx, cfg.Acquisition.ReadTimeout)
	defer cancel()
	at := time.Now().UTC()
	values, err := client.Read(rctx, cfg.Instrument.Registers)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "instrument read failed", err)
	}
	payload, err := types.EncodeValues(values)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to encode values", err)
	}
	return &ReadReport{Timestamp: at, Values: json.RawMessage(payload)}, nil
}
