package cli

import (
	"github.com/spf13/cobra"

	"github.com/fieldlog/datalogger/agent/internal/identity"
)

// IdentityReport is the output of the identity command.
type IdentityReport struct {
	DeviceID string `json:"device_id"`
	Source   string `json:"source"`
}

func (r IdentityReport) String() string {
	return r.DeviceID + " (" + r.Source + ")"
}

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the device id stamped on every reading",
		Long: `Resolve the device id from the configured sources, in order, and print it
together with the source that produced it. Exits 1 when no source yields an
id; run refuses to start in that case.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(opts, cmd.OutOrStdout())
			cfg, err := loadConfig(opts)
			if err != nil {
				_ = f.Error(err)
				return err
			}
			r := identity.New(cfg.Device, opts.Env)
			id, err := r.ID()
			if err != nil {
				err = WrapExitError(ExitFailure, "failed to resolve device identity", err)
				_ = f.Error(err)
				return err
			}
			return f.Success(IdentityReport{DeviceID: id, Source: r.Source()})
		},
	}
}
