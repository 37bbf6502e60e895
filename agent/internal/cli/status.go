package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldlog/datalogger/agent/internal/buffer"
	"github.com/fieldlog/datalogger/agent/internal/security"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	CheckCert bool
	Timeout   time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// StatusReport is the output of the status command.
type StatusReport struct {
	Buffer       string               `json:"buffer"`
	Stats        buffer.Stats         `json:"stats"`
	Rows         int64                `json:"rows"`
	MaxRows      int64                `json:"max_rows"`
	FreeFraction float64              `json:"free_fraction"`
	Upstream     string               `json:"upstream"`
	Certificate  *security.CertStatus `json:"certificate,omitempty"`
}

func (r StatusReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "buffer:         %s (%d bytes)\n", r.Buffer, r.Stats.FileBytes)
	fmt.Fprintf(&b, "pending:        %d\n", r.Stats.Pending)
	fmt.Fprintf(&b, "delivered:      %d\n", r.Stats.Delivered)
	if r.Stats.OldestPending != nil {
		fmt.Fprintf(&b, "oldest pending: %s\n", r.Stats.OldestPending.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "last id:        %d\n", r.Stats.LastID)
	fmt.Fprintf(&b, "capacity:       %d/%d rows, %.1f%% free\n", r.Rows, r.MaxRows, r.FreeFraction*100)
	fmt.Fprintf(&b, "upstream:       %s", r.Upstream)
	if c := r.Certificate; c != nil {
		fmt.Fprintf(&b, "\ncertificate:    %s", c.Status)
		if c.NotAfter != "" {
			fmt.Fprintf(&b, " (expires %s, %d days)", c.NotAfter, c.DaysLeft)
		}
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts, now: time.Now}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show buffer backlog and upstream certificate state",
		Long: `Print a summary of the local buffer: pending and delivered rows, the capture
time of the oldest undelivered reading and the remaining capacity. When the
upstream uses TLS the expiry of its certificate is reported as well.

The buffer is opened read-mostly and can be inspected while the agent runs.

Example:
  datalogger status
  datalogger status --format json --check-cert=false`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout())
			report, err := status(cmd.Context(), opts)
			if err != nil {
				_ = f.Error(err)
				return err
			}
			return f.Success(report)
		},
	}

	cmd.Flags().BoolVar(&opts.CheckCert, "check-cert", true, "dial the upstream and report its TLS certificate")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "timeout for the certificate check")

	return cmd
}

func status(ctx context.Context, opts *StatusOptions) (*StatusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return nil, err
	}

	// Open would create an empty buffer; a missing file is a command error.
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return nil, WrapExitError(ExitCommandError, "buffer not found", err)
	}
	store, err := buffer.Open(cfg.Storage.Path, buffer.Options{
		MaxRows:     cfg.Storage.MaxRows,
		Synchronous: cfg.Storage.Synchronous,
		TxTimeout:   cfg.Storage.TxTimeout,
	})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open buffer", err)
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to read buffer stats", err)
	}
	p, err := store.Pressure(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to measure buffer pressure", err)
	}

	report := &StatusReport{
		Buffer:       store.Path(),
		Stats:        stats,
		Rows:         p.Rows,
		MaxRows:      p.MaxRows,
		FreeFraction: p.FreeFraction(),
		Upstream:     upstreamTarget(cfg.Upstream.Kind, cfg.Upstream.URL, cfg.Upstream.S3.Bucket),
	}
	if opts.CheckCert {
		cctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		report.Certificate = security.CheckUpstream(cctx, cfg.Upstream, opts.now())
	}
	return report, nil
}

func upstreamTarget(kind, url, bucket string) string {
	if kind == "s3" {
		return "s3://" + bucket
	}
	return kind + " " + url
}
