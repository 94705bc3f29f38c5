package cli

import (
	"context"
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
)

// MetricsOptions holds flags for the metrics command.
type MetricsOptions struct {
	*RootOptions
	Process bool
}

// NewMetricsCommand creates the metrics command.
func NewMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetricsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Open a workspace and print metrics in Prometheus text format",
		Long: `Open the workspace, which replays its log, and print the counters the
process has collected in Prometheus exposition format.

Examples:
  wsdb metrics -w tasks
  wsdb metrics -w tasks --process`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetrics(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Process, "process", false, "include Go runtime and process metrics")

	return cmd
}

func runMetrics(ctx context.Context, opts *MetricsOptions, w io.Writer) error {
	ctx = contextOrBackground(ctx)

	if _, err := openWorkspace(ctx, opts.RootOptions); err != nil {
		return err
	}

	metrics.WritePrometheus(w, opts.Process)
	return nil
}
