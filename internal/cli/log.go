package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	After int64
	Limit int
}

// LogRecord is one transaction of the log command's output.
type LogRecord struct {
	Seq         int64       `json:"seq"`
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	ObjectClass string      `json:"object_class"`
	ObjectID    string      `json:"object_id"`
	By          string      `json:"by"`
	On          int64       `json:"on"`
	Payload     core.Object `json:"payload"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the transaction log",
		Long: `Print the transactions of a workspace in commit order.

The log is read directly from the workspace database; derived state is
not rebuilt.

Examples:
  wsdb log -w tasks
  wsdb log -w tasks --after 120 --limit 20 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only transactions with a greater sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of transactions (0 = unlimited)")

	return cmd
}

func runLog(ctx context.Context, opts *LogOptions, w io.Writer) error {
	ctx = contextOrBackground(ctx)

	path, err := requireWorkspace(opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := store.Open(path, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	records := []LogRecord{}
	err = st.ScanLog(ctx, opts.After, func(e store.LogEntry) error {
		if opts.Limit > 0 && len(records) >= opts.Limit {
			return nil
		}
		payload, err := core.EncodePayload(e.Tx)
		if err != nil {
			return err
		}
		h := e.Tx.Header()
		records = append(records, LogRecord{
			Seq:         e.Seq,
			ID:          string(h.ID),
			Kind:        string(e.Tx.Kind()),
			ObjectClass: string(h.ObjectClass),
			ObjectID:    string(h.ObjectID),
			By:          string(h.ModifiedBy),
			On:          h.ModifiedOn,
			Payload:     payload,
		})
		return nil
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log", err)
	}

	return respond(opts.RootOptions, w, records, func(w io.Writer) error {
		for _, r := range records {
			fmt.Fprintf(w, "%6d  %-6s  %s  %s  (tx %s by %s)\n", r.Seq, r.Kind, r.ObjectClass, r.ObjectID, r.ID, r.By)
			if opts.Verbose && len(r.Payload) > 0 {
				data, err := core.MarshalCanonical(r.Payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "        %s\n", data)
			}
		}
		fmt.Fprintf(w, "%d transaction(s)\n", len(records))
		return nil
	})
}
