package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/wsdb/internal/fixture"
	"github.com/roach88/wsdb/internal/workspace"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	File string
}

// ApplyResult is the output of the apply command.
type ApplyResult struct {
	File    string   `json:"file"`
	Applied int      `json:"applied"`
	Total   int      `json:"total"`
	Warning []string `json:"warnings,omitempty"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the transactions of a YAML file",
		Long: `Validate a YAML transaction file and apply its transactions in order.

Application stops at the first transaction the workspace rejects. A
transaction whose handlers fail has still been committed; it is reported
as a warning.

Exit codes:
  0 - All transactions applied
  1 - A transaction was rejected
  2 - Command error (invalid file, workspace cannot be opened)

Examples:
  wsdb apply -f tasks.yaml
  wsdb apply -f tasks.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML transaction file (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runApply(ctx context.Context, opts *ApplyOptions, w io.Writer) error {
	ctx = contextOrBackground(ctx)

	f, err := fixture.Load(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid transaction file", err)
	}
	txs, err := f.Txs(txFactory(opts.RootOptions))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid transaction file", err)
	}

	ws, err := openWorkspace(ctx, opts.RootOptions)
	if err != nil {
		return err
	}

	q := workspace.NewQueue(ws)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })

	result := ApplyResult{File: opts.File, Total: len(txs)}
	var rejected error
	for i, tx := range txs {
		err := q.Submit(ctx, tx)
		if err != nil && !errors.Is(err, workspace.ErrHandlerFailed) {
			rejected = fmt.Errorf("transaction %d (%s): %w", i, describeTx(tx), err)
			break
		}
		if err != nil {
			result.Warning = append(result.Warning, fmt.Sprintf("transaction %d (%s): %v", i, describeTx(tx), err))
		}
		result.Applied++
	}
	q.Close()
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "apply queue", err)
	}

	if rejected != nil {
		return fail(opts.RootOptions, w, ExitFailure, txError(rejected), "transaction rejected", result, rejected)
	}
	return respond(opts.RootOptions, w, result, func(w io.Writer) error {
		for _, warning := range result.Warning {
			fmt.Fprintf(w, "! %s\n", warning)
		}
		fmt.Fprintf(w, "✓ Applied %d transaction(s) from %s\n", result.Applied, result.File)
		return nil
	})
}
