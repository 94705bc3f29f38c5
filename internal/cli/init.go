package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/wsdb/internal/fixture"
	"github.com/roach88/wsdb/internal/workspace"
)

// InitResult is the output of the init command.
type InitResult struct {
	Workspace    string `json:"workspace"`
	Path         string `json:"path"`
	Transactions int    `json:"transactions"`
	Classes      int    `json:"classes"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a workspace and seed the core model",
		Long: `Create the workspace database if it does not exist and apply the core
model transactions (base classes and the model and transaction spaces).

Running init on a workspace that is already initialized changes nothing.

Examples:
  wsdb init --uri ./data -w tasks
  WSDB_URI=sqlite:///var/lib/wsdb wsdb init`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
}

func runInit(ctx context.Context, opts *RootOptions, w io.Writer) error {
	ctx = contextOrBackground(ctx)

	path, err := workspace.Path(opts.URI, opts.Workspace)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid workspace", err)
	}
	ws, err := openWorkspace(ctx, opts)
	if err != nil {
		return err
	}

	txs := fixture.MinModel()
	for _, tx := range txs {
		if err := ws.Tx(ctx, tx); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("seed %s", describeTx(tx)), err)
		}
	}

	result := InitResult{
		Workspace:    opts.Workspace,
		Path:         path,
		Transactions: len(txs),
		Classes:      len(ws.Hierarchy().Classes()),
	}
	return respond(opts, w, result, func(w io.Writer) error {
		fmt.Fprintf(w, "✓ Initialized workspace %s at %s (%d classes)\n", result.Workspace, result.Path, result.Classes)
		return nil
	})
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
