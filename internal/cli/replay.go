package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ReplayRun is the derived state observed by one bootstrap.
type ReplayRun struct {
	Hierarchy string `json:"hierarchy"`
	Model     string `json:"model"`
	Classes   int    `json:"classes"`
	ModelDocs int    `json:"model_docs"`
}

// ReplayResult is the output of the replay command.
type ReplayResult struct {
	Workspace     string      `json:"workspace"`
	Rebuilt       int         `json:"rebuilt,omitempty"`
	Runs          []ReplayRun `json:"runs"`
	Deterministic bool        `json:"deterministic"`
}

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Rebuild bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a workspace from its log and verify determinism",
		Long: `Open the workspace twice, rebuilding the class hierarchy and the model
from the transaction log each time, and compare the fingerprints of the
derived state. Each bootstrap also checks the state against the
fingerprint recorded the last time the log had the same length.

With --rebuild, the projected document collections are dropped and
re-projected from the log before the replays.

Exit codes:
  0 - Both replays produced the recorded state
  1 - Replays diverged from each other or from the recorded state
  2 - Command error (workspace cannot be opened, etc.)

Examples:
  wsdb replay -w tasks
  wsdb replay -w tasks --format json
  wsdb replay -w tasks --rebuild`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Rebuild, "rebuild", false, "re-project document collections from the log first")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, w io.Writer) error {
	ctx = contextOrBackground(ctx)

	if _, err := requireWorkspace(opts.RootOptions); err != nil {
		return err
	}

	result := ReplayResult{Workspace: opts.Workspace}
	if opts.Rebuild {
		n, err := rebuild(ctx, opts.RootOptions)
		if err != nil {
			if GetExitCode(err) == ExitFailure {
				return fail(opts.RootOptions, w, ExitFailure, "E_DIVERGED", "replay diverged from recorded state", result, err)
			}
			return err
		}
		result.Rebuilt = n
	}
	for i := 0; i < 2; i++ {
		run, err := replayOnce(ctx, opts.RootOptions)
		if err != nil {
			if GetExitCode(err) == ExitFailure {
				return fail(opts.RootOptions, w, ExitFailure, "E_DIVERGED", "replay diverged from recorded state", result, err)
			}
			return err
		}
		result.Runs = append(result.Runs, run)
	}
	result.Deterministic = result.Runs[0] == result.Runs[1]

	if !result.Deterministic {
		return fail(opts.RootOptions, w, ExitFailure, "E_DETERMINISM", "determinism verification failed", result, nil)
	}
	return respond(opts.RootOptions, w, result, func(w io.Writer) error {
		run := result.Runs[0]
		fmt.Fprintf(w, "Replay Summary: workspace %s\n", result.Workspace)
		if opts.Rebuild {
			fmt.Fprintf(w, "  Rebuilt: %d log entries\n", result.Rebuilt)
		}
		fmt.Fprintf(w, "  Classes: %d\n", run.Classes)
		fmt.Fprintf(w, "  Model documents: %d\n", run.ModelDocs)
		if opts.Verbose {
			fmt.Fprintf(w, "  Hierarchy: %s\n", run.Hierarchy)
			fmt.Fprintf(w, "  Model: %s\n", run.Model)
		}
		fmt.Fprintln(w, "✓ Replay verified deterministic")
		return nil
	})
}

// rebuild re-projects the document collections and returns the number of
// log entries projected.
func rebuild(ctx context.Context, opts *RootOptions) (int, error) {
	ws, err := openWorkspace(ctx, opts)
	if err != nil {
		return 0, err
	}
	defer opts.evictWorkspace()

	n, err := ws.Storage().Rebuild(ctx)
	if err != nil {
		return n, WrapExitError(ExitCommandError, "failed to rebuild projections", err)
	}
	return n, nil
}

// replayOnce bootstraps the workspace from its log and reports the derived
// state. The workspace is evicted afterwards so every run bootstraps anew.
func replayOnce(ctx context.Context, opts *RootOptions) (ReplayRun, error) {
	ws, err := openWorkspace(ctx, opts)
	if err != nil {
		return ReplayRun{}, err
	}
	defer opts.evictWorkspace()

	hfp, err := ws.Hierarchy().Fingerprint()
	if err != nil {
		return ReplayRun{}, WrapExitError(ExitCommandError, "hierarchy fingerprint", err)
	}
	mfp, err := ws.Model().Fingerprint()
	if err != nil {
		return ReplayRun{}, WrapExitError(ExitCommandError, "model fingerprint", err)
	}
	return ReplayRun{
		Hierarchy: hfp,
		Model:     mfp,
		Classes:   len(ws.Hierarchy().Classes()),
		ModelDocs: ws.Model().Len(),
	}, nil
}
