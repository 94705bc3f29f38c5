package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/wsdb/internal/broadcast"
	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/registry"
	"github.com/roach88/wsdb/internal/workspace"
)

// openWorkspace returns the configured workspace from the command's
// registry, opening it on first use. The workspace stays open until the
// command returns.
func openWorkspace(ctx context.Context, opts *RootOptions) (*workspace.Workspace, error) {
	reg, err := opts.openRegistry()
	if err != nil {
		return nil, err
	}
	ws, err := reg.Get(ctx, opts.Workspace)
	if err != nil {
		return nil, openError(err)
	}
	return ws, nil
}

// openRegistry creates the workspace registry, and the Redis client when a
// Redis URL is set, on first use.
func (o *RootOptions) openRegistry() (*registry.Registry, error) {
	if o.workspaces != nil {
		return o.workspaces, nil
	}
	if o.RedisURL != "" {
		ropts, err := redis.ParseURL(o.RedisURL)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid redis URL", err)
		}
		o.redis = redis.NewClient(ropts)
	}
	o.workspaces = registry.New(o.createWorkspace, registry.Options{Logger: o.logger()})
	return o.workspaces, nil
}

// createWorkspace bootstraps workspace id. With a Redis client, committed
// transactions are published through a broadcast handler.
func (o *RootOptions) createWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	var factory workspace.TxHandlerFactory
	if o.redis != nil {
		factory = broadcast.Factory(o.redis, id, o.logger())
	}
	return workspace.Create(ctx, id, workspace.Options{URI: o.URI, Logger: o.logger()}, factory)
}

// evictWorkspace closes the configured workspace so the next open
// bootstraps it again.
func (o *RootOptions) evictWorkspace() {
	if o.workspaces != nil {
		o.workspaces.Evict(o.Workspace)
	}
}

// closeWorkspaces closes every workspace and the Redis client the command
// opened.
func (o *RootOptions) closeWorkspaces() error {
	var err error
	if o.workspaces != nil {
		err = o.workspaces.Close()
		o.workspaces = nil
	}
	if o.redis != nil {
		err = errors.Join(err, o.redis.Close())
		o.redis = nil
	}
	return err
}

// openError maps a workspace creation failure to an exit code: a replay that
// diverged from recorded state is a failure, anything else a command error.
func openError(err error) error {
	if core.IsConsistency(err) {
		return WrapExitError(ExitFailure, "workspace replay diverged", err)
	}
	return WrapExitError(ExitCommandError, "failed to open workspace", err)
}

// txFactory builds transactions authored by the configured account.
func txFactory(opts *RootOptions) *core.TxFactory {
	return &core.TxFactory{Account: core.Ref(opts.Account)}
}

// txError maps a rejected transaction to its error code for output.
func txError(err error) string {
	if errors.Is(err, workspace.ErrHandlerFailed) {
		return "HANDLER"
	}
	if code := core.CodeOf(err); code != "" {
		return string(code)
	}
	return "E_TX"
}

func describeTx(tx core.Tx) string {
	h := tx.Header()
	return fmt.Sprintf("%s %s %s", tx.Kind(), h.ObjectClass, h.ObjectID)
}

// requireWorkspace fails unless the configured workspace database exists.
func requireWorkspace(opts *RootOptions) (string, error) {
	path, err := workspace.Path(opts.URI, opts.Workspace)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid workspace", err)
	}
	if _, err := os.Stat(path); err != nil {
		return "", WrapExitError(ExitCommandError, fmt.Sprintf("workspace %s not found", opts.Workspace), err)
	}
	return path, nil
}
