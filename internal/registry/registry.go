// Package registry keeps open workspaces keyed by id for a hosting process.
//
// The registry is bounded: when more than Capacity workspaces are open the
// least recently used one is closed, and Sweep closes workspaces idle for
// longer than TTL. Closing a workspace a caller still holds makes its next
// store access fail; callers should re-Get rather than cache workspaces.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/wsdb/internal/workspace"
)

var (
	opensTotal     = metrics.GetOrCreateCounter("wsdb_registry_opens_total")
	evictionsTotal = metrics.GetOrCreateCounter("wsdb_registry_evictions_total")
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("registry closed")

// Opener opens workspace id.
type Opener func(ctx context.Context, id string) (*workspace.Workspace, error)

// Options bounds a Registry.
type Options struct {
	// Capacity is the maximum number of open workspaces. 0 means unbounded.
	Capacity int

	// TTL is the idle time after which Sweep closes a workspace. 0 disables
	// idle eviction.
	TTL time.Duration

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	ws       *workspace.Workspace
	lastUsed atomic.Int64 // unix nanos
}

// Registry is safe for concurrent use.
type Registry struct {
	open    Opener
	opts    Options
	logger  *slog.Logger
	entries *xsync.MapOf[string, *entry]

	// mu serializes opens and evictions; lookups of open workspaces do not
	// take it.
	mu     sync.Mutex
	closed bool
}

// New creates a registry that opens workspaces with open.
func New(open Opener, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		open:    open,
		opts:    opts,
		logger:  logger,
		entries: xsync.NewMapOf[string, *entry](),
	}
}

func (r *Registry) touch(e *entry) {
	e.lastUsed.Store(r.opts.Now().UnixNano())
}

// Get returns workspace id, opening it on first use.
func (r *Registry) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	if e, ok := r.entries.Load(id); ok {
		r.touch(e)
		return e.ws, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.entries.Load(id); ok {
		r.touch(e)
		return e.ws, nil
	}

	ws, err := r.open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", id, err)
	}
	opensTotal.Inc()
	e := &entry{ws: ws}
	r.touch(e)
	r.entries.Store(id, e)

	if c := r.opts.Capacity; c > 0 {
		for r.entries.Size() > c {
			if !r.evictOldest(id) {
				break
			}
		}
	}
	return ws, nil
}

// evictOldest closes the least recently used workspace other than keep.
// Caller holds r.mu.
func (r *Registry) evictOldest(keep string) bool {
	var (
		oldestID string
		oldestAt int64
		found    bool
	)
	r.entries.Range(func(id string, e *entry) bool {
		if id == keep {
			return true
		}
		at := e.lastUsed.Load()
		if !found || at < oldestAt || (at == oldestAt && id < oldestID) {
			oldestID, oldestAt, found = id, at, true
		}
		return true
	})
	if !found {
		return false
	}
	r.evict(oldestID, "capacity")
	return true
}

// evict removes and closes id. Caller holds r.mu.
func (r *Registry) evict(id, reason string) {
	e, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return
	}
	evictionsTotal.Inc()
	if err := e.ws.Close(); err != nil {
		r.logger.Warn("close evicted workspace", "workspace", id, "reason", reason, "error", err)
		return
	}
	r.logger.Info("workspace evicted", "workspace", id, "reason", reason)
}

// Sweep closes every workspace idle for longer than TTL and returns how
// many it closed.
func (r *Registry) Sweep() int {
	if r.opts.TTL <= 0 {
		return 0
	}
	cutoff := r.opts.Now().Add(-r.opts.TTL).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []string
	r.entries.Range(func(id string, e *entry) bool {
		if e.lastUsed.Load() < cutoff {
			idle = append(idle, id)
		}
		return true
	})
	for _, id := range idle {
		r.evict(id, "idle")
	}
	return len(idle)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of open workspaces.
func (r *Registry) Len() int {
	return r.entries.Size()
}

// Evict closes workspace id if it is open.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(id, "explicit")
}

// Close closes every workspace. Further Gets fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var errs []error
	r.entries.Range(func(id string, e *entry) bool {
		if err := e.ws.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		r.entries.Delete(id)
		return true
	})
	return errors.Join(errs...)
}
