// Package workspace assembles one workspace: the persistent transaction log
// and projections, the class hierarchy and model database rebuilt from that
// log, and the ordered list of handlers every committed transaction is
// fanned out to.
//
// A transaction flows Hierarchy -> Storage -> handlers. The hierarchy
// applies first so the storage can resolve the domain of a class created in
// the same transaction; if the storage rejects the transaction the
// hierarchy change is undone. Handlers run concurrently and only after the
// transaction is durable; a handler failure does not roll anything back.
//
// The workspace has no internal write lock. Callers serialize Tx, or submit
// through a Queue.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/hierarchy"
	"github.com/roach88/wsdb/internal/model"
	"github.com/roach88/wsdb/internal/storage"
	"github.com/roach88/wsdb/internal/store"
	"github.com/roach88/wsdb/internal/txproc"
)

var (
	txAppliedTotal       = metrics.GetOrCreateCounter("wsdb_workspace_tx_applied_total")
	txRejectedTotal      = metrics.GetOrCreateCounter("wsdb_workspace_tx_rejected_total")
	handlerFailuresTotal = metrics.GetOrCreateCounter("wsdb_workspace_handler_failures_total")
	bootstrapsTotal      = metrics.GetOrCreateCounter("wsdb_workspace_bootstraps_total")
)

// ErrHandlerFailed wraps the errors of handlers that failed on a committed
// transaction.
var ErrHandlerFailed = errors.New("handler failed")

// TxHandler consumes committed transactions.
type TxHandler = txproc.Handler

// TxHandlerFactory builds extra handlers once the workspace's hierarchy,
// storage and model exist. They run after the model database.
type TxHandlerFactory func(h *hierarchy.Hierarchy, s *storage.WorkspaceStorage, m *model.DB) ([]TxHandler, error)

// Defaults for Options.
const (
	DefaultRetryBase  = 100 * time.Millisecond
	DefaultMaxRetries = 3
)

// Options configures Create.
type Options struct {
	// URI names the directory holding workspace databases: sqlite:///dir,
	// file:///dir or a plain path. Required.
	URI string

	// StoreOptions are passed verbatim as SQLite DSN parameters.
	StoreOptions map[string]string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// RetryBase and MaxRetries bound the Fibonacci backoff used while
	// opening the backing store.
	RetryBase  time.Duration
	MaxRetries uint64
}

// Workspace is one open workspace.
type Workspace struct {
	id        string
	store     *store.Store
	hierarchy *hierarchy.Hierarchy
	model     *model.DB
	storage   *storage.WorkspaceStorage
	handlers  []TxHandler
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ core.Client = (*Workspace)(nil)

// Path returns the database file of workspace id under the directory named
// by uri.
func Path(uri, id string) (string, error) {
	if id == "" {
		return "", core.NewLogicError("workspace id is empty")
	}
	dir, err := parseURI(uri)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ws-"+id+".db"), nil
}

func parseURI(uri string) (string, error) {
	if uri == "" {
		return "", core.NewLogicError("workspace URI is empty")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path. A one-letter scheme is a Windows drive.
		return uri, nil
	}
	switch u.Scheme {
	case "sqlite", "file":
		dir := u.Path
		if u.Host != "" {
			dir = filepath.Join(u.Host, u.Path)
		}
		if dir == "" {
			return "", core.NewLogicError(fmt.Sprintf("workspace URI %q has no path", uri))
		}
		return dir, nil
	default:
		return "", core.NewLogicError(fmt.Sprintf("unsupported workspace URI scheme %q", u.Scheme))
	}
}

// Create opens workspace id, rebuilding its derived state from the log.
//
// The log is replayed into the hierarchy and then into the model database,
// any log tail the projections have not seen is projected, and the derived
// state is checked against the fingerprint recorded the last time the log
// had this length. Any failure closes the store and aborts creation.
func Create(ctx context.Context, id string, opts Options, factory TxHandlerFactory) (*Workspace, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("workspace", id)

	path, err := Path(opts.URI, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, core.NewTransientError("create workspace directory", err)
	}

	s, err := openStore(ctx, path, opts, logger)
	if err != nil {
		return nil, err
	}

	ws, err := bootstrap(ctx, id, s, factory, logger)
	if err != nil {
		if cerr := s.Close(); cerr != nil {
			logger.Warn("close store after failed bootstrap", "error", cerr)
		}
		return nil, fmt.Errorf("create workspace %s: %w", id, err)
	}
	bootstrapsTotal.Inc()
	return ws, nil
}

func openStore(ctx context.Context, path string, opts Options, logger *slog.Logger) (*store.Store, error) {
	base := opts.RetryBase
	if base <= 0 {
		base = DefaultRetryBase
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	var s *store.Store
	b := retry.NewFibonacci(base)
	err := retry.Do(ctx, retry.WithMaxRetries(maxRetries, b), func(ctx context.Context) error {
		var err error
		s, err = store.Open(path, opts.StoreOptions)
		if err != nil {
			logger.Warn("open store failed, retrying", "path", path, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, core.NewTransientError("open store", err)
	}
	return s, nil
}

func bootstrap(ctx context.Context, id string, s *store.Store, factory TxHandlerFactory, logger *slog.Logger) (*Workspace, error) {
	h := hierarchy.New().WithLogger(logger)
	m := model.New(h).WithLogger(logger)

	// The hierarchy must be complete before the model resolves domains, so
	// the log is replayed twice.
	entries, err := s.ReadLog(ctx, 0)
	if err != nil {
		return nil, core.NewTransientError("read log", err)
	}
	for _, e := range entries {
		if _, err := h.Apply(e.Tx); err != nil {
			return nil, fmt.Errorf("replay hierarchy at seq %d: %w", e.Seq, err)
		}
	}
	for _, e := range entries {
		if err := m.Tx(ctx, e.Tx); err != nil {
			return nil, fmt.Errorf("replay model at seq %d: %w", e.Seq, err)
		}
	}

	st := storage.New(s, h, logger)
	projected, err := st.CatchUp(ctx)
	if err != nil {
		return nil, fmt.Errorf("catch up projections: %w", err)
	}

	var lastSeq int64
	if n := len(entries); n > 0 {
		lastSeq = entries[n-1].Seq
	}
	if err := verifyFingerprint(ctx, s, h, m, lastSeq); err != nil {
		return nil, err
	}

	handlers := []TxHandler{m}
	if factory != nil {
		extra, err := factory(h, st, m)
		if err != nil {
			return nil, fmt.Errorf("build handlers: %w", err)
		}
		handlers = append(handlers, extra...)
	}

	logger.Info("workspace ready",
		"log_entries", len(entries),
		"projected", projected,
		"classes", len(h.Classes()),
		"model_docs", m.Len(),
		"handlers", len(handlers))

	return &Workspace{
		id:        id,
		store:     s,
		hierarchy: h,
		model:     m,
		storage:   st,
		handlers:  handlers,
		logger:    logger,
	}, nil
}

// verifyFingerprint compares the replayed state with the state recorded the
// last time the log ended at seq, recording it if this is the first time.
func verifyFingerprint(ctx context.Context, s *store.Store, h *hierarchy.Hierarchy, m *model.DB, seq int64) error {
	hfp, err := h.Fingerprint()
	if err != nil {
		return fmt.Errorf("hierarchy fingerprint: %w", err)
	}
	mfp, err := m.Fingerprint()
	if err != nil {
		return fmt.Errorf("model fingerprint: %w", err)
	}

	prev, ok, err := s.BootstrapFingerprintAt(ctx, seq)
	if err != nil {
		return core.NewTransientError("read bootstrap fingerprint", err)
	}
	if ok {
		if prev.Hierarchy != hfp || prev.Model != mfp {
			return core.NewConsistencyError(fmt.Sprintf(
				"replay at seq %d diverged from recorded state (hierarchy %s vs %s, model %s vs %s)",
				seq, hfp, prev.Hierarchy, mfp, prev.Model))
		}
		return nil
	}

	err = s.PutBootstrapFingerprint(ctx, store.BootstrapFingerprint{
		Seq:       seq,
		Hierarchy: hfp,
		Model:     mfp,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return core.NewTransientError("record bootstrap fingerprint", err)
	}
	return nil
}

// ID returns the workspace id.
func (w *Workspace) ID() string { return w.id }

// Hierarchy returns the class hierarchy.
func (w *Workspace) Hierarchy() *hierarchy.Hierarchy { return w.hierarchy }

// Model returns the model database.
func (w *Workspace) Model() *model.DB { return w.model }

// Storage returns the persistent storage.
func (w *Workspace) Storage() *storage.WorkspaceStorage { return w.storage }

// FindAll delegates to the persistent storage.
func (w *Workspace) FindAll(ctx context.Context, class core.Ref, filter core.Object, opts *core.FindOptions) (core.FindResult, error) {
	return w.storage.FindAll(ctx, class, filter, opts)
}

// IsDerived delegates to the hierarchy.
func (w *Workspace) IsDerived(class, base core.Ref) bool {
	return w.hierarchy.IsDerived(class, base)
}

// Tx applies tx to the hierarchy and storage, then fans it out to every
// handler.
//
// A hierarchy or storage rejection returns that error and no handler sees
// the transaction. A malformed transaction is a LogicError. A transaction
// id already in the log is a no-op. Once storage has committed, every
// handler runs to completion; failed handlers are logged and returned joined
// under ErrHandlerFailed.
func (w *Workspace) Tx(ctx context.Context, tx core.Tx) error {
	if err := core.ValidateTx(tx); err != nil {
		txRejectedTotal.Inc()
		return err
	}
	h := tx.Header()

	undo, err := w.hierarchy.Apply(tx)
	if err != nil {
		txRejectedTotal.Inc()
		return fmt.Errorf("hierarchy: %w", err)
	}
	applied, err := w.storage.Apply(ctx, tx)
	if err != nil {
		undo()
		txRejectedTotal.Inc()
		return fmt.Errorf("storage: %w", err)
	}
	if !applied {
		// Already in the log: every handler has seen it.
		undo()
		return nil
	}
	txAppliedTotal.Inc()

	errs := make([]error, len(w.handlers))
	var g errgroup.Group
	for i, handler := range w.handlers {
		i, handler := i, handler
		g.Go(func() error {
			if err := handler.Tx(ctx, tx); err != nil {
				errs[i] = fmt.Errorf("handler %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		handlerFailuresTotal.Inc()
		w.logger.Error("handler failed", "tx_id", h.ID, "object_id", h.ObjectID, "error", err)
		failed = append(failed, err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrHandlerFailed, errors.Join(failed...))
	}
	return nil
}

// Close closes the backing store. Safe to call more than once.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.store.Close()
		w.logger.Debug("workspace closed")
	})
	return w.closeErr
}
