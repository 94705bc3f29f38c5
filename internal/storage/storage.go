// Package storage is the persistent workspace storage: the append-only
// transaction log plus per-domain document collections projected from it.
//
// Every Tx is one SQL transaction: the log append, the projection into the
// target domain's collection and the watermark advance commit together, so
// a write is visible to every FindAll issued after Tx returns and the log
// alone is always sufficient to rebuild the collections.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/operator"
	"github.com/roach88/wsdb/internal/query"
	"github.com/roach88/wsdb/internal/store"
	"github.com/roach88/wsdb/internal/txproc"
)

// Schema is the hierarchy view storage depends on.
// Implemented by *hierarchy.Hierarchy.
type Schema interface {
	core.Derivation
	Domain(class core.Ref) (core.Domain, error)
	Descendants(base core.Ref) []core.Ref
}

// WorkspaceStorage implements core.Client over a store.Store.
type WorkspaceStorage struct {
	store  *store.Store
	schema Schema
	logger *slog.Logger
}

var _ core.Client = (*WorkspaceStorage)(nil)

// New creates the storage over an open store and an already replayed
// schema.
func New(s *store.Store, schema Schema, logger *slog.Logger) *WorkspaceStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceStorage{store: s, schema: schema, logger: logger}
}

// Store returns the backing store.
func (w *WorkspaceStorage) Store() *store.Store {
	return w.store
}

// IsDerived implements core.Derivation.
func (w *WorkspaceStorage) IsDerived(class, base core.Ref) bool {
	return w.schema.IsDerived(class, base)
}

// Tx appends tx to the log and projects it.
//
// A tx id already in the log is ignored. Creating a document of an unknown
// class is a SchemaError and nothing is written. Update/remove of an unknown
// class or a missing document is logged and skipped; the tx is still
// logged. A malformed operations map is a LogicError and nothing is written.
// Any I/O failure is a TransientStorageError.
func (w *WorkspaceStorage) Tx(ctx context.Context, tx core.Tx) error {
	_, err := w.Apply(ctx, tx)
	return err
}

// Apply is Tx, additionally reporting whether tx was new to the log.
func (w *WorkspaceStorage) Apply(ctx context.Context, tx core.Tx) (applied bool, err error) {
	if err := core.ValidateTx(tx); err != nil {
		return false, err
	}
	if c, ok := tx.(*core.CreateDoc); ok {
		if _, err := w.schema.Domain(c.ObjectClass); err != nil {
			return false, err
		}
	}

	b, err := w.store.Begin(ctx)
	if err != nil {
		return false, core.NewTransientError("begin", err)
	}
	defer b.Rollback()

	seq, inserted, err := b.AppendTx(ctx, tx)
	if err != nil {
		return false, core.NewTransientError("append tx", err)
	}
	if !inserted {
		w.logger.Debug("duplicate tx ignored", "tx_id", tx.Header().ID, "seq", seq)
		return false, nil
	}

	if err := w.project(ctx, b, tx, seq); err != nil {
		return false, err
	}
	if err := b.SetWatermark(ctx, seq); err != nil {
		return false, core.NewTransientError("set watermark", err)
	}
	if err := b.Commit(); err != nil {
		return false, core.NewTransientError("commit", err)
	}
	return true, nil
}

// project mutates the target collection for tx. Errors that are not
// already *core.Error are treated as I/O failures.
func (w *WorkspaceStorage) project(ctx context.Context, b *store.Batch, tx core.Tx, seq int64) error {
	p := &projector{w: w, b: b, seq: seq}
	err := txproc.Dispatch(ctx, p, tx)
	if err == nil {
		return nil
	}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return err
	}
	return core.NewTransientError("project", err)
}

// projector applies one tx inside a batch.
type projector struct {
	w   *WorkspaceStorage
	b   *store.Batch
	seq int64
}

// targetDomain resolves the collection of class. ok is false when the class
// lives in the tx domain, where the log itself is the collection.
func (p *projector) targetDomain(class core.Ref) (domain core.Domain, ok bool, err error) {
	domain, err = p.w.schema.Domain(class)
	if err != nil {
		return "", false, err
	}
	return domain, domain != core.DomainTx, nil
}

func (p *projector) CreateDoc(ctx context.Context, tx *core.CreateDoc) error {
	domain, ok, err := p.targetDomain(tx.ObjectClass)
	if err != nil || !ok {
		return err
	}
	doc := txproc.CreateDocToDoc(tx)
	return p.b.InsertDocument(ctx, domain, doc, p.seq)
}

func (p *projector) UpdateDoc(ctx context.Context, tx *core.UpdateDoc) error {
	domain, ok, err := p.targetDomain(tx.ObjectClass)
	if err != nil {
		p.w.logger.Warn("update skipped", "tx_id", tx.ID, "object_id", tx.ObjectID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	doc, found, err := p.b.GetDocument(ctx, domain, tx.ObjectID)
	if err != nil {
		return err
	}
	if !found {
		p.w.logger.Warn("update of missing document skipped", "tx_id", tx.ID, "object_id", tx.ObjectID, "domain", domain)
		return nil
	}

	res, err := operator.Apply(doc.Attributes, tx.Operations)
	if err != nil {
		return err
	}
	doc.Attributes = res.Attributes
	txproc.Stamp(&doc, tx)
	return p.b.UpdateDocument(ctx, domain, doc)
}

func (p *projector) RemoveDoc(ctx context.Context, tx *core.RemoveDoc) error {
	domain, ok, err := p.targetDomain(tx.ObjectClass)
	if err != nil {
		p.w.logger.Warn("remove skipped", "tx_id", tx.ID, "object_id", tx.ObjectID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	_, found, err := p.b.GetDocument(ctx, domain, tx.ObjectID)
	if err != nil {
		return err
	}
	if !found {
		p.w.logger.Warn("remove of missing document skipped", "tx_id", tx.ID, "object_id", tx.ObjectID, "domain", domain)
		return nil
	}
	return p.b.DeleteDocument(ctx, domain, tx.ObjectID)
}

// FindAll returns documents of class or any subclass matching filter.
//
// The collection is resolved through the class's domain and narrowed in SQL
// to the class's descendants; equality filtering, sort and limit are
// applied by the query package. For the tx domain the log is read as
// documents.
func (w *WorkspaceStorage) FindAll(ctx context.Context, class core.Ref, filter core.Object, opts *core.FindOptions) (core.FindResult, error) {
	domain, err := w.schema.Domain(class)
	if err != nil {
		return core.FindResult{}, err
	}

	var docs []core.Doc
	if domain == core.DomainTx {
		docs, err = w.logDocs(ctx)
	} else {
		docs, err = w.store.FindDocuments(ctx, pushDown(domain, w.schema.Descendants(class), filter))
	}
	if err != nil {
		return core.FindResult{}, core.NewTransientError("find "+string(class), err)
	}

	return query.Find(docs, w.schema, class, filter, opts), nil
}

// pushDown moves the filters SQL can answer exactly into the document
// query. Everything is still re-checked by query.Find.
func pushDown(domain core.Domain, classes []core.Ref, filter core.Object) store.DocumentQuery {
	q := store.DocumentQuery{Domain: domain, Classes: classes}
	if v, ok := filter[core.FieldID].(core.String); ok {
		q.ID = core.Ref(v)
	}
	if v, ok := filter[core.FieldSpace].(core.String); ok {
		q.Space = core.Ref(v)
	}
	return q
}

func (w *WorkspaceStorage) logDocs(ctx context.Context) ([]core.Doc, error) {
	entries, err := w.store.ReadLog(ctx, 0)
	if err != nil {
		return nil, err
	}
	docs := make([]core.Doc, 0, len(entries))
	for _, e := range entries {
		doc, err := core.TxToDoc(e.Tx)
		if err != nil {
			return nil, fmt.Errorf("log seq %d: %w", e.Seq, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// CatchUp projects every log entry beyond the watermark. It returns the
// number of entries projected.
//
// Entries the projection rejects (unknown class, duplicate create) are
// logged and skipped: the log is the system of record and was accepted
// when written.
func (w *WorkspaceStorage) CatchUp(ctx context.Context) (int, error) {
	watermark, err := w.store.Watermark(ctx)
	if err != nil {
		return 0, core.NewTransientError("read watermark", err)
	}

	count := 0
	err = w.store.ScanLog(ctx, watermark, func(e store.LogEntry) error {
		if err := w.projectEntry(ctx, e); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	if count > 0 {
		w.logger.Info("projection caught up", "entries", count, "from_seq", watermark)
	}
	return count, nil
}

func (w *WorkspaceStorage) projectEntry(ctx context.Context, e store.LogEntry) error {
	b, err := w.store.Begin(ctx)
	if err != nil {
		return core.NewTransientError("begin", err)
	}
	defer b.Rollback()

	if err := w.project(ctx, b, e.Tx, e.Seq); err != nil {
		if core.IsTransient(err) {
			return err
		}
		w.logger.Warn("log entry not projected", "seq", e.Seq, "tx_id", e.Tx.Header().ID, "error", err)
		// The failed projection may have partially written; start over
		// with a batch that only advances the watermark.
		if err := b.Rollback(); err != nil {
			return core.NewTransientError("rollback", err)
		}
		if b, err = w.store.Begin(ctx); err != nil {
			return core.NewTransientError("begin", err)
		}
		defer b.Rollback()
	}
	if err := b.SetWatermark(ctx, e.Seq); err != nil {
		return core.NewTransientError("set watermark", err)
	}
	if err := b.Commit(); err != nil {
		return core.NewTransientError("commit", err)
	}
	return nil
}

// Rebuild drops every projected collection and re-projects the whole log.
func (w *WorkspaceStorage) Rebuild(ctx context.Context) (int, error) {
	b, err := w.store.Begin(ctx)
	if err != nil {
		return 0, core.NewTransientError("begin", err)
	}
	defer b.Rollback()

	if err := b.ClearDocuments(ctx); err != nil {
		return 0, core.NewTransientError("clear documents", err)
	}
	if err := b.Commit(); err != nil {
		return 0, core.NewTransientError("commit", err)
	}
	return w.CatchUp(ctx)
}
