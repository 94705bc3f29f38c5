// Package model implements the in-memory Model Database: a Storage view over
// the documents of the model domain (classes, spaces, enums, mixins),
// materialized purely by replaying transactions.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/operator"
	"github.com/roach88/wsdb/internal/query"
	"github.com/roach88/wsdb/internal/txproc"
)

// Schema answers the derivation and domain questions the model needs.
// Implemented by *hierarchy.Hierarchy.
type Schema interface {
	core.Derivation
	Domain(class core.Ref) (core.Domain, error)
}

// DB is the in-memory model database.
//
// Thread-safe: FindAll and GetObject may run concurrently with Tx.
type DB struct {
	schema Schema
	logger *slog.Logger

	mu    sync.RWMutex
	docs  map[core.Ref]*core.Doc
	order []core.Ref // creation order, for unsorted finds
}

// New creates an empty model database over schema.
func New(schema Schema) *DB {
	return &DB{
		schema: schema,
		logger: slog.Default(),
		docs:   make(map[core.Ref]*core.Doc),
	}
}

// WithLogger sets the logger.
func (m *DB) WithLogger(logger *slog.Logger) *DB {
	m.logger = logger
	return m
}

// Tx is the handler entry point, used both during replay and in steady
// state.
func (m *DB) Tx(ctx context.Context, tx core.Tx) error {
	return txproc.Dispatch(ctx, m, tx)
}

// CreateDoc adds the created object when its class lives in the model
// domain. Objects of other domains are ignored.
func (m *DB) CreateDoc(_ context.Context, tx *core.CreateDoc) error {
	domain, err := m.schema.Domain(tx.ObjectClass)
	if err != nil {
		return fmt.Errorf("model create %s: %w", tx.ObjectID, err)
	}
	if domain != core.DomainModel {
		return nil
	}

	doc := txproc.CreateDocToDoc(tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; !exists {
		m.order = append(m.order, doc.ID)
	}
	m.docs[doc.ID] = &doc
	return nil
}

// UpdateDoc applies the operations in place. Unknown ids are a logged no-op.
func (m *DB) UpdateDoc(_ context.Context, tx *core.UpdateDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[tx.ObjectID]
	if !ok {
		m.logger.Debug("model update of unknown object", "object_id", tx.ObjectID, "tx_id", tx.ID)
		return nil
	}
	res, err := operator.Apply(doc.Attributes, tx.Operations)
	if err != nil {
		return fmt.Errorf("model update %s: %w", tx.ObjectID, err)
	}
	doc.Attributes = res.Attributes
	txproc.Stamp(doc, tx)
	return nil
}

// RemoveDoc deletes the object. Unknown ids are a logged no-op.
func (m *DB) RemoveDoc(_ context.Context, tx *core.RemoveDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[tx.ObjectID]; !ok {
		m.logger.Debug("model remove of unknown object", "object_id", tx.ObjectID, "tx_id", tx.ID)
		return nil
	}
	delete(m.docs, tx.ObjectID)
	for i, id := range m.order {
		if id == tx.ObjectID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// FindAll returns model documents derived from class and matching filter.
func (m *DB) FindAll(_ context.Context, class core.Ref, filter core.Object, opts *core.FindOptions) (core.FindResult, error) {
	m.mu.RLock()
	docs := make([]core.Doc, 0, len(m.order))
	for _, id := range m.order {
		docs = append(docs, *m.docs[id])
	}
	m.mu.RUnlock()

	return query.Find(docs, m.schema, class, filter, opts), nil
}

// GetObject returns a copy of the object with id.
func (m *DB) GetObject(id core.Ref) (core.Doc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return core.Doc{}, false
	}
	return doc.Clone(), true
}

// Len returns the number of objects held.
func (m *DB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Fingerprint hashes every object. Two databases replayed from the same log
// have the same fingerprint.
func (m *DB) Fingerprint() (string, error) {
	m.mu.RLock()
	obj := make(core.Object, len(m.docs))
	for id, doc := range m.docs {
		obj[string(id)] = doc.Canonical()
	}
	m.mu.RUnlock()

	fp, err := core.Fingerprint(core.HashDomainModel, obj)
	if err != nil {
		return "", fmt.Errorf("model fingerprint: %w", err)
	}
	return fp, nil
}
