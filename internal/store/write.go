package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/wsdb/internal/core"
)

const watermarkKey = "watermark"

// Batch is one SQL transaction over the store. Log append, projection and
// watermark advance for a single workspace transaction all go through one
// Batch so they commit or roll back together.
type Batch struct {
	tx *sql.Tx
}

// Begin starts a batch. Callers must Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &Batch{tx: tx}, nil
}

// Commit commits the batch.
func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Rollback aborts the batch. Safe to call after Commit.
func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback batch: %w", err)
	}
	return nil
}

// AppendTx appends a transaction to the log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: when the id is already
// logged, inserted is false and seq is the existing entry's seq.
func (b *Batch) AppendTx(ctx context.Context, tx core.Tx) (seq int64, inserted bool, err error) {
	payload, err := core.EncodePayload(tx)
	if err != nil {
		return 0, false, fmt.Errorf("append tx: %w", err)
	}
	payloadJSON, err := marshalObject(payload)
	if err != nil {
		return 0, false, fmt.Errorf("append tx: %w", err)
	}

	h := tx.Header()
	result, err := b.tx.ExecContext(ctx, `
		INSERT INTO tx_log
		(id, kind, class, space, modified_by, modified_on, object_id, object_class, object_space, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		string(h.ID),
		string(tx.Kind()),
		string(h.Class),
		string(h.Space),
		string(h.ModifiedBy),
		h.ModifiedOn,
		string(h.ObjectID),
		string(h.ObjectClass),
		string(h.ObjectSpace),
		payloadJSON,
	)
	if err != nil {
		return 0, false, fmt.Errorf("append tx: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("append tx: rows affected: %w", err)
	}
	if rows > 0 {
		seq, err = result.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("append tx: last insert id: %w", err)
		}
		return seq, true, nil
	}

	err = b.tx.QueryRowContext(ctx, `SELECT seq FROM tx_log WHERE id = ?`, string(h.ID)).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("append tx: lookup existing: %w", err)
	}
	return seq, false, nil
}

// GetDocument reads one projected document.
func (b *Batch) GetDocument(ctx context.Context, domain core.Domain, id core.Ref) (core.Doc, bool, error) {
	row := b.tx.QueryRowContext(ctx, `
		SELECT id, class, space, modified_by, modified_on, attributes
		FROM documents
		WHERE domain = ? AND id = ?
	`, string(domain), string(id))

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Doc{}, false, nil
	}
	if err != nil {
		return core.Doc{}, false, fmt.Errorf("get document %s/%s: %w", domain, id, err)
	}
	return doc, true, nil
}

// InsertDocument projects a new document. seq is the log entry creating it.
// A document already present under (domain, id) is a LogicError.
func (b *Batch) InsertDocument(ctx context.Context, domain core.Domain, doc core.Doc, seq int64) error {
	attrs, err := marshalObject(doc.Attributes)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	result, err := b.tx.ExecContext(ctx, `
		INSERT INTO documents
		(domain, id, class, space, modified_by, modified_on, attributes, created_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, id) DO NOTHING
	`,
		string(domain),
		string(doc.ID),
		string(doc.Class),
		string(doc.Space),
		string(doc.ModifiedBy),
		doc.ModifiedOn,
		attrs,
		seq,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert document: rows affected: %w", err)
	}
	if rows == 0 {
		return &core.Error{
			Code:     core.ErrCodeLogic,
			Message:  "document already exists",
			Class:    doc.Class,
			ObjectID: doc.ID,
		}
	}
	return nil
}

// UpdateDocument rewrites the mutable part of a projected document:
// modifier stamp and attributes.
func (b *Batch) UpdateDocument(ctx context.Context, domain core.Domain, doc core.Doc) error {
	attrs, err := marshalObject(doc.Attributes)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	_, err = b.tx.ExecContext(ctx, `
		UPDATE documents
		SET modified_by = ?, modified_on = ?, attributes = ?
		WHERE domain = ? AND id = ?
	`,
		string(doc.ModifiedBy),
		doc.ModifiedOn,
		attrs,
		string(domain),
		string(doc.ID),
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// DeleteDocument removes a projected document. Missing documents are not an
// error.
func (b *Batch) DeleteDocument(ctx context.Context, domain core.Domain, id core.Ref) error {
	_, err := b.tx.ExecContext(ctx, `DELETE FROM documents WHERE domain = ? AND id = ?`, string(domain), string(id))
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// ClearDocuments drops every projection and resets the watermark.
func (b *Batch) ClearDocuments(ctx context.Context) error {
	if _, err := b.tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return b.SetWatermark(ctx, 0)
}

// SetWatermark records seq as the last projected log entry.
func (b *Batch) SetWatermark(ctx context.Context, seq int64) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, watermarkKey, seq)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// PutBootstrapFingerprint records the fingerprints observed after replaying
// the log up to seq. An existing record for seq is left untouched.
func (s *Store) PutBootstrapFingerprint(ctx context.Context, fp BootstrapFingerprint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bootstrap_fingerprints (seq, hierarchy, model, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`, fp.Seq, fp.Hierarchy, fp.Model, fp.CreatedAt)
	if err != nil {
		return fmt.Errorf("put bootstrap fingerprint: %w", err)
	}
	return nil
}
