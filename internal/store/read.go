package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/wsdb/internal/core"
)

// LogEntry is one record of the transaction log.
type LogEntry struct {
	Seq int64
	Tx  core.Tx
}

// BootstrapFingerprint is the derived state observed after replaying the log
// up to Seq.
type BootstrapFingerprint struct {
	Seq       int64
	Hierarchy string
	Model     string
	CreatedAt int64
}

// DocumentQuery selects projected documents. Empty fields do not filter.
type DocumentQuery struct {
	Domain  core.Domain
	Classes []core.Ref
	ID      core.Ref
	Space   core.Ref
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanLog calls fn for every log entry with seq > after, in seq order.
// Stops at the first error fn returns.
func (s *Store) ScanLog(ctx context.Context, after int64, fn func(LogEntry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, class, space, modified_by, modified_on, object_id, object_class, object_space, payload
		FROM tx_log
		WHERE seq > ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, after)
	if err != nil {
		return fmt.Errorf("query tx log: %w", err)
	}

	// Collect first: fn may write through the same single connection.
	var entries []LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate tx log: %w", err)
	}
	rows.Close()

	for _, entry := range entries {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// ReadLog returns every log entry with seq > after, in seq order.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ReadLog(ctx context.Context, after int64) ([]LogEntry, error) {
	entries := []LogEntry{}
	err := s.ScanLog(ctx, after, func(e LogEntry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func scanLogEntry(row rowScanner) (LogEntry, error) {
	var seq, modifiedOn int64
	var id, kind, class, space, modifiedBy string
	var objectID, objectClass, objectSpace, payloadJSON string
	if err := row.Scan(&seq, &id, &kind, &class, &space, &modifiedBy, &modifiedOn,
		&objectID, &objectClass, &objectSpace, &payloadJSON); err != nil {
		return LogEntry{}, fmt.Errorf("scan tx log: %w", err)
	}

	payload, err := unmarshalObject(payloadJSON)
	if err != nil {
		return LogEntry{}, fmt.Errorf("tx %s: %w", id, err)
	}

	h := core.TxHeader{
		ID:          core.Ref(id),
		Class:       core.Ref(class),
		Space:       core.Ref(space),
		ModifiedBy:  core.Ref(modifiedBy),
		ModifiedOn:  modifiedOn,
		ObjectID:    core.Ref(objectID),
		ObjectClass: core.Ref(objectClass),
		ObjectSpace: core.Ref(objectSpace),
	}
	tx, err := core.DecodeTx(h, core.TxKind(kind), payload)
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Seq: seq, Tx: tx}, nil
}

// LastSeq returns the seq of the newest log entry, or 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM tx_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// Watermark returns the last log seq projected into documents.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, watermarkKey).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return seq, nil
}

// FindDocuments returns projected documents matching q in creation order.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) FindDocuments(ctx context.Context, q DocumentQuery) ([]core.Doc, error) {
	query, args := compileDocumentQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []core.Doc{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// compileDocumentQuery builds parameterized SQL for q.
// Values are always bound, never interpolated.
func compileDocumentQuery(q DocumentQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(q.Domain))
	}
	if len(q.Classes) > 0 {
		placeholders := make([]string, len(q.Classes))
		for i, c := range q.Classes {
			placeholders[i] = "?"
			args = append(args, string(c))
		}
		where = append(where, "class IN ("+strings.Join(placeholders, ", ")+")")
	}
	if q.ID != "" {
		where = append(where, "id = ?")
		args = append(args, string(q.ID))
	}
	if q.Space != "" {
		where = append(where, "space = ?")
		args = append(args, string(q.Space))
	}

	var b strings.Builder
	b.WriteString("SELECT id, class, space, modified_by, modified_on, attributes FROM documents")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_seq ASC, id COLLATE BINARY ASC")
	return b.String(), args
}

func scanDocument(row rowScanner) (core.Doc, error) {
	var id, class, space, modifiedBy, attrsJSON string
	var modifiedOn int64
	if err := row.Scan(&id, &class, &space, &modifiedBy, &modifiedOn, &attrsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Doc{}, err
		}
		return core.Doc{}, fmt.Errorf("scan document: %w", err)
	}
	attrs, err := unmarshalObject(attrsJSON)
	if err != nil {
		return core.Doc{}, fmt.Errorf("document %s: %w", id, err)
	}
	return core.Doc{
		ID:         core.Ref(id),
		Class:      core.Ref(class),
		Space:      core.Ref(space),
		ModifiedBy: core.Ref(modifiedBy),
		ModifiedOn: modifiedOn,
		Attributes: attrs,
	}, nil
}

// BootstrapFingerprintAt returns the fingerprint recorded for seq.
func (s *Store) BootstrapFingerprintAt(ctx context.Context, seq int64) (BootstrapFingerprint, bool, error) {
	fp := BootstrapFingerprint{Seq: seq}
	err := s.db.QueryRowContext(ctx, `
		SELECT hierarchy, model, created_at FROM bootstrap_fingerprints WHERE seq = ?
	`, seq).Scan(&fp.Hierarchy, &fp.Model, &fp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BootstrapFingerprint{}, false, nil
	}
	if err != nil {
		return BootstrapFingerprint{}, false, fmt.Errorf("bootstrap fingerprint: %w", err)
	}
	return fp, true, nil
}
