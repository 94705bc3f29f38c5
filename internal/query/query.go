// Package query holds the find semantics shared by every Storage
// implementation: class derivation plus field-equality filtering, ordered
// sort keys and limit windows.
//
// Sorting is deterministic: after the requested keys, documents are ordered
// by id (byte order), mirroring the storage's ORDER BY ... id COLLATE BINARY
// tiebreaker.
package query

import (
	"sort"

	"github.com/roach88/wsdb/internal/core"
)

// Matches reports whether doc satisfies every field equality in filter.
// A missing field compares equal to Null.
func Matches(doc *core.Doc, filter core.Object) bool {
	for field, want := range filter {
		got, _ := doc.Get(field)
		if !core.Equal(got, want) {
			return false
		}
	}
	return true
}

// Compare orders a and b by keys, then by id.
func Compare(a, b *core.Doc, keys []core.SortKey) int {
	for _, k := range keys {
		av, _ := a.Get(k.Field)
		bv, _ := b.Get(k.Field)
		c := core.Compare(av, bv)
		if k.Order == core.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Sort orders docs in place by the option's sort keys. Without sort keys the
// order is left untouched.
func Sort(docs []core.Doc, opts *core.FindOptions) {
	if !opts.Sorted() {
		return
	}
	keys := opts.Sort
	sort.SliceStable(docs, func(i, j int) bool {
		return Compare(&docs[i], &docs[j], keys) < 0
	})
}

// Window sorts matched docs and applies the limit. Total is the count before
// the limit.
func Window(docs []core.Doc, opts *core.FindOptions) core.FindResult {
	Sort(docs, opts)
	total := len(docs)
	if limit := opts.LimitValue(); limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return core.FindResult{Docs: docs, Total: total}
}

// Find selects docs derived from class and matching filter, then windows
// them. The input slice is not modified; returned docs are deep copies.
func Find(docs []core.Doc, d core.Derivation, class core.Ref, filter core.Object, opts *core.FindOptions) core.FindResult {
	matched := make([]core.Doc, 0)
	for i := range docs {
		doc := &docs[i]
		if !d.IsDerived(doc.Class, class) || !Matches(doc, filter) {
			continue
		}
		matched = append(matched, doc.Clone())
	}
	return Window(matched, opts)
}

// Clone copies a slice of docs deeply.
func Clone(docs []core.Doc) []core.Doc {
	out := make([]core.Doc, len(docs))
	for i := range docs {
		out[i] = docs[i].Clone()
	}
	return out
}

// IndexOf returns the position of the doc with id, or -1.
func IndexOf(docs []core.Doc, id core.Ref) int {
	for i := range docs {
		if docs[i].ID == id {
			return i
		}
	}
	return -1
}
