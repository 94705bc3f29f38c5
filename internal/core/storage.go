package core

import "context"

// SortOrder is the direction of a sort key.
type SortOrder int

const (
	// Ascending sorts smaller values first.
	Ascending SortOrder = 1
	// Descending sorts larger values first.
	Descending SortOrder = -1
)

// SortKey orders results by one field. Keys are applied in slice order.
type SortKey struct {
	Field string
	Order SortOrder
}

// FindOptions shapes a find: ordered sort keys and an optional limit
// (0 means unlimited).
type FindOptions struct {
	Sort  []SortKey
	Limit int
}

// HasSortField reports whether field is one of the sort keys.
func (o *FindOptions) HasSortField(field string) bool {
	if o == nil {
		return false
	}
	for _, k := range o.Sort {
		if k.Field == field {
			return true
		}
	}
	return false
}

// Sorted reports whether any sort key is set.
func (o *FindOptions) Sorted() bool {
	return o != nil && len(o.Sort) > 0
}

// LimitValue returns the limit, or 0 for unlimited.
func (o *FindOptions) LimitValue() int {
	if o == nil || o.Limit < 0 {
		return 0
	}
	return o.Limit
}

// FindResult is an ordered window of documents plus the total number of
// matching documents before any limit was applied.
type FindResult struct {
	Docs  []Doc
	Total int
}

// Storage is the contract every external consumer uses.
type Storage interface {
	// FindAll returns documents of class (or any subclass) matching filter by
	// field equality.
	FindAll(ctx context.Context, class Ref, filter Object, opts *FindOptions) (FindResult, error)

	// Tx applies a transaction.
	Tx(ctx context.Context, tx Tx) error
}

// Derivation answers class-derivation questions.
type Derivation interface {
	IsDerived(class, base Ref) bool
}

// Client is a Storage that can also answer derivation questions.
type Client interface {
	Storage
	Derivation
}
