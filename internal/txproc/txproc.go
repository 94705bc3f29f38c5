// Package txproc routes transactions to kind-specific handling.
//
// A Processor implements CreateDoc, UpdateDoc and RemoveDoc; Dispatch picks
// the method matching the transaction variant. Handlers compose through an
// explicit ordered Chain rather than by embedding one processor in another.
package txproc

import (
	"context"
	"fmt"

	"github.com/roach88/wsdb/internal/core"
)

// Handler consumes committed transactions. Side effects only.
type Handler interface {
	Tx(ctx context.Context, tx core.Tx) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx core.Tx) error

// Tx implements Handler.
func (f HandlerFunc) Tx(ctx context.Context, tx core.Tx) error {
	return f(ctx, tx)
}

// Processor handles the three modeled transaction variants.
type Processor interface {
	CreateDoc(ctx context.Context, tx *core.CreateDoc) error
	UpdateDoc(ctx context.Context, tx *core.UpdateDoc) error
	RemoveDoc(ctx context.Context, tx *core.RemoveDoc) error
}

// Dispatch routes tx to the matching Processor method.
// Kinds the processor does not model are ignored.
func Dispatch(ctx context.Context, p Processor, tx core.Tx) error {
	switch t := tx.(type) {
	case *core.CreateDoc:
		return p.CreateDoc(ctx, t)
	case *core.UpdateDoc:
		return p.UpdateDoc(ctx, t)
	case *core.RemoveDoc:
		return p.RemoveDoc(ctx, t)
	default:
		return nil
	}
}

// AsHandler turns a Processor into a Handler.
func AsHandler(p Processor) Handler {
	return HandlerFunc(func(ctx context.Context, tx core.Tx) error {
		return Dispatch(ctx, p, tx)
	})
}

// Chain runs its handlers in order, stopping at the first error.
type Chain []Handler

// Tx implements Handler.
func (c Chain) Tx(ctx context.Context, tx core.Tx) error {
	for i, h := range c {
		if err := h.Tx(ctx, tx); err != nil {
			return fmt.Errorf("handler %d: %w", i, err)
		}
	}
	return nil
}

// CreateDocToDoc materializes the document a create transaction produces.
func CreateDocToDoc(tx *core.CreateDoc) core.Doc {
	attrs := tx.Attributes.Clone()
	if attrs == nil {
		attrs = core.Object{}
	}
	return core.Doc{
		ID:         tx.ObjectID,
		Class:      tx.ObjectClass,
		Space:      tx.ObjectSpace,
		ModifiedBy: tx.ModifiedBy,
		ModifiedOn: tx.ModifiedOn,
		Attributes: attrs,
	}
}

// Stamp records the modifier of tx on doc.
func Stamp(doc *core.Doc, tx core.Tx) {
	h := tx.Header()
	doc.ModifiedBy = h.ModifiedBy
	doc.ModifiedOn = h.ModifiedOn
}
