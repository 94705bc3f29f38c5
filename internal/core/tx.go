package core

import "fmt"

// TxKind distinguishes transaction variants in the log.
type TxKind string

const (
	// KindCreate creates a document from an attribute set.
	KindCreate TxKind = "create"
	// KindUpdate applies an operations map to an existing document.
	KindUpdate TxKind = "update"
	// KindRemove removes a document.
	KindRemove TxKind = "remove"
)

// Payload keys used when a transaction is viewed as a document.
const (
	AttrObjectID    = "objectId"
	AttrObjectClass = "objectClass"
	AttrObjectSpace = "objectSpace"
	AttrAttributes  = "attributes"
	AttrOperations  = "operations"
)

// TxHeader is the immutable base record shared by every transaction.
type TxHeader struct {
	ID          Ref   `json:"_id" yaml:"id"`
	Class       Ref   `json:"_class" yaml:"class"`
	Space       Ref   `json:"space" yaml:"space"`
	ModifiedBy  Ref   `json:"modifiedBy" yaml:"modifiedBy"`
	ModifiedOn  int64 `json:"modifiedOn" yaml:"modifiedOn"`
	ObjectID    Ref   `json:"objectId" yaml:"objectId"`
	ObjectClass Ref   `json:"objectClass" yaml:"objectClass"`
	ObjectSpace Ref   `json:"objectSpace" yaml:"objectSpace"`
}

// Header returns the header itself; promoted to every variant.
func (h *TxHeader) Header() *TxHeader {
	return h
}

// Tx is a transaction: the sole mutation path of a workspace.
//
// The interface is deliberately open: packages may define their own
// transaction kinds. Dispatch ignores kinds it does not know.
type Tx interface {
	Header() *TxHeader
	Kind() TxKind
}

// CreateDoc creates a document of ObjectClass in ObjectSpace.
type CreateDoc struct {
	TxHeader
	Attributes Object `json:"attributes"`
}

// Kind implements Tx.
func (*CreateDoc) Kind() TxKind { return KindCreate }

// UpdateDoc updates an existing document.
//
// Operations keys are either plain field names (assignment) or operator
// names starting with "$" whose value is an Object of {field: argument}.
type UpdateDoc struct {
	TxHeader
	Operations Object `json:"operations"`
}

// Kind implements Tx.
func (*UpdateDoc) Kind() TxKind { return KindUpdate }

// RemoveDoc removes a document.
type RemoveDoc struct {
	TxHeader
}

// Kind implements Tx.
func (*RemoveDoc) Kind() TxKind { return KindRemove }

// RawTx carries a transaction kind this package does not model.
// It round-trips through the log untouched.
type RawTx struct {
	TxHeader
	KindName TxKind `json:"kind"`
	Payload  Object `json:"payload"`
}

// Kind implements Tx.
func (t *RawTx) Kind() TxKind { return t.KindName }

// EncodePayload returns the variant-specific part of a transaction.
func EncodePayload(tx Tx) (Object, error) {
	switch t := tx.(type) {
	case *CreateDoc:
		return Object{AttrAttributes: nonNil(t.Attributes)}, nil
	case *UpdateDoc:
		return Object{AttrOperations: nonNil(t.Operations)}, nil
	case *RemoveDoc:
		return Object{}, nil
	case *RawTx:
		return nonNil(t.Payload), nil
	default:
		return nil, fmt.Errorf("encode payload: unsupported transaction type %T", tx)
	}
}

// DecodeTx rebuilds a transaction from its header, kind and payload as they
// are stored in the log.
func DecodeTx(h TxHeader, kind TxKind, payload Object) (Tx, error) {
	switch kind {
	case KindCreate:
		attrs, err := objectField(payload, AttrAttributes)
		if err != nil {
			return nil, fmt.Errorf("decode tx %s: %w", h.ID, err)
		}
		return &CreateDoc{TxHeader: h, Attributes: attrs}, nil
	case KindUpdate:
		ops, err := objectField(payload, AttrOperations)
		if err != nil {
			return nil, fmt.Errorf("decode tx %s: %w", h.ID, err)
		}
		return &UpdateDoc{TxHeader: h, Operations: ops}, nil
	case KindRemove:
		return &RemoveDoc{TxHeader: h}, nil
	default:
		return &RawTx{TxHeader: h, KindName: kind, Payload: nonNil(payload)}, nil
	}
}

func objectField(payload Object, key string) (Object, error) {
	v, ok := payload[key]
	if !ok {
		return Object{}, nil
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("%s is %T, want object", key, v)
	}
	return obj, nil
}

func nonNil(obj Object) Object {
	if obj == nil {
		return Object{}
	}
	return obj
}

// TxToDoc views a transaction as a document of the tx domain.
func TxToDoc(tx Tx) (Doc, error) {
	h := tx.Header()
	payload, err := EncodePayload(tx)
	if err != nil {
		return Doc{}, err
	}
	attrs := payload.Clone()
	attrs[AttrObjectID] = String(h.ObjectID)
	attrs[AttrObjectClass] = String(h.ObjectClass)
	attrs[AttrObjectSpace] = String(h.ObjectSpace)
	return Doc{
		ID:         h.ID,
		Class:      h.Class,
		Space:      h.Space,
		ModifiedBy: h.ModifiedBy,
		ModifiedOn: h.ModifiedOn,
		Attributes: attrs,
	}, nil
}

// ValidateTx checks that the header fields every consumer relies on are set.
func ValidateTx(tx Tx) error {
	if tx == nil {
		return NewLogicError("transaction is nil")
	}
	h := tx.Header()
	switch {
	case h.ID == "":
		return NewLogicError("transaction id is empty")
	case h.Class == "":
		return NewLogicError(fmt.Sprintf("transaction %s has no class", h.ID))
	case h.ObjectID == "":
		return NewLogicError(fmt.Sprintf("transaction %s has no object id", h.ID))
	case h.ObjectClass == "":
		return NewLogicError(fmt.Sprintf("transaction %s has no object class", h.ID))
	}
	return nil
}
