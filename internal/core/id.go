package core

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique document and transaction ids.
// Implemented by UUIDv7Generator (production) and testutil generators.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// GenerateID returns a fresh UUIDv7 document id.
func GenerateID() Ref {
	return Ref(UUIDv7Generator{}.Generate())
}

// TxFactory builds transactions stamped with an account, ids and a clock.
// The zero value uses the system account, UUIDv7 ids and wall-clock millis.
type TxFactory struct {
	Account Ref
	IDs     IDGenerator
	Now     func() int64
}

func (f *TxFactory) header(txClass, objectClass, objectSpace, objectID Ref) TxHeader {
	ids := f.IDs
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	now := f.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	account := f.Account
	if account == "" {
		account = AccountSystem
	}
	if objectID == "" {
		objectID = Ref(ids.Generate())
	}
	return TxHeader{
		ID:          Ref(ids.Generate()),
		Class:       txClass,
		Space:       SpaceTx,
		ModifiedBy:  account,
		ModifiedOn:  now(),
		ObjectID:    objectID,
		ObjectClass: objectClass,
		ObjectSpace: objectSpace,
	}
}

// CreateDoc builds a create transaction. An empty id is generated.
func (f *TxFactory) CreateDoc(class, space Ref, attrs Object, id Ref) *CreateDoc {
	if attrs == nil {
		attrs = Object{}
	}
	return &CreateDoc{
		TxHeader:   f.header(ClassTxCreateDoc, class, space, id),
		Attributes: attrs,
	}
}

// UpdateDoc builds an update transaction for an existing document.
func (f *TxFactory) UpdateDoc(class, space, id Ref, ops Object) *UpdateDoc {
	if ops == nil {
		ops = Object{}
	}
	return &UpdateDoc{
		TxHeader:   f.header(ClassTxUpdateDoc, class, space, id),
		Operations: ops,
	}
}

// RemoveDoc builds a remove transaction for an existing document.
func (f *TxFactory) RemoveDoc(class, space, id Ref) *RemoveDoc {
	return &RemoveDoc{TxHeader: f.header(ClassTxRemoveDoc, class, space, id)}
}

// CreateClass builds the transaction registering a class.
// Empty extends or domain are omitted.
func (f *TxFactory) CreateClass(id, extends Ref, domain Domain) *CreateDoc {
	attrs := Object{}
	if extends != "" {
		attrs[AttrExtends] = String(extends)
	}
	if domain != "" {
		attrs[AttrDomain] = String(domain)
	}
	return f.CreateDoc(ClassClass, SpaceModel, attrs, id)
}
