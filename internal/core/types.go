package core

// Ref is an opaque document identity.
type Ref string

// Domain names a storage partition holding documents of related classes.
type Domain string

// Reserved domains.
const (
	// DomainTx holds the append-only transaction log.
	DomainTx Domain = "tx"
	// DomainModel holds schema documents: classes, spaces, enums, mixins.
	DomainModel Domain = "model"
)

// Core class identities. The minimal model creates these classes.
const (
	ClassObj         Ref = "core:class:Obj"
	ClassDoc         Ref = "core:class:Doc"
	ClassClass       Ref = "core:class:Class"
	ClassSpace       Ref = "core:class:Space"
	ClassTx          Ref = "core:class:Tx"
	ClassTxCreateDoc Ref = "core:class:TxCreateDoc"
	ClassTxUpdateDoc Ref = "core:class:TxUpdateDoc"
	ClassTxRemoveDoc Ref = "core:class:TxRemoveDoc"
)

// Core spaces and accounts.
const (
	SpaceModel    Ref = "core:space:Model"
	SpaceTx       Ref = "core:space:Tx"
	AccountSystem Ref = "core:account:System"
)

// Attribute names carried by Class documents.
const (
	AttrExtends = "extends"
	AttrDomain  = "domain"
)

// Header field names addressable in filters and sort keys.
const (
	FieldID         = "_id"
	FieldClass      = "_class"
	FieldSpace      = "space"
	FieldModifiedBy = "modifiedBy"
	FieldModifiedOn = "modifiedOn"
)

// IsHeaderField reports whether name addresses a Doc header field rather than
// an attribute.
func IsHeaderField(name string) bool {
	switch name {
	case FieldID, FieldClass, FieldSpace, FieldModifiedBy, FieldModifiedOn:
		return true
	}
	return false
}

// Doc is the base persisted entity.
//
// INVARIANTS:
//   - ID, Class and Space never change after creation
//   - ModifiedBy/ModifiedOn are stamped from the last applied transaction
type Doc struct {
	ID         Ref    `json:"_id"`
	Class      Ref    `json:"_class"`
	Space      Ref    `json:"space"`
	ModifiedBy Ref    `json:"modifiedBy"`
	ModifiedOn int64  `json:"modifiedOn"`
	Attributes Object `json:"attributes"`
}

// Get returns the value of a header field or attribute.
// The second result is false when the field is absent.
func (d *Doc) Get(field string) (Value, bool) {
	switch field {
	case FieldID:
		return String(d.ID), true
	case FieldClass:
		return String(d.Class), true
	case FieldSpace:
		return String(d.Space), true
	case FieldModifiedBy:
		return String(d.ModifiedBy), true
	case FieldModifiedOn:
		return Int(d.ModifiedOn), true
	}
	v, ok := d.Attributes[field]
	return v, ok
}

// Clone returns a deep copy of the document.
func (d Doc) Clone() Doc {
	d.Attributes = d.Attributes.Clone()
	return d
}

// Canonical returns the document as a single Object, header included.
// Used for fingerprints and for CEL evaluation.
func (d *Doc) Canonical() Object {
	obj := make(Object, len(d.Attributes)+5)
	for k, v := range d.Attributes {
		obj[k] = v
	}
	obj[FieldID] = String(d.ID)
	obj[FieldClass] = String(d.Class)
	obj[FieldSpace] = String(d.Space)
	obj[FieldModifiedBy] = String(d.ModifiedBy)
	obj[FieldModifiedOn] = Int(d.ModifiedOn)
	return obj
}

// StringAttr returns the attribute as a string, or "" when it is absent or
// not a string.
func (d *Doc) StringAttr(name string) string {
	if s, ok := d.Attributes[name].(String); ok {
		return string(s)
	}
	return ""
}
