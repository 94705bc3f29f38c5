package fixture

import (
	"fmt"

	"github.com/roach88/wsdb/internal/core"
)

// minModelClasses lists the core classes in registration order. Every
// class definition is itself a document of class Class, so Class comes
// first: storage resolves its domain before projecting any of them.
var minModelClasses = []struct {
	id      core.Ref
	extends core.Ref
	domain  core.Domain
}{
	{core.ClassClass, core.ClassDoc, core.DomainModel},
	{core.ClassObj, "", ""},
	{core.ClassDoc, core.ClassObj, ""},
	{core.ClassSpace, core.ClassDoc, core.DomainModel},
	{core.ClassTx, core.ClassDoc, core.DomainTx},
	{core.ClassTxCreateDoc, core.ClassTx, ""},
	{core.ClassTxUpdateDoc, core.ClassTx, ""},
	{core.ClassTxRemoveDoc, core.ClassTx, ""},
}

// MinModel returns the transactions creating the core model: the base
// classes, the tx classes and the Model and Tx spaces.
//
// Transaction ids and timestamps are fixed, so applying MinModel to a
// workspace that already holds it is a no-op.
func MinModel() []core.Tx {
	n := 0
	next := func() core.Ref {
		n++
		return core.Ref(fmt.Sprintf("core:tx:model:%02d", n))
	}
	f := &core.TxFactory{Account: core.AccountSystem, Now: func() int64 { return 0 }}

	txs := make([]core.Tx, 0, len(minModelClasses)+2)
	for _, c := range minModelClasses {
		tx := f.CreateClass(c.id, c.extends, c.domain)
		tx.ID = next()
		txs = append(txs, tx)
	}
	for _, s := range []struct {
		id   core.Ref
		name string
	}{
		{core.SpaceModel, "Model"},
		{core.SpaceTx, "Transactions"},
	} {
		tx := f.CreateDoc(core.ClassSpace, core.SpaceModel, core.Object{
			"name":    core.String(s.name),
			"private": core.Bool(false),
			"members": core.Array{},
		}, s.id)
		tx.ID = next()
		txs = append(txs, tx)
	}
	return txs
}
