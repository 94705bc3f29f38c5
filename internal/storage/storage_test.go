package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/fixture"
	"github.com/roach88/wsdb/internal/hierarchy"
	"github.com/roach88/wsdb/internal/store"
)

const (
	classTask core.Ref = "task:class:Task"
	classBug  core.Ref = "task:class:Bug"
	classNote core.Ref = "note:class:Note"
)

var f = &core.TxFactory{Account: "tester", Now: func() int64 { return 10 }}

type env struct {
	store   *store.Store
	h       *hierarchy.Hierarchy
	storage *WorkspaceStorage
}

// apply runs a tx the way a workspace does: hierarchy first, then storage.
func (e *env) apply(t *testing.T, tx core.Tx) error {
	t.Helper()
	undo, err := e.h.Apply(tx)
	if err != nil {
		return err
	}
	if err := e.storage.Tx(context.Background(), tx); err != nil {
		undo()
		return err
	}
	return nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ws.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := &env{store: s, h: hierarchy.New()}
	e.storage = New(s, e.h, nil)

	txs := append(fixture.MinModel(),
		f.CreateClass(classTask, core.ClassDoc, "task"),
		f.CreateClass(classBug, classTask, ""),
		f.CreateClass(classNote, core.ClassDoc, "note"),
	)
	for _, tx := range txs {
		require.NoError(t, e.apply(t, tx))
	}
	return e
}

func (e *env) find(t *testing.T, class core.Ref, filter core.Object, opts *core.FindOptions) core.FindResult {
	t.Helper()
	res, err := e.storage.FindAll(context.Background(), class, filter, opts)
	require.NoError(t, err)
	return res
}

func TestTx_CreateIsVisible(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", core.Object{"name": core.String("a")}, "t1")))
	require.NoError(t, e.apply(t, f.CreateDoc(classBug, "sp", core.Object{"name": core.String("b")}, "b1")))
	require.NoError(t, e.apply(t, f.CreateDoc(classNote, "sp", core.Object{"name": core.String("n")}, "n1")))

	res := e.find(t, classTask, nil, nil)
	assert.Equal(t, 2, res.Total, "subclass docs are included")
	assert.Equal(t, core.Ref("t1"), res.Docs[0].ID)
	assert.Equal(t, core.Ref("b1"), res.Docs[1].ID)

	res = e.find(t, classBug, nil, nil)
	assert.Equal(t, 1, res.Total)

	res = e.find(t, classNote, core.Object{"name": core.String("n")}, nil)
	assert.Equal(t, 1, res.Total)
}

func TestTx_ModelDocsAreProjected(t *testing.T) {
	e := newEnv(t)

	res := e.find(t, core.ClassClass, nil, nil)
	assert.Equal(t, 11, res.Total, "8 core classes + 3 test classes")

	res = e.find(t, core.ClassSpace, core.Object{core.FieldID: core.String(string(core.SpaceModel))}, nil)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, core.String("Model"), res.Docs[0].Attributes["name"])
}

func TestTx_UpdateThenFindByNewValue(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", core.Object{"status": core.String("open")}, "t1")))
	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", core.Object{"status": core.String("open")}, "t2")))

	later := &core.TxFactory{Account: "editor", Now: func() int64 { return 20 }}
	require.NoError(t, e.apply(t, later.UpdateDoc(classTask, "sp", "t1", core.Object{"status": core.String("done")})))

	res := e.find(t, classTask, core.Object{"status": core.String("done")}, nil)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, core.Ref("t1"), res.Docs[0].ID)
	assert.Equal(t, core.Ref("editor"), res.Docs[0].ModifiedBy)
	assert.Equal(t, int64(20), res.Docs[0].ModifiedOn)
	assert.Equal(t, core.Ref("sp"), res.Docs[0].Space, "space never changes")
}

func TestTx_Remove(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", nil, "t1")))
	require.NoError(t, e.apply(t, f.RemoveDoc(classTask, "sp", "t1")))

	assert.Zero(t, e.find(t, classTask, nil, nil).Total)
}

func TestTx_CreateUnknownClassRejected(t *testing.T) {
	e := newEnv(t)
	before, err := e.store.LastSeq(context.Background())
	require.NoError(t, err)

	err = e.storage.Tx(context.Background(), f.CreateDoc("ghost:class:Ghost", "sp", nil, "g1"))
	require.Error(t, err)
	assert.True(t, core.IsSchema(err))

	after, err := e.store.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after, "nothing logged")
}

func TestTx_UpdateMissingSkipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.storage.Tx(ctx, f.UpdateDoc(classTask, "sp", "nope", core.Object{"a": core.Int(1)})))
	require.NoError(t, e.storage.Tx(ctx, f.RemoveDoc("ghost:class:Ghost", "sp", "nope")))

	entries, err := e.store.ReadLog(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 15, "skipped txs are still logged")
}

func TestTx_LogicErrorRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", core.Object{"name": core.String("x")}, "t1")))
	before, err := e.store.LastSeq(ctx)
	require.NoError(t, err)

	err = e.storage.Tx(ctx, f.UpdateDoc(classTask, "sp", "t1", core.Object{"$inc": core.Object{"name": core.Int(1)}}))
	require.Error(t, err)
	assert.True(t, core.IsLogic(err))

	after, err := e.store.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	res := e.find(t, classTask, nil, nil)
	assert.Equal(t, core.String("x"), res.Docs[0].Attributes["name"])
}

func TestTx_DuplicateIDIdempotent(t *testing.T) {
	e := newEnv(t)
	tx := f.CreateDoc(classTask, "sp", nil, "t1")

	require.NoError(t, e.apply(t, tx))
	require.NoError(t, e.apply(t, tx))

	assert.Equal(t, 1, e.find(t, classTask, nil, nil).Total)
}

func TestTx_DuplicateObjectRejected(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", nil, "t1")))

	err := e.apply(t, f.CreateDoc(classTask, "sp", nil, "t1"))
	require.Error(t, err)
	assert.True(t, core.IsLogic(err))
}

func TestFindAll_TxDomainReadsLog(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", nil, "t1")))

	res := e.find(t, core.ClassTx, nil, nil)
	assert.Equal(t, 14, res.Total)

	res = e.find(t, core.ClassTxCreateDoc, core.Object{core.AttrObjectID: core.String("t1")}, nil)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, core.String(string(classTask)), res.Docs[0].Attributes[core.AttrObjectClass])
}

func TestFindAll_CustomTxClass(t *testing.T) {
	e := newEnv(t)
	const classTestTx core.Ref = "test:class:TestTx"
	require.NoError(t, e.apply(t, f.CreateClass(classTestTx, core.ClassTx, "")))

	custom := &core.RawTx{
		TxHeader: core.TxHeader{
			ID: "custom-1", Class: classTestTx, Space: core.SpaceTx,
			ModifiedBy: "tester", ObjectID: "t1", ObjectClass: classTask, ObjectSpace: "sp",
		},
		KindName: "test",
		Payload:  core.Object{"note": core.String("hello")},
	}
	require.NoError(t, e.apply(t, custom))

	res := e.find(t, classTestTx, nil, nil)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, core.String("hello"), res.Docs[0].Attributes["note"])

	res = e.find(t, core.ClassTx, core.Object{core.FieldClass: core.String(string(classTestTx))}, nil)
	assert.Len(t, res.Docs, 1)
}

func TestFindAll_SortLimitTotal(t *testing.T) {
	e := newEnv(t)
	for i, v := range []int64{5, 1, 9, 3} {
		id := core.Ref([]string{"a", "b", "c", "d"}[i])
		require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", core.Object{"v": core.Int(v)}, id)))
	}

	res := e.find(t, classTask, nil, &core.FindOptions{
		Sort:  []core.SortKey{{Field: "v", Order: core.Descending}},
		Limit: 2,
	})
	assert.Equal(t, 4, res.Total)
	require.Len(t, res.Docs, 2)
	assert.Equal(t, core.Ref("c"), res.Docs[0].ID)
	assert.Equal(t, core.Ref("a"), res.Docs[1].ID)
}

func TestFindAll_UnknownClass(t *testing.T) {
	e := newEnv(t)
	_, err := e.storage.FindAll(context.Background(), "ghost", nil, nil)
	assert.True(t, core.IsSchema(err))
}

func TestCatchUp_ProjectsSeededLog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Seed the log directly, bypassing projection.
	b, err := e.store.Begin(ctx)
	require.NoError(t, err)
	_, _, err = b.AppendTx(ctx, f.CreateDoc(classTask, "sp", core.Object{"n": core.Int(1)}, "seeded"))
	require.NoError(t, err)
	_, _, err = b.AppendTx(ctx, f.CreateDoc("ghost:class:Ghost", "sp", nil, "orphan"))
	require.NoError(t, err)
	require.NoError(t, b.Commit())
	assert.Zero(t, e.find(t, classTask, nil, nil).Total)

	n, err := e.storage.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, e.find(t, classTask, nil, nil).Total)

	last, err := e.store.LastSeq(ctx)
	require.NoError(t, err)
	wm, err := e.store.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, wm)

	n, err = e.storage.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRebuild_MatchesIncrementalProjection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.apply(t, f.CreateDoc(classTask, "sp", core.Object{"n": core.Int(1)}, "t1")))
	require.NoError(t, e.apply(t, f.UpdateDoc(classTask, "sp", "t1", core.Object{"$inc": core.Object{"n": core.Int(4)}})))
	require.NoError(t, e.apply(t, f.CreateDoc(classBug, "sp", nil, "b1")))
	require.NoError(t, e.apply(t, f.RemoveDoc(classBug, "sp", "b1")))

	before, err := e.store.FindDocuments(ctx, store.DocumentQuery{})
	require.NoError(t, err)

	_, err = e.storage.Rebuild(ctx)
	require.NoError(t, err)

	after, err := e.store.FindDocuments(ctx, store.DocumentQuery{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
