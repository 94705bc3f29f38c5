package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/fixture"
	"github.com/roach88/wsdb/internal/hierarchy"
	"github.com/roach88/wsdb/internal/livequery"
	"github.com/roach88/wsdb/internal/model"
	"github.com/roach88/wsdb/internal/storage"
	"github.com/roach88/wsdb/internal/store"
	"github.com/roach88/wsdb/internal/testutil"
	"github.com/roach88/wsdb/internal/txproc"
)

const (
	classTask core.Ref = "task:class:Task"
	classBug  core.Ref = "task:class:Bug"
)

func openWorkspace(t *testing.T, dir string, factory TxHandlerFactory) *Workspace {
	t.Helper()
	ws, err := Create(context.Background(), "test", Options{URI: dir}, factory)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// seed applies the core model plus Task and Bug classes.
func seed(t *testing.T, ws *Workspace, f *core.TxFactory) {
	t.Helper()
	ctx := context.Background()
	txs := append(fixture.MinModel(),
		f.CreateClass(classTask, core.ClassDoc, "task"),
		f.CreateClass(classBug, classTask, ""),
	)
	for _, tx := range txs {
		require.NoError(t, ws.Tx(ctx, tx))
	}
}

func TestPath(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"sqlite:///var/lib/wsdb", "/var/lib/wsdb/ws-w1.db"},
		{"file:///tmp/x", "/tmp/x/ws-w1.db"},
		{"/plain/dir", "/plain/dir/ws-w1.db"},
		{"relative/dir", "relative/dir/ws-w1.db"},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := Path(tt.uri, "w1")
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}

	_, err := Path("mongodb://host/db", "w1")
	assert.True(t, core.IsLogic(err))
	_, err = Path("", "w1")
	assert.True(t, core.IsLogic(err))
	_, err = Path("/dir", "")
	assert.True(t, core.IsLogic(err))
}

func TestCreate_Empty(t *testing.T) {
	ws := openWorkspace(t, t.TempDir(), nil)

	assert.Equal(t, "test", ws.ID())
	assert.Empty(t, ws.Hierarchy().Classes())
	assert.Equal(t, 0, ws.Model().Len())
}

func TestCreate_BadURI(t *testing.T) {
	_, err := Create(context.Background(), "w", Options{URI: "ftp://nowhere"}, nil)
	require.Error(t, err)
	assert.True(t, core.IsLogic(err))
}

func TestTx_ClassesAndDocuments(t *testing.T) {
	ctx := context.Background()
	ws := openWorkspace(t, t.TempDir(), nil)
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)

	assert.True(t, ws.IsDerived(classBug, core.ClassDoc))
	assert.True(t, ws.IsDerived(classBug, classBug))
	assert.False(t, ws.IsDerived(classTask, classBug))

	// Eight core classes, two task classes, two spaces.
	assert.Equal(t, 12, ws.Model().Len())

	require.NoError(t, ws.Tx(ctx, f.CreateDoc(classBug, "sp1", core.Object{"title": core.String("crash")}, "bug-1")))

	res, err := ws.FindAll(ctx, classTask, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, classBug, res.Docs[0].Class)
	assert.Equal(t, core.Ref("alice"), res.Docs[0].ModifiedBy)

	classes, err := ws.FindAll(ctx, core.ClassClass, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, classes.Total)

	txs, err := ws.FindAll(ctx, core.ClassTx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 13, txs.Total, "the log holds every transaction")
}

func TestTx_UpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	ws := openWorkspace(t, t.TempDir(), nil)
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)

	create := f.CreateDoc(classTask, "sp1", core.Object{"title": core.String("draft")}, "")
	require.NoError(t, ws.Tx(ctx, create))
	require.NoError(t, ws.Tx(ctx, f.CreateDoc(classTask, "sp1", core.Object{"title": core.String("other")}, "")))
	require.NoError(t, ws.Tx(ctx, f.UpdateDoc(classTask, "sp1", create.ObjectID, core.Object{"status": core.String("done")})))

	res, err := ws.FindAll(ctx, classTask, core.Object{"status": core.String("done")}, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, create.ObjectID, res.Docs[0].ID)
	assert.Equal(t, core.String("draft"), res.Docs[0].Attributes["title"])
}

func TestTx_UnknownClassRejected(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	ws := openWorkspace(t, t.TempDir(), countingFactory(&calls))
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)
	before := calls.Load()

	err := ws.Tx(ctx, f.CreateDoc("nope:class:Nope", "sp1", nil, ""))
	require.Error(t, err)
	assert.True(t, core.IsSchema(err))
	assert.Equal(t, before, calls.Load(), "handlers never see a rejected tx")
}

func TestTx_StorageRejectionUndoesHierarchy(t *testing.T) {
	ctx := context.Background()
	ws := openWorkspace(t, t.TempDir(), nil)
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)
	fp, err := ws.Hierarchy().Fingerprint()
	require.NoError(t, err)

	// The hierarchy accepts the class; the closed store then fails the write.
	require.NoError(t, ws.Storage().Store().Close())
	err = ws.Tx(ctx, f.CreateClass("x:class:X", core.ClassDoc, "x"))
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))

	assert.False(t, ws.Hierarchy().Has("x:class:X"))
	after, err := ws.Hierarchy().Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, after)
}

func TestTx_MalformedRejected(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	ws := openWorkspace(t, t.TempDir(), countingFactory(&calls))
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)
	before := calls.Load()

	err := ws.Tx(ctx, nil)
	require.Error(t, err)
	assert.True(t, core.IsLogic(err))

	tx := f.CreateClass("x:class:X", core.ClassDoc, "x")
	tx.ID = ""
	err = ws.Tx(ctx, tx)
	require.Error(t, err)
	assert.True(t, core.IsLogic(err))

	assert.False(t, ws.Hierarchy().Has("x:class:X"))
	assert.Equal(t, before, calls.Load())
}

func TestTx_ClassRemovalRejectedAndReopens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := testutil.NewTxFactory("alice")
	const classNote core.Ref = "task:class:Note"

	ws, err := Create(ctx, "test", Options{URI: dir}, nil)
	require.NoError(t, err)
	seed(t, ws, f)
	require.NoError(t, ws.Tx(ctx, f.CreateClass(classNote, core.ClassDoc, core.DomainModel)))
	require.NoError(t, ws.Tx(ctx, f.CreateDoc(classNote, core.SpaceModel, nil, "n1")))
	require.NoError(t, ws.Tx(ctx, f.RemoveDoc(classNote, core.SpaceModel, "n1")))

	err = ws.Tx(ctx, f.RemoveDoc(core.ClassClass, core.SpaceModel, classNote))
	require.Error(t, err)
	assert.True(t, core.IsLogic(err))
	assert.True(t, ws.Hierarchy().Has(classNote))
	require.NoError(t, ws.Close())

	again, err := Create(ctx, "test", Options{URI: dir}, nil)
	require.NoError(t, err)
	defer again.Close()
	assert.True(t, again.Hierarchy().Has(classNote))
	_, ok := again.Model().GetObject("n1")
	assert.False(t, ok)
}

func TestTx_CycleRejected(t *testing.T) {
	ctx := context.Background()
	ws := openWorkspace(t, t.TempDir(), nil)
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)

	err := ws.Tx(ctx, f.UpdateDoc(core.ClassClass, core.SpaceModel, classTask, core.Object{core.AttrExtends: core.String(string(classBug))}))
	require.Error(t, err)
	assert.True(t, core.IsConsistency(err))
	assert.True(t, ws.IsDerived(classBug, classTask))
}

func TestTx_DuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	ws := openWorkspace(t, t.TempDir(), countingFactory(&calls))
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)

	create := f.CreateDoc(classTask, "sp1", core.Object{"n": core.Int(1)}, "t1")
	require.NoError(t, ws.Tx(ctx, create))
	inc := f.UpdateDoc(classTask, "sp1", "t1", core.Object{"$inc": core.Object{"n": core.Int(1)}})
	require.NoError(t, ws.Tx(ctx, inc))
	before := calls.Load()

	require.NoError(t, ws.Tx(ctx, inc))
	assert.Equal(t, before, calls.Load())

	res, err := ws.FindAll(ctx, classTask, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Int(2), res.Docs[0].Attributes["n"])
}

func TestTx_HandlerFailureIsolated(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	boom := errors.New("boom")

	factory := func(*hierarchy.Hierarchy, *storage.WorkspaceStorage, *model.DB) ([]TxHandler, error) {
		failing := txproc.HandlerFunc(func(_ context.Context, tx core.Tx) error {
			if tx.Header().ObjectID == "t1" {
				return boom
			}
			return nil
		})
		counting := txproc.HandlerFunc(func(context.Context, core.Tx) error {
			calls.Add(1)
			return nil
		})
		return []TxHandler{failing, counting}, nil
	}
	ws := openWorkspace(t, t.TempDir(), factory)
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)
	before := calls.Load()

	err := ws.Tx(ctx, f.CreateDoc(classTask, "sp1", nil, "t1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before+1, calls.Load(), "other handlers still run")

	res, err := ws.FindAll(ctx, classTask, nil, nil)
	require.NoError(t, err)
	assert.Len(t, res.Docs, 1, "the tx is committed")
}

func TestCreate_FactoryError(t *testing.T) {
	dir := t.TempDir()
	factory := func(*hierarchy.Hierarchy, *storage.WorkspaceStorage, *model.DB) ([]TxHandler, error) {
		return nil, errors.New("no redis")
	}
	_, err := Create(context.Background(), "test", Options{URI: dir}, factory)
	require.Error(t, err)

	// The store was closed; opening again works.
	ws := openWorkspace(t, dir, nil)
	assert.NotNil(t, ws)
}

func TestReopen_ReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := testutil.NewTxFactory("alice")

	ws, err := Create(ctx, "test", Options{URI: dir}, nil)
	require.NoError(t, err)
	seed(t, ws, f)
	require.NoError(t, ws.Tx(ctx, f.CreateDoc(core.ClassSpace, core.SpaceModel, core.Object{"name": core.String("Team")}, "sp-team")))
	require.NoError(t, ws.Tx(ctx, f.UpdateDoc(core.ClassSpace, core.SpaceModel, "sp-team", core.Object{"$push": core.Object{"members": core.String("alice")}})))
	require.NoError(t, ws.Tx(ctx, f.CreateDoc(classTask, "sp-team", nil, "t1")))

	hfp, err := ws.Hierarchy().Fingerprint()
	require.NoError(t, err)
	mfp, err := ws.Model().Fingerprint()
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close(), "close is idempotent")

	for i := 0; i < 2; i++ {
		again, err := Create(ctx, "test", Options{URI: dir}, nil)
		require.NoError(t, err)

		h2, err := again.Hierarchy().Fingerprint()
		require.NoError(t, err)
		m2, err := again.Model().Fingerprint()
		require.NoError(t, err)
		assert.Equal(t, hfp, h2)
		assert.Equal(t, mfp, m2)

		d, err := again.Hierarchy().Domain(core.ClassClass)
		require.NoError(t, err)
		assert.Equal(t, core.DomainModel, d)

		team, ok := again.Model().GetObject("sp-team")
		require.True(t, ok)
		assert.Equal(t, core.Array{core.String("alice")}, team.Attributes["members"])

		require.NoError(t, again.Close())
	}
}

func TestReopen_DivergenceDetected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ws, err := Create(ctx, "test", Options{URI: dir}, nil)
	require.NoError(t, err)
	seed(t, ws, testutil.NewTxFactory("alice"))
	require.NoError(t, ws.Close())

	// Record the state at the current log length, then tamper with it.
	ws, err = Create(ctx, "test", Options{URI: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	path, err := Path(dir, "test")
	require.NoError(t, err)
	s, err := store.Open(path, nil)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE bootstrap_fingerprints SET hierarchy = 'tampered'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Create(ctx, "test", Options{URI: dir}, nil)
	require.Error(t, err)
	assert.True(t, core.IsConsistency(err))
}

func TestLiveQueryHandler(t *testing.T) {
	ctx := context.Background()
	var lq *livequery.LiveQuery
	factory := func(_ *hierarchy.Hierarchy, s *storage.WorkspaceStorage, _ *model.DB) ([]TxHandler, error) {
		lq = livequery.New(s, nil)
		return []TxHandler{txproc.HandlerFunc(lq.Process)}, nil
	}
	ws := openWorkspace(t, t.TempDir(), factory)
	f := testutil.NewTxFactory("alice")
	seed(t, ws, f)

	var mu sync.Mutex
	var results []livequery.Result
	sub := lq.Query(ctx, classTask, nil, &core.FindOptions{
		Sort:  []core.SortKey{{Field: "rank", Order: core.Descending}},
		Limit: 2,
	}, func(r livequery.Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})
	defer sub.Unsubscribe()
	require.NoError(t, sub.Wait(ctx))

	for i, rank := range []int64{3, 7, 5} {
		id := core.Ref([]string{"a", "b", "c"}[i])
		require.NoError(t, ws.Tx(ctx, f.CreateDoc(classTask, "sp1", core.Object{"rank": core.Int(rank)}, id)))
	}
	require.NoError(t, ws.Tx(ctx, f.RemoveDoc(classTask, "sp1", "b")))

	snap, ok := sub.Snapshot()
	require.True(t, ok)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, core.Ref("c"), snap.Docs[0].ID)
	assert.Equal(t, 2, snap.Total)

	mu.Lock()
	defer mu.Unlock()
	// initial, a, b, c (evicts a), remove b
	assert.Len(t, results, 5)
}

func countingFactory(calls *atomic.Int32) TxHandlerFactory {
	return func(*hierarchy.Hierarchy, *storage.WorkspaceStorage, *model.DB) ([]TxHandler, error) {
		return []TxHandler{txproc.HandlerFunc(func(context.Context, core.Tx) error {
			calls.Add(1)
			return nil
		})}, nil
	}
}
