package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wsdb/internal/core"
)

func TestApply_PlainAssignment(t *testing.T) {
	attrs := core.Object{"name": core.String("a")}

	res, err := Apply(attrs, core.Object{"name": core.String("b"), "title": core.String("t")})
	require.NoError(t, err)

	assert.Equal(t, core.String("b"), res.Attributes["name"])
	assert.Equal(t, core.String("t"), res.Attributes["title"])
	assert.Equal(t, []string{"name", "title"}, res.Changed)
	assert.Equal(t, core.String("a"), attrs["name"], "input must not change")
}

func TestApply_Increment(t *testing.T) {
	res, err := Apply(core.Object{"count": core.Int(2)}, core.Object{Inc: core.Object{"count": core.Int(3), "fresh": core.Int(1)}})
	require.NoError(t, err)

	assert.Equal(t, core.Int(5), res.Attributes["count"])
	assert.Equal(t, core.Int(1), res.Attributes["fresh"])
	assert.Equal(t, []string{"count", "fresh"}, res.Changed)
}

func TestApply_PushPull(t *testing.T) {
	attrs := core.Object{"tags": core.Array{core.String("x"), core.String("y"), core.String("x")}}

	res, err := Apply(attrs, core.Object{Push: core.Object{"tags": core.String("z")}})
	require.NoError(t, err)
	assert.Equal(t, core.Array{core.String("x"), core.String("y"), core.String("x"), core.String("z")}, res.Attributes["tags"])

	res, err = Apply(res.Attributes, core.Object{Pull: core.Object{"tags": core.String("x")}})
	require.NoError(t, err)
	assert.Equal(t, core.Array{core.String("y"), core.String("z")}, res.Attributes["tags"])

	assert.Len(t, attrs["tags"], 3, "input must not change")
}

func TestApply_PushCreatesArray(t *testing.T) {
	res, err := Apply(core.Object{}, core.Object{Push: core.Object{"members": core.String("u1")}})
	require.NoError(t, err)
	assert.Equal(t, core.Array{core.String("u1")}, res.Attributes["members"])
}

func TestApply_Unset(t *testing.T) {
	res, err := Apply(core.Object{"a": core.Int(1), "b": core.Int(2)}, core.Object{Unset: core.Object{"a": core.Bool(true)}})
	require.NoError(t, err)
	_, ok := res.Attributes["a"]
	assert.False(t, ok)
	assert.Equal(t, core.Int(2), res.Attributes["b"])
}

func TestApply_LogicErrors(t *testing.T) {
	tests := []struct {
		name string
		ops  core.Object
	}{
		{"unknown operator", core.Object{"$rename": core.Object{"a": core.String("b")}}},
		{"operator arg not object", core.Object{Inc: core.Int(1)}},
		{"inc on string", core.Object{Inc: core.Object{"name": core.Int(1)}}},
		{"inc by string", core.Object{Inc: core.Object{"count": core.String("1")}}},
		{"push on scalar", core.Object{Push: core.Object{"count": core.Int(1)}}},
		{"header field", core.Object{"space": core.String("other")}},
		{"header field under operator", core.Object{Inc: core.Object{"modifiedOn": core.Int(1)}}},
	}

	attrs := core.Object{"name": core.String("n"), "count": core.Int(1)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(attrs, tt.ops)
			require.Error(t, err)
			assert.True(t, core.IsLogic(err), "want LogicError, got %v", err)
		})
	}
	assert.Equal(t, core.Int(1), attrs["count"])
}

func TestApply_UnknownOperatorListsSupported(t *testing.T) {
	_, err := Apply(nil, core.Object{"$rename": core.Object{"a": core.String("b")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown operator "$rename" (supported: $inc, $pull, $push, $unset)`)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"$inc", "$pull", "$push", "$unset"}, Names())
	_, ok := Lookup("$nope")
	assert.False(t, ok)
}
