package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"int", Int(-100), "-100"},
		{"bool", Bool(true), "true"},
		{"null", Null{}, "null"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"no html escaping", String("<a&b>"), `"<a&b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Object{"d": Int(4), "c": Int(3)},
		"beta":  Int(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"c":3,"d":4},"beta":3,"zebra":1}`, string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical(String("a\u2028b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(result))

	// A literal backslash followed by the text u2028 stays escaped.
	result, err = MarshalCanonical(String("a\\u2028"))
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed form.
	decomposed, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	composed, err := MarshalCanonical(String("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
}

func TestFingerprint_StableAcrossMapOrder(t *testing.T) {
	a := Object{"x": Int(1), "y": Array{String("p")}}
	b := Object{"y": Array{String("p")}, "x": Int(1)}

	fa, err := Fingerprint(HashDomainModel, a)
	require.NoError(t, err)
	fb, err := Fingerprint(HashDomainModel, b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	fc, err := Fingerprint(HashDomainHierarchy, a)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc, "hash domains must separate")
}
