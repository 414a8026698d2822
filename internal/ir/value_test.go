package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("x")
	var _ Value = Int(1)
	var _ Value = Number("1.5")
	var _ Value = Bool(true)
	var _ Value = Array{}
	var _ Value = Object{}
}

func TestObjectSortedKeysRFC8785Order(t *testing.T) {
	obj := Object{
		"a":  Int(1),
		"A":  Int(2),
		"aa": Int(3),
		"Aa": Int(4),
	}

	assert.Equal(t, []string{"A", "Aa", "a", "aa"}, obj.SortedKeys())
}

func TestUnmarshalValue_Numbers(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"40", Int(40)},
		{"-3", Int(-3)},
		{"87.5", Number("87.5")},
		{"7.0", Number("7.0")},
		{"1e3", Number("1e3")},
		{"99999999999999999999", Number("99999999999999999999")},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := UnmarshalValue([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalValue_ObjectWithNull(t *testing.T) {
	got, err := UnmarshalValue([]byte(`{"id":"7","note":null,"tags":["a",1]}`))
	require.NoError(t, err)

	assert.Equal(t, Object{
		"id":   String("7"),
		"note": Null{},
		"tags": Array{String("a"), Int(1)},
	}, got)
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{"id": String("7"), "points": Int(40), "avg": Number("8.25"), "ok": Bool(true)}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"avg":8.25,"id":"7","ok":true,"points":40}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, obj, back)
}

func TestClone_IsDeep(t *testing.T) {
	orig := Object{"nested": Object{"n": Int(1)}, "list": Array{Int(1)}}

	c := orig.Clone()
	c["nested"].(Object)["n"] = Int(2)
	c["list"].(Array)[0] = Int(9)

	assert.Equal(t, Int(1), orig["nested"].(Object)["n"])
	assert.Equal(t, Int(1), orig["list"].(Array)[0])
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(90), Number("90.0")))
	assert.True(t, Equal(Object{"a": Array{Null{}}}, Object{"a": Array{Null{}}}))
	assert.False(t, Equal(String("7"), Int(7)))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"a": Int(1), "b": Int(2)}))
}

func TestFromAny(t *testing.T) {
	got, err := FromAny(map[string]any{
		"id":     7,
		"points": float64(40),
		"avg":    8.5,
		"note":   nil,
		"tags":   []any{"x"},
	})
	require.NoError(t, err)

	assert.Equal(t, Object{
		"id":     Int(7),
		"points": Int(40),
		"avg":    Number("8.5"),
		"note":   Null{},
		"tags":   Array{String("x")},
	}, got)

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestToAny(t *testing.T) {
	got := ToAny(Object{"id": String("7"), "points": Int(40), "avg": Number("8.5"), "n": Null{}})

	assert.Equal(t, map[string]any{"id": "7", "points": int64(40), "avg": 8.5, "n": nil}, got)
}
