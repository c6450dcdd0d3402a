package keys

import (
	"errors"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
)

// TestValidate checks which kinds are accepted as portable keys
func TestValidate(t *testing.T) {
	type custom struct{ id int }

	tests := []struct {
		name    string
		key     any
		literal bool
	}{
		{name: "string", key: "user:1", literal: true},
		{name: "empty string", key: "", literal: true},
		{name: "int", key: 42, literal: true},
		{name: "int8", key: int8(-3), literal: true},
		{name: "uint64", key: uint64(7), literal: true},
		{name: "float64", key: 1.5, literal: true},
		{name: "bool", key: true, literal: true},
		{name: "nil", key: nil, literal: false},
		{name: "struct", key: custom{id: 1}, literal: false},
		{name: "pointer", key: &custom{}, literal: false},
		{name: "byte slice", key: []byte("x"), literal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.key)
			if tt.literal {
				assert.NoError(t, err)
				assert.True(t, IsLiteral(tt.key))
				return
			}
			assert.True(t, errors.Is(err, ErrNotLiteral), "expected ErrNotLiteral, got %v", err)
			assert.False(t, IsLiteral(tt.key))
		})
	}
}

// TestEncode verifies the canonical encoding keeps kinds apart and widths together
func TestEncode(t *testing.T) {
	assert.Equal(t, "s:42", Encode("42"))
	assert.Equal(t, "i:42", Encode(42))
	assert.Equal(t, Encode(int32(7)), Encode(int64(7)))
	assert.Equal(t, Encode(uint8(7)), Encode(uint64(7)))
	assert.NotEqual(t, Encode(int64(7)), Encode(uint64(7)))
	assert.Equal(t, "b:true", Encode(true))
	assert.Equal(t, "f:1.5", Encode(1.5))

	assert.Panics(t, func() { Encode([]byte("nope")) })
}

// TestHash verifies hashing is deterministic and based on the encoding
func TestHash(t *testing.T) {
	for _, k := range []any{"a", "b", 1, uint(9), 2.25, false} {
		first := Hash(k)
		for i := 0; i < 100; i++ {
			assert.Equal(t, first, Hash(k))
		}
		assert.Equal(t, xxhash.Sum64String(Encode(k)), first)
	}
	assert.NotEqual(t, Hash("1"), Hash(1))
}

func TestSize(t *testing.T) {
	assert.Equal(t, len("s:hello"), Size("hello"))
	assert.Equal(t, len("i:12345"), Size(12345))
}

func TestDecode(t *testing.T) {
	for _, k := range []any{"abc", "", "with:colon", true, int8(-5), 42, uint16(9), 2.5} {
		decoded, err := Decode(Encode(k))
		assert.NoError(t, err)
		assert.Equal(t, Encode(k), Encode(decoded), "%T %v", k, k)
	}

	for _, bad := range []string{"", "x:1", "i:one", "nocolon", "b:maybe"} {
		_, err := Decode(bad)
		assert.True(t, errors.Is(err, ErrNotLiteral), "%q", bad)
	}
}
