package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		value any
		want  Kind
	}{
		{"x", KindString},
		{true, KindBool},
		{int8(1), KindInt},
		{uint64(1), KindInt},
		{2.5, KindFloat},
		{time.Unix(0, 0), KindDate},
		{[]byte("b"), KindBytes},
	}
	for _, tt := range tests {
		k, err := KindOf(tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, k, "%T", tt.value)
	}

	_, err := KindOf(struct{}{})
	assert.True(t, errors.Is(err, ErrUnsupportedAttribute))
}

// TestSchemaFirstTypeWins verifies the first recorded value fixes an
// attribute's type
func TestSchemaFirstTypeWins(t *testing.T) {
	s := NewSchema()
	first := map[string]any{"age": 30, "name": "ann"}
	require.NoError(t, s.Check(first))
	s.Record(first)
	require.NoError(t, s.Check(map[string]any{"age": int64(31)}))

	err := s.Check(map[string]any{"age": "thirty", "city": "oslo"})
	assert.True(t, errors.Is(err, ErrSchemaConflict))

	_, ok := s.Kind("city")
	assert.False(t, ok)

	k, ok := s.Kind("age")
	require.True(t, ok)
	assert.Equal(t, KindInt, k)

	// a later record never changes a known type
	s.Record(map[string]any{"age": "thirty"})
	k, _ = s.Kind("age")
	assert.Equal(t, KindInt, k)
}

func TestCheckRecordsNothing(t *testing.T) {
	s := NewSchema()
	require.NoError(t, s.Check(map[string]any{"age": 30}))
	require.NoError(t, s.Check(map[string]any{"age": "x"}))

	_, ok := s.Kind("age")
	assert.False(t, ok)
}

func TestPublishFixesTypes(t *testing.T) {
	sink := &MemorySink{}
	ix := NewIndexer("users", ExtractorFunc(func(_ any, value []byte) (map[string]any, bool) {
		if string(value) == "int" {
			return map[string]any{"age": 1}, true
		}
		return map[string]any{"age": "x"}, true
	}), sink)
	ctx := context.Background()

	rec, err := ix.Prepare(CommandPut, "k", []byte("int"), uuid.New())
	require.NoError(t, err)

	// an unpublished record leaves the attribute free
	_, err = ix.Prepare(CommandPut, "k", []byte("str"), uuid.New())
	require.NoError(t, err)

	require.NoError(t, ix.Publish(ctx, rec))
	_, err = ix.Prepare(CommandPut, "k", []byte("str"), uuid.New())
	assert.True(t, errors.Is(err, ErrSchemaConflict))
}

func TestIndexer(t *testing.T) {
	sink := &MemorySink{}
	extractor := ExtractorFunc(func(key any, value []byte) (map[string]any, bool) {
		if string(value) == "secret" {
			return nil, false
		}
		return map[string]any{"len": len(value)}, true
	})
	ix := NewIndexer("users", extractor, sink)
	require.NotNil(t, ix)
	id := uuid.New()
	ctx := context.Background()

	rec, err := ix.Prepare(CommandPut, "k", []byte("hello"), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "users", rec.CacheName)
	assert.Equal(t, map[string]any{"len": 5}, rec.Attributes)
	assert.Empty(t, sink.Records(), "prepare has no side effects")

	require.NoError(t, ix.Publish(ctx, rec))
	assert.Len(t, sink.Records(), 1)

	rec, err = ix.Prepare(CommandPut, "k", []byte("secret"), id)
	require.NoError(t, err)
	assert.Nil(t, rec, "do not index")

	rec, err = ix.Prepare(CommandRemove, "k", nil, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.Attributes)
	assert.Equal(t, id, rec.ValueIdentity)
}

func TestNilIndexer(t *testing.T) {
	var ix *Indexer
	assert.Nil(t, NewIndexer("m", nil, &MemorySink{}))

	rec, err := ix.Prepare(CommandPut, "k", []byte("v"), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, ix.Publish(context.Background(), rec))
	ix.SetExtractor(ExtractorFunc(func(any, []byte) (map[string]any, bool) { return nil, false }))
}
