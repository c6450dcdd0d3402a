package localcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapStore(t *testing.T) {
	var s Store = NewMapStore()

	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Put("a", []byte("1"))
	s.Put(int16(2), []byte("2"))
	assert.Equal(t, 2, s.Len())

	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	v, ok = s.Get(2)
	assert.True(t, ok, "integer widths share an entry")
	assert.Equal(t, "2", string(v))

	s.Invalidate("a")
	_, ok = s.Get("a")
	assert.False(t, ok)

	s.ClearAll()
	assert.Equal(t, 0, s.Len())
}
