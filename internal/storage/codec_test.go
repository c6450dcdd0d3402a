package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	value := bytes.Repeat([]byte("compressible "), 100)

	tests := []struct {
		name  string
		codec Codec
	}{
		{name: "plain", codec: Codec{}},
		{name: "copy on read", codec: Codec{CopyOnRead: true}},
		{name: "compressed", codec: Codec{Compress: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]byte(nil), value...)
			stored := tt.codec.Encode(in)

			// the caller's slice is never retained
			in[0] = 'X'

			out, err := tt.codec.Decode(stored)
			require.NoError(t, err)
			assert.Equal(t, value, out)
			assert.Equal(t, len(value), tt.codec.Size(stored))

			if tt.codec.Compress {
				assert.Less(t, len(stored), len(value))
			}
		})
	}
}

func TestCodecCopyOnRead(t *testing.T) {
	stored := Codec{}.Encode([]byte("abc"))

	shared, err := Codec{}.Decode(stored)
	require.NoError(t, err)
	assert.Same(t, &stored[0], &shared[0])

	copied, err := Codec{CopyOnRead: true}.Decode(stored)
	require.NoError(t, err)
	copied[0] = 'z'
	assert.Equal(t, "abc", string(stored))
}

func TestCodecCorrupt(t *testing.T) {
	_, err := Codec{Compress: true}.Decode([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01})
	assert.Error(t, err)
}
