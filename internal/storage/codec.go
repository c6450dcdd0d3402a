package storage

import (
	"fmt"

	"github.com/golang/snappy"
)

// Codec converts between caller values and stored bytes.
//
// Stored bytes are always a private copy of the caller's slice. With
// Compress, values are stored snappy-encoded. With CopyOnRead, every decoded
// value is a fresh slice the caller may modify; without it, uncompressed
// reads share the stored bytes and must be treated as read-only.
type Codec struct {
	Compress   bool
	CopyOnRead bool
}

// Encode returns the bytes to store for v.
func (c Codec) Encode(v []byte) []byte {
	if c.Compress {
		return snappy.Encode(nil, v)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Decode returns the caller view of stored bytes.
func (c Codec) Decode(stored []byte) ([]byte, error) {
	if c.Compress {
		v, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("decode stored value: %w", err)
		}
		return v, nil
	}
	if !c.CopyOnRead {
		return stored, nil
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

// Size returns the caller-visible size of stored bytes.
func (c Codec) Size(stored []byte) int {
	if c.Compress {
		if n, err := snappy.DecodedLen(stored); err == nil {
			return n
		}
	}
	return len(stored)
}
