// Package keys defines which keys the grid accepts and how they are encoded
// and hashed. Every node must route a key to the same shard without a lookup
// round-trip, so the encoding is canonical and independent of the process
// that produced it.
//
// Only literal keys are portable across nodes:
//
//	string, bool
//	int, int8, int16, int32, int64
//	uint, uint8, uint16, uint32, uint64
//	float32, float64
//
// Anything else (structs, pointers, slices, nil) is rejected with
// ErrNotLiteral. The grid never coerces a non-literal key into a literal one.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/constraints"
)

// ErrNotLiteral is returned for keys that cannot be shared between nodes.
var ErrNotLiteral = errors.New("key is not a literal")

// Validate reports whether key is a literal key.
// Returns nil for supported kinds, an error wrapping ErrNotLiteral otherwise.
func Validate(key any) error {
	switch key.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case nil:
		return fmt.Errorf("%w: nil key", ErrNotLiteral)
	default:
		return fmt.Errorf("%w: %T", ErrNotLiteral, key)
	}
}

// IsLiteral is the boolean form of Validate.
func IsLiteral(key any) bool {
	return Validate(key) == nil
}

// Encode returns the canonical, type-tagged encoding of a literal key.
//
// The tag keeps keys of different kinds apart: the string "42" encodes to
// "s:42" while the integer 42 encodes to "i:42". All signed integer widths
// share the "i" tag and all unsigned widths share "u", so int32(7) and
// int64(7) address the same entry on every node.
//
// Encode panics on non-literal keys; callers validate first.
func Encode(key any) string {
	switch k := key.(type) {
	case string:
		return "s:" + k
	case bool:
		return "b:" + strconv.FormatBool(k)
	case int:
		return signed(k)
	case int8:
		return signed(k)
	case int16:
		return signed(k)
	case int32:
		return signed(k)
	case int64:
		return signed(k)
	case uint:
		return unsigned(k)
	case uint8:
		return unsigned(k)
	case uint16:
		return unsigned(k)
	case uint32:
		return unsigned(k)
	case uint64:
		return unsigned(k)
	case float32:
		return "f:" + strconv.FormatFloat(float64(k), 'g', -1, 32)
	case float64:
		return "f:" + strconv.FormatFloat(k, 'g', -1, 64)
	}
	panic(fmt.Sprintf("keys: cannot encode %T", key))
}

func signed[T constraints.Signed](v T) string {
	return "i:" + strconv.FormatInt(int64(v), 10)
}

func unsigned[T constraints.Unsigned](v T) string {
	return "u:" + strconv.FormatUint(uint64(v), 10)
}

// Decode parses a canonical encoding back into a key. Integers decode to
// int64 or uint64 and floats to float64; since all widths share one encoding
// the decoded key addresses the same entry as the original.
func Decode(encoded string) (any, error) {
	tag, body, ok := strings.Cut(encoded, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed encoding %q", ErrNotLiteral, encoded)
	}
	var (
		key any
		err error
	)
	switch tag {
	case "s":
		return body, nil
	case "b":
		key, err = strconv.ParseBool(body)
	case "i":
		key, err = strconv.ParseInt(body, 10, 64)
	case "u":
		key, err = strconv.ParseUint(body, 10, 64)
	case "f":
		key, err = strconv.ParseFloat(body, 64)
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrNotLiteral, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLiteral, err)
	}
	return key, nil
}

// Hash returns the 64-bit xxhash of the key's canonical encoding.
// The result is identical on every node and across restarts.
func Hash(key any) uint64 {
	return xxhash.Sum64String(Encode(key))
}

// Size estimates the serialized size of a key in bytes.
func Size(key any) int {
	return len(Encode(key))
}
