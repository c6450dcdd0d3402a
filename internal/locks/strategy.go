// Package locks provides the identifiers and reader/writer locks used to
// serialize concurrent mutations of a key, or of a whole map.
package locks

import (
	"fmt"
	"strconv"

	"github.com/dreamware/shardgrid/internal/keys"
)

// Kind tells which strategy produced an ID.
type Kind uint8

const (
	KindNumeric Kind = iota + 1
	KindNamed
	KindWholeMap
)

// ID identifies one lock. IDs are plain comparable values: two IDs name the
// same lock only when every field matches, so a map scope and a key name can
// never collide the way concatenated strings would.
type ID struct {
	Scope string // owning map
	Kind  Kind
	Num   uint64 // KindNumeric only
	Name  string // KindNamed only
}

func (id ID) String() string {
	switch id.Kind {
	case KindNumeric:
		return id.Scope + "#" + strconv.FormatUint(id.Num, 10)
	case KindNamed:
		return id.Scope + "/" + id.Name
	case KindWholeMap:
		return id.Scope + "/*"
	}
	return "invalid-lock-id"
}

// MapID is the whole-map lock of a map. It guards clear and destroy and hosts
// the map-wide concurrent section used by eventual writes and bulk batches.
func MapID(scope string) ID {
	return ID{Scope: scope, Kind: KindWholeMap}
}

// Strategy selects the lock a key is serialized under.
type Strategy interface {
	IDFor(key any) ID
	Name() string
}

// Numeric locks per key on the 64-bit hash of the key. Distinct keys may share
// a lock on a hash collision, which only over-serializes them.
type Numeric struct{ Scope string }

func (s Numeric) IDFor(key any) ID {
	return ID{Scope: s.Scope, Kind: KindNumeric, Num: keys.Hash(key)}
}

func (Numeric) Name() string { return "numeric" }

// Named locks per key on the canonical key encoding.
type Named struct{ Scope string }

func (s Named) IDFor(key any) ID {
	return ID{Scope: s.Scope, Kind: KindNamed, Name: keys.Encode(key)}
}

func (Named) Name() string { return "string" }

// WholeMap serializes every key of a map under one lock.
type WholeMap struct{ Scope string }

func (s WholeMap) IDFor(any) ID { return MapID(s.Scope) }

func (WholeMap) Name() string { return "whole-map" }

// ParseStrategy builds the strategy named in configuration.
// Accepted names: "numeric" (default when empty), "string", "whole-map".
func ParseStrategy(name, scope string) (Strategy, error) {
	switch name {
	case "", "numeric":
		return Numeric{Scope: scope}, nil
	case "string", "named":
		return Named{Scope: scope}, nil
	case "whole-map":
		return WholeMap{Scope: scope}, nil
	}
	return nil, fmt.Errorf("unknown lock strategy %q", name)
}
