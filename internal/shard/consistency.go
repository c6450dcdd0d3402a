package shard

import (
	"fmt"
	"strings"
)

// Consistency is the contract a map enforces on every operation.
type Consistency int

const (
	// Strong serializes operations on a key with read and write locks.
	Strong Consistency = iota
	// SynchronousStrong is Strong with commits acknowledged by every holder
	// before the lock is released.
	SynchronousStrong
	// Eventual runs without per-key locks; conditional writes retry on
	// conflict.
	Eventual
)

func (c Consistency) String() string {
	switch c {
	case Strong:
		return "STRONG"
	case SynchronousStrong:
		return "SYNCHRONOUS_STRONG"
	case Eventual:
		return "EVENTUAL"
	default:
		return fmt.Sprintf("Consistency(%d)", int(c))
	}
}

// ParseConsistency accepts the configuration names, case-insensitively.
func ParseConsistency(name string) (Consistency, error) {
	switch strings.ToUpper(name) {
	case "STRONG", "":
		return Strong, nil
	case "SYNCHRONOUS_STRONG":
		return SynchronousStrong, nil
	case "EVENTUAL":
		return Eventual, nil
	default:
		return 0, fmt.Errorf("%w: consistency %q", ErrUnsupported, name)
	}
}
