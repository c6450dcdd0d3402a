package shard

import (
	"errors"
	"fmt"

	"github.com/dreamware/shardgrid/internal/keys"
)

var (
	// ErrUnsupported reports a precondition violation: a non-literal key or a
	// missing value.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrStaleMembership is returned by a Map that a rejoin replaced.
	ErrStaleMembership = errors.New("stale cluster membership")

	// ErrDestroyed is returned by a Map after Destroy or DisposeLocally.
	ErrDestroyed = errors.New("map destroyed")
)

func checkKey(key any) error {
	if err := keys.Validate(key); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return nil
}

func checkValue(value []byte) error {
	if value == nil {
		return fmt.Errorf("%w: nil value", ErrUnsupported)
	}
	return nil
}
