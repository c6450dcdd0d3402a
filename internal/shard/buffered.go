package shard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// BufferedOpType is the kind of a queued mutation.
type BufferedOpType int

const (
	BufferedPut BufferedOpType = iota
	BufferedPutIfAbsent
	BufferedRemove
)

func (t BufferedOpType) String() string {
	switch t {
	case BufferedPut:
		return "PUT"
	case BufferedPutIfAbsent:
		return "PUT_IF_ABSENT"
	case BufferedRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("BufferedOpType(%d)", int(t))
	}
}

// BufferedOperation is a mutation queued by a bulk or write-behind path and
// applied later by Drain. It is applied at most once, even when it sits in
// several buffers or is drained concurrently.
type BufferedOperation struct {
	Type    BufferedOpType
	Value   []byte
	Version int64
	Options PutOptions

	drained atomic.Bool
}

// Drained reports whether the operation was consumed.
func (op *BufferedOperation) Drained() bool {
	return op.drained.Load()
}

// CreateBufferedOperation returns an operation ready to be queued.
func (m *Map) CreateBufferedOperation(t BufferedOpType, value []byte, version int64, opts ...PutOption) *BufferedOperation {
	return &BufferedOperation{
		Type:    t,
		Value:   value,
		Version: version,
		Options: resolveOptions(opts),
	}
}

// Drain applies the pending operations of buffer. Failures do not stop the
// drain; they are joined into the returned error.
func (m *Map) Drain(ctx context.Context, buffer map[any]*BufferedOperation) error {
	var errs []error
	for key, op := range buffer {
		if op == nil || !op.drained.CompareAndSwap(false, true) {
			continue
		}
		if err := m.applyBuffered(ctx, key, op); err != nil {
			errs = append(errs, fmt.Errorf("drain %s %v: %w", op.Type, key, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Map) applyBuffered(ctx context.Context, key any, op *BufferedOperation) error {
	switch op.Type {
	case BufferedPut:
		return m.PutVersioned(ctx, key, op.Value, op.Version, WithOptions(op.Options))
	case BufferedPutIfAbsent:
		_, _, err := m.PutIfAbsentVersioned(ctx, key, op.Value, op.Version, WithOptions(op.Options))
		return err
	case BufferedRemove:
		return m.RemoveVersioned(ctx, key, op.Version)
	default:
		return fmt.Errorf("%w: buffered operation %s", ErrUnsupported, op.Type)
	}
}
