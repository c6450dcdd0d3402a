package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAborted is returned when the cluster cannot complete an operation in
// time. Callers recover from it with a local fallback.
var ErrAborted = errors.New("cluster operation aborted")

// OpKind names a replicated mutation.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpRemove OpKind = "remove"
	OpExpire OpKind = "expire"
	OpClear  OpKind = "clear"
)

// LogicalOp is one mutation of one shard as it is shipped to the other
// holders of that shard. Key is the canonical key encoding; Value holds the
// stored bytes.
type LogicalOp struct {
	Kind       OpKind    `json:"kind"`
	Map        string    `json:"map"`
	Shard      int       `json:"shard"`
	Key        string    `json:"key,omitempty"`
	Value      []byte    `json:"value,omitempty"`
	Version    int64     `json:"version"`
	CreateTime int64     `json:"create_time"`
	CustomTTI  int64     `json:"custom_tti"`
	CustomTTL  int64     `json:"custom_ttl"`
	Identity   uuid.UUID `json:"identity"`
	Sync       bool      `json:"sync,omitempty"`
}

// Transport commits logical ops to the rest of the cluster.
type Transport interface {
	// Commit ships op. When op.Sync is set it returns only after every
	// holder acknowledged it. A failure wraps ErrAborted.
	Commit(ctx context.Context, op LogicalOp) error

	// WaitForInFlight blocks until every op committed so far has settled.
	WaitForInFlight(ctx context.Context) error
}

// inFlight counts outstanding ops and lets callers wait for zero.
type inFlight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inFlight) begin() {
	f.mu.Lock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *inFlight) end() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
	f.mu.Unlock()
}

func (f *inFlight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loopback is an in-process transport for single-node use and tests. It
// records every committed op and can be told to abort or stall.
type Loopback struct {
	mu       sync.Mutex
	ops      []LogicalOp
	abort    bool
	delay    time.Duration
	inflight inFlight
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

// SetAbort makes every following Commit fail with ErrAborted.
func (l *Loopback) SetAbort(abort bool) {
	l.mu.Lock()
	l.abort = abort
	l.mu.Unlock()
}

// SetDelay makes every following Commit take at least d.
func (l *Loopback) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
}

func (l *Loopback) Commit(ctx context.Context, op LogicalOp) error {
	l.inflight.begin()
	defer l.inflight.end()

	l.mu.Lock()
	abort, delay := l.abort, l.delay
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s %s: %v", ErrAborted, op.Kind, op.Key, ctx.Err())
		}
	}
	if abort {
		return fmt.Errorf("%w: %s %s", ErrAborted, op.Kind, op.Key)
	}

	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
	return nil
}

func (l *Loopback) WaitForInFlight(ctx context.Context) error {
	return l.inflight.wait(ctx)
}

// Ops returns a copy of the committed ops.
func (l *Loopback) Ops() []LogicalOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogicalOp, len(l.ops))
	copy(out, l.ops)
	return out
}

// Count returns how many committed ops have the given kind.
func (l *Loopback) Count(kind OpKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, op := range l.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets the recorded ops.
func (l *Loopback) Reset() {
	l.mu.Lock()
	l.ops = nil
	l.mu.Unlock()
}
