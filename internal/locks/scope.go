package locks

import (
	"context"
	"sync"
)

type scopeKey struct{}

type heldLock struct {
	t        Type
	releases []func()
}

// Scope records the locks taken by an explicit, caller-managed lock section.
// It travels in a context: operations running under that context see which
// IDs the caller already holds and do not try to take them again.
type Scope struct {
	mu       sync.Mutex
	held     map[ID]*heldLock
	explicit bool
}

// WithScope returns a context carrying an explicit lock scope, the kind a
// caller opens to lock entries by hand. If ctx already carries a scope, it is
// reused so nested sections share their holdings.
func WithScope(ctx context.Context) (context.Context, *Scope) {
	return withScope(ctx, true)
}

// WithBatchScope returns a context carrying an internal scope. It lets a bulk
// operation hold a lock across many calls without turning them into an
// explicit section.
func WithBatchScope(ctx context.Context) (context.Context, *Scope) {
	return withScope(ctx, false)
}

func withScope(ctx context.Context, explicit bool) (context.Context, *Scope) {
	if s := ScopeFrom(ctx); s != nil {
		return ctx, s
	}
	s := &Scope{held: make(map[ID]*heldLock), explicit: explicit}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// ScopeFrom returns the scope carried by ctx, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Explicit reports whether ctx runs inside an explicit lock section.
func Explicit(ctx context.Context) bool {
	s := ScopeFrom(ctx)
	return s != nil && s.explicit
}

// Held returns the strongest mode in which the scope of ctx holds id.
func Held(ctx context.Context, id ID) (Type, bool) {
	s := ScopeFrom(ctx)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.held[id]
	if !ok {
		return 0, false
	}
	return h.t, true
}

// HeldRead reports whether the caller holds id as a read lock only.
func HeldRead(ctx context.Context, id ID) bool {
	t, ok := Held(ctx, id)
	return ok && t == Read
}

// Acquire takes id in mode t through m and records it in the scope.
// Acquiring an ID already held in a covering mode is a no-op.
func (s *Scope) Acquire(ctx context.Context, m *Manager, id ID, t Type) error {
	release, err := m.Lock(context.WithValue(ctx, scopeKey{}, s), id, t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.held[id]
	if !ok {
		s.held[id] = &heldLock{t: t, releases: []func(){release}}
		return nil
	}
	if !h.t.covers(t) {
		h.t = t
	}
	h.releases = append(h.releases, release)
	return nil
}

// Release drops every hold the scope has on id.
func (s *Scope) Release(id ID) {
	s.mu.Lock()
	h, ok := s.held[id]
	delete(s.held, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	for i := len(h.releases) - 1; i >= 0; i-- {
		h.releases[i]()
	}
}

// ReleaseAll drops every lock held by the scope.
func (s *Scope) ReleaseAll() {
	s.mu.Lock()
	held := s.held
	s.held = make(map[ID]*heldLock)
	s.mu.Unlock()
	for _, h := range held {
		for i := len(h.releases) - 1; i >= 0; i-- {
			h.releases[i]()
		}
	}
}

// Len returns the number of IDs held by the scope.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}
