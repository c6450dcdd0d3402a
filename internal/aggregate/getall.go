package aggregate

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardgrid/internal/keys"
	"github.com/dreamware/shardgrid/internal/shard"
)

// Result is the lazy answer of GetAll. Nothing is read until a key is asked
// for; then the whole group holding that key is fetched once.
type Result struct {
	a       *Aggregator
	index   map[string]*group
	groups  []*group
	fetched atomic.Int32

	mu  sync.Mutex
	err error
}

type group struct {
	keys   []any
	encs   []string
	items  []item
	once   sync.Once
	values map[string][]byte
	err    error
}

// GetAll returns a lazy view of the given keys. Duplicate keys are folded.
func (a *Aggregator) GetAll(ks []any) (*Result, error) {
	r := &Result{a: a, index: make(map[string]*group, len(ks))}
	var g *group
	for _, k := range ks {
		it, err := a.newItem(k, nil)
		if err != nil {
			return nil, err
		}
		if _, dup := r.index[it.enc]; dup {
			continue
		}
		if g == nil || len(g.keys) == a.groupSize {
			g = &group{}
			r.groups = append(r.groups, g)
		}
		g.keys = append(g.keys, k)
		g.encs = append(g.encs, it.enc)
		g.items = append(g.items, it)
		r.index[it.enc] = g
	}
	return r, nil
}

// Len returns the number of distinct keys asked for.
func (r *Result) Len() int { return len(r.index) }

// Fetched returns how many key groups have been read so far.
func (r *Result) Fetched() int { return int(r.fetched.Load()) }

// Err returns the first fetch failure seen by an iteration.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Result) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *Result) fetch(ctx context.Context, g *group) error {
	g.once.Do(func() {
		var err error
		defer r.a.observe("get_all", &err)()

		eventual := r.a.eventual()
		g.values = make(map[string][]byte, len(g.items))
		err = r.a.runItems(ctx, g.items, func(ctx context.Context, m *shard.Map, it item) error {
			var (
				v   []byte
				ok  bool
				err error
			)
			if eventual {
				v, ok, err = m.CheckAndGetNonExpired(ctx, it.key)
			} else {
				v, ok, err = m.Get(ctx, it.key)
			}
			if ok {
				g.values[it.enc] = v
			}
			return err
		})
		g.err = err
		r.fetched.Add(1)
	})
	return g.err
}

// Get returns the value of key. Keys that were not asked for are absent.
func (r *Result) Get(ctx context.Context, key any) ([]byte, bool, error) {
	if keys.Validate(key) != nil {
		return nil, false, nil
	}
	enc := keys.Encode(key)
	g, ok := r.index[enc]
	if !ok {
		return nil, false, nil
	}
	if err := r.fetch(ctx, g); err != nil {
		return nil, false, err
	}
	v, ok := g.values[enc]
	return v, ok, nil
}

// ContainsKey fetches the group of key if needed and reports whether the
// key was found.
func (r *Result) ContainsKey(ctx context.Context, key any) (bool, error) {
	_, ok, err := r.Get(ctx, key)
	return ok, err
}

// All iterates over the present keys in request order, fetching group by
// group. Iteration stops at the first failure, reported by Err.
func (r *Result) All(ctx context.Context) iter.Seq2[any, []byte] {
	return func(yield func(any, []byte) bool) {
		for _, g := range r.groups {
			if err := r.fetch(ctx, g); err != nil {
				r.fail(err)
				return
			}
			for i, k := range g.keys {
				v, ok := g.values[g.encs[i]]
				if !ok {
					continue
				}
				if !yield(k, v) {
					return
				}
			}
		}
	}
}

// Keys iterates over the present keys.
func (r *Result) Keys(ctx context.Context) iter.Seq[any] {
	return func(yield func(any) bool) {
		for k := range r.All(ctx) {
			if !yield(k) {
				return
			}
		}
	}
}

// Values iterates over the values of the present keys.
func (r *Result) Values(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, v := range r.All(ctx) {
			if !yield(v) {
				return
			}
		}
	}
}

// Map fetches every group and returns the present entries.
func (r *Result) Map(ctx context.Context) (map[any][]byte, error) {
	out := make(map[any][]byte, len(r.index))
	for k, v := range r.All(ctx) {
		out[k] = v
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
