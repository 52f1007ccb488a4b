package store

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Collection is an in-memory set of entities keyed by identity.
// Replace swaps the whole map at once, so readers see either the old or
// the new contents, never a mix.
type Collection[T any] struct {
	mu   sync.RWMutex
	data map[string]T
	id   func(T) string
}

func NewCollection[T any](id func(T) string) *Collection[T] {
	return &Collection[T]{
		data: make(map[string]T),
		id:   id,
	}
}

// ID returns the identity of v.
func (c *Collection[T]) ID(v T) string {
	return c.id(v)
}

// Put inserts or overwrites v and reports whether an entry was replaced.
func (c *Collection[T]) Put(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.id(v)
	_, ok := c.data[k]
	c.data[k] = v
	return ok
}

func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[id]
	return v, ok
}

// Delete removes id and reports whether it was present.
func (c *Collection[T]) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[id]; !ok {
		return false
	}
	delete(c.data, id)
	return true
}

// Values returns every entity ordered by identity.
func (c *Collection[T]) Values() []T {
	c.mu.RLock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, strings.Compare)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.data[k])
	}
	c.mu.RUnlock()
	return out
}

// Replace discards the current contents in favour of vs. Later entries
// win when vs holds duplicate identities.
func (c *Collection[T]) Replace(vs []T) {
	next := make(map[string]T, len(vs))
	for _, v := range vs {
		next[c.id(v)] = v
	}
	c.mu.Lock()
	c.data = next
	c.mu.Unlock()
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Value holds a single value behind an atomic pointer.
type Value[T any] struct {
	p atomic.Pointer[T]
}

// Load returns the stored value, or the zero value if nothing was stored.
func (v *Value[T]) Load() T {
	if p := v.p.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func (v *Value[T]) Store(x T) {
	v.p.Store(&x)
}

// Loaded reports whether Store has been called.
func (v *Value[T]) Loaded() bool {
	return v.p.Load() != nil
}
