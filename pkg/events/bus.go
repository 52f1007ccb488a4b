// Package events is the in-process bus on which applied changes are
// announced. Nothing published here ever leaves the node.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
)

// Event describes one applied change. Local and remote applies of the
// same operation produce events that differ only in Origin and Seq.
type Event struct {
	Domain string
	Verb   string
	Key    datasync.Key
	Kind   datasync.Kind
	Origin datasync.Origin
	Name   string
	// Value is the applied entity or, for replace-all, the collection.
	Value any
	// Seq is the apply's position among this node's applies of Key.
	Seq uint64
}

// Listener reacts to an event. It runs on the publishing goroutine after
// the key lock has been released, so it may start new mutations. When two
// goroutines apply to the same key, their events can reach listeners in
// either order; a listener that needs apply order should compare Seq.
type Listener func(Event)

// Bus fans events out to listeners in subscription order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	order     []uint64
	next      uint64
	log       *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[uint64]Listener),
		log:       log.Named("events"),
	}
}

// Subscribe adds l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = l
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers ev to every listener. A panicking listener is logged
// and skipped; the remaining listeners still run.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		ls = append(ls, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range ls {
		b.deliver(l, ev)
	}
}

func (b *Bus) deliver(l Listener, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("event listener panicked",
				zap.String("domain", ev.Domain),
				zap.String("verb", ev.Verb),
				zap.Any("panic", p))
		}
	}()
	l(ev)
}

// Len returns the number of subscribed listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
