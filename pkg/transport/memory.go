package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const inboxSize = 4096

var (
	// ErrUnknownPeer is returned when a request targets a node that is not attached.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrQueueFull is returned by Endpoint.Broadcast when a peer's inbox
	// had no room and the message was dropped for that peer.
	ErrQueueFull = errors.New("transport: peer inbox full")
)

// Hub is an in-memory transport fabric. Each attached Endpoint gets its
// own inbox drained by one goroutine, so messages from one sender reach a
// receiver in send order.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	flight   sync.Mutex
	idle     *sync.Cond
	inflight int
}

func NewHub() *Hub {
	h := &Hub{endpoints: make(map[string]*Endpoint)}
	h.idle = sync.NewCond(&h.flight)
	return h
}

// Join attaches a node. A nil responder simulates a peer that never answers
// snapshot requests.
func (h *Hub) Join(id string, recv Receiver, resp Responder) *Endpoint {
	e := &Endpoint{
		id:    id,
		hub:   h,
		recv:  recv,
		resp:  resp,
		inbox: make(chan Message, inboxSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	if old, ok := h.endpoints[id]; ok {
		old.stop()
	}
	h.endpoints[id] = e
	h.mu.Unlock()
	go e.run()
	return e
}

// Leave detaches a node; messages still in its inbox are delivered first.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	e, ok := h.endpoints[id]
	if ok {
		delete(h.endpoints, id)
		e.stop()
	}
	h.mu.Unlock()
	if ok {
		<-e.done
	}
}

// Wait blocks until every enqueued message has been handled.
func (h *Hub) Wait() {
	h.flight.Lock()
	for h.inflight > 0 {
		h.idle.Wait()
	}
	h.flight.Unlock()
}

func (h *Hub) add() {
	h.flight.Lock()
	h.inflight++
	h.flight.Unlock()
}

func (h *Hub) finish() {
	h.flight.Lock()
	h.inflight--
	if h.inflight == 0 {
		h.idle.Broadcast()
	}
	h.flight.Unlock()
}

// Endpoint is one node's attachment to a Hub. It implements Broadcaster
// and Requester.
type Endpoint struct {
	id    string
	hub   *Hub
	recv  Receiver
	resp  Responder
	inbox chan Message
	done    chan struct{}
	sent    atomic.Int64
	dropped atomic.Int64
}

func (e *Endpoint) ID() string { return e.id }

// Sent returns how many broadcasts this endpoint has originated.
func (e *Endpoint) Sent() int64 { return e.sent.Load() }

// Dropped returns how many deliveries were lost to full inboxes.
func (e *Endpoint) Dropped() int64 { return e.dropped.Load() }

// Broadcast enqueues msg for every other attached node. It never blocks:
// a peer whose inbox is full misses msg, and the returned error names it.
func (e *Endpoint) Broadcast(_ context.Context, msg Message) error {
	e.sent.Add(1)
	e.hub.mu.RLock()
	defer e.hub.mu.RUnlock()
	var errs []error
	for id, peer := range e.hub.endpoints {
		if id == e.id {
			continue
		}
		e.hub.add()
		select {
		case peer.inbox <- msg:
		default:
			e.hub.finish()
			e.dropped.Add(1)
			errs = append(errs, fmt.Errorf("%w: %s dropped %s", ErrQueueFull, id, msg.Name))
		}
	}
	return errors.Join(errs...)
}

// RequestSnapshot asks peer for a snapshot, giving up when ctx is done.
func (e *Endpoint) RequestSnapshot(ctx context.Context, peer string, req SnapshotRequest) (SnapshotResponse, error) {
	e.hub.mu.RLock()
	target, ok := e.hub.endpoints[peer]
	e.hub.mu.RUnlock()
	if !ok {
		return SnapshotResponse{}, fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	}
	if target.resp == nil {
		<-ctx.Done()
		return SnapshotResponse{}, ctx.Err()
	}
	out := make(chan SnapshotResponse, 1)
	go func() { out <- target.resp.Serve(ctx, req) }()
	select {
	case resp := <-out:
		return resp, nil
	case <-ctx.Done():
		return SnapshotResponse{}, ctx.Err()
	}
}

func (e *Endpoint) run() {
	defer close(e.done)
	for msg := range e.inbox {
		if e.recv != nil {
			_ = e.recv.Receive(context.Background(), msg)
		}
		e.hub.finish()
	}
}

// stop is called with hub.mu held for writing, so no Broadcast can be
// sending on inbox concurrently.
func (e *Endpoint) stop() {
	close(e.inbox)
}
