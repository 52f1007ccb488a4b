package datasync

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
)

// Registry routes operations to the handler registered for their key.
//
// Two lock levels are used. mu guards the handler, lock and journal maps
// and is only held for lookups and (un)registration. Each key additionally
// owns a keyLock that serializes every apply and snapshot for that key, so
// writers for the same key never interleave while different keys proceed
// in parallel. Key locks outlive re-registration so a reloaded handler
// still excludes in-flight operations on its predecessor, and the key's
// sequence keeps counting.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]Handler
	locks    map[Key]*keyLock
	journals map[Key]*journal

	log     *zap.Logger
	metrics *telemetry.SyncMetrics
}

type keyLock struct {
	sync.Mutex
	seq uint64 // guarded by the embedded mutex
}

// journal collects the operations applied to a key while a snapshot for it
// is in flight. ops is guarded by the key lock.
type journal struct {
	ops []Operation
}

// NewRegistry returns an empty registry. A nil logger or metrics disables
// the respective output.
func NewRegistry(log *zap.Logger, metrics *telemetry.SyncMetrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[Key]Handler),
		locks:    make(map[Key]*keyLock),
		journals: make(map[Key]*journal),
		log:      log.Named("datasync"),
		metrics:  metrics,
	}
}

// Register inserts h, replacing any handler already registered for its key.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrConfiguration)
	}
	key := h.Key()
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrConfiguration)
	}
	r.mu.Lock()
	_, replaced := r.handlers[key]
	r.handlers[key] = h
	if _, ok := r.locks[key]; !ok {
		r.locks[key] = new(keyLock)
	}
	n := len(r.handlers)
	r.mu.Unlock()

	r.metrics.SetHandlers(n)
	r.log.Info("registered sync handler",
		zap.String("key", string(key)),
		zap.Stringer("mode", h.Mode()),
		zap.String("type", h.TypeName()),
		zap.Bool("replaced", replaced))
	return nil
}

// Unregister removes the handler for key. Unknown keys are ignored.
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	_, ok := r.handlers[key]
	delete(r.handlers, key)
	n := len(r.handlers)
	r.mu.Unlock()
	if ok {
		r.metrics.SetHandlers(n)
		r.log.Info("unregistered sync handler", zap.String("key", string(key)))
	}
}

// Close unregisters every handler.
func (r *Registry) Close() {
	for _, key := range r.Keys() {
		r.Unregister(key)
	}
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Lookup returns the handler registered for key.
func (r *Registry) Lookup(key Key) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// lock acquires the key lock and resolves the handler while holding it.
// On success the caller owns the key lock and must unlock it.
func (r *Registry) lock(key Key) (Handler, *keyLock, error) {
	r.mu.RLock()
	kl, ok := r.locks[key]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	kl.Lock()
	h, ok := r.Lookup(key)
	if !ok {
		kl.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return h, kl, nil
}

// Handle applies op silently: the handler's writer runs and nothing is
// sent anywhere. This is the path for operations received from peers.
func (r *Registry) Handle(key Key, op Operation) (Change, error) {
	return r.Apply(Remote, key, op, nil)
}

// Apply runs op against the handler for key under the key lock. When then
// is non-nil it runs after a successful apply, still under the lock, so
// callers can emit follow-up messages in apply order. Apply itself never
// emits anything.
func (r *Registry) Apply(origin Origin, key Key, op Operation, then func(Change) error) (Change, error) {
	start := time.Now()
	change, err := r.apply(key, op, then)
	r.metrics.ObserveApply(string(key), op.Kind.String(), origin.String(), result(err), time.Since(start))
	return change, err
}

func (r *Registry) apply(key Key, op Operation, then func(Change) error) (Change, error) {
	h, kl, err := r.lock(key)
	if err != nil {
		return Change{Key: key, Kind: op.Kind}, err
	}
	defer kl.Unlock()
	change, err := h.apply(op)
	if err != nil {
		return change, err
	}
	kl.seq++
	change.Seq = kl.seq
	if j := r.journal(key); j != nil {
		j.ops = append(j.ops, op)
	}
	if then != nil {
		if err := then(change); err != nil {
			return change, err
		}
	}
	return change, nil
}

// Encode serializes v as the payload of a kind operation for key.
func (r *Registry) Encode(key Key, kind Kind, v any) ([]byte, error) {
	h, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return h.encode(kind, v)
}

// Snapshot returns the current value for key: T for singletons, []T for
// collections. It never observes a partially applied operation.
func (r *Registry) Snapshot(key Key) (any, error) {
	h, kl, err := r.lock(key)
	if err != nil {
		return nil, err
	}
	defer kl.Unlock()
	v, _, err := h.snapshot()
	return v, err
}

// SnapshotPayload returns the encoded current value for key, as sent in
// bootstrap responses. A singleton that reports it was never loaded
// yields ErrNoState instead of its zero value.
func (r *Registry) SnapshotPayload(key Key) ([]byte, error) {
	h, kl, err := r.lock(key)
	if err != nil {
		return nil, err
	}
	defer kl.Unlock()
	if !h.hasState() {
		return nil, fmt.Errorf("%w: %q", ErrNoState, key)
	}
	_, payload, err := h.snapshot()
	return payload, err
}

// Track starts recording every operation applied to key, so that a later
// Restore can replay them over the snapshot it installs. Call it before
// requesting the snapshot and call stop once the key is settled, whether
// or not Restore ran.
func (r *Registry) Track(key Key) (stop func()) {
	j := new(journal)
	r.mu.Lock()
	r.journals[key] = j
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if r.journals[key] == j {
			delete(r.journals, key)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) journal(key Key) *journal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.journals[key]
}

// Restore applies a bootstrap payload for key as a silent replace-all.
// Operations recorded by Track since the snapshot was requested are then
// re-applied on top, in their original order, so updates that overtook
// the snapshot response are not lost. Replayed upserts that the snapshot
// already contained are harmless; a replay that fails is logged and
// skipped. Recording ends with the restore.
func (r *Registry) Restore(key Key, payload []byte) (Change, error) {
	start := time.Now()
	change, err := r.restore(key, payload)
	r.metrics.ObserveApply(string(key), KindReplaceAll.String(), Remote.String(), result(err), time.Since(start))
	return change, err
}

func (r *Registry) restore(key Key, payload []byte) (Change, error) {
	h, kl, err := r.lock(key)
	if err != nil {
		return Change{Key: key, Kind: KindReplaceAll}, err
	}
	defer kl.Unlock()
	change, err := h.apply(Operation{Kind: KindReplaceAll, Payload: payload})
	if err != nil {
		return change, err
	}
	kl.seq++
	change.Seq = kl.seq

	var replay []Operation
	r.mu.Lock()
	if j, ok := r.journals[key]; ok {
		replay = j.ops
		delete(r.journals, key)
	}
	r.mu.Unlock()
	for _, op := range replay {
		if _, err := h.apply(op); err != nil {
			r.log.Warn("replaying operation after restore failed",
				zap.String("key", string(key)), zap.Stringer("kind", op.Kind), zap.Error(err))
			continue
		}
		kl.seq++
	}
	if len(replay) > 0 {
		r.log.Debug("replayed operations over snapshot", zap.String("key", string(key)), zap.Int("ops", len(replay)))
	}
	return change, nil
}

// Reset applies the handler's default value, if it has one. It reports
// whether a default was applied.
func (r *Registry) Reset(key Key) (bool, error) {
	h, kl, err := r.lock(key)
	if err != nil {
		return false, err
	}
	defer kl.Unlock()
	ok, err := h.reset()
	if ok {
		kl.seq++
	}
	return ok, err
}

// Authoritative reports whether the handler for key claims to already
// hold current state.
func (r *Registry) Authoritative(key Key) bool {
	h, ok := r.Lookup(key)
	return ok && h.authoritative()
}

func result(err error) string {
	switch {
	case err == nil:
		return telemetry.ResultOK
	case errors.Is(err, ErrUnknownKey):
		return telemetry.ResultUnknown
	case errors.Is(err, ErrDecode):
		return telemetry.ResultDecode
	case errors.Is(err, ErrInvalidOperation):
		return telemetry.ResultRejected
	default:
		return telemetry.ResultFailed
	}
}
