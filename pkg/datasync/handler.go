package datasync

import (
	"fmt"

	"github.com/ryandielhenn/zephyrsync/pkg/codec"
)

// ModeKind is the shape of the state a handler replicates.
type ModeKind uint8

const (
	ModeSingleton ModeKind = iota + 1
	ModeCollection
)

func (m ModeKind) String() string {
	switch m {
	case ModeSingleton:
		return "singleton"
	case ModeCollection:
		return "collection"
	default:
		return "invalid"
	}
}

// Mode is either Singleton[T] or Collection[T]. The set is closed.
type Mode[T any] interface {
	modeKind() ModeKind
}

// Singleton replicates exactly one value.
type Singleton[T any] struct {
	// Get returns the current value. Required.
	Get func() T
	// Default builds the value used when bootstrap finds nothing. Optional.
	Default func() T
}

func (Singleton[T]) modeKind() ModeKind { return ModeSingleton }

// Collection replicates a set of entities addressed by identity. Adds and
// updates go through Config.Writer.
type Collection[T any] struct {
	// Values returns every entity currently held. Required.
	Values func() []T
	// Remove deletes the entity with the identity of its argument. Required.
	Remove func(T) error
	// ReplaceAll swaps the whole collection in one step. Required.
	ReplaceAll func([]T) error
}

func (Collection[T]) modeKind() ModeKind { return ModeCollection }

// Config describes how one key is replicated. Every field except Name and
// Authoritative is required.
type Config[T any] struct {
	Key Key
	// Name labels a value in logs. Defaults to the key.
	Name func(T) string
	// Type selects the wire codec.
	Type *codec.Type[T]
	// Writer applies a value to the local store without broadcasting it.
	Writer func(T) error
	Mode   Mode[T]
	// Authoritative reports whether this node already holds state worth
	// keeping; bootstrap skips such keys. Nil means never.
	Authoritative func() bool
}

// Handler is a validated, type-erased Config. Build one with NewHandler.
type Handler interface {
	Key() Key
	Mode() ModeKind
	TypeName() string
	// Describe returns the diagnostic name of an entity or collection.
	Describe(v any) string

	apply(op Operation) (Change, error)
	encode(kind Kind, v any) ([]byte, error)
	snapshot() (any, []byte, error)
	reset() (bool, error)
	authoritative() bool
	hasState() bool
}

// NewHandler validates cfg. Invalid combinations are rejected here rather
// than discovered when the first message arrives.
func NewHandler[T any](cfg Config[T]) (Handler, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrConfiguration)
	}
	if cfg.Type == nil {
		return nil, fmt.Errorf("%w: %s: missing entity type", ErrConfiguration, cfg.Key)
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("%w: %s: missing writer", ErrConfiguration, cfg.Key)
	}
	h := &handler[T]{cfg: cfg}
	switch m := cfg.Mode.(type) {
	case Singleton[T]:
		if m.Get == nil {
			return nil, fmt.Errorf("%w: %s: singleton without getter", ErrConfiguration, cfg.Key)
		}
		h.single = &m
	case Collection[T]:
		if m.Values == nil || m.Remove == nil || m.ReplaceAll == nil {
			return nil, fmt.Errorf("%w: %s: collection needs values, remove and replace-all", ErrConfiguration, cfg.Key)
		}
		h.coll = &m
	case nil:
		return nil, fmt.Errorf("%w: %s: missing mode", ErrConfiguration, cfg.Key)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported mode %T", ErrConfiguration, cfg.Key, cfg.Mode)
	}
	return h, nil
}

type handler[T any] struct {
	cfg    Config[T]
	single *Singleton[T]
	coll   *Collection[T]
}

func (h *handler[T]) Key() Key { return h.cfg.Key }

func (h *handler[T]) Mode() ModeKind {
	if h.single != nil {
		return ModeSingleton
	}
	return ModeCollection
}

func (h *handler[T]) TypeName() string { return h.cfg.Type.Name() }

func (h *handler[T]) Describe(v any) string {
	switch x := v.(type) {
	case T:
		if h.cfg.Name != nil {
			return h.cfg.Name(x)
		}
	case []T:
		return fmt.Sprintf("%s (%d entries)", h.cfg.Key, len(x))
	}
	return string(h.cfg.Key)
}

func (h *handler[T]) apply(op Operation) (Change, error) {
	change := Change{Key: h.cfg.Key, Kind: op.Kind}
	switch op.Kind {
	case KindAdd, KindUpdate:
		v, err := h.cfg.Type.Decode(op.Payload)
		if err != nil {
			return change, err
		}
		if err := h.cfg.Writer(v); err != nil {
			return change, h.writeErr(op.Kind, err)
		}
		change.Value, change.Name = v, h.Describe(v)
	case KindDelete:
		if h.single != nil {
			return change, fmt.Errorf("%w: %s on singleton %s", ErrInvalidOperation, op.Kind, h.cfg.Key)
		}
		v, err := h.cfg.Type.Decode(op.Payload)
		if err != nil {
			return change, err
		}
		if err := h.coll.Remove(v); err != nil {
			return change, h.writeErr(op.Kind, err)
		}
		change.Value, change.Name = v, h.Describe(v)
	case KindReplaceAll:
		if h.single != nil {
			v, err := h.cfg.Type.Decode(op.Payload)
			if err != nil {
				return change, err
			}
			if err := h.cfg.Writer(v); err != nil {
				return change, h.writeErr(op.Kind, err)
			}
			change.Value, change.Name = v, h.Describe(v)
			return change, nil
		}
		vs, err := h.cfg.Type.DecodeAll(op.Payload)
		if err != nil {
			return change, err
		}
		if err := h.coll.ReplaceAll(vs); err != nil {
			return change, h.writeErr(op.Kind, err)
		}
		change.Value, change.Name = vs, h.Describe(vs)
	default:
		return change, fmt.Errorf("%w: %s on %s", ErrInvalidOperation, op.Kind, h.cfg.Key)
	}
	return change, nil
}

func (h *handler[T]) writeErr(kind Kind, err error) error {
	return fmt.Errorf("datasync: %s %s: %w", h.cfg.Key, kind, err)
}

func (h *handler[T]) encode(kind Kind, v any) ([]byte, error) {
	if kind == KindDelete && h.single != nil {
		return nil, fmt.Errorf("%w: %s on singleton %s", ErrInvalidOperation, kind, h.cfg.Key)
	}
	if kind == KindReplaceAll && h.coll != nil {
		vs, ok := v.([]T)
		if !ok {
			return nil, fmt.Errorf("%w: %s: replace-all needs %T, got %T", ErrConfiguration, h.cfg.Key, []T(nil), v)
		}
		return h.cfg.Type.EncodeAll(vs)
	}
	x, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %s needs %T, got %T", ErrConfiguration, h.cfg.Key, kind, x, v)
	}
	return h.cfg.Type.Encode(x)
}

func (h *handler[T]) snapshot() (any, []byte, error) {
	if h.single != nil {
		v := h.single.Get()
		payload, err := h.cfg.Type.Encode(v)
		return v, payload, err
	}
	vs := h.coll.Values()
	payload, err := h.cfg.Type.EncodeAll(vs)
	return vs, payload, err
}

func (h *handler[T]) reset() (bool, error) {
	if h.single == nil || h.single.Default == nil {
		return false, nil
	}
	if err := h.cfg.Writer(h.single.Default()); err != nil {
		return false, h.writeErr(KindReplaceAll, err)
	}
	return true, nil
}

func (h *handler[T]) authoritative() bool {
	return h.cfg.Authoritative != nil && h.cfg.Authoritative()
}

// hasState is false only for a singleton that says it was never loaded;
// its getter would return a zero value. An empty collection is still state.
func (h *handler[T]) hasState() bool {
	return h.single == nil || h.cfg.Authoritative == nil || h.cfg.Authoritative()
}
