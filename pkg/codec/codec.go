// Package codec turns replicated entities into wire payloads and back.
//
// Every payload is a small CBOR envelope naming the type descriptor it was
// produced with, so a receiver can reject a payload meant for another
// handler instead of decoding garbage into its store.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode marks a payload that could not be turned back into an entity.
var ErrDecode = errors.New("decode error")

// encMode uses Core Deterministic Encoding so the same value always
// produces the same bytes.
var encMode cbor.EncMode

// decMode decodes any-typed targets into map[string]any, matching what
// encoding/json would produce for the admin API.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the deterministic encoder.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Failures wrap ErrDecode.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

type envelope struct {
	Type string          `cbor:"type"`
	Many bool            `cbor:"many,omitempty"`
	Data cbor.RawMessage `cbor:"data"`
}

// Type is the descriptor for one entity type T. Name is carried on the
// wire and must be stable across the cluster.
type Type[T any] struct {
	name string
}

// For returns the descriptor for T under the given wire name.
func For[T any](name string) *Type[T] {
	return &Type[T]{name: name}
}

// Name returns the wire name of the descriptor.
func (t *Type[T]) Name() string { return t.name }

// Encode wraps a single value into an envelope.
func (t *Type[T]) Encode(v T) ([]byte, error) {
	return t.encode(v, false)
}

// EncodeAll wraps a collection into an envelope. A nil slice is encoded as
// an empty collection.
func (t *Type[T]) EncodeAll(vs []T) ([]byte, error) {
	if vs == nil {
		vs = []T{}
	}
	return t.encode(vs, true)
}

func (t *Type[T]) encode(v any, many bool) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", t.name, err)
	}
	return encMode.Marshal(envelope{Type: t.name, Many: many, Data: data})
}

// Decode unwraps a single value.
func (t *Type[T]) Decode(payload []byte) (T, error) {
	var out T
	data, err := t.open(payload, false)
	if err != nil {
		return out, err
	}
	if err := decMode.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrDecode, t.name, err)
	}
	return out, nil
}

// DecodeAll unwraps a collection.
func (t *Type[T]) DecodeAll(payload []byte) ([]T, error) {
	data, err := t.open(payload, true)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, t.name, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func (t *Type[T]) open(payload []byte, many bool) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrDecode, t.name)
	}
	var env envelope
	if err := decMode.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, t.name, err)
	}
	if env.Type != t.name {
		return nil, fmt.Errorf("%w: unknown type descriptor %q (want %q)", ErrDecode, env.Type, t.name)
	}
	if env.Many != many {
		return nil, fmt.Errorf("%w: %s: collection=%v payload, want collection=%v", ErrDecode, t.name, env.Many, many)
	}
	return env.Data, nil
}
