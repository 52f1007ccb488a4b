package datasync

import "fmt"

// Key identifies one replicated slice of state, e.g. "permissions-groups".
// It is the routing key for pushed updates and bootstrap pulls alike.
type Key string

// Kind is the operation tag.
type Kind uint8

const (
	KindAdd Kind = iota + 1
	KindUpdate
	KindDelete
	KindReplaceAll
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindReplaceAll:
		return "replace_all"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindAdd && k <= KindReplaceAll
}

// Operation is one state change as carried on the wire. Payload holds a
// single encoded entity for add/update/delete and an encoded collection
// for replace-all.
type Operation struct {
	Kind    Kind
	Payload []byte
}

// Origin tells whether a change started on this node or arrived from a peer.
type Origin uint8

const (
	Remote Origin = iota
	Local
)

func (o Origin) String() string {
	if o == Local {
		return "local"
	}
	return "remote"
}

// Change describes an applied operation. Value is the decoded entity (T)
// or collection ([]T). Seq numbers the applies of one key on this node in
// the order they took the key lock, starting at 1.
type Change struct {
	Key   Key
	Kind  Kind
	Name  string
	Value any
	Seq   uint64
}
