package datasync

import (
	"errors"

	"github.com/ryandielhenn/zephyrsync/pkg/codec"
)

// Every error returned by this package wraps one of these. None of them
// is fatal to the node; each is scoped to the call or message that caused it.
var (
	// ErrConfiguration rejects a handler at registration time.
	ErrConfiguration = errors.New("datasync: invalid handler configuration")
	// ErrUnknownKey is returned for a key with no registered handler.
	ErrUnknownKey = errors.New("datasync: unknown sync key")
	// ErrProtocolViolation is returned for a message name outside a router's vocabulary.
	ErrProtocolViolation = errors.New("datasync: protocol violation")
	// ErrDecode is returned for a payload that cannot be decoded.
	ErrDecode = codec.ErrDecode
	// ErrInvalidOperation is returned for an operation the handler's mode
	// does not support, such as DELETE against a singleton.
	ErrInvalidOperation = errors.New("datasync: invalid operation for handler mode")
	// ErrNoState is returned when a singleton asked for a snapshot has
	// never been loaded, so it has nothing worth sending.
	ErrNoState = errors.New("datasync: no state to snapshot")
	// ErrBootstrapTimeout reports that no snapshot arrived in time.
	ErrBootstrapTimeout = errors.New("datasync: bootstrap timeout")
)
