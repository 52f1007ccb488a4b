// Package transport carries sync messages and snapshot requests between
// nodes. Two implementations are provided: Hub, an in-memory fabric for
// tests and embedded clusters, and HTTP, which posts CBOR frames to peers.
//
// Both deliver a sender's messages to each receiver in send order, which
// is the only ordering the sync layer relies on.
package transport

import (
	"context"

	"github.com/google/uuid"
)

// InternalChannel is the channel all cluster-internal sync traffic uses.
const InternalChannel = "internal_msg_channel"

// Message is one named message on a logical channel.
type Message struct {
	ID      string `cbor:"id"`
	Channel string `cbor:"channel"`
	Name    string `cbor:"name"`
	Sender  string `cbor:"sender"`
	Payload []byte `cbor:"payload"`
}

// NewMessage stamps a fresh time-ordered id on a message.
func NewMessage(channel, name, sender string, payload []byte) Message {
	return Message{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Channel: channel,
		Name:    name,
		Sender:  sender,
		Payload: payload,
	}
}

// SnapshotRequest asks a peer for its current value of one sync key.
type SnapshotRequest struct {
	Key       string `cbor:"key"`
	Requester string `cbor:"requester,omitempty"`
}

// SnapshotResponse answers a SnapshotRequest. Found is false when the peer
// has no handler for the key, so the requester can fall back immediately.
type SnapshotResponse struct {
	Key     string `cbor:"key"`
	Found   bool   `cbor:"found"`
	Payload []byte `cbor:"payload,omitempty"`
}

// Broadcaster sends a message to every other node. It must not wait for
// delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

// Requester fetches a snapshot from one peer, honouring ctx's deadline.
type Requester interface {
	RequestSnapshot(ctx context.Context, peer string, req SnapshotRequest) (SnapshotResponse, error)
}

// Receiver consumes inbound messages.
type Receiver interface {
	Receive(ctx context.Context, msg Message) error
}

// Responder answers snapshot requests.
type Responder interface {
	Serve(ctx context.Context, req SnapshotRequest) SnapshotResponse
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, msg Message) error

func (f ReceiverFunc) Receive(ctx context.Context, msg Message) error { return f(ctx, msg) }

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req SnapshotRequest) SnapshotResponse

func (f ResponderFunc) Serve(ctx context.Context, req SnapshotRequest) SnapshotResponse {
	return f(ctx, req)
}
