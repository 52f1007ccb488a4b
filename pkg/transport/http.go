package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/codec"
)

const (
	MessagePath  = "/sync/message"
	SnapshotPath = "/sync/snapshot"
	ContentType  = "application/cbor"

	// maxFrame bounds request and response bodies read off the wire.
	maxFrame = 16 << 20

	queueSize    = 1024
	sendAttempts = 3
	retryPause   = 100 * time.Millisecond
)

// ErrClosed is returned by Broadcast after Close.
var ErrClosed = errors.New("transport: closed")

// PeerSource lists the current peers as id -> host:port.
type PeerSource interface {
	Nodes() map[string]string
}

// HTTP posts CBOR frames to peers. Each peer address gets one ordered
// outbound queue and one sender goroutine. A queue is retired once its
// address leaves the peer list.
type HTTP struct {
	self   string
	peers  PeerSource
	client *http.Client
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*peerQueue
	closed bool
	wg     sync.WaitGroup
}

type peerQueue struct {
	addr   string
	frames chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHTTP returns a transport for node self. A nil client uses a client
// with a 5s timeout.
func NewHTTP(self string, peers PeerSource, client *http.Client, log *zap.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTP{
		self:   self,
		peers:  peers,
		client: client,
		log:    log.Named("transport"),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*peerQueue),
	}
}

// Broadcast frames msg once and queues it for every peer except self.
// A full queue drops the frame for that peer and logs it.
func (t *HTTP) Broadcast(_ context.Context, msg Message) error {
	frame, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: frame %s: %w", msg.Name, err)
	}
	peers := t.peers.Nodes()

	// Sends are non-blocking, so holding mu keeps Close from closing a
	// queue underneath us without stalling other broadcasters.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	live := make(map[string]bool, len(peers))
	for id, addr := range peers {
		if id == t.self {
			continue
		}
		live[addr] = true
		q := t.queue(addr)
		select {
		case q.frames <- frame:
		default:
			t.log.Warn("outbound queue full, dropping message",
				zap.String("peer", id), zap.String("name", msg.Name), zap.String("id", msg.ID))
		}
	}
	for addr, q := range t.queues {
		if !live[addr] {
			t.log.Debug("retiring queue of departed peer", zap.String("peer", addr), zap.Int("dropped", len(q.frames)))
			t.retire(q)
			delete(t.queues, addr)
		}
	}
	return nil
}

// queue must be called with mu held.
func (t *HTTP) queue(addr string) *peerQueue {
	if q, ok := t.queues[addr]; ok {
		return q
	}
	ctx, cancel := context.WithCancel(t.ctx)
	q := &peerQueue{addr: addr, frames: make(chan []byte, queueSize), ctx: ctx, cancel: cancel}
	t.queues[addr] = q
	t.wg.Add(1)
	go t.drain(q)
	return q
}

// retire must be called with mu held. Frames still queued are dropped and
// an in-flight post is aborted.
func (t *HTTP) retire(q *peerQueue) {
	q.cancel()
	close(q.frames)
}

func (t *HTTP) drain(q *peerQueue) {
	defer t.wg.Done()
	url := "http://" + q.addr + MessagePath
	for frame := range q.frames {
		if err := t.send(q.ctx, url, frame); err != nil {
			if q.ctx.Err() != nil {
				return
			}
			t.log.Warn("giving up on message", zap.String("peer", q.addr), zap.Error(err))
		}
	}
}

// send posts frame, retrying with a growing pause between attempts. It
// stops early when ctx is cancelled.
func (t *HTTP) send(ctx context.Context, url string, frame []byte) error {
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = t.post(ctx, url, frame, nil); err == nil {
			return nil
		}
		if attempt == sendAttempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * retryPause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// RequestSnapshot posts req to peer's snapshot endpoint.
func (t *HTTP) RequestSnapshot(ctx context.Context, peer string, req SnapshotRequest) (SnapshotResponse, error) {
	addr, ok := t.peers.Nodes()[peer]
	if !ok {
		return SnapshotResponse{}, fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	}
	body, err := codec.Marshal(req)
	if err != nil {
		return SnapshotResponse{}, err
	}
	var resp SnapshotResponse
	if err := t.post(ctx, "http://"+addr+SnapshotPath, body, &resp); err != nil {
		return SnapshotResponse{}, err
	}
	return resp, nil
}

func (t *HTTP) post(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("X-Zephyr-Node", t.self)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxFrame))
		return fmt.Errorf("transport: %s: status %d", url, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxFrame))
		return nil
	}
	return ReadFrame(resp.Body, out)
}

// Close stops the sender goroutines and waits for them. Frames still
// queued are dropped and in-flight posts are aborted, so Close never
// waits on an unreachable peer.
func (t *HTTP) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cancel()
	for addr, q := range t.queues {
		t.retire(q)
		delete(t.queues, addr)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// ReadFrame decodes one CBOR frame from r into v.
func ReadFrame(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxFrame))
	if err != nil {
		return err
	}
	return codec.Unmarshal(data, v)
}

// WriteFrame encodes v as the CBOR response body.
func WriteFrame(w http.ResponseWriter, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ContentType)
	_, err = w.Write(data)
	return err
}
