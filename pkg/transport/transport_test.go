package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Receive(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Name)
	}
	return out
}

type staticPeers map[string]string

func (p staticPeers) Nodes() map[string]string { return p }

func TestHubDeliversInSendOrder(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a", &recorder{}, nil)
	b, c := &recorder{}, &recorder{}
	hub.Join("b", b, nil)
	hub.Join("c", c, nil)

	var want []string
	for i := range 50 {
		name := fmt.Sprintf("permissions_update_group#%d", i)
		want = append(want, name)
		require.NoError(t, a.Broadcast(context.Background(), NewMessage(InternalChannel, name, "a", nil)))
	}
	hub.Wait()

	require.Equal(t, want, b.names())
	require.Equal(t, want, c.names())
	require.EqualValues(t, 50, a.Sent())
}

func TestHubSnapshotRequest(t *testing.T) {
	hub := NewHub()
	hub.Join("coordinator", nil, ResponderFunc(func(_ context.Context, req SnapshotRequest) SnapshotResponse {
		return SnapshotResponse{Key: req.Key, Found: req.Key == "known", Payload: []byte("x")}
	}))
	joiner := hub.Join("joiner", nil, nil)

	resp, err := joiner.RequestSnapshot(context.Background(), "coordinator", SnapshotRequest{Key: "known"})
	require.NoError(t, err)
	require.True(t, resp.Found)

	_, err = joiner.RequestSnapshot(context.Background(), "ghost", SnapshotRequest{Key: "known"})
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestHubSnapshotRequestHonoursDeadline(t *testing.T) {
	hub := NewHub()
	hub.Join("silent", nil, nil)
	joiner := hub.Join("joiner", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := joiner.RequestSnapshot(ctx, "silent", SnapshotRequest{Key: "k"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubLeaveDrainsInbox(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a", nil, nil)
	b := &recorder{}
	hub.Join("b", b, nil)

	require.NoError(t, a.Broadcast(context.Background(), NewMessage(InternalChannel, "x", "a", nil)))
	hub.Leave("b")
	hub.Wait()
	require.Equal(t, []string{"x"}, b.names())

	require.NoError(t, a.Broadcast(context.Background(), NewMessage(InternalChannel, "y", "a", nil)))
	hub.Wait()
	require.Equal(t, []string{"x"}, b.names())
}

type stalled struct {
	release chan struct{}
}

func (s stalled) Receive(context.Context, Message) error {
	<-s.release
	return nil
}

func TestHubBroadcastDoesNotBlockOnFullInbox(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a", nil, nil)
	slow := stalled{release: make(chan struct{})}
	hub.Join("slow", slow, nil)

	done := make(chan error, 1)
	go func() {
		var last error
		for i := 0; i < inboxSize+2; i++ {
			last = a.Broadcast(context.Background(), NewMessage(InternalChannel, "x", "a", nil))
		}
		done <- last
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueFull)
		require.ErrorContains(t, err, "slow")
	case <-time.After(5 * time.Second):
		close(slow.release)
		t.Fatal("broadcast blocked on a full inbox")
	}
	require.GreaterOrEqual(t, a.Dropped(), int64(1))

	// The hub still settles once the receiver catches up.
	close(slow.release)
	hub.Wait()
	require.NoError(t, a.Broadcast(context.Background(), NewMessage(InternalChannel, "y", "a", nil)))
	hub.Wait()
}

func TestHTTPBroadcastAndSnapshot(t *testing.T) {
	got := make(chan Message, 8)
	mux := http.NewServeMux()
	mux.HandleFunc(MessagePath, func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := ReadFrame(r.Body, &msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- msg
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc(SnapshotPath, func(w http.ResponseWriter, r *http.Request) {
		var req SnapshotRequest
		if err := ReadFrame(r.Body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = WriteFrame(w, SnapshotResponse{Key: req.Key, Found: true, Payload: []byte("state")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	peers := staticPeers{
		"self": "127.0.0.1:1",
		"peer": strings.TrimPrefix(srv.URL, "http://"),
	}
	tr := NewHTTP("self", peers, srv.Client(), nil)

	msg := NewMessage(InternalChannel, "permissions_add_group", "self", []byte{1, 2, 3})
	require.NoError(t, tr.Broadcast(context.Background(), msg))
	select {
	case m := <-got:
		require.Equal(t, msg, m)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	resp, err := tr.RequestSnapshot(context.Background(), "peer", SnapshotRequest{Key: "syncproxy-config"})
	require.NoError(t, err)
	require.Equal(t, SnapshotResponse{Key: "syncproxy-config", Found: true, Payload: []byte("state")}, resp)

	_, err = tr.RequestSnapshot(context.Background(), "nobody", SnapshotRequest{Key: "k"})
	require.ErrorIs(t, err, ErrUnknownPeer)

	tr.Close()
	require.ErrorIs(t, tr.Broadcast(context.Background(), msg), ErrClosed)
}

// hang returns a server that accepts message posts and never answers
// them until the client gives up.
func hang(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

// refused returns an address nothing listens on.
func refused(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestHTTPCloseDoesNotWaitOnUnreachablePeers(t *testing.T) {
	peers := staticPeers{"self": "127.0.0.1:1", "hung": hang(t), "down": refused(t)}
	tr := NewHTTP("self", peers, &http.Client{Timeout: time.Minute}, nil)
	for range 5 {
		require.NoError(t, tr.Broadcast(context.Background(), NewMessage(InternalChannel, "permissions_add_group", "self", nil)))
	}
	// Let the senders get into their first post and retry pause.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	tr.Close()
	require.Less(t, time.Since(start), time.Second)
}

func TestHTTPRetiresQueuesOfDepartedPeers(t *testing.T) {
	peers := staticPeers{"self": "127.0.0.1:1", "hung": hang(t), "down": refused(t)}
	tr := NewHTTP("self", peers, &http.Client{Timeout: time.Minute}, nil)
	defer tr.Close()
	msg := NewMessage(InternalChannel, "permissions_add_group", "self", nil)

	require.NoError(t, tr.Broadcast(context.Background(), msg))
	require.Len(t, queued(tr), 2)

	hung := peers["hung"]
	delete(peers, "hung")
	delete(peers, "down")
	require.NoError(t, tr.Broadcast(context.Background(), msg))
	require.Empty(t, queued(tr))

	// A peer that comes back gets a fresh queue.
	peers["hung"] = hung
	require.NoError(t, tr.Broadcast(context.Background(), msg))
	require.Equal(t, []string{hung}, queued(tr))
}

func queued(tr *HTTP) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, 0, len(tr.queues))
	for addr := range tr.queues {
		out = append(out, addr)
	}
	return out
}

func TestHTTPSendStopsRetryingWhenCancelled(t *testing.T) {
	tr := NewHTTP("self", staticPeers{}, nil, nil)
	defer tr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := tr.send(ctx, "http://"+refused(t)+MessagePath, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), retryPause*sendAttempts)
}
