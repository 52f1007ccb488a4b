package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/bootstrap"
	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/events"
	"github.com/ryandielhenn/zephyrsync/pkg/permissions"
	"github.com/ryandielhenn/zephyrsync/pkg/ring"
	"github.com/ryandielhenn/zephyrsync/pkg/router"
	"github.com/ryandielhenn/zephyrsync/pkg/syncproxy"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

// ErrDetached is returned when the node has no transport attached.
var ErrDetached = errors.New("node: no transport attached")

// Transport is what a node needs from the network.
type Transport interface {
	transport.Broadcaster
	transport.Requester
}

type Config struct {
	ID   string
	Addr string
	// Coordinator, when set, is asked for every bootstrap snapshot instead
	// of the ring owner of the key.
	Coordinator      string
	BootstrapTimeout time.Duration
	Ring             *ring.HashRing
	Logger           *zap.Logger
	Metrics          *telemetry.SyncMetrics
}

// Node is one cluster member: its replicated stores, the registry and
// routers that keep them in sync, and the transport that links it to peers.
type Node struct {
	id          string
	addr        string
	coordinator string
	ring        *ring.HashRing

	registry *datasync.Registry
	bus      *events.Bus
	mux      *router.Mux
	sync     *bootstrap.Synchronizer

	permissions *permissions.Management
	proxy       *syncproxy.Management

	mu sync.RWMutex
	tr Transport

	log *zap.Logger
}

func New(cfg Config) (*Node, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("node", cfg.ID))
	if cfg.Ring == nil {
		cfg.Ring = ring.New(128, ring.FNV32a)
	}
	n := &Node{
		id:          cfg.ID,
		addr:        cfg.Addr,
		coordinator: cfg.Coordinator,
		ring:        cfg.Ring,
		registry:    datasync.NewRegistry(log, cfg.Metrics),
		bus:         events.NewBus(log),
		mux:         router.NewMux(log),
		log:         log,
	}
	base := router.Config{
		NodeID:      cfg.ID,
		Registry:    n.registry,
		Bus:         n.bus,
		Broadcaster: n,
		Logger:      log,
		Metrics:     cfg.Metrics,
	}

	perms := permissions.NewStore()
	if err := permissions.Register(n.registry, perms); err != nil {
		return nil, err
	}
	permRouter, err := permissions.NewRouter(base)
	if err != nil {
		return nil, err
	}
	n.permissions = permissions.NewManagement(perms, permRouter)

	proxy := syncproxy.NewManager()
	if err := syncproxy.Register(n.registry, proxy); err != nil {
		return nil, err
	}
	proxyRouter, err := syncproxy.NewRouter(base)
	if err != nil {
		return nil, err
	}
	n.proxy = syncproxy.NewManagement(proxy, proxyRouter)

	for _, r := range []*router.Router{permRouter, proxyRouter} {
		if err := n.mux.Add(r); err != nil {
			return nil, err
		}
	}

	n.sync = bootstrap.New(bootstrap.Config{
		NodeID:    cfg.ID,
		Registry:  n.registry,
		Requester: n,
		Pick:      n.referenceNode,
		Timeout:   cfg.BootstrapTimeout,
		Logger:    log,
		Metrics:   cfg.Metrics,
	})
	return n, nil
}

// Attach sets the transport used for broadcasts and snapshot requests.
func (n *Node) Attach(t Transport) {
	n.mu.Lock()
	n.tr = t
	n.mu.Unlock()
}

func (n *Node) attached() (Transport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.tr == nil {
		return nil, ErrDetached
	}
	return n.tr, nil
}

// Broadcast implements transport.Broadcaster on top of the attached transport.
func (n *Node) Broadcast(ctx context.Context, msg transport.Message) error {
	t, err := n.attached()
	if err != nil {
		return err
	}
	return t.Broadcast(ctx, msg)
}

// RequestSnapshot implements transport.Requester on top of the attached transport.
func (n *Node) RequestSnapshot(ctx context.Context, peer string, req transport.SnapshotRequest) (transport.SnapshotResponse, error) {
	t, err := n.attached()
	if err != nil {
		return transport.SnapshotResponse{}, err
	}
	return t.RequestSnapshot(ctx, peer, req)
}

// Receive implements transport.Receiver.
func (n *Node) Receive(ctx context.Context, msg transport.Message) error {
	return n.mux.Receive(ctx, msg)
}

// Serve implements transport.Responder.
func (n *Node) Serve(ctx context.Context, req transport.SnapshotRequest) transport.SnapshotResponse {
	return n.sync.Serve(ctx, req)
}

// Join pulls current state for every key this node is not authoritative for.
func (n *Node) Join(ctx context.Context) (bootstrap.Report, error) {
	return n.sync.Run(ctx)
}

// Close unregisters every sync handler.
func (n *Node) Close() {
	n.registry.Close()
}

func (n *Node) AddPeer(id string, hostport string) {
	n.ring.Add(id, hostport)
}

func (n *Node) RemovePeer(id string) {
	n.ring.Remove(id)
}

func (n *Node) ClearPeers() {
	n.ring.Clear()
}

// SetPeers replaces the known membership.
func (n *Node) SetPeers(peers map[string]string) {
	n.ring.Replace(peers)
}

func (n *Node) ID() string                           { return n.id }
func (n *Node) Addr() string                         { return n.addr }
func (n *Node) Ring() *ring.HashRing                 { return n.ring }
func (n *Node) Registry() *datasync.Registry         { return n.registry }
func (n *Node) Events() *events.Bus                  { return n.bus }
func (n *Node) Permissions() *permissions.Management { return n.permissions }
func (n *Node) SyncProxy() *syncproxy.Management     { return n.proxy }
func (n *Node) State(key datasync.Key) (any, error)  { return n.registry.Snapshot(key) }
