// Package discovery keeps cluster membership in etcd. Every node writes
// its address under Prefix on a lease and watches the prefix for peers.
package discovery

import (
	"context"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const Prefix = "/zephyr/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// NodeKey is the etcd key holding id's address.
func NodeKey(id string) string { return Prefix + id }

func nodeID(key []byte) (string, bool) {
	id, ok := strings.CutPrefix(string(key), Prefix)
	return id, ok && id != ""
}

// RegisterNode publishes addr for id under a lease of ttl seconds and keeps
// the lease alive until the returned cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, NodeKey(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	kctx, cancel := context.WithCancel(context.Background())
	acks, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range acks {
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns every registered node as id -> addr, plus the revision
// the listing was read at.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := nodeID(kv.Key); ok {
			peers[id] = string(kv.Value)
		}
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full membership once immediately and again
// after every change, until ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, log *zap.Logger, fn func(map[string]string)) error {
	peers, rev, err := GetPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	go func() {
		wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Warn("peer watch failed", zap.Error(err))
				continue
			}
			if apply(peers, resp.Events) {
				fn(maps.Clone(peers))
			}
		}
		log.Debug("peer watch stopped")
	}()
	return nil
}

// apply folds watch events into peers and reports whether anything changed.
func apply(peers map[string]string, evs []*clientv3.Event) bool {
	changed := false
	for _, ev := range evs {
		id, ok := nodeID(ev.Kv.Key)
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}
