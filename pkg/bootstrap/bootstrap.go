// Package bootstrap brings a joining node's replicated state up to date by
// pulling a snapshot of each sync key from a reference peer.
package bootstrap

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 4
)

// Picker chooses the peer to ask for key's snapshot.
type Picker func(key datasync.Key) (peer string, ok bool)

type Config struct {
	NodeID      string
	Registry    *datasync.Registry
	Requester   transport.Requester
	Pick        Picker
	Timeout     time.Duration
	Concurrency int
	Logger      *zap.Logger
	Metrics     *telemetry.SyncMetrics
}

// Report lists what happened to each key. A key appears in exactly one list.
type Report struct {
	Restored  []datasync.Key
	Defaulted []datasync.Key
	Stale     []datasync.Key
	// TimedOut is the subset of Defaulted and Stale whose request hit the timeout.
	TimedOut []datasync.Key
}

// Synchronizer runs the join-time pull and answers peers' pulls.
type Synchronizer struct {
	node        string
	registry    *datasync.Registry
	requester   transport.Requester
	pick        Picker
	timeout     time.Duration
	concurrency int
	log         *zap.Logger
	metrics     *telemetry.SyncMetrics
}

func New(cfg Config) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Pick == nil {
		cfg.Pick = func(datasync.Key) (string, bool) { return "", false }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		node:        cfg.NodeID,
		registry:    cfg.Registry,
		requester:   cfg.Requester,
		pick:        cfg.Pick,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		log:         log.Named("bootstrap"),
		metrics:     cfg.Metrics,
	}
}

type outcome struct {
	key      datasync.Key
	result   string
	timedOut bool
}

// Run synchronizes keys, or every registered key that is not
// authoritative when none are given. Failures for individual keys never
// fail Run; they show up in the report. The only error is ctx's.
func (s *Synchronizer) Run(ctx context.Context, keys ...datasync.Key) (Report, error) {
	if len(keys) == 0 {
		for _, k := range s.registry.Keys() {
			if !s.registry.Authoritative(k) {
				keys = append(keys, k)
			}
		}
	}
	results := make([]outcome, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			results[i] = s.sync(gctx, key)
			return nil
		})
	}
	_ = g.Wait()

	var rep Report
	for _, o := range results {
		switch o.result {
		case telemetry.BootstrapRestored:
			rep.Restored = append(rep.Restored, o.key)
		case telemetry.BootstrapDefaulted:
			rep.Defaulted = append(rep.Defaulted, o.key)
		default:
			rep.Stale = append(rep.Stale, o.key)
		}
		if o.timedOut {
			rep.TimedOut = append(rep.TimedOut, o.key)
		}
	}
	for _, l := range [][]datasync.Key{rep.Restored, rep.Defaulted, rep.Stale, rep.TimedOut} {
		slices.Sort(l)
	}
	s.log.Info("bootstrap finished",
		zap.Int("restored", len(rep.Restored)),
		zap.Int("defaulted", len(rep.Defaulted)),
		zap.Int("stale", len(rep.Stale)),
		zap.Int("timed_out", len(rep.TimedOut)))
	return rep, ctx.Err()
}

func (s *Synchronizer) sync(ctx context.Context, key datasync.Key) outcome {
	log := s.log.With(zap.String("key", string(key)))
	peer, ok := s.pick(key)
	if !ok {
		log.Info("no reference node for key")
		return s.fallback(log, key, false)
	}
	log = log.With(zap.String("peer", peer))

	// Updates that reach us while the request is in flight may be missing
	// from the snapshot; Restore replays them over it.
	stop := s.registry.Track(key)
	defer stop()

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, err := s.requester.RequestSnapshot(rctx, peer, transport.SnapshotRequest{Key: string(key), Requester: s.node})
	cancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.Bootstrap(string(key), telemetry.BootstrapTimeout)
		log.Warn("snapshot request timed out", zap.Duration("timeout", s.timeout), zap.Error(datasync.ErrBootstrapTimeout))
		return s.fallback(log, key, true)
	case err != nil:
		log.Warn("snapshot request failed", zap.Error(err))
		return s.fallback(log, key, false)
	case !resp.Found:
		log.Info("reference node has no state for key")
		return s.fallback(log, key, false)
	}

	if _, err := s.registry.Restore(key, resp.Payload); err != nil {
		log.Warn("applying snapshot failed", zap.Error(err))
		return s.fallback(log, key, false)
	}
	s.metrics.Bootstrap(string(key), telemetry.BootstrapRestored)
	log.Debug("restored key from snapshot")
	return outcome{key: key, result: telemetry.BootstrapRestored}
}

func (s *Synchronizer) fallback(log *zap.Logger, key datasync.Key, timedOut bool) outcome {
	ok, err := s.registry.Reset(key)
	switch {
	case err != nil:
		log.Warn("applying default failed, keeping current state", zap.Error(err))
	case ok:
		s.metrics.Bootstrap(string(key), telemetry.BootstrapDefaulted)
		log.Info("applied default state")
		return outcome{key: key, result: telemetry.BootstrapDefaulted, timedOut: timedOut}
	}
	s.metrics.Bootstrap(string(key), telemetry.BootstrapStale)
	return outcome{key: key, result: telemetry.BootstrapStale, timedOut: timedOut}
}

// Serve answers a peer's snapshot request. Unknown keys and singletons
// that were never loaded get an explicit not-found so the requester
// falls back at once instead of adopting a zero value or waiting out its
// timeout.
func (s *Synchronizer) Serve(_ context.Context, req transport.SnapshotRequest) transport.SnapshotResponse {
	resp := transport.SnapshotResponse{Key: req.Key}
	payload, err := s.registry.SnapshotPayload(datasync.Key(req.Key))
	if err != nil {
		switch {
		case errors.Is(err, datasync.ErrUnknownKey), errors.Is(err, datasync.ErrNoState):
			s.log.Debug("no snapshot for key", zap.String("key", req.Key), zap.String("requester", req.Requester), zap.Error(err))
		default:
			s.log.Error("snapshot failed", zap.String("key", req.Key), zap.Error(err))
		}
		return resp
	}
	resp.Found = true
	resp.Payload = payload
	return resp
}
