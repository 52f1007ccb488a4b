package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/discovery"
	"github.com/ryandielhenn/zephyrsync/internal/config"
	"github.com/ryandielhenn/zephyrsync/internal/logging"
	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/node"
	"github.com/ryandielhenn/zephyrsync/pkg/ring"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("node stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	telemetry.SetBuildInfo(cfg.Version, cfg.GitSHA)
	log = log.With(zap.String("self", cfg.SelfID))

	// 1. Initialize this node with its routing ring and sync handlers
	n, err := node.New(node.Config{
		ID:               cfg.SelfID,
		Addr:             node.NormalizeHostPort(cfg.SelfAddr, "8080"),
		Coordinator:      cfg.Coordinator,
		BootstrapTimeout: cfg.BootstrapTimeout,
		Ring:             ring.New(128, ring.FNV32a),
		Logger:           log,
		Metrics:          telemetry.Sync,
	})
	if err != nil {
		return err
	}
	defer n.Close()
	n.AddPeer(n.ID(), n.Addr())

	tr := transport.NewHTTP(n.ID(), n.Ring(), nil, log)
	defer tr.Close()
	n.Attach(tr)

	// 2. Serve before joining so peers can reach us as soon as we register
	srv := &http.Server{Addr: cfg.Listen, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("listen", cfg.Listen), zap.String("addr", n.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// 3. Discover peers, register and watch membership
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer cli.Close()
		log.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))

		err = discovery.WatchPeers(ctx, cli, log, func(peers map[string]string) {
			for id, addr := range peers {
				peers[id] = node.NormalizeHostPort(addr, "8080")
			}
			peers[n.ID()] = n.Addr()
			n.SetPeers(peers)
			log.Info("membership changed", zap.Int("peers", len(peers)))
		})
		if err != nil {
			return err
		}

		leaseID, cancel, err := discovery.RegisterNode(ctx, cli, n.ID(), n.Addr(), cfg.LeaseTTL)
		if err != nil {
			return err
		}
		defer func() {
			cancel()
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer rcancel()
			_, _ = cli.Revoke(rctx, leaseID)
		}()
	} else {
		log.Warn("no etcd endpoints, running without discovery")
	}

	// 4. Pull current state for every key we are not authoritative for
	rep, err := n.Join(ctx)
	if err != nil {
		return err
	}
	log.Info("joined cluster",
		zap.Int("restored", len(rep.Restored)),
		zap.Int("defaulted", len(rep.Defaulted)),
		zap.Int("stale", len(rep.Stale)))

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
