// Package router binds wire message names to sync operations for one
// domain and runs both halves of replication: applying messages received
// from peers, and publishing local mutations to them.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/events"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

// Route is what a verb means: which key it targets and how.
type Route struct {
	Key  datasync.Key
	Kind datasync.Kind
}

// Config configures a Router. Routes is the domain's complete verb
// vocabulary; it cannot change after construction.
type Config struct {
	Domain  string
	Channel string // defaults to transport.InternalChannel
	NodeID  string
	Routes  map[string]Route

	Registry    *datasync.Registry
	Bus         *events.Bus
	Broadcaster transport.Broadcaster
	Logger      *zap.Logger
	Metrics     *telemetry.SyncMetrics
}

// Router handles the "<domain>_<verb>" messages of one domain.
type Router struct {
	domain  string
	prefix  string
	channel string
	node    string
	routes  map[string]Route

	registry *datasync.Registry
	bus      *events.Bus
	out      transport.Broadcaster
	log      *zap.Logger
	metrics  *telemetry.SyncMetrics
}

func New(cfg Config) (*Router, error) {
	if cfg.Domain == "" || strings.Contains(cfg.Domain, "_") {
		return nil, fmt.Errorf("%w: router domain %q must be non-empty and contain no '_'", datasync.ErrConfiguration, cfg.Domain)
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("%w: router %s has no routes", datasync.ErrConfiguration, cfg.Domain)
	}
	if cfg.Registry == nil || cfg.Bus == nil || cfg.Broadcaster == nil {
		return nil, fmt.Errorf("%w: router %s needs a registry, bus and broadcaster", datasync.ErrConfiguration, cfg.Domain)
	}
	routes := make(map[string]Route, len(cfg.Routes))
	for verb, rt := range cfg.Routes {
		if verb == "" || rt.Key == "" || !rt.Kind.Valid() {
			return nil, fmt.Errorf("%w: router %s: bad route %q -> %+v", datasync.ErrConfiguration, cfg.Domain, verb, rt)
		}
		routes[verb] = rt
	}
	if cfg.Channel == "" {
		cfg.Channel = transport.InternalChannel
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		domain:   cfg.Domain,
		prefix:   cfg.Domain + "_",
		channel:  cfg.Channel,
		node:     cfg.NodeID,
		routes:   routes,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		out:      cfg.Broadcaster,
		log:      log.Named("router").With(zap.String("domain", cfg.Domain)),
		metrics:  cfg.Metrics,
	}, nil
}

func (r *Router) Domain() string { return r.domain }

// MessageName returns the wire name for verb.
func (r *Router) MessageName(verb string) string { return r.prefix + verb }

// Route resolves a wire message name. Anything outside the vocabulary is
// a protocol violation.
func (r *Router) Route(name string) (Route, string, error) {
	verb, ok := strings.CutPrefix(name, r.prefix)
	if !ok {
		return Route{}, "", fmt.Errorf("%w: %q is not a %s message", datasync.ErrProtocolViolation, name, r.domain)
	}
	rt, ok := r.routes[verb]
	if !ok {
		return Route{}, verb, fmt.Errorf("%w: unhandled %s message %q", datasync.ErrProtocolViolation, r.domain, name)
	}
	return rt, verb, nil
}

// Receive applies a message from a peer. The apply is silent: nothing is
// sent back out, only a local event is raised. Errors are logged and
// returned; the message is dropped and the router stays usable.
func (r *Router) Receive(ctx context.Context, msg transport.Message) error {
	if msg.Channel != r.channel {
		return nil
	}
	if r.node != "" && msg.Sender == r.node {
		r.log.Debug("ignoring own message", zap.String("id", msg.ID), zap.String("name", msg.Name))
		return nil
	}
	rt, verb, err := r.Route(msg.Name)
	if err != nil {
		r.drop(msg, telemetry.ResultProtocol, err)
		return err
	}
	_, err = r.apply(ctx, datasync.Remote, verb, rt, msg.Payload)
	if err != nil {
		r.drop(msg, reason(err), err)
	}
	return err
}

// Publish performs a local mutation: the value is applied to the store,
// one message is broadcast to the cluster, and a local event is raised.
// Store rejections are returned to the caller.
func (r *Router) Publish(ctx context.Context, verb string, value any) (datasync.Change, error) {
	rt, ok := r.routes[verb]
	if !ok {
		return datasync.Change{}, fmt.Errorf("%w: unhandled %s verb %q", datasync.ErrProtocolViolation, r.domain, verb)
	}
	payload, err := r.registry.Encode(rt.Key, rt.Kind, value)
	if err != nil {
		return datasync.Change{Key: rt.Key, Kind: rt.Kind}, err
	}
	return r.apply(ctx, datasync.Local, verb, rt, payload)
}

// apply is shared by both paths; only Local origin broadcasts.
func (r *Router) apply(ctx context.Context, origin datasync.Origin, verb string, rt Route, payload []byte) (datasync.Change, error) {
	var then func(datasync.Change) error
	if origin == datasync.Local {
		name := r.MessageName(verb)
		then = func(datasync.Change) error {
			// Sent under the key lock so peers see local writes in apply order.
			msg := transport.NewMessage(r.channel, name, r.node, payload)
			if err := r.out.Broadcast(ctx, msg); err != nil {
				r.log.Error("broadcast failed", zap.String("name", name), zap.Error(err))
				return nil
			}
			r.metrics.Broadcast(r.channel, name)
			return nil
		}
	}
	change, err := r.registry.Apply(origin, rt.Key, datasync.Operation{Kind: rt.Kind, Payload: payload}, then)
	if err != nil {
		return change, err
	}
	r.bus.Publish(events.Event{
		Domain: r.domain,
		Verb:   verb,
		Key:    change.Key,
		Kind:   change.Kind,
		Origin: origin,
		Name:   change.Name,
		Value:  change.Value,
		Seq:    change.Seq,
	})
	return change, nil
}

func (r *Router) drop(msg transport.Message, why string, err error) {
	r.metrics.Dropped(r.domain, why)
	fields := []zap.Field{
		zap.String("id", msg.ID),
		zap.String("name", msg.Name),
		zap.String("sender", msg.Sender),
		zap.Error(err),
	}
	if why == telemetry.ResultFailed {
		r.log.Error("dropping message", fields...)
		return
	}
	r.log.Warn("dropping message", fields...)
}

func reason(err error) string {
	switch {
	case errors.Is(err, datasync.ErrUnknownKey):
		return telemetry.ResultUnknown
	case errors.Is(err, datasync.ErrDecode):
		return telemetry.ResultDecode
	case errors.Is(err, datasync.ErrInvalidOperation):
		return telemetry.ResultRejected
	default:
		return telemetry.ResultFailed
	}
}
