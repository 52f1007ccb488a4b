package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

// Mux fans inbound messages out to the router owning their domain prefix.
// Messages for domains nobody registered are not ours and are ignored.
type Mux struct {
	mu      sync.RWMutex
	routers map[string]*Router
	log     *zap.Logger
}

func NewMux(log *zap.Logger) *Mux {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mux{routers: make(map[string]*Router), log: log.Named("mux")}
}

// Add registers r. A second router for the same domain is rejected.
func (m *Mux) Add(r *Router) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routers[r.Domain()]; ok {
		return fmt.Errorf("%w: duplicate router for domain %q", datasync.ErrConfiguration, r.Domain())
	}
	m.routers[r.Domain()] = r
	return nil
}

// Get returns the router for domain.
func (m *Mux) Get(domain string) (*Router, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routers[domain]
	return r, ok
}

// Domains lists the registered domains in sorted order.
func (m *Mux) Domains() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.routers))
	for d := range m.routers {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Receive implements transport.Receiver.
func (m *Mux) Receive(ctx context.Context, msg transport.Message) error {
	domain, _, _ := strings.Cut(msg.Name, "_")
	r, ok := m.Get(domain)
	if !ok {
		m.log.Debug("no router for message", zap.String("name", msg.Name), zap.String("channel", msg.Channel))
		return nil
	}
	return r.Receive(ctx, msg)
}
