// Package syncproxy replicates the proxy module configuration, a single
// value shared by the whole cluster.
package syncproxy

import (
	"context"
	"errors"

	"github.com/ryandielhenn/zephyrsync/pkg/codec"
	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/router"
	"github.com/ryandielhenn/zephyrsync/pkg/store"
)

const (
	Domain = "syncproxy"
	Key    = datasync.Key("syncproxy-config")

	UpdateConfig = "update_config"

	DefaultTargetGroup = "Proxy"
)

var ConfigType = codec.For[Configuration]("syncproxy.Configuration")

var ErrNoTargetGroup = errors.New("syncproxy: configuration without target group")

type Configuration struct {
	TargetGroup     string `json:"targetGroup"`
	MaintenanceMode bool   `json:"maintenanceMode,omitempty"`
	MaxPlayers      int    `json:"maxPlayers,omitempty"`
}

// Default is the configuration a node falls back to when nobody in the
// cluster has one.
func Default(targetGroup string) Configuration {
	return Configuration{TargetGroup: targetGroup, MaxPlayers: 100}
}

// Manager owns the node's copy of the configuration.
type Manager struct {
	cfg store.Value[Configuration]
}

func NewManager() *Manager { return &Manager{} }

// Configuration returns the current value; the zero value before any load.
func (m *Manager) Configuration() Configuration { return m.cfg.Load() }

// Loaded reports whether a configuration has been applied on this node.
func (m *Manager) Loaded() bool { return m.cfg.Loaded() }

func (m *Manager) set(c Configuration) error {
	if c.TargetGroup == "" {
		return ErrNoTargetGroup
	}
	m.cfg.Store(c)
	return nil
}

// Register adds the singleton handler for Key to reg.
func Register(reg *datasync.Registry, m *Manager) error {
	h, err := datasync.NewHandler(datasync.Config[Configuration]{
		Key:    Key,
		Name:   func(Configuration) string { return "SyncProxy Config" },
		Type:   ConfigType,
		Writer: m.set,
		Mode: datasync.Singleton[Configuration]{
			Get:     m.Configuration,
			Default: func() Configuration { return Default(DefaultTargetGroup) },
		},
		Authoritative: m.Loaded,
	})
	if err != nil {
		return err
	}
	return reg.Register(h)
}

func NewRouter(cfg router.Config) (*router.Router, error) {
	cfg.Domain = Domain
	cfg.Routes = map[string]router.Route{
		UpdateConfig: {Key: Key, Kind: datasync.KindUpdate},
	}
	return router.New(cfg)
}

// Management applies configuration changes made on this node.
type Management struct {
	manager *Manager
	router  *router.Router
}

func NewManagement(m *Manager, r *router.Router) *Management {
	return &Management{manager: m, router: r}
}

func (m *Management) Configuration() Configuration { return m.manager.Configuration() }

// SetConfiguration applies c locally and broadcasts it.
func (m *Management) SetConfiguration(ctx context.Context, c Configuration) error {
	_, err := m.router.Publish(ctx, UpdateConfig, c)
	return err
}
