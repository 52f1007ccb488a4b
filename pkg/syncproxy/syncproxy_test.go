package syncproxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/events"
	"github.com/ryandielhenn/zephyrsync/pkg/router"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

func TestRegisterSingletonWithDefault(t *testing.T) {
	reg := datasync.NewRegistry(nil, nil)
	m := NewManager()
	require.NoError(t, Register(reg, m))

	h, ok := reg.Lookup(Key)
	require.True(t, ok)
	assert.Equal(t, datasync.ModeSingleton, h.Mode())
	assert.False(t, reg.Authoritative(Key))
	assert.False(t, m.Loaded())

	applied, err := reg.Reset(Key)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, Default(DefaultTargetGroup), m.Configuration())
	assert.True(t, reg.Authoritative(Key))
}

func TestSingletonRejectsDelete(t *testing.T) {
	reg := datasync.NewRegistry(nil, nil)
	require.NoError(t, Register(reg, NewManager()))
	_, err := reg.Encode(Key, datasync.KindDelete, Configuration{TargetGroup: "x"})
	assert.ErrorIs(t, err, datasync.ErrInvalidOperation)
}

func TestSetConfigurationReplicates(t *testing.T) {
	hub := transport.NewHub()
	managers := map[string]*Manager{}
	var mgmt *Management
	for _, id := range []string{"A", "B", "C"} {
		reg := datasync.NewRegistry(nil, nil)
		m := NewManager()
		require.NoError(t, Register(reg, m))
		mux := router.NewMux(nil)
		ep := hub.Join(id, mux, nil)
		r, err := NewRouter(router.Config{NodeID: id, Registry: reg, Bus: events.NewBus(nil), Broadcaster: ep})
		require.NoError(t, err)
		require.NoError(t, mux.Add(r))
		managers[id] = m
		if id == "A" {
			mgmt = NewManagement(m, r)
		}
	}

	want := Configuration{TargetGroup: "Lobby", MaintenanceMode: true, MaxPlayers: 20}
	require.NoError(t, mgmt.SetConfiguration(context.Background(), want))
	hub.Wait()
	for id, m := range managers {
		assert.Equal(t, want, m.Configuration(), id)
	}
	assert.Equal(t, want, mgmt.Configuration())

	err := mgmt.SetConfiguration(context.Background(), Configuration{MaxPlayers: 1})
	assert.ErrorIs(t, err, ErrNoTargetGroup)
	assert.Equal(t, want, managers["A"].Configuration())
}
