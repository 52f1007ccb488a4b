package permissions

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

func TestRegisterAddsBothCollections(t *testing.T) {
	reg := datasync.NewRegistry(nil, nil)
	s := NewStore()
	require.NoError(t, Register(reg, s))

	assert.Equal(t, []datasync.Key{GroupsKey, UsersKey}, reg.Keys())
	for _, k := range reg.Keys() {
		h, ok := reg.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, datasync.ModeCollection, h.Mode())
		assert.False(t, reg.Authoritative(k))
	}

	require.NoError(t, s.putGroup(Group{Name: "admin"}))
	assert.True(t, reg.Authoritative(GroupsKey))
	assert.False(t, reg.Authoritative(UsersKey))
}

func TestStoreRejectsEntitiesWithoutIdentity(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.putUser(User{Name: "nameless"}), ErrInvalid)
	assert.ErrorIs(t, s.putGroup(Group{Potency: 3}), ErrInvalid)
	assert.ErrorIs(t, s.setGroups([]Group{{Name: "a"}, {}}), ErrInvalid)
	assert.Empty(t, s.Groups())

	require.NoError(t, s.setGroups([]Group{{Name: "b"}, {Name: "a"}}))
	gs := s.Groups()
	require.Len(t, gs, 2)
	assert.Equal(t, "a", gs[0].Name)
}

func TestRoutesCoverEveryVerb(t *testing.T) {
	routes := Routes()
	for _, verb := range []string{AddUser, UpdateUser, DeleteUser, AddGroup, UpdateGroup, DeleteGroup, SetGroups} {
		rt, ok := routes[verb]
		require.True(t, ok, verb)
		assert.True(t, rt.Kind.Valid(), verb)
	}
	assert.Len(t, routes, 7)
	assert.Equal(t, datasync.KindReplaceAll, routes[SetGroups].Kind)
	assert.Equal(t, UsersKey, routes[DeleteUser].Key)
}

func TestManagementUserLifecycle(t *testing.T) {
	hub := transport.NewHub()
	stores := map[string]*Store{}
	mgmts := map[string]*Management{}
	for _, id := range []string{"A", "B"} {
		reg := datasync.NewRegistry(nil, nil)
		s := NewStore()
		require.NoError(t, Register(reg, s))
		mux := router.NewMux(nil)
		ep := hub.Join(id, mux, nil)
		r, err := NewRouter(router.Config{NodeID: id, Registry: reg, Bus: events.NewBus(nil), Broadcaster: ep})
		require.NoError(t, err)
		require.NoError(t, mux.Add(r))
		stores[id], mgmts[id] = s, NewManagement(s, r)
	}
	ctx := context.Background()

	u := User{ID: "u1", Name: "alice", Groups: []string{"admin"}}
	require.NoError(t, mgmts["A"].AddUser(ctx, u))
	hub.Wait()
	u.Name = "alice2"
	require.NoError(t, mgmts["B"].UpdateUser(ctx, u))
	hub.Wait()

	for id, s := range stores {
		got, ok := s.User("u1")
		require.True(t, ok, id)
		assert.Equal(t, "alice2", got.Name, id)
		assert.Equal(t, []string{"admin"}, got.Groups, id)
	}

	require.NoError(t, mgmts["A"].DeleteUser(ctx, User{ID: "u1"}))
	require.NoError(t, mgmts["B"].SetGroups(ctx, nil))
	hub.Wait()
	for id, s := range stores {
		assert.Empty(t, s.Users(), id)
		assert.Empty(t, s.Groups(), id)
	}
	assert.Same(t, stores["A"], mgmts["A"].Store())
}
