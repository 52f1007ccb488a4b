// Package permissions replicates permission users and groups across the
// cluster. Both are collections: users are addressed by id, groups by name.
package permissions

import (
	"context"
	"errors"
	"fmt"

	"github.com/ryandielhenn/zephyrsync/pkg/codec"
	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/router"
	"github.com/ryandielhenn/zephyrsync/pkg/store"
)

const (
	Domain = "permissions"

	UsersKey  datasync.Key = "permissions-users"
	GroupsKey datasync.Key = "permissions-groups"
)

// Verbs.
const (
	AddUser     = "add_user"
	UpdateUser  = "update_user"
	DeleteUser  = "delete_user"
	AddGroup    = "add_group"
	UpdateGroup = "update_group"
	DeleteGroup = "delete_group"
	SetGroups   = "set_groups"
)

var (
	UserType  = codec.For[User]("permissions.User")
	GroupType = codec.For[Group]("permissions.Group")
)

// ErrInvalid is returned by the store for entities without an identity.
var ErrInvalid = errors.New("permissions: invalid entity")

type Permission struct {
	Name    string `json:"name"`
	Potency int    `json:"potency,omitempty"`
}

type User struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Groups      []string     `json:"groups,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

type Group struct {
	Name        string       `json:"name"`
	Potency     int          `json:"potency,omitempty"`
	Default     bool         `json:"default,omitempty"`
	Inherits    []string     `json:"inherits,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// Routes is the closed verb vocabulary of the permissions domain.
func Routes() map[string]router.Route {
	return map[string]router.Route{
		AddUser:     {Key: UsersKey, Kind: datasync.KindAdd},
		UpdateUser:  {Key: UsersKey, Kind: datasync.KindUpdate},
		DeleteUser:  {Key: UsersKey, Kind: datasync.KindDelete},
		AddGroup:    {Key: GroupsKey, Kind: datasync.KindAdd},
		UpdateGroup: {Key: GroupsKey, Kind: datasync.KindUpdate},
		DeleteGroup: {Key: GroupsKey, Kind: datasync.KindDelete},
		SetGroups:   {Key: GroupsKey, Kind: datasync.KindReplaceAll},
	}
}

// NewRouter builds the permissions router from the shared dependencies in cfg.
func NewRouter(cfg router.Config) (*router.Router, error) {
	cfg.Domain = Domain
	cfg.Routes = Routes()
	return router.New(cfg)
}

// Store holds the node's copy of users and groups. Its mutators never
// broadcast; they are the writers behind the sync handlers.
type Store struct {
	users  *store.Collection[User]
	groups *store.Collection[Group]
}

func NewStore() *Store {
	return &Store{
		users:  store.NewCollection(func(u User) string { return u.ID }),
		groups: store.NewCollection(func(g Group) string { return g.Name }),
	}
}

func (s *Store) Users() []User   { return s.users.Values() }
func (s *Store) Groups() []Group { return s.groups.Values() }

func (s *Store) User(id string) (User, bool)     { return s.users.Get(id) }
func (s *Store) Group(name string) (Group, bool) { return s.groups.Get(name) }

func (s *Store) putUser(u User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user without id", ErrInvalid)
	}
	s.users.Put(u)
	return nil
}

func (s *Store) putGroup(g Group) error {
	if g.Name == "" {
		return fmt.Errorf("%w: group without name", ErrInvalid)
	}
	s.groups.Put(g)
	return nil
}

func (s *Store) setGroups(gs []Group) error {
	for _, g := range gs {
		if g.Name == "" {
			return fmt.Errorf("%w: group without name", ErrInvalid)
		}
	}
	s.groups.Replace(gs)
	return nil
}

// Register adds the users and groups handlers to reg.
func Register(reg *datasync.Registry, s *Store) error {
	users, err := datasync.NewHandler(datasync.Config[User]{
		Key:    UsersKey,
		Name:   func(u User) string { return "user " + u.Name },
		Type:   UserType,
		Writer: s.putUser,
		Mode: datasync.Collection[User]{
			Values: s.users.Values,
			Remove: func(u User) error {
				s.users.Delete(u.ID)
				return nil
			},
			ReplaceAll: func(us []User) error {
				for _, u := range us {
					if u.ID == "" {
						return fmt.Errorf("%w: user without id", ErrInvalid)
					}
				}
				s.users.Replace(us)
				return nil
			},
		},
		Authoritative: func() bool { return s.users.Len() > 0 },
	})
	if err != nil {
		return err
	}
	groups, err := datasync.NewHandler(datasync.Config[Group]{
		Key:    GroupsKey,
		Name:   func(g Group) string { return "group " + g.Name },
		Type:   GroupType,
		Writer: s.putGroup,
		Mode: datasync.Collection[Group]{
			Values: s.groups.Values,
			Remove: func(g Group) error {
				s.groups.Delete(g.Name)
				return nil
			},
			ReplaceAll: s.setGroups,
		},
		Authoritative: func() bool { return s.groups.Len() > 0 },
	})
	if err != nil {
		return err
	}
	if err := reg.Register(users); err != nil {
		return err
	}
	return reg.Register(groups)
}

// Management is the administrative entry point. Every call is a local
// mutation: applied here, then broadcast to the cluster.
type Management struct {
	store  *Store
	router *router.Router
}

func NewManagement(s *Store, r *router.Router) *Management {
	return &Management{store: s, router: r}
}

func (m *Management) Store() *Store { return m.store }

func (m *Management) AddUser(ctx context.Context, u User) error {
	_, err := m.router.Publish(ctx, AddUser, u)
	return err
}

func (m *Management) UpdateUser(ctx context.Context, u User) error {
	_, err := m.router.Publish(ctx, UpdateUser, u)
	return err
}

func (m *Management) DeleteUser(ctx context.Context, u User) error {
	_, err := m.router.Publish(ctx, DeleteUser, u)
	return err
}

func (m *Management) AddGroup(ctx context.Context, g Group) error {
	_, err := m.router.Publish(ctx, AddGroup, g)
	return err
}

func (m *Management) UpdateGroup(ctx context.Context, g Group) error {
	_, err := m.router.Publish(ctx, UpdateGroup, g)
	return err
}

func (m *Management) DeleteGroup(ctx context.Context, g Group) error {
	_, err := m.router.Publish(ctx, DeleteGroup, g)
	return err
}

func (m *Management) SetGroups(ctx context.Context, gs []Group) error {
	if gs == nil {
		gs = []Group{}
	}
	_, err := m.router.Publish(ctx, SetGroups, gs)
	return err
}
