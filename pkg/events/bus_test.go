package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
)

func TestPublishOrderAndUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	var got []string
	unA := b.Subscribe(func(Event) { got = append(got, "a") })
	b.Subscribe(func(Event) { got = append(got, "b") })

	b.Publish(Event{Domain: "permissions", Verb: "add_group"})
	require.Equal(t, []string{"a", "b"}, got)

	unA()
	unA()
	got = nil
	b.Publish(Event{Domain: "permissions", Verb: "add_group"})
	require.Equal(t, []string{"b"}, got)
	require.Equal(t, 1, b.Len())
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	b := NewBus(nil)
	var seen datasync.Origin = 99
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(ev Event) { seen = ev.Origin })

	require.NotPanics(t, func() {
		b.Publish(Event{Origin: datasync.Remote})
	})
	require.Equal(t, datasync.Remote, seen)
}

func TestListenerMaySubscribeDuringPublish(t *testing.T) {
	b := NewBus(nil)
	b.Subscribe(func(Event) {
		b.Subscribe(func(Event) {})
	})
	require.NotPanics(t, func() { b.Publish(Event{}) })
	require.Equal(t, 2, b.Len())
}
