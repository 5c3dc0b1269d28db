package roomregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeParticipant struct{ id string }

func (f fakeParticipant) ID() string { return f.id }

func TestNew_DefaultRoomExists(t *testing.T) {
	reg := New()
	room, ok := reg.Get(DefaultRoomID)
	require.True(t, ok)
	assert.Equal(t, DefaultRoomID, room.ID)
}

func TestGetOrCreate_ReturnsSameRoom(t *testing.T) {
	reg := New()

	r1 := reg.GetOrCreate("room-1")
	r2 := reg.GetOrCreate("room-1")

	assert.Same(t, r1, r2)
}

func TestGetOrCreate_EmptyIDFallsBackToDefault(t *testing.T) {
	reg := New()
	room := reg.GetOrCreate("")
	assert.Equal(t, DefaultRoomID, room.ID)
}

func TestGet_UnknownRoomReturnsFalse(t *testing.T) {
	reg := New()
	_, ok := reg.Get("never-created")
	assert.False(t, ok)
}

func TestRoom_AttachDetach(t *testing.T) {
	reg := New()
	room := reg.GetOrCreate("room-2")

	room.Mu.Lock()
	room.Attach(fakeParticipant{id: "user-aaa"})
	room.Attach(fakeParticipant{id: "user-bbb"})
	assert.Equal(t, 2, room.Len())

	members := room.SnapshotMembers()
	room.Mu.Unlock()
	assert.Len(t, members, 2)

	room.Mu.Lock()
	room.Detach("user-aaa")
	assert.Equal(t, 1, room.Len())
	room.Mu.Unlock()
}

func TestRoom_DetachAbsentIsSafe(t *testing.T) {
	reg := New()
	room := reg.GetOrCreate("room-3")

	room.Mu.Lock()
	defer room.Mu.Unlock()
	assert.NotPanics(t, func() {
		room.Detach("never-attached")
	})
}

func TestRoom_DetachFromOneRoomLeavesOtherRoomIntact(t *testing.T) {
	reg := New()
	roomA := reg.GetOrCreate("room-a")
	roomB := reg.GetOrCreate("room-b")

	p := fakeParticipant{id: "user-ccc"}

	roomA.Mu.Lock()
	roomA.Attach(p)
	roomA.Mu.Unlock()

	roomB.Mu.Lock()
	roomB.Attach(p)
	roomB.Mu.Unlock()

	roomA.Mu.Lock()
	roomA.Detach(p.ID())
	roomA.Mu.Unlock()

	roomB.Mu.Lock()
	assert.Equal(t, 1, roomB.Len())
	roomB.Mu.Unlock()
}
