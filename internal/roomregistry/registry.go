// Package roomregistry maintains the process-wide roomId -> Room map. It
// does not itself serialize room mutations; callers (the coordinator) are
// responsible for taking a room's Lock before attaching, detaching, or
// otherwise mutating its participant set.
package roomregistry

import (
	"sync"

	"github.com/confrelay/signaling-core/internal/metrics"
)

// DefaultRoomID is created at process start and is never reaped.
const DefaultRoomID = "default-room"

// Participant is the subset of participant state the registry needs to
// hold a weak reference to. The coordinator owns the concrete type; the
// registry only stores and iterates over it.
type Participant interface {
	ID() string
}

// Room holds an unordered set of participants keyed by participant id. Its
// Mu must be held by callers across any read-then-write sequence (e.g.
// "attach if not already a member").
type Room struct {
	ID string
	Mu sync.Mutex

	members map[string]Participant
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: make(map[string]Participant)}
}

// Attach adds a participant to the room, replacing any prior entry for the
// same id. Callers must hold Mu.
func (r *Room) Attach(p Participant) {
	r.members[p.ID()] = p
	metrics.RoomParticipants.WithLabelValues(r.ID).Set(float64(len(r.members)))
}

// Detach removes a participant from the room. Safe when absent. Callers
// must hold Mu.
func (r *Room) Detach(participantID string) {
	delete(r.members, participantID)
	metrics.RoomParticipants.WithLabelValues(r.ID).Set(float64(len(r.members)))
}

// Len reports the current member count. Callers must hold Mu.
func (r *Room) Len() int {
	return len(r.members)
}

// SnapshotMembers returns an iteration-safe copy of the room's current
// members. Callers must hold Mu while calling this if they need the
// snapshot to reflect a specific point in a larger mutation sequence;
// the copy itself is safe to range over without further locking.
func (r *Room) SnapshotMembers() []Participant {
	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	return out
}

// Registry is the process-wide roomId -> Room map.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// New creates a Registry with the default room already present.
func New() *Registry {
	reg := &Registry{rooms: make(map[string]*Room)}
	reg.rooms[DefaultRoomID] = newRoom(DefaultRoomID)
	metrics.ActiveRooms.Inc()
	return reg
}

// GetOrCreate returns the existing room for roomID or creates a new empty
// one and registers it.
func (reg *Registry) GetOrCreate(roomID string) *Room {
	if roomID == "" {
		roomID = DefaultRoomID
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[roomID]; ok {
		return room
	}

	room := newRoom(roomID)
	reg.rooms[roomID] = room
	metrics.ActiveRooms.Inc()
	return room
}

// Get returns the room for roomID if it exists, without creating it.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}
