package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/echorelay/internal/repository"
)

// Rooms holds the many-to-many membership edges between connections and
// rooms, indexed both ways so LeaveAll and ConnectionsInRoom are cheap.
type Rooms struct {
	membership repository.MembershipRepository

	mu      sync.RWMutex
	members map[RoomKey]map[ConnID]struct{}
	joined  map[ConnID]map[RoomKey]struct{}
}

func NewRooms(membership repository.MembershipRepository) *Rooms {
	return &Rooms{
		membership: membership,
		members:    make(map[RoomKey]map[ConnID]struct{}),
		joined:     make(map[ConnID]map[RoomKey]struct{}),
	}
}

// Join authorizes userID for room against the membership store and, only
// if allowed, records the edge. The store call happens outside the lock.
func (r *Rooms) Join(ctx context.Context, id ConnID, userID uuid.UUID, room RoomKey) error {
	if err := r.authorize(ctx, userID, room); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.members[room]
	if !ok {
		conns = make(map[ConnID]struct{})
		r.members[room] = conns
	}
	conns[id] = struct{}{}

	rooms, ok := r.joined[id]
	if !ok {
		rooms = make(map[RoomKey]struct{})
		r.joined[id] = rooms
	}
	rooms[room] = struct{}{}
	return nil
}

func (r *Rooms) authorize(ctx context.Context, userID uuid.UUID, room RoomKey) error {
	var (
		allowed bool
		err     error
	)
	switch room.Kind {
	case RoomChannel:
		allowed, err = r.membership.IsMember(ctx, room.ID, userID)
	case RoomWorkspace:
		allowed, err = r.membership.IsWorkspaceMember(ctx, room.ID, userID)
	default:
		return validationError("unknown room kind %q", room.Kind)
	}
	if err != nil {
		return persistenceError(fmt.Errorf("authorize %s: %w", room, err), "could not verify membership")
	}
	if !allowed {
		return deniedError("not a member of %s", room)
	}
	return nil
}

// Leave is idempotent.
func (r *Rooms) Leave(id ConnID, room RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id, room)
}

// LeaveAll drops every edge of the connection and returns the rooms it was in.
func (r *Rooms) LeaveAll(id ConnID) []RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]RoomKey, 0, len(r.joined[id]))
	for room := range r.joined[id] {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		r.removeLocked(id, room)
	}
	return rooms
}

func (r *Rooms) removeLocked(id ConnID, room RoomKey) {
	if conns, ok := r.members[room]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.members, room)
		}
	}
	if rooms, ok := r.joined[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, id)
		}
	}
}

func (r *Rooms) ConnectionsInRoom(room RoomKey) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.members[room]
	ids := make([]ConnID, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Rooms) RoomsFor(id ConnID) []RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]RoomKey, 0, len(r.joined[id]))
	for room := range r.joined[id] {
		rooms = append(rooms, room)
	}
	return rooms
}

func (r *Rooms) IsJoined(id ConnID, room RoomKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][id]
	return ok
}

// RoomCount is the number of rooms with at least one subscriber.
func (r *Rooms) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
