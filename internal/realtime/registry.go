package realtime

import (
	"sync"

	"github.com/google/uuid"
)

type registryEntry struct {
	conn     *Connection
	identity Identity
}

// Registry maps users to their live connections. It is in-memory only and
// rebuilt as clients reconnect; it is not the source of truth for presence.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnID]registryEntry
	byUser map[uuid.UUID]map[ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[ConnID]registryEntry),
		byUser: make(map[uuid.UUID]map[ConnID]struct{}),
	}
}

// Register adds conn under id.UserID. It is idempotent per connection ID.
// first reports that the user had no other live connection.
func (r *Registry) Register(conn *Connection, id Identity) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return false
	}

	set, ok := r.byUser[id.UserID]
	if !ok {
		set = make(map[ConnID]struct{})
		r.byUser[id.UserID] = set
	}
	first = len(set) == 0
	set[conn.ID()] = struct{}{}
	r.conns[conn.ID()] = registryEntry{conn: conn, identity: id}
	return first
}

// Unregister removes the connection. ok is false for unknown IDs. last is
// true for exactly one caller: the one that removed the user's final
// connection.
func (r *Registry) Unregister(id ConnID) (userID uuid.UUID, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[id]
	if !ok {
		return uuid.Nil, false, false
	}
	delete(r.conns, id)

	userID = entry.identity.UserID
	set := r.byUser[userID]
	delete(set, id)
	if len(set) == 0 {
		delete(r.byUser, userID)
		last = true
	}
	return userID, last, true
}

func (r *Registry) Lookup(id ConnID) (*Connection, Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[id]
	if !ok {
		return nil, Identity{}, false
	}
	return entry.conn, entry.identity, true
}

func (r *Registry) ConnectionsForUser(userID uuid.UUID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	ids := make([]ConnID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) IsUserOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns every registered connection. Used at shutdown.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	return conns
}
