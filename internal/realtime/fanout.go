package realtime

import (
	"go.uber.org/zap"
)

// Fanout delivers events to every live connection subscribed to a room.
//
// Delivery is a non-blocking enqueue per connection. A connection whose
// queue is full is closed; its transport then runs the normal disconnect
// path. Deliveries to the same room are serialized so every subscriber sees
// them in submission order. Different rooms are independent.
type Fanout struct {
	registry *Registry
	rooms    *Rooms
	locks    *keyLock[RoomKey]
	logger   *zap.Logger
}

func NewFanout(registry *Registry, rooms *Rooms, logger *zap.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		rooms:    rooms,
		locks:    newKeyLock[RoomKey](),
		logger:   logger,
	}
}

// Deliver sends ev to ev.Room and returns how many connections accepted it.
// Membership edges whose connection has already gone from the registry are
// skipped without a delivery attempt.
func (f *Fanout) Deliver(ev OutboundEvent) int {
	data, err := encodeFrame(ev.Type, "", ev.Payload)
	if err != nil {
		f.logger.Error("failed to encode event",
			zap.String("type", ev.Type),
			zap.String("room", ev.Room.String()),
			zap.Error(err),
		)
		return 0
	}

	// Why a lock per room and not one for the whole fanout?
	//   - Two events for the same channel (a message and its edit) must
	//     reach every subscriber in the order they were submitted, so
	//     deliveries to one room take turns.
	//   - Deliveries to different rooms share no queue ordering, so a busy
	//     channel never delays presence in another workspace.
	// Encoding happens before the lock; only the enqueue loop is serialized.
	unlock := f.locks.Lock(ev.Room)
	defer unlock()

	delivered := 0
	for _, id := range f.rooms.ConnectionsInRoom(ev.Room) {
		conn, _, ok := f.registry.Lookup(id)
		if !ok || conn.Closed() {
			continue
		}
		if conn.enqueue(data) {
			delivered++
			continue
		}
		f.logger.Warn("closing slow connection",
			zap.String("conn_id", string(id)),
			zap.String("room", ev.Room.String()),
		)
		conn.Close()
	}
	return delivered
}

// SendTo writes one frame to a single connection, for replies that only
// the originator should see.
func (f *Fanout) SendTo(conn *Connection, typ, requestID string, payload any) bool {
	data, err := encodeFrame(typ, requestID, payload)
	if err != nil {
		f.logger.Error("failed to encode reply", zap.String("type", typ), zap.Error(err))
		return false
	}
	return conn.enqueue(data)
}
