package realtime

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type RoomKind string

const (
	RoomWorkspace RoomKind = "workspace"
	RoomChannel   RoomKind = "channel"
)

// RoomKey identifies a broadcast group. Rooms have no lifecycle of their
// own: a room exists while at least one connection is subscribed.
type RoomKey struct {
	Kind RoomKind
	ID   uuid.UUID
}

func WorkspaceRoom(id uuid.UUID) RoomKey { return RoomKey{Kind: RoomWorkspace, ID: id} }

func ChannelRoom(id uuid.UUID) RoomKey { return RoomKey{Kind: RoomChannel, ID: id} }

func (k RoomKey) String() string {
	return string(k.Kind) + ":" + k.ID.String()
}

// ParseRoomKey parses "workspace:<uuid>" or "channel:<uuid>".
func ParseRoomKey(s string) (RoomKey, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return RoomKey{}, fmt.Errorf("room %q: expected <kind>:<id>", s)
	}

	k := RoomKind(kind)
	if k != RoomWorkspace && k != RoomChannel {
		return RoomKey{}, fmt.Errorf("room %q: unknown kind %q", s, kind)
	}

	parsed, err := uuid.Parse(id)
	if err != nil || parsed == uuid.Nil {
		return RoomKey{}, fmt.Errorf("room %q: invalid id", s)
	}
	return RoomKey{Kind: k, ID: parsed}, nil
}

func (k RoomKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *RoomKey) UnmarshalText(text []byte) error {
	parsed, err := ParseRoomKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
