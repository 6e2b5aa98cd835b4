package chat

import (
	"context"
	"time"
)

// Profile is the directory view of a user: display attributes plus the rooms
// the user may join and an optional preferred room.
type Profile struct {
	Identity     string
	DisplayName  string
	AvatarRef    string
	AllowedRooms []string
	DefaultRoom  string
}

// Allows reports whether room is in the allowed set. An empty set allows nothing.
func (p Profile) Allows(room string) bool {
	for _, allowed := range p.AllowedRooms {
		if allowed == room {
			return true
		}
	}
	return false
}

// Room is a named channel known to the room directory.
type Room struct {
	Name      string
	CreatedAt time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID           int64
	Room         string
	FromIdentity string
	Content      string
	CreatedAt    time.Time
	ReadBy       []string
}

// UserDirectory resolves profiles. Implementations return ErrNotFound for
// unknown identities.
type UserDirectory interface {
	GetProfile(ctx context.Context, identity string) (Profile, error)
}

// RoomDirectory resolves rooms by name, returning ErrNotFound when absent.
type RoomDirectory interface {
	GetRoomByName(ctx context.Context, name string) (Room, error)
}

// MessageStore persists messages and read receipts.
type MessageStore interface {
	CreateMessage(ctx context.Context, content, fromIdentity, room string, ts time.Time) (Message, error)
	// MarkRead adds identity to the readers of a message and returns the
	// updated reader list. ErrNotFound when the message does not exist.
	MarkRead(ctx context.Context, messageID int64, identity string) ([]string, error)
}

// Conn is a single live transport connection able to receive events. Send
// must not block; it may be called while room state is locked.
type Conn interface {
	ID() string
	Send(ev Event) error
}

// Metrics is a fire-and-forget sink. Implementations must not panic or block.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	UserAvailable()
	UserUnavailable()
	RoomJoined(room string)
	RoomPresence(room string, delta int)
	MessageSent(room string)
}

// PresenceMirror publishes presence changes to an external observer.
type PresenceMirror interface {
	Online(ctx context.Context, rec Record) error
	Moved(ctx context.Context, rec Record) error
	Offline(ctx context.Context, identity string) error
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()        {}
func (nopMetrics) ConnectionClosed()        {}
func (nopMetrics) UserAvailable()           {}
func (nopMetrics) UserUnavailable()         {}
func (nopMetrics) RoomJoined(string)        {}
func (nopMetrics) RoomPresence(string, int) {}
func (nopMetrics) MessageSent(string)       {}

// NopMetrics discards everything.
var NopMetrics Metrics = nopMetrics{}
