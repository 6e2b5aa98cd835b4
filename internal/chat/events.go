package chat

import "time"

// Event types sent from the server to clients.
const (
	EventProfile    = "profile"
	EventAddUser    = "addUser"
	EventRemoveUser = "removeUser"
	EventRoomUsers  = "roomUsers"
	EventNewMessage = "newMessage"
	EventReadUpdate = "readUpdate"
	EventError      = "error"
)

// Event is the JSON envelope both directions of a connection agree on for
// server-originated traffic.
type Event struct {
	Type      string       `json:"type"`
	Room      string       `json:"room,omitempty"`
	User      *UserView    `json:"user,omitempty"`
	Users     []UserView   `json:"users,omitempty"`
	Profile   *ProfileView `json:"profile,omitempty"`
	Message   *MessageView `json:"message,omitempty"`
	MessageID int64        `json:"messageId,omitempty"`
	ReadBy    []string     `json:"readBy,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type UserView struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type ProfileView struct {
	Identity     string   `json:"identity"`
	DisplayName  string   `json:"displayName"`
	AvatarRef    string   `json:"avatarRef,omitempty"`
	AllowedRooms []string `json:"allowedRooms"`
	DefaultRoom  string   `json:"defaultRoom,omitempty"`
	Room         string   `json:"room,omitempty"`
}

type MessageView struct {
	ID            int64     `json:"id"`
	Room          string    `json:"room"`
	From          string    `json:"from"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	ReadBy        []string  `json:"readBy"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func userView(rec Record) UserView {
	return UserView{Identity: rec.Identity, DisplayName: rec.DisplayName, AvatarRef: rec.AvatarRef}
}

func userViews(recs []Record) []UserView {
	views := make([]UserView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, userView(rec))
	}
	return views
}

func profileView(p Profile, room string) *ProfileView {
	allowed := make([]string, len(p.AllowedRooms))
	copy(allowed, p.AllowedRooms)
	return &ProfileView{
		Identity:     p.Identity,
		DisplayName:  p.DisplayName,
		AvatarRef:    p.AvatarRef,
		AllowedRooms: allowed,
		DefaultRoom:  p.DefaultRoom,
		Room:         room,
	}
}

// ErrorEvent wraps err for delivery to a client.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Error: ClientMessage(err)}
}
