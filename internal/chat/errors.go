package chat

import "errors"

// Client-visible failures. Messages are deliberately short; they are sent back
// over the connection that issued the request.
var (
	ErrEmptyRoom        = errors.New("room name is required")
	ErrEmptyContent     = errors.New("message content is required")
	ErrNotInRoom        = errors.New("you are not in a room")
	ErrUnauthorizedRoom = errors.New("you are not allowed in this room")
	ErrRoomGone         = errors.New("room no longer exists")
	ErrPersistFailed    = errors.New("failed to save message")
	ErrNotConnected     = errors.New("connection is not registered")
	ErrInternal         = errors.New("something went wrong")
)

// ErrNotFound is returned by directories and stores for missing entities.
var ErrNotFound = errors.New("not found")

// IsClientError reports whether err belongs to the client-visible set.
func IsClientError(err error) bool {
	switch {
	case errors.Is(err, ErrEmptyRoom),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrNotInRoom),
		errors.Is(err, ErrUnauthorizedRoom),
		errors.Is(err, ErrRoomGone),
		errors.Is(err, ErrPersistFailed),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrInternal):
		return true
	}
	return false
}

// ClientMessage maps any error to the string delivered to the client.
func ClientMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsClientError(err) {
		return err.Error()
	}
	return ErrInternal.Error()
}
