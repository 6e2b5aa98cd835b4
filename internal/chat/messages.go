package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Messages authorises, persists and fans out chat messages and read receipts.
type Messages struct {
	registry *Registry
	rooms    *Rooms
	users    UserDirectory
	roomDir  RoomDirectory
	store    MessageStore
	metrics  Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewMessages(registry *Registry, rooms *Rooms, users UserDirectory, roomDir RoomDirectory, store MessageStore, metrics Metrics, logger zerolog.Logger) *Messages {
	if metrics == nil {
		metrics = NopMetrics
	}
	return &Messages{
		registry: registry,
		rooms:    rooms,
		users:    users,
		roomDir:  roomDir,
		store:    store,
		metrics:  metrics,
		logger:   logger.With().Str("component", "messages").Logger(),
		now:      time.Now,
	}
}

// SendMessage stores content from identity in its current room and broadcasts
// it to the whole room, sender included. Nothing is broadcast on any error.
func (m *Messages) SendMessage(ctx context.Context, identity, content, correlationID string) (view MessageView, err error) {
	defer recoverOp(m.logger, "send", identity, &err)
	if strings.TrimSpace(content) == "" {
		return MessageView{}, ErrEmptyContent
	}
	rec, ok := m.registry.Lookup(identity)
	if !ok || rec.Room == "" {
		return MessageView{}, ErrNotInRoom
	}
	room := rec.Room

	// Authorisation may have changed since the join.
	profile, err := m.users.GetProfile(ctx, identity)
	switch {
	case errors.Is(err, ErrNotFound):
		profile = Profile{Identity: identity}
	case err != nil:
		m.logger.Error().Err(err).Str("identity", identity).Str("room", room).Msg("profile lookup failed")
		return MessageView{}, ErrInternal
	}
	if !profile.Allows(room) {
		m.logger.Warn().Str("identity", identity).Str("room", room).Msg("send rejected: room not allowed")
		return MessageView{}, ErrUnauthorizedRoom
	}

	if _, err := m.roomDir.GetRoomByName(ctx, room); err != nil {
		if errors.Is(err, ErrNotFound) {
			return MessageView{}, ErrRoomGone
		}
		m.logger.Error().Err(err).Str("identity", identity).Str("room", room).Msg("room lookup failed")
		return MessageView{}, ErrInternal
	}

	clean := Sanitize(content)
	if clean == "" {
		return MessageView{}, ErrEmptyContent
	}
	ts := m.now().UTC()
	msg, err := m.store.CreateMessage(ctx, clean, identity, room, ts)
	if err != nil {
		m.logger.Error().Err(err).
			Str("identity", identity).
			Str("room", room).
			Str("correlationId", correlationID).
			Time("ts", ts).
			Msg("persist message failed")
		return MessageView{}, ErrPersistFailed
	}

	view = MessageView{
		ID:            msg.ID,
		Room:          room,
		From:          identity,
		Content:       clean,
		Timestamp:     ts,
		ReadBy:        []string{},
		CorrelationID: correlationID,
	}
	m.rooms.Broadcast(room, Event{Type: EventNewMessage, Room: room, Message: &view})
	m.metrics.MessageSent(room)
	return view, nil
}

// MarkRead records that identity read messageID and tells the room. Missing
// messages and identities outside any room are silently ignored.
func (m *Messages) MarkRead(ctx context.Context, identity string, messageID int64) (err error) {
	defer recoverOp(m.logger, "read", identity, &err)
	rec, ok := m.registry.Lookup(identity)
	if !ok || rec.Room == "" {
		return nil
	}
	readers, err := m.store.MarkRead(ctx, messageID, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		m.logger.Error().Err(err).Str("identity", identity).Int64("messageId", messageID).Msg("mark read failed")
		return ErrInternal
	}
	m.rooms.Broadcast(rec.Room, Event{Type: EventReadUpdate, Room: rec.Room, MessageID: messageID, ReadBy: readers})
	return nil
}
