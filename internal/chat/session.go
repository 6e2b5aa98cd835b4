package chat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Sessions sequences connect and disconnect for transport connections:
// registry accounting, profile delivery, auto-join and teardown.
type Sessions struct {
	registry *Registry
	rooms    *Rooms
	users    UserDirectory
	metrics  Metrics
	mirror   PresenceMirror
	logger   zerolog.Logger

	// ConnectTimeout bounds the profile lookup and auto-join of a connect.
	// Zero means no bound.
	ConnectTimeout time.Duration
}

func NewSessions(registry *Registry, rooms *Rooms, users UserDirectory, metrics Metrics, mirror PresenceMirror, logger zerolog.Logger) *Sessions {
	if metrics == nil {
		metrics = NopMetrics
	}
	return &Sessions{
		registry: registry,
		rooms:    rooms,
		users:    users,
		metrics:  metrics,
		mirror:   mirror,
		logger:   logger.With().Str("component", "sessions").Logger(),
	}
}

// OnConnect registers conn for identity. The first connection of an identity
// creates its presence and auto-joins a room before returning; further
// connections reuse the existing presence without broadcasting anything.
func (s *Sessions) OnConnect(ctx context.Context, identity string, conn Conn) (err error) {
	defer recoverOp(s.logger, "connect", identity, &err)
	if s.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ConnectTimeout)
		defer cancel()
	}

	profile, err := s.users.GetProfile(ctx, identity)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Warn().Str("identity", identity).Msg("no profile for identity, connecting without rooms")
		profile = Profile{Identity: identity}
	case err != nil:
		s.logger.Error().Err(err).Str("identity", identity).Msg("profile lookup failed")
		return ErrInternal
	}
	if profile.Identity == "" {
		profile.Identity = identity
	}

	s.rooms.Attach(identity, conn)
	rec, isNew := s.registry.RegisterConnection(identity, conn.ID(), profile)
	s.metrics.ConnectionOpened()

	if !isNew {
		s.logger.Debug().Str("identity", identity).Str("conn", conn.ID()).
			Int("connections", s.registry.ConnectionCount(identity)).Msg("additional connection")
		s.sendProfile(conn, profile, rec)
		if rec.Room != "" {
			s.rooms.Subscribe(conn.ID(), rec.Room)
			s.rooms.SendTo(conn.ID(), Event{Type: EventRoomUsers, Room: rec.Room, Users: s.rooms.GetUsers(rec.Room)})
		}
		return nil
	}

	s.metrics.UserAvailable()
	if s.mirror != nil {
		if err := s.mirror.Online(ctx, rec); err != nil {
			s.logger.Warn().Err(err).Str("identity", identity).Msg("presence mirror update failed")
		}
	}
	s.sendProfile(conn, profile, rec)
	s.logger.Info().Str("identity", identity).Str("conn", conn.ID()).Msg("user connected")

	room, ok := ChooseAutoJoinRoom(profile)
	if !ok {
		return nil
	}
	if err := s.rooms.Join(ctx, identity, conn.ID(), room); err != nil {
		s.logger.Error().Err(err).Str("identity", identity).Str("room", room).Msg("auto-join failed")
	}
	return nil
}

// OnDisconnect releases one connection of identity. Presence is only removed,
// and a leave only announced, when it was the last connection. It never fails.
func (s *Sessions) OnDisconnect(ctx context.Context, identity, connID string, reason error) {
	var err error
	defer recoverOp(s.logger, "disconnect", identity, &err)

	s.rooms.Detach(connID)
	remaining, last, removed := s.registry.UnregisterConnection(identity, connID)
	s.metrics.ConnectionClosed()

	event := s.logger.Info().Str("identity", identity).Str("conn", connID).Int("remaining", remaining)
	if reason != nil {
		event = event.AnErr("reason", reason)
	}
	if !removed {
		event.Msg("connection closed")
		return
	}
	event.Str("room", last.Room).Msg("user disconnected")

	s.rooms.Depart(last)
	s.metrics.UserUnavailable()
	if s.mirror != nil {
		if err := s.mirror.Offline(ctx, identity); err != nil {
			s.logger.Warn().Err(err).Str("identity", identity).Msg("presence mirror update failed")
		}
	}
}

func (s *Sessions) sendProfile(conn Conn, profile Profile, rec Record) {
	if err := conn.Send(Event{Type: EventProfile, Profile: profileView(profile, rec.Room)}); err != nil {
		s.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("send profile failed")
	}
}
