package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type member struct {
	conn     Conn
	identity string
	room     string
}

// RoomPresence groups the users present in one room. Users that are connected
// but not in any room are reported under the empty room name.
type RoomPresence struct {
	Room  string     `json:"room"`
	Users []UserView `json:"users"`
}

// Rooms turns registry room assignments into broadcast groups. A group is the
// set of connections subscribed to a room; fan-out iterates over a copy of it.
type Rooms struct {
	registry *Registry
	users    UserDirectory
	metrics  Metrics
	mirror   PresenceMirror
	logger   zerolog.Logger

	// mu serialises group membership together with the registry room update
	// so a room switch can never leave connections in a different group than
	// the registry says.
	mu     sync.Mutex
	conns  map[string]*member
	groups map[string]map[string]*member
}

func NewRooms(registry *Registry, users UserDirectory, metrics Metrics, mirror PresenceMirror, logger zerolog.Logger) *Rooms {
	if metrics == nil {
		metrics = NopMetrics
	}
	return &Rooms{
		registry: registry,
		users:    users,
		metrics:  metrics,
		mirror:   mirror,
		logger:   logger.With().Str("component", "rooms").Logger(),
		conns:    make(map[string]*member),
		groups:   make(map[string]map[string]*member),
	}
}

// Attach makes conn addressable for unicast. It is not in any group yet.
func (r *Rooms) Attach(identity string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = &member{conn: conn, identity: identity}
}

// Detach forgets the connection and removes it from its group.
func (r *Rooms) Detach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return
	}
	r.unsubscribeLocked(m)
	delete(r.conns, connID)
}

// Join moves identity into room. Joining the room the identity is already in
// only makes sure connID is subscribed; nothing is broadcast.
func (r *Rooms) Join(ctx context.Context, identity, connID, room string) (err error) {
	defer recoverOp(r.logger, "join", identity, &err)
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrEmptyRoom
	}
	if _, ok := r.registry.Lookup(identity); !ok {
		return ErrNotConnected
	}
	profile, err := r.users.GetProfile(ctx, identity)
	switch {
	case errors.Is(err, ErrNotFound):
		profile = Profile{Identity: identity}
	case err != nil:
		r.logger.Error().Err(err).Str("identity", identity).Str("room", room).Msg("profile lookup failed")
		return ErrInternal
	}
	if !profile.Allows(room) {
		r.logger.Warn().Str("identity", identity).Str("room", room).Msg("join rejected: room not allowed")
		return ErrUnauthorizedRoom
	}

	prev, rec, changed, err := r.commitJoin(identity, connID, room)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if prev != "" {
		r.BroadcastExcept(prev, identity, Event{Type: EventRemoveUser, Room: prev, User: ptr(userView(rec))})
		r.metrics.RoomPresence(prev, -1)
	}
	// The whole group, joiner included, hears about the join so every client
	// converges even if it subscribed after an earlier addUser went out.
	r.Broadcast(room, Event{Type: EventAddUser, Room: room, User: ptr(userView(rec))})
	r.SendTo(connID, Event{Type: EventRoomUsers, Room: room, Users: r.GetUsers(room)})
	r.metrics.RoomPresence(room, 1)
	r.metrics.RoomJoined(room)
	if r.mirror != nil {
		if err := r.mirror.Moved(ctx, rec); err != nil {
			r.logger.Warn().Err(err).Str("identity", identity).Msg("presence mirror update failed")
		}
	}
	r.logger.Info().Str("identity", identity).Str("room", room).Str("from", prev).Msg("joined room")
	return nil
}

func (r *Rooms) commitJoin(identity, connID, room string) (prev string, rec Record, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.registry.SetRoom(identity, room)
	if !ok {
		return "", Record{}, false, ErrNotConnected
	}
	if prev == room {
		r.subscribeLocked(connID, room)
		return prev, Record{}, false, nil
	}
	// Every connection of the identity follows it into the new room, including
	// tabs that attached before any room was set and so belong to no group.
	for _, m := range r.conns {
		if m.identity == identity {
			r.subscribeLocked(m.conn.ID(), room)
		}
	}
	r.subscribeLocked(connID, room)
	rec, _ = r.registry.Lookup(identity)
	rec.Room = room
	return prev, rec, true, nil
}

// Leave unsubscribes connID from room without touching the registry.
func (r *Rooms) Leave(identity, connID, room string) (err error) {
	defer recoverOp(r.logger, "leave", identity, &err)
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrEmptyRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.conns[connID]; ok && m.room == room {
		r.unsubscribeLocked(m)
	}
	return nil
}

// Subscribe adds connID to room's group silently. It is used for extra
// connections of an identity that is already in the room.
func (r *Rooms) Subscribe(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeLocked(connID, room)
}

// Depart announces that rec left its room for good. The announcement goes out
// under mu, the same lock a join commits under, so a reconnect that already
// joined rec.Room suppresses it and a later one is announced after it.
func (r *Rooms) Depart(rec Record) {
	if rec.Room == "" {
		return
	}
	r.metrics.RoomPresence(rec.Room, -1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.registry.Lookup(rec.Identity); ok && cur.Room == rec.Room {
		r.logger.Debug().Str("identity", rec.Identity).Str("room", rec.Room).Msg("identity back in room, leave not announced")
		return
	}
	ev := Event{Type: EventRemoveUser, Room: rec.Room, User: ptr(userView(rec))}
	for _, m := range r.groups[rec.Room] {
		if m.identity == rec.Identity {
			continue
		}
		if err := m.conn.Send(ev); err != nil {
			r.logger.Debug().Err(err).Str("conn", m.conn.ID()).Str("event", ev.Type).Msg("broadcast failed")
		}
	}
}

// GetUsers lists the identities whose current room is room.
func (r *Rooms) GetUsers(room string) []UserView {
	return userViews(r.registry.InRoom(room))
}

// Presence groups every present user by room, rooms sorted by name.
func (r *Rooms) Presence() []RoomPresence {
	byRoom := make(map[string][]UserView)
	for _, rec := range r.registry.Snapshot() {
		byRoom[rec.Room] = append(byRoom[rec.Room], userView(rec))
	}
	out := make([]RoomPresence, 0, len(byRoom))
	for room, users := range byRoom {
		out = append(out, RoomPresence{Room: room, Users: users})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Subscribers returns the connection ids currently in room's group.
func (r *Rooms) Subscribers(room string) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.groups[room]))
	for id := range r.groups[room] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Broadcast sends ev to every subscriber of room.
func (r *Rooms) Broadcast(room string, ev Event) {
	r.fanOut(r.targets(room, ""), ev)
}

// BroadcastExcept sends ev to every subscriber of room that does not belong
// to identity.
func (r *Rooms) BroadcastExcept(room, identity string, ev Event) {
	r.fanOut(r.targets(room, identity), ev)
}

// SendTo delivers ev to a single connection. Unknown connections are ignored.
func (r *Rooms) SendTo(connID string, ev Event) error {
	r.mu.Lock()
	m, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if err := m.conn.Send(ev); err != nil {
		r.logger.Debug().Err(err).Str("conn", connID).Str("event", ev.Type).Msg("send failed")
		return err
	}
	return nil
}

// SendToIdentity delivers ev to the latest connection of identity.
func (r *Rooms) SendToIdentity(identity string, ev Event) error {
	connID, ok := r.registry.LatestConnection(identity)
	if !ok {
		return ErrNotConnected
	}
	return r.SendTo(connID, ev)
}

func (r *Rooms) targets(room, exceptIdentity string) []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := r.groups[room]
	out := make([]*member, 0, len(group))
	for _, m := range group {
		if exceptIdentity != "" && m.identity == exceptIdentity {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Rooms) fanOut(targets []*member, ev Event) {
	for _, m := range targets {
		if err := m.conn.Send(ev); err != nil {
			r.logger.Debug().Err(err).Str("conn", m.conn.ID()).Str("event", ev.Type).Msg("broadcast failed")
		}
	}
}

func (r *Rooms) subscribeLocked(connID, room string) {
	m, ok := r.conns[connID]
	if !ok || m.room == room {
		return
	}
	r.unsubscribeLocked(m)
	r.addLocked(m, room)
}

func (r *Rooms) addLocked(m *member, room string) {
	group, ok := r.groups[room]
	if !ok {
		group = make(map[string]*member)
		r.groups[room] = group
	}
	group[m.conn.ID()] = m
	m.room = room
}

func (r *Rooms) unsubscribeLocked(m *member) {
	if m.room == "" {
		return
	}
	if group, ok := r.groups[m.room]; ok {
		delete(group, m.conn.ID())
		if len(group) == 0 {
			delete(r.groups, m.room)
		}
	}
	m.room = ""
}

func recoverOp(logger zerolog.Logger, op, identity string, err *error) {
	if p := recover(); p != nil {
		logger.Error().Str("op", op).Str("identity", identity).Interface("panic", p).Msg("recovered from panic")
		*err = ErrInternal
	}
}

func ptr[T any](v T) *T { return &v }
