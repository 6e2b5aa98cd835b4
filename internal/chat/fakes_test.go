package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Event
	fail   bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) ofType(typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type fakeDirectory struct {
	mu       sync.Mutex
	profiles map[string]Profile
	rooms    map[string]bool
	err      error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{profiles: make(map[string]Profile), rooms: make(map[string]bool)}
}

func (d *fakeDirectory) addUser(identity string, rooms ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[identity] = Profile{Identity: identity, DisplayName: identity + " display", AllowedRooms: rooms}
	for _, r := range rooms {
		d.rooms[r] = true
	}
}

func (d *fakeDirectory) setProfile(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.Identity] = p
	for _, r := range p.AllowedRooms {
		d.rooms[r] = true
	}
}

func (d *fakeDirectory) dropRoom(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, name)
}

func (d *fakeDirectory) GetProfile(_ context.Context, identity string) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return Profile{}, d.err
	}
	p, ok := d.profiles[identity]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (d *fakeDirectory) GetRoomByName(_ context.Context, name string) (Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.rooms[name] {
		return Room{}, ErrNotFound
	}
	return Room{Name: name}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*Message
	creates  int
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 42, messages: make(map[int64]*Message)}
}

func (s *fakeStore) CreateMessage(_ context.Context, content, from, room string, ts time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.err != nil {
		return Message{}, s.err
	}
	msg := &Message{ID: s.nextID, Content: content, FromIdentity: from, Room: room, CreatedAt: ts}
	s.messages[msg.ID] = msg
	s.nextID++
	return *msg, nil
}

func (s *fakeStore) MarkRead(_ context.Context, id int64, identity string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, r := range msg.ReadBy {
		if r == identity {
			return append([]string(nil), msg.ReadBy...), nil
		}
	}
	msg.ReadBy = append(msg.ReadBy, identity)
	sort.Strings(msg.ReadBy)
	return append([]string(nil), msg.ReadBy...), nil
}

type countingMetrics struct {
	mu          sync.Mutex
	connections int
	users       int
	joined      int
	presence    map[string]int
	sent        int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{presence: make(map[string]int)}
}

func (m *countingMetrics) ConnectionOpened() { m.add(&m.connections, 1) }
func (m *countingMetrics) ConnectionClosed() { m.add(&m.connections, -1) }
func (m *countingMetrics) UserAvailable()    { m.add(&m.users, 1) }
func (m *countingMetrics) UserUnavailable()  { m.add(&m.users, -1) }
func (m *countingMetrics) RoomJoined(string) { m.add(&m.joined, 1) }
func (m *countingMetrics) MessageSent(string) {
	m.add(&m.sent, 1)
}
func (m *countingMetrics) RoomPresence(room string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence[room] += delta
}

func (m *countingMetrics) add(field *int, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field += delta
}

func (m *countingMetrics) roomPresence(room string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presence[room]
}

type harness struct {
	dir      *fakeDirectory
	store    *fakeStore
	metrics  *countingMetrics
	registry *Registry
	rooms    *Rooms
	messages *Messages
	sessions *Sessions
}

func newHarness() *harness {
	h := &harness{
		dir:      newFakeDirectory(),
		store:    newFakeStore(),
		metrics:  newCountingMetrics(),
		registry: NewRegistry(),
	}
	logger := zerolog.Nop()
	h.rooms = NewRooms(h.registry, h.dir, h.metrics, nil, logger)
	h.messages = NewMessages(h.registry, h.rooms, h.dir, h.dir, h.store, h.metrics, logger)
	h.sessions = NewSessions(h.registry, h.rooms, h.dir, h.metrics, nil, logger)
	return h
}

func (h *harness) connect(identity, connID string) *fakeConn {
	conn := newFakeConn(connID)
	if err := h.sessions.OnConnect(context.Background(), identity, conn); err != nil {
		panic(err)
	}
	return conn
}
