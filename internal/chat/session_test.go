package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiplexedConnectionsKeepPresence(t *testing.T) {
	h := newHarness()
	h.dir.addUser("alice", "general")
	h.dir.addUser("bob", "general")
	bob := h.connect("bob", "b1")
	tab1 := h.connect("alice", "a1")
	bob.reset()

	tab2 := h.connect("alice", "a2")
	assert.Equal(t, 2, h.registry.ConnectionCount("alice"))
	assert.Empty(t, bob.ofType(EventAddUser), "second tab must not re-announce")
	assert.Empty(t, tab2.ofType(EventAddUser))
	require.Len(t, tab2.ofType(EventProfile), 1)
	snaps := tab2.ofType(EventRoomUsers)
	require.Len(t, snaps, 1)
	assert.Equal(t, "general", snaps[0].Room)
	assert.Equal(t, 2, h.metrics.roomPresence("general"), "alice counted once")

	h.sessions.OnDisconnect(context.Background(), "alice", tab1.ID(), nil)
	rec, ok := h.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "general", rec.Room)
	assert.Empty(t, bob.ofType(EventRemoveUser))
	assert.Len(t, h.rooms.GetUsers("general"), 2)

	h.sessions.OnDisconnect(context.Background(), "alice", tab2.ID(), errors.New("going away"))
	_, ok = h.registry.Lookup("alice")
	assert.False(t, ok)
	leaves := bob.ofType(EventRemoveUser)
	require.Len(t, leaves, 1)
	assert.Equal(t, "alice", leaves[0].User.Identity)
	assert.Len(t, h.rooms.GetUsers("general"), 1)
	assert.Equal(t, 1, h.metrics.roomPresence("general"))
	assert.Equal(t, []string{"b1"}, h.rooms.Subscribers("general"))
	assert.Equal(t, 1, h.metrics.users)
	assert.Equal(t, 1, h.metrics.connections)
}

func TestSecondTabReceivesRoomTraffic(t *testing.T) {
	h := newHarness()
	h.dir.addUser("alice", "general")
	h.connect("alice", "a1")
	tab2 := h.connect("alice", "a2")

	_, err := h.messages.SendMessage(context.Background(), "alice", "hi", "k1")
	require.NoError(t, err)
	assert.Len(t, tab2.ofType(EventNewMessage), 1)
}

func TestConnectWithUnknownProfile(t *testing.T) {
	h := newHarness()
	conn := h.connect("stranger", "s1")

	rec, ok := h.registry.Lookup("stranger")
	require.True(t, ok)
	assert.Equal(t, "stranger", rec.DisplayName)
	assert.Empty(t, rec.Room)
	assert.Len(t, conn.ofType(EventProfile), 1)
	assert.Empty(t, conn.ofType(EventAddUser))
}

func TestConnectFailsWhenDirectoryIsDown(t *testing.T) {
	h := newHarness()
	h.dir.err = errors.New("boom")
	err := h.sessions.OnConnect(context.Background(), "alice", newFakeConn("a1"))
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, 0, h.registry.ActiveCount())
}

func TestAutoJoinFailureDoesNotFailConnect(t *testing.T) {
	h := newHarness()
	h.dir.setProfile(Profile{Identity: "alice", AllowedRooms: []string{"general"}})
	conn := newFakeConn("a1")
	conn.fail = true

	require.NoError(t, h.sessions.OnConnect(context.Background(), "alice", conn))
	rec, ok := h.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "general", rec.Room)
}

func TestDisconnectOfUnknownConnectionIsHarmless(t *testing.T) {
	h := newHarness()
	assert.NotPanics(t, func() {
		h.sessions.OnDisconnect(context.Background(), "ghost", "g1", nil)
	})
	assert.Equal(t, 0, h.registry.ConnectionCount("ghost"))
}

func TestConnectTimeoutBoundsLookup(t *testing.T) {
	h := newHarness()
	slow := &slowDirectory{fakeDirectory: h.dir, delay: time.Second}
	h.sessions = NewSessions(h.registry, h.rooms, slow, h.metrics, nil, h.sessions.logger)
	h.sessions.ConnectTimeout = 20 * time.Millisecond

	start := time.Now()
	err := h.sessions.OnConnect(context.Background(), "alice", newFakeConn("a1"))
	assert.ErrorIs(t, err, ErrInternal)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConcurrentTabsForOneIdentity(t *testing.T) {
	h := newHarness()
	h.dir.addUser("alice", "general")
	h.dir.addUser("bob", "general")
	bob := h.connect("bob", "b1")

	const tabs = 12
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("a%d", i)
			_ = h.sessions.OnConnect(context.Background(), "alice", newFakeConn(id))
			h.sessions.OnDisconnect(context.Background(), "alice", id, nil)
		}(i)
	}
	wg.Wait()

	_, ok := h.registry.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, h.registry.ConnectionCount("alice"))
	assert.Equal(t, []string{"b1"}, h.rooms.Subscribers("general"))
	assert.Equal(t, len(bob.ofType(EventAddUser))-1, len(bob.ofType(EventRemoveUser)),
		"every announced join of alice is matched by a leave")
}

type slowDirectory struct {
	*fakeDirectory
	delay time.Duration
}

func (d *slowDirectory) GetProfile(ctx context.Context, identity string) (Profile, error) {
	select {
	case <-time.After(d.delay):
		return d.fakeDirectory.GetProfile(ctx, identity)
	case <-ctx.Done():
		return Profile{}, ctx.Err()
	}
}

// gatedDirectory blocks the gateOn-th profile lookup until release is closed.
type gatedDirectory struct {
	*fakeDirectory
	mu      sync.Mutex
	calls   int
	gateOn  int
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDirectory) GetProfile(ctx context.Context, identity string) (Profile, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if n == d.gateOn {
		close(d.entered)
		<-d.release
	}
	return d.fakeDirectory.GetProfile(ctx, identity)
}

func TestTabConnectingDuringAutoJoinFollowsIntoRoom(t *testing.T) {
	h := newHarness()
	h.dir.addUser("alice", "general")
	// Lookup 1 is tab one's connect, lookup 2 its auto-join.
	gated := &gatedDirectory{fakeDirectory: h.dir, gateOn: 2, entered: make(chan struct{}), release: make(chan struct{})}
	logger := h.sessions.logger
	h.rooms = NewRooms(h.registry, gated, h.metrics, nil, logger)
	h.messages = NewMessages(h.registry, h.rooms, gated, h.dir, h.store, h.metrics, logger)
	h.sessions = NewSessions(h.registry, h.rooms, gated, h.metrics, nil, logger)

	tab1 := newFakeConn("a1")
	done := make(chan error, 1)
	go func() { done <- h.sessions.OnConnect(context.Background(), "alice", tab1) }()

	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("auto-join never reached the directory")
	}
	tab2 := h.connect("alice", "a2")
	rec, _ := h.registry.Lookup("alice")
	require.Empty(t, rec.Room, "tab two must connect before the room is set")

	close(gated.release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"a1", "a2"}, h.rooms.Subscribers("general"))
	_, err := h.messages.SendMessage(context.Background(), "alice", "hi", "")
	require.NoError(t, err)
	assert.Len(t, tab1.ofType(EventNewMessage), 1)
	assert.Len(t, tab2.ofType(EventNewMessage), 1)
}

func TestStaleLeaveNotAnnouncedAfterRejoin(t *testing.T) {
	h := newHarness()
	h.dir.addUser("alice", "general")
	h.dir.addUser("bob", "general")
	bob := h.connect("bob", "b1")
	h.connect("alice", "a1")

	// Last connection goes away, then alice is back in the room before the
	// departure gets announced.
	h.rooms.Detach("a1")
	_, last, removed := h.registry.UnregisterConnection("alice", "a1")
	require.True(t, removed)
	bob.reset()
	h.connect("alice", "a2")
	require.Len(t, bob.ofType(EventAddUser), 1)

	h.rooms.Depart(last)
	assert.Empty(t, bob.ofType(EventRemoveUser))
	assert.Len(t, h.rooms.GetUsers("general"), 2)
	assert.Equal(t, 2, h.metrics.roomPresence("general"))
}
