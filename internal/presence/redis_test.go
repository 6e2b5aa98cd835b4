package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/chat"
)

func newTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMirror(client, "test", time.Minute), server
}

func TestMirrorTracksPresence(t *testing.T) {
	mirror, server := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, mirror.Online(ctx, chat.Record{Identity: "alice", DisplayName: "Alice"}))
	require.NoError(t, mirror.Moved(ctx, chat.Record{Identity: "alice", DisplayName: "Alice", Room: "general"}))

	members, err := server.SMembers("test:online")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
	assert.Equal(t, "general", server.HGet("test:user:alice", "room"))
	assert.Equal(t, time.Minute, server.TTL("test:user:alice"))

	entries, err := mirror.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{Identity: "alice", DisplayName: "Alice", Room: "general"}, entries[0])

	require.NoError(t, mirror.Offline(ctx, "alice"))
	assert.False(t, server.Exists("test:user:alice"))
	entries, err = mirror.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMirrorSkipsExpiredUsers(t *testing.T) {
	mirror, server := newTestMirror(t)
	ctx := context.Background()
	require.NoError(t, mirror.Online(ctx, chat.Record{Identity: "bob", DisplayName: "Bob"}))

	server.FastForward(2 * time.Minute)
	entries, err := mirror.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMirrorReportsUnavailableRedis(t *testing.T) {
	mirror, server := newTestMirror(t)
	server.Close()
	err := mirror.Online(context.Background(), chat.Record{Identity: "alice"})
	assert.Error(t, err)
}

func TestMirrorRunKeepsConnectedUsers(t *testing.T) {
	mirror, server := newTestMirror(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := chat.Record{Identity: "alice", DisplayName: "Alice", Room: "general"}
	require.NoError(t, mirror.Moved(ctx, alice))

	done := make(chan struct{})
	go func() {
		defer close(done)
		mirror.Run(ctx, 10*time.Millisecond, func() []chat.Record { return []chat.Record{alice} }, zerolog.Nop())
	}()

	for i := 0; i < 3; i++ {
		server.FastForward(time.Minute - time.Second)
		require.Eventually(t, func() bool {
			return server.TTL("test:user:alice") == time.Minute
		}, 2*time.Second, 5*time.Millisecond, "expiry was not refreshed")
	}
	server.FastForward(time.Minute - time.Second)

	entries, err := mirror.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "general", entries[0].Room)

	cancel()
	<-done
}

func TestMirrorRefreshWithNothingPresent(t *testing.T) {
	mirror, server := newTestMirror(t)
	require.NoError(t, mirror.Refresh(context.Background(), nil))
	assert.False(t, server.Exists("test:online"))
}
