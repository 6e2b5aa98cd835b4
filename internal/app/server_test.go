package app

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/chat"
)

func TestRunServerServesAndMirrors(t *testing.T) {
	redisServer := miniredis.RunT(t)
	dbPath := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"

	// Keep a handle open so the shared in-memory database outlives the server.
	seed, err := OpenStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer seed.Close()
	if err := seed.CreateRoom(context.Background(), "general"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := seed.UpsertUser(context.Background(), chat.Profile{Identity: "alice", DisplayName: "Alice", AllowedRooms: []string{"general"}}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	cfg := ServerConfig{
		Server: ServerSection{Addr: "127.0.0.1:0", Path: "chat", IdentityHeader: "X-User"},
		DB:     DBSection{Path: dbPath},
		Chat:   ChatSection{ConnectTimeout: time.Second},
		Redis:  RedisSection{Addr: redisServer.Addr(), Prefix: "rc", TTL: time.Minute, RefreshInterval: 10 * time.Millisecond},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle, err := RunServer(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}

	resp, err := http.Get("http://" + handle.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + handle.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+handle.Addr()+"/chat", http.Header{"X-User": {"alice"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("alice never reached the mirror")
		}
		if redisServer.Exists("rc:user:alice") && redisServer.HGet("rc:user:alice", "room") == "general" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	// A user that stays connected outlives the ttl.
	for i := 0; i < 2; i++ {
		redisServer.FastForward(time.Minute - time.Second)
		deadline = time.Now().Add(3 * time.Second)
		for redisServer.TTL("rc:user:alice") != time.Minute {
			if time.Now().After(deadline) {
				t.Fatalf("mirror expiry not refreshed, ttl %v", redisServer.TTL("rc:user:alice"))
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !redisServer.Exists("rc:user:alice") {
		t.Fatalf("alice expired from the mirror while connected")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	deadline = time.Now().Add(3 * time.Second)
	for redisServer.Exists("rc:user:alice") {
		if time.Now().After(deadline) {
			t.Fatalf("alice still mirrored after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunServerRequiresDBPath(t *testing.T) {
	if _, err := RunServer(context.Background(), ServerConfig{}, zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "database path") {
		t.Fatalf("expected database path error, got %v", err)
	}
}
