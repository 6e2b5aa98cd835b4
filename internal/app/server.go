package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	intrnl "roomchat/internal"
	"roomchat/internal/chat"
	"roomchat/internal/metrics"
	"roomchat/internal/presence"
	"roomchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  *storage.Store
	redis  *redis.Client
	logger zerolog.Logger
	done   chan struct{}
	err    error

	stopRefresh context.CancelFunc
	refreshDone chan struct{}
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Done is closed once the server has stopped serving and released its store.
func (h *ServerHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the chat core and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) (*ServerHandle, error) {
	if cfg.DB.Path == "" {
		return nil, errors.New("database path is required")
	}
	cfg.Server.Path = NormalizeJoinPath(cfg.Server.Path)

	store, err := OpenStore(ctx, cfg.DB.Path)
	if err != nil {
		return nil, err
	}

	sink := metrics.New()
	var (
		mirror      chat.PresenceMirror
		redisMirror *presence.RedisMirror
		redisClient *redis.Client
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		redisMirror = presence.NewRedisMirror(redisClient, cfg.Redis.Prefix, cfg.Redis.TTL)
		mirror = redisMirror
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("presence mirror enabled")
	}

	registry := chat.NewRegistry()
	rooms := chat.NewRooms(registry, store, sink, mirror, logger)
	messages := chat.NewMessages(registry, rooms, store, store, store, sink, logger)
	sessions := chat.NewSessions(registry, rooms, store, sink, mirror, logger)
	if cfg.Chat.ConnectTimeout > 0 {
		sessions.ConnectTimeout = cfg.Chat.ConnectTimeout
	}

	server := intrnl.NewServer(intrnl.ServerOptions{
		Sessions:       sessions,
		Rooms:          rooms,
		Messages:       messages,
		History:        store,
		Metrics:        sink.Handler(),
		IdentityHeader: cfg.Server.IdentityHeader,
		SendRate:       cfg.Chat.SendRate,
		SendBurst:      cfg.Chat.SendBurst,
		HistoryLimit:   cfg.Chat.HistoryLimit,
		Logger:         logger,
	})
	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Server.Path, server)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = store.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		redis:  redisClient,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	if redisMirror != nil {
		refreshCtx, stopRefresh := context.WithCancel(context.Background())
		handle.stopRefresh = stopRefresh
		handle.refreshDone = make(chan struct{})
		go func() {
			defer close(handle.refreshDone)
			redisMirror.Run(refreshCtx, cfg.Redis.RefreshInterval, registry.Snapshot, logger)
		}()
	}

	logger.Info().Str("addr", handle.addr).Str("path", cfg.Server.Path).Msg("roomchat server listening")
	go handle.serve(listener)

	return handle, nil
}

// OpenStore creates the database directory when needed, opens the store and
// migrates it.
func OpenStore(ctx context.Context, path string) (*storage.Store, error) {
	if !strings.HasPrefix(path, "sqlite://") && !strings.HasPrefix(path, "file:") && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err := h.store.Close(); err != nil {
		h.logger.Error().Err(err).Msg("store close error")
	}
	if h.stopRefresh != nil {
		h.stopRefresh()
		<-h.refreshDone
	}
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			h.logger.Error().Err(err).Msg("redis close error")
		}
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("GET /presence", server.HandlePresence)
	mux.HandleFunc("GET /rooms/{name}/users", server.HandleRoomUsers)
	mux.HandleFunc("GET /rooms/{name}/messages", server.HandleRoomMessages)
	mux.HandleFunc("GET /healthz", server.HandleHealth)
	mux.Handle("GET /metrics", server.MetricsHandler())
}
