package internal

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/chat"
)

// HistoryStore is the read side of the message store used by HTTP handlers.
type HistoryStore interface {
	ListMessages(ctx context.Context, room string, limit int, beforeID int64) ([]chat.Message, error)
	Ping(ctx context.Context) error
}

// ServerOptions carries everything a Server needs. Metrics may be nil.
type ServerOptions struct {
	Sessions       *chat.Sessions
	Rooms          *chat.Rooms
	Messages       *chat.Messages
	History        HistoryStore
	Metrics        http.Handler
	IdentityHeader string
	SendRate       float64
	SendBurst      int
	HistoryLimit   int
	Logger         zerolog.Logger
}

// Server adapts websocket connections and HTTP requests to the chat core.
type Server struct {
	sessions       *chat.Sessions
	rooms          *chat.Rooms
	messages       *chat.Messages
	history        HistoryStore
	metrics        http.Handler
	sendLimiter    *RateLimiter
	identityHeader string
	historyLimit   int
	logger         zerolog.Logger
}

const DefaultIdentityHeader = "X-Authenticated-User"

func NewServer(opts ServerOptions) *Server {
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = DefaultIdentityHeader
	}
	if opts.SendRate <= 0 {
		opts.SendRate = float64(rateLimitBurst) / rateLimitWindow.Seconds()
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = rateLimitBurst
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Server{
		sessions:       opts.Sessions,
		rooms:          opts.Rooms,
		messages:       opts.Messages,
		history:        opts.History,
		metrics:        opts.Metrics,
		sendLimiter:    NewRateLimiter(opts.SendRate, opts.SendBurst),
		identityHeader: opts.IdentityHeader,
		historyLimit:   opts.HistoryLimit,
		logger:         opts.Logger.With().Str("component", "transport").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// identity comes from the fronting auth proxy, which also owns origin checks
		return true
	},
}

// ServeWS upgrades an authenticated request and runs the connection until it
// closes. The identity is taken from the configured header as-is.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.Header.Get(s.identityHeader))
	if identity == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity", identity).Msg("upgrade failed")
		return
	}

	client := newClient(uuid.NewString(), identity, conn, s)
	go client.writePump()

	connectCtx, cancel := context.WithCancel(client.ctx)
	err = s.sessions.OnConnect(connectCtx, identity, client)
	cancel()
	if err != nil {
		_ = client.Send(chat.ErrorEvent(err))
		client.shutdown()
		client.cancel()
		return
	}
	s.sendLimiter.Acquire(identity)
	go client.readPump()
}
