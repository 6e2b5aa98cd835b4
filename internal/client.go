package internal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/chat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMsgSize     = 8192
	sendQueueSize  = 256
	commandTimeout = 30 * time.Second
)

// Commands a client may issue.
const (
	commandJoin  = "join"
	commandLeave = "leave"
	commandSend  = "send"
	commandRead  = "read"
	commandUsers = "users"
)

var (
	errClientClosed   = errors.New("client closed")
	errSlowClient     = errors.New("client send queue full")
	errTooFast        = errors.New("you're sending messages too quickly, please wait a moment")
	errUnknownCommand = errors.New("unknown command")
	errBadPayload     = errors.New("malformed request")
)

// command is the JSON envelope a client sends.
type command struct {
	Type          string `json:"type"`
	Room          string `json:"room,omitempty"`
	Content       string `json:"content,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	MessageID     int64  `json:"messageId,omitempty"`
}

// Client wraps a single websocket connection and a buffered send queue. It is
// the chat.Conn the core broadcasts to.
type Client struct {
	id       string
	identity string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ chat.Conn = (*Client)(nil)

func newClient(id, identity string, conn *websocket.Conn, server *Server) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		server:   server,
		send:     make(chan []byte, sendQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues ev without blocking. A client that cannot keep up is shut down,
// which ends its read pump and with it the session.
func (c *Client) Send(ev chat.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.shutdown()
		return errSlowClient
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	var reason error
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
		c.server.sendLimiter.Release(c.identity)
		c.server.sessions.OnDisconnect(context.Background(), c.identity, c.id, reason)
		c.cancel()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = err
			}
			break
		}
		c.handle(payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, used right before closing so a final
// error event reaches the peer.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handle runs one command to completion. Commands of a connection are handled
// in arrival order because the read pump calls this synchronously.
func (c *Client) handle(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.reply(errBadPayload)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case commandJoin:
		err = c.server.rooms.Join(ctx, c.identity, c.id, cmd.Room)
	case commandLeave:
		err = c.server.rooms.Leave(c.identity, c.id, cmd.Room)
	case commandSend:
		if !c.server.sendLimiter.Allow(c.identity) {
			err = errTooFast
			break
		}
		_, err = c.server.messages.SendMessage(ctx, c.identity, cmd.Content, cmd.CorrelationID)
	case commandRead:
		err = c.server.messages.MarkRead(ctx, c.identity, cmd.MessageID)
	case commandUsers:
		err = c.Send(chat.Event{Type: chat.EventRoomUsers, Room: cmd.Room, Users: c.server.rooms.GetUsers(cmd.Room)})
	default:
		err = errUnknownCommand
	}
	if err != nil {
		c.reply(err)
	}
}

func (c *Client) reply(err error) {
	ev := chat.ErrorEvent(err)
	switch {
	case errors.Is(err, errTooFast), errors.Is(err, errUnknownCommand), errors.Is(err, errBadPayload):
		ev.Error = err.Error()
	case errors.Is(err, errClientClosed), errors.Is(err, errSlowClient):
		return
	}
	if !chat.IsClientError(err) {
		c.server.logger.Debug().Err(err).Str("identity", c.identity).Str("conn", c.id).Msg("command failed")
	}
	_ = c.Send(ev)
}
