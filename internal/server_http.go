package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/chat"
)

type presenceResponse struct {
	Rooms []chat.RoomPresence `json:"rooms"`
}

type roomUsersResponse struct {
	Room  string          `json:"room"`
	Users []chat.UserView `json:"users"`
}

type historyResponse struct {
	Room     string             `json:"room"`
	Messages []chat.MessageView `json:"messages"`
}

// HandlePresence lists every present user grouped by room.
func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, presenceResponse{Rooms: s.rooms.Presence()})
}

func (s *Server) HandleRoomUsers(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.PathValue("name"))
	if room == "" {
		writeError(w, http.StatusBadRequest, chat.ErrEmptyRoom)
		return
	}
	writeJSON(w, http.StatusOK, roomUsersResponse{Room: room, Users: s.rooms.GetUsers(room)})
}

// HandleRoomMessages pages through a room's history, oldest first.
// Query: limit (default from config, max 200), before (message id).
func (s *Server) HandleRoomMessages(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.PathValue("name"))
	if room == "" {
		writeError(w, http.StatusBadRequest, chat.ErrEmptyRoom)
		return
	}
	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errBadPayload)
			return
		}
		limit = parsed
	}
	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errBadPayload)
			return
		}
		before = parsed
	}
	messages, err := s.history.ListMessages(r.Context(), room, limit, before)
	if err != nil {
		s.logger.Error().Err(err).Str("room", room).Msg("list messages failed")
		writeError(w, http.StatusInternalServerError, chat.ErrInternal)
		return
	}
	views := make([]chat.MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, chat.MessageView{
			ID:        m.ID,
			Room:      m.Room,
			From:      m.FromIdentity,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
			ReadBy:    m.ReadBy,
		})
	}
	writeJSON(w, http.StatusOK, historyResponse{Room: room, Messages: views})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.history.Ping(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// MetricsHandler serves collected metrics, or 404 when none are wired.
func (s *Server) MetricsHandler() http.Handler {
	if s.metrics == nil {
		return http.NotFoundHandler()
	}
	return s.metrics
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
