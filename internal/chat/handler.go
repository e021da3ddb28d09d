package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go-meetup/internal/apperr"
	"go-meetup/internal/domain"
	myMiddleware "go-meetup/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Authenticator validates a handshake's credential.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, string, error)
}

type Handler struct {
	hub     *Hub
	service *Service
	auth    Authenticator
	// ctx outlives individual requests; pumps stop when it is cancelled.
	ctx context.Context
	log *zap.Logger
}

func NewHandler(ctx context.Context, hub *Hub, service *Service, auth Authenticator, log *zap.Logger) *Handler {
	return &Handler{hub: hub, service: service, auth: auth, ctx: ctx, log: log}
}

// ServeWs authenticates the handshake once, upgrades it and starts the
// connection's pumps. The new connection is subscribed to no rooms.
// GET /ws?token=...
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, userID, username)
	if err := h.hub.register(client); err != nil {
		conn.Close()
		return
	}
	h.log.Info("client connected", zap.String("conn_id", client.ID.String()), zap.Int64("user_id", userID))

	go client.WritePump()
	go client.ReadPump(h.ctx, h.service)
}

// SendMessage is the request/response twin of the send_message event.
// POST /api/groups/{groupID}/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	groupID, ok := h.groupID(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, h.log, apperr.E(apperr.Validation, "chat.send", err))
		return
	}
	msg, err := h.service.Send(r.Context(), userID, groupID, req.Content)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

// GetChatHistory returns messages in persisted order; clients pass the last
// id they saw as "after" to catch up after a reconnect.
// GET /api/groups/{groupID}/messages?after=0&limit=50
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	groupID, ok := h.groupID(w, r)
	if !ok {
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.service.History(r.Context(), userID, groupID, after, limit)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

func (h *Handler) groupID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil || id <= 0 {
		apperr.Write(w, h.log, apperr.E(apperr.Validation, "chat", "invalid group id"))
		return 0, false
	}
	return id, true
}
