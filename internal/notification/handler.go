package notification

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go-meetup/internal/apperr"
	myMiddleware "go-meetup/internal/middleware"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	service *Service
	log     *zap.Logger
}

func NewHandler(s *Service, log *zap.Logger) *Handler {
	return &Handler{service: s, log: log}
}

// List returns the caller's notifications, newest first.
// GET /api/notifications?unread=true&limit=50
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	notes, err := h.service.List(r.Context(), userID, unread, limit)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notes)
}

// MarkRead flags one notification as read.
// POST /api/notifications/{notificationID}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "notificationID"), 10, 64)
	if err != nil {
		apperr.Write(w, h.log, apperr.E(apperr.Validation, "notification.markRead", "invalid notification id"))
		return
	}
	if err := h.service.MarkRead(r.Context(), userID, id); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
