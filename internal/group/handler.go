package group

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go-meetup/internal/apperr"
	"go-meetup/internal/domain"
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

// POST /api/groups
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, h.log, apperr.E(apperr.Validation, "group.create", err))
		return
	}
	g, err := h.service.CreateGroup(r.Context(), userID, req)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// GET /api/groups/{groupID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.idParam(w, r, "groupID")
	if !ok {
		return
	}
	g, err := h.service.Group(r.Context(), groupID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// POST /api/groups/{groupID}/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	groupID, ok := h.idParam(w, r, "groupID")
	if !ok {
		return
	}
	var req JoinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperr.Write(w, h.log, apperr.E(apperr.Validation, "group.requestJoin", err))
			return
		}
	}
	p, err := h.service.RequestJoin(r.Context(), userID, groupID, req.Message)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// POST /api/groups/{groupID}/participants/{userID}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Approve)
}

// POST /api/groups/{groupID}/participants/{userID}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Reject)
}

type decideFunc func(ctx context.Context, actingUserID, groupID, targetUserID int64) (*domain.Participant, error)

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	actingUserID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	groupID, ok := h.idParam(w, r, "groupID")
	if !ok {
		return
	}
	targetUserID, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	p, err := fn(r.Context(), actingUserID, groupID, targetUserID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DELETE /api/groups/{groupID}/membership
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	groupID, ok := h.idParam(w, r, "groupID")
	if !ok {
		return
	}
	if err := h.service.Leave(r.Context(), userID, groupID); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/groups/{groupID}/participants?status=PENDING
func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	groupID, ok := h.idParam(w, r, "groupID")
	if !ok {
		return
	}
	status := domain.Status(r.URL.Query().Get("status"))
	list, err := h.service.Participants(r.Context(), userID, groupID, status)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if list == nil {
		list = []domain.Participant{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		apperr.Write(w, h.log, apperr.E(apperr.Validation, "group", "invalid "+name))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
