package user

import (
	"encoding/json"
	"net/http"

	"go-meetup/internal/apperr"

	"go.uber.org/zap"
)

type Handler struct {
	Service *Service
	log     *zap.Logger
}

func NewHandler(s *Service, log *zap.Logger) *Handler {
	return &Handler{Service: s, log: log}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, h.log, apperr.E(apperr.Validation, "user.register", err))
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, h.log, apperr.E(apperr.Validation, "user.login", err))
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if apperr.KindOf(err) == apperr.Forbidden {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		apperr.Write(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}
