package notification

import (
	"context"
	"errors"

	"go-meetup/internal/apperr"
	"go-meetup/internal/domain"
	"go-meetup/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Service exposes a user's persisted notifications so a client that was
// offline can catch up after reconnecting.
type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

func (s *Service) List(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return s.store.Notifications(ctx, userID, unreadOnly, limit)
}

func (s *Service) MarkRead(ctx context.Context, userID, notificationID int64) error {
	err := s.store.MarkNotificationRead(ctx, userID, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.E(apperr.NotFound, "notification.markRead", "notification not found")
	}
	return err
}
