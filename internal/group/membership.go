package group

import (
	"context"
	"errors"

	"go-meetup/internal/domain"
	"go-meetup/internal/store"
)

// Membership answers "may this user see this group's events" from
// persisted state on every call; nothing is cached.
type Membership struct {
	store store.Store
}

func NewMembership(s store.Store) *Membership {
	return &Membership{store: s}
}

func (m *Membership) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	g, err := m.store.Group(ctx, groupID)
	if err != nil {
		return false, mapStoreError("group.isMember", err)
	}
	if g.CreatorID == userID {
		return true, nil
	}
	p, err := m.store.Participant(ctx, groupID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status == domain.StatusApproved, nil
}
