// Package group owns the membership state machine of capacity-limited
// groups:
//
//	NONE -> PENDING -> APPROVED | REJECTED
//	APPROVED -> NONE (leave)
//
// The creator is implicitly approved, always occupies one slot, and cannot
// leave. Every transition that can change the approved count runs inside a
// store.WithGroup transaction, so the capacity check and the write are one
// atomic unit.
package group

import (
	"context"
	"errors"

	"go-meetup/internal/apperr"
	"go-meetup/internal/domain"
	"go-meetup/internal/event"
	"go-meetup/internal/notification"
	"go-meetup/internal/store"

	"go.uber.org/zap"
)

type Service struct {
	store      store.Store
	members    *Membership
	dispatcher *notification.Dispatcher
	log        *zap.Logger
}

func NewService(s store.Store, d *notification.Dispatcher, log *zap.Logger) *Service {
	return &Service{store: s, members: NewMembership(s), dispatcher: d, log: log}
}

func (s *Service) CreateGroup(ctx context.Context, creatorID int64, req CreateGroupRequest) (*domain.Group, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.E(apperr.Validation, "group.create", err)
	}
	g := &domain.Group{
		CreatorID:  creatorID,
		Name:       req.Name,
		MaxMembers: req.MaxMembers,
		Public:     req.Public,
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	s.log.Info("group created", zap.Int64("group_id", g.ID), zap.Int64("creator_id", creatorID))
	return g, nil
}

func (s *Service) Group(ctx context.Context, groupID int64) (*domain.Group, error) {
	g, err := s.store.Group(ctx, groupID)
	if err != nil {
		return nil, mapStoreError("group.get", err)
	}
	return g, nil
}

// IsMember reports whether userID is the creator or an approved participant.
func (s *Service) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	return s.members.IsMember(ctx, groupID, userID)
}

// Participants lists a group's participants. The creator sees every row;
// members only see approved participants; anyone else is forbidden.
func (s *Service) Participants(ctx context.Context, actingUserID, groupID int64, status domain.Status) ([]domain.Participant, error) {
	const op = "group.participants"
	if status != "" && !status.Valid() {
		return nil, apperr.E(apperr.Validation, op, "unknown status")
	}
	g, err := s.store.Group(ctx, groupID)
	if err != nil {
		return nil, mapStoreError(op, err)
	}
	if g.CreatorID != actingUserID {
		member, err := s.IsMember(ctx, groupID, actingUserID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, apperr.E(apperr.Forbidden, op, "not a member of this group")
		}
		if status != "" && status != domain.StatusApproved {
			return nil, apperr.E(apperr.Forbidden, op, "only the creator can list pending or rejected participants")
		}
		status = domain.StatusApproved
	}
	return s.store.Participants(ctx, groupID, status)
}

// RequestJoin creates a PENDING participant, or an APPROVED one when the
// group is public and has a free slot.
func (s *Service) RequestJoin(ctx context.Context, userID, groupID int64, message string) (*domain.Participant, error) {
	const op = "group.requestJoin"
	if err := validate.Struct(JoinRequest{Message: message}); err != nil {
		return nil, apperr.E(apperr.Validation, op, err)
	}

	var (
		p      *domain.Participant
		change notification.Change
		notes  []domain.Notification
	)
	err := s.store.WithGroup(ctx, groupID, func(tx store.Tx) error {
		g := tx.Group()
		if g.CreatorID == userID {
			return apperr.E(apperr.Conflict, op, apperr.ErrAlreadyMember)
		}
		if _, err := tx.Participant(ctx, userID); err == nil {
			return apperr.E(apperr.Conflict, op, apperr.ErrAlreadyMember)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		p = &domain.Participant{UserID: userID, Status: domain.StatusPending, Message: message}
		change = notification.Change{
			GroupID:    g.ID,
			Type:       domain.NotifyJoinRequested,
			Recipients: []int64{g.CreatorID},
			Payload:    JoinRequested{GroupID: g.ID, UserID: userID, Message: message},
		}

		if g.Public {
			approved, err := tx.CountApproved(ctx)
			if err != nil {
				return err
			}
			if !g.HasRoomFor(approved) {
				return apperr.E(apperr.Conflict, op, apperr.ErrCapacityExceeded)
			}
			p.Status = domain.StatusApproved
			joined := event.MemberJoined{GroupID: g.ID, UserID: userID}
			change = notification.Change{
				GroupID:    g.ID,
				Type:       domain.NotifyMemberJoined,
				Recipients: []int64{g.CreatorID},
				Payload:    joined,
				Room:       joined,
			}
		}

		if err := tx.InsertParticipant(ctx, p); err != nil {
			return err
		}
		var err error
		notes, err = s.dispatcher.Record(ctx, tx, change)
		return err
	})
	if err != nil {
		return nil, mapStoreError(op, err)
	}

	s.dispatcher.Publish(change, notes)
	s.log.Info("join requested",
		zap.Int64("group_id", groupID),
		zap.Int64("user_id", userID),
		zap.String("status", string(p.Status)))
	return p, nil
}

// Approve moves a PENDING participant to APPROVED. Capacity is re-checked
// inside the transaction so concurrent approvals cannot overfill the group.
func (s *Service) Approve(ctx context.Context, actingUserID, groupID, targetUserID int64) (*domain.Participant, error) {
	const op = "group.approve"
	var (
		p      *domain.Participant
		change notification.Change
		notes  []domain.Notification
	)
	err := s.store.WithGroup(ctx, groupID, func(tx store.Tx) error {
		g := tx.Group()
		var err error
		if p, err = pendingTarget(ctx, tx, op, actingUserID, targetUserID); err != nil {
			return err
		}

		approved, err := tx.CountApproved(ctx)
		if err != nil {
			return err
		}
		if !g.HasRoomFor(approved) {
			return apperr.E(apperr.Conflict, op, apperr.ErrCapacityExceeded)
		}
		if err := tx.UpdateStatus(ctx, targetUserID, domain.StatusPending, domain.StatusApproved); err != nil {
			return err
		}
		p.Status = domain.StatusApproved

		change = notification.Change{
			GroupID:    g.ID,
			Type:       domain.NotifyJoinApproved,
			Recipients: []int64{targetUserID},
			Payload:    Decision{GroupID: g.ID, UserID: targetUserID, Status: domain.StatusApproved},
			Room:       event.MemberJoined{GroupID: g.ID, UserID: targetUserID},
		}
		notes, err = s.dispatcher.Record(ctx, tx, change)
		return err
	})
	if err != nil {
		return nil, mapStoreError(op, err)
	}

	s.dispatcher.Publish(change, notes)
	s.log.Info("participant approved", zap.Int64("group_id", groupID), zap.Int64("user_id", targetUserID))
	return p, nil
}

// Reject moves a PENDING participant to REJECTED and notifies only them.
func (s *Service) Reject(ctx context.Context, actingUserID, groupID, targetUserID int64) (*domain.Participant, error) {
	const op = "group.reject"
	var (
		p      *domain.Participant
		change notification.Change
		notes  []domain.Notification
	)
	err := s.store.WithGroup(ctx, groupID, func(tx store.Tx) error {
		var err error
		if p, err = pendingTarget(ctx, tx, op, actingUserID, targetUserID); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, targetUserID, domain.StatusPending, domain.StatusRejected); err != nil {
			return err
		}
		p.Status = domain.StatusRejected

		change = notification.Change{
			GroupID:    groupID,
			Type:       domain.NotifyJoinRejected,
			Recipients: []int64{targetUserID},
			Payload:    Decision{GroupID: groupID, UserID: targetUserID, Status: domain.StatusRejected},
		}
		notes, err = s.dispatcher.Record(ctx, tx, change)
		return err
	})
	if err != nil {
		return nil, mapStoreError(op, err)
	}

	s.dispatcher.Publish(change, notes)
	s.log.Info("participant rejected", zap.Int64("group_id", groupID), zap.Int64("user_id", targetUserID))
	return p, nil
}

// Leave removes the caller's APPROVED row and drops their live connections
// from the group's room.
func (s *Service) Leave(ctx context.Context, userID, groupID int64) error {
	const op = "group.leave"
	var (
		change notification.Change
		notes  []domain.Notification
	)
	err := s.store.WithGroup(ctx, groupID, func(tx store.Tx) error {
		g := tx.Group()
		if g.CreatorID == userID {
			return apperr.E(apperr.Forbidden, op, "the creator cannot leave the group")
		}
		if err := tx.DeleteParticipant(ctx, userID, domain.StatusApproved); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.E(apperr.NotFound, op, "not an approved participant")
			}
			return err
		}

		left := event.MemberLeft{GroupID: g.ID, UserID: userID}
		change = notification.Change{
			GroupID:    g.ID,
			Type:       domain.NotifyMemberLeft,
			Recipients: []int64{g.CreatorID},
			Payload:    left,
			Room:       left,
			Evict:      userID,
		}
		var err error
		notes, err = s.dispatcher.Record(ctx, tx, change)
		return err
	})
	if err != nil {
		return mapStoreError(op, err)
	}

	s.dispatcher.Publish(change, notes)
	s.log.Info("participant left", zap.Int64("group_id", groupID), zap.Int64("user_id", userID))
	return nil
}

// pendingTarget enforces creator-only transitions and returns the target's
// PENDING row.
func pendingTarget(ctx context.Context, tx store.Tx, op string, actingUserID, targetUserID int64) (*domain.Participant, error) {
	if tx.Group().CreatorID != actingUserID {
		return nil, apperr.E(apperr.Forbidden, op, "only the group creator can decide join requests")
	}
	p, err := tx.Participant(ctx, targetUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.E(apperr.NotFound, op, "no join request for this user")
	}
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusPending {
		return nil, apperr.E(apperr.Conflict, op, apperr.ErrDuplicateTransition)
	}
	return p, nil
}

func mapStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.E(apperr.NotFound, op, "group not found")
	case errors.Is(err, store.ErrDuplicate):
		return apperr.E(apperr.Conflict, op, apperr.ErrAlreadyMember)
	case errors.Is(err, store.ErrContention):
		return apperr.E(apperr.Conflict, op, apperr.ErrCapacityExceeded)
	}
	return err
}
