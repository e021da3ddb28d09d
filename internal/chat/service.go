package chat

import (
	"context"
	"errors"
	"sync"

	"go-meetup/internal/apperr"
	"go-meetup/internal/domain"
	"go-meetup/internal/event"
	"go-meetup/internal/notification"
	"go-meetup/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

var validate = validator.New()

type SendMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

// Service persists chat messages and dispatches them in commit order.
type Service struct {
	store      store.Store
	members    MembershipChecker
	dispatcher *notification.Dispatcher
	locks      *groupLocks
	log        *zap.Logger
}

func NewService(s store.Store, members MembershipChecker, d *notification.Dispatcher, log *zap.Logger) *Service {
	return &Service{store: s, members: members, dispatcher: d, locks: newGroupLocks(), log: log}
}

// Send stores a message and broadcasts it to the group's room. The group
// lock is held from insert until the broadcast is queued, so live
// subscribers see messages in the order they were persisted.
func (s *Service) Send(ctx context.Context, senderID, groupID int64, content string) (*domain.Message, error) {
	const op = "chat.send"
	if err := validate.Struct(SendMessageRequest{Content: content}); err != nil {
		return nil, apperr.E(apperr.Validation, op, err)
	}

	unlock := s.locks.lock(groupID)
	defer unlock()

	var (
		msg    *domain.Message
		change notification.Change
		notes  []domain.Notification
	)
	err := s.store.WithGroup(ctx, groupID, func(tx store.Tx) error {
		members, err := tx.Members(ctx)
		if err != nil {
			return err
		}
		if !lo.Contains(members, senderID) {
			return apperr.E(apperr.Forbidden, op, "not a member of this group")
		}

		msg = &domain.Message{SenderID: senderID, Content: content}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		change = notification.Change{
			GroupID:    groupID,
			Type:       domain.NotifyNewMessage,
			Recipients: lo.Without(members, senderID),
			Payload:    msg,
			Room:       event.NewMessage{Message: *msg},
		}
		notes, err = s.dispatcher.Record(ctx, tx, change)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.E(apperr.NotFound, op, "group not found")
	}
	if errors.Is(err, store.ErrContention) {
		return nil, apperr.E(apperr.Conflict, op, err)
	}
	if err != nil {
		return nil, err
	}

	s.dispatcher.Publish(change, notes)
	return msg, nil
}

// History returns messages after afterID in persisted order. Only the
// creator and approved participants may read it.
func (s *Service) History(ctx context.Context, userID, groupID, afterID int64, limit int) ([]domain.Message, error) {
	member, err := s.members.IsMember(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperr.E(apperr.Forbidden, "chat.history", "not a member of this group")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.store.Messages(ctx, groupID, afterID, limit)
}

// groupLocks is a reference-counted mutex per group id.
type groupLocks struct {
	mu    sync.Mutex
	locks map[int64]*groupLock
}

type groupLock struct {
	sync.Mutex
	refs int
}

func newGroupLocks() *groupLocks {
	return &groupLocks{locks: make(map[int64]*groupLock)}
}

func (g *groupLocks) lock(groupID int64) (unlock func()) {
	g.mu.Lock()
	l, ok := g.locks[groupID]
	if !ok {
		l = &groupLock{}
		g.locks[groupID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, groupID)
		}
		g.mu.Unlock()
	}
}
