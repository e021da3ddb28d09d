// Package store is the persistence layer for groups, participants,
// messages and notifications.
//
// Every change that touches a group's membership or chat runs inside
// WithGroup, which holds an exclusive lock on that group for the duration
// of the transaction. Work on different groups never contends.
package store

import (
	"context"
	"errors"

	"go-meetup/internal/domain"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrContention is returned when a group transaction kept failing with
	// serialization conflicts after all retries.
	ErrContention = errors.New("store: transaction contention")
)

// DefaultRetries is the number of extra attempts WithGroup makes after a
// serialization failure.
const DefaultRetries = 3

type Store interface {
	CreateGroup(ctx context.Context, g *domain.Group) error
	Group(ctx context.Context, id int64) (*domain.Group, error)
	Participant(ctx context.Context, groupID, userID int64) (*domain.Participant, error)
	// Participants lists a group's rows, optionally filtered by status.
	Participants(ctx context.Context, groupID int64, status domain.Status) ([]domain.Participant, error)
	// Messages returns up to limit messages with ID > afterID in insertion order.
	Messages(ctx context.Context, groupID, afterID int64, limit int) ([]domain.Message, error)
	// Notifications returns a user's notifications, newest first.
	Notifications(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID int64) error

	// WithGroup runs fn in a transaction that holds the group's lock. fn's
	// writes are committed only if it returns nil. ErrNotFound is returned
	// if the group does not exist.
	WithGroup(ctx context.Context, groupID int64, fn func(tx Tx) error) error
}

// Tx is the view of one group inside WithGroup.
type Tx interface {
	Group() *domain.Group
	Participant(ctx context.Context, userID int64) (*domain.Participant, error)
	CountApproved(ctx context.Context) (int, error)
	// Members returns the creator followed by every approved participant.
	Members(ctx context.Context) ([]int64, error)
	InsertParticipant(ctx context.Context, p *domain.Participant) error
	// UpdateStatus moves a participant from one status to another and
	// returns ErrNotFound if no row with status from exists.
	UpdateStatus(ctx context.Context, userID int64, from, to domain.Status) error
	DeleteParticipant(ctx context.Context, userID int64, status domain.Status) error
	InsertMessage(ctx context.Context, m *domain.Message) error
	InsertNotification(ctx context.Context, n *domain.Notification) error
}
