// Package notification turns committed membership and chat changes into
// persisted notifications and live events.
package notification

import (
	"context"
	"encoding/json"

	"go-meetup/internal/domain"
	"go-meetup/internal/event"
	"go-meetup/internal/store"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Broadcaster is the live side of dispatch. Implementations must not block
// the caller on network I/O.
type Broadcaster interface {
	// Broadcast delivers e to every connection subscribed to the group's room.
	Broadcast(groupID int64, e event.Event)
	// NotifyUser delivers e to every live connection of one user.
	NotifyUser(userID int64, e event.Event)
	// EvictUser drops a user's connections from a group's room.
	EvictUser(groupID, userID int64)
}

// Change describes one committed domain event.
type Change struct {
	GroupID    int64
	Type       domain.NotificationType
	Recipients []int64
	Payload    any
	// Room is broadcast to the group's room after commit; nil for none.
	Room event.Event
	// Evict names a user whose connections must leave the room; 0 for none.
	Evict int64
}

type Dispatcher struct {
	store store.Store
	hub   Broadcaster
	log   *zap.Logger
}

func NewDispatcher(s store.Store, hub Broadcaster, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: s, hub: hub, log: log}
}

// Record writes exactly one notification per distinct recipient inside the
// caller's transaction.
func (d *Dispatcher) Record(ctx context.Context, tx store.Tx, c Change) ([]domain.Notification, error) {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, err
	}
	recipients := lo.Uniq(lo.Filter(c.Recipients, func(id int64, _ int) bool { return id > 0 }))

	notes := make([]domain.Notification, 0, len(recipients))
	for _, uid := range recipients {
		n := domain.Notification{
			RecipientID: uid,
			Type:        c.Type,
			GroupID:     c.GroupID,
			Payload:     payload,
		}
		if err := tx.InsertNotification(ctx, &n); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// Publish pushes a committed change to live connections. It must only be
// called once the transaction that recorded notes has committed.
func (d *Dispatcher) Publish(c Change, notes []domain.Notification) {
	if c.Evict != 0 {
		d.hub.EvictUser(c.GroupID, c.Evict)
	}
	if c.Room != nil {
		d.hub.Broadcast(c.GroupID, c.Room)
	}
	for _, n := range notes {
		d.hub.NotifyUser(n.RecipientID, event.Notification{Note: n})
	}
	d.log.Debug("dispatched change",
		zap.Int64("group_id", c.GroupID),
		zap.String("type", string(c.Type)),
		zap.Int("notifications", len(notes)))
}

// Dispatch records c in its own group transaction and publishes it.
func (d *Dispatcher) Dispatch(ctx context.Context, c Change) error {
	var notes []domain.Notification
	err := d.store.WithGroup(ctx, c.GroupID, func(tx store.Tx) error {
		var err error
		notes, err = d.Record(ctx, tx, c)
		return err
	})
	if err != nil {
		return err
	}
	d.Publish(c, notes)
	return nil
}
