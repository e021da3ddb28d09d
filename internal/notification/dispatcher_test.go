package notification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go-meetup/internal/domain"
	"go-meetup/internal/event"
	"go-meetup/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	kind    string
	groupID int64
	userID  int64
	event   event.Event
}

type fakeHub struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeHub) Broadcast(groupID int64, e event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "room", groupID: groupID, event: e})
}

func (f *fakeHub) NotifyUser(userID int64, e event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "user", userID: userID, event: e})
}

func (f *fakeHub) EvictUser(groupID, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "evict", groupID: groupID, userID: userID})
}

func setup(t *testing.T) (*store.Memory, *fakeHub, *Dispatcher, *domain.Group) {
	t.Helper()
	s := store.NewMemory()
	g := &domain.Group{CreatorID: 1, Name: "climbers", MaxMembers: 4}
	require.NoError(t, s.CreateGroup(context.Background(), g))
	hub := &fakeHub{}
	return s, hub, NewDispatcher(s, hub, zap.NewNop()), g
}

func TestDispatch_OneNotificationPerRecipient(t *testing.T) {
	ctx := context.Background()
	s, hub, d, g := setup(t)

	err := d.Dispatch(ctx, Change{
		GroupID:    g.ID,
		Type:       domain.NotifyMemberJoined,
		Recipients: []int64{1, 2, 2, 0},
		Payload:    event.MemberJoined{GroupID: g.ID, UserID: 2},
		Room:       event.MemberJoined{GroupID: g.ID, UserID: 2},
	})
	require.NoError(t, err)

	for _, uid := range []int64{1, 2} {
		notes, err := s.Notifications(ctx, uid, false, 10)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		require.Equal(t, domain.NotifyMemberJoined, notes[0].Type)
		require.JSONEq(t, `{"group_id":1,"user_id":2}`, string(notes[0].Payload))
	}

	require.Len(t, hub.calls, 3)
	require.Equal(t, "room", hub.calls[0].kind)
	require.Equal(t, "user", hub.calls[1].kind)
	require.Equal(t, int64(1), hub.calls[1].userID)
	require.Equal(t, int64(2), hub.calls[2].userID)
}

func TestDispatch_EvictsBeforeBroadcast(t *testing.T) {
	_, hub, d, g := setup(t)

	require.NoError(t, d.Dispatch(context.Background(), Change{
		GroupID:    g.ID,
		Type:       domain.NotifyMemberLeft,
		Recipients: []int64{1},
		Room:       event.MemberLeft{GroupID: g.ID, UserID: 3},
		Evict:      3,
	}))

	require.Equal(t, "evict", hub.calls[0].kind)
	require.Equal(t, int64(3), hub.calls[0].userID)
	require.Equal(t, "room", hub.calls[1].kind)
}

func TestRecord_RolledBackTransactionPublishesNothing(t *testing.T) {
	ctx := context.Background()
	s, hub, d, g := setup(t)
	boom := errors.New("boom")

	err := s.WithGroup(ctx, g.ID, func(tx store.Tx) error {
		_, err := d.Record(ctx, tx, Change{GroupID: g.ID, Type: domain.NotifyJoinRequested, Recipients: []int64{1}})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	notes, err := s.Notifications(ctx, 1, false, 10)
	require.NoError(t, err)
	require.Empty(t, notes)
	require.Empty(t, hub.calls)
}

func TestService_MarkRead(t *testing.T) {
	ctx := context.Background()
	s, _, d, g := setup(t)
	svc := NewService(s)
	require.NoError(t, d.Dispatch(ctx, Change{GroupID: g.ID, Type: domain.NotifyJoinApproved, Recipients: []int64{5}}))

	notes, err := svc.List(ctx, 5, true, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	require.NoError(t, svc.MarkRead(ctx, 5, notes[0].ID))
	unread, err := svc.List(ctx, 5, true, 0)
	require.NoError(t, err)
	require.Empty(t, unread)

	err = svc.MarkRead(ctx, 5, 999)
	require.Error(t, err)
}
