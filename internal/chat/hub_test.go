package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go-meetup/internal/apperr"
	"go-meetup/internal/domain"
	"go-meetup/internal/event"
	"go-meetup/internal/group"
	"go-meetup/internal/notification"
	"go-meetup/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// tokenAuth accepts "user-<id>" tokens.
type tokenAuth struct{}

func (tokenAuth) Authenticate(r *http.Request) (int64, string, error) {
	token := r.URL.Query().Get("token")
	id, err := strconv.ParseInt(strings.TrimPrefix(token, "user-"), 10, 64)
	if err != nil || !strings.HasPrefix(token, "user-") {
		return 0, "", apperr.E(apperr.Forbidden, "auth", "invalid token")
	}
	return id, token, nil
}

type gateway struct {
	store  *store.Memory
	hub    *Hub
	groups *group.Service
	chat   *Service
	server *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := zap.NewNop()

	s := store.NewMemory()
	hub := NewHub(NewLocalBus(256), group.NewMembership(s), Options{}, log)
	d := notification.NewDispatcher(s, hub, log)
	groups := group.NewService(s, d, log)
	chat := NewService(s, groups, d, log)
	h := NewHandler(ctx, hub, chat, tokenAuth{}, log)

	go hub.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(h.ServeWs))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &gateway{store: s, hub: hub, groups: groups, chat: chat, server: server}
}

func (g *gateway) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + fmt.Sprintf("?token=user-%d", userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// groupWithMembers creates a private group owned by user 1 and approves
// the given users.
func (g *gateway) groupWithMembers(t *testing.T, members ...int64) *domain.Group {
	t.Helper()
	ctx := context.Background()
	grp, err := g.groups.CreateGroup(ctx, 1, group.CreateGroupRequest{Name: "runners", MaxMembers: 10})
	require.NoError(t, err)
	for _, uid := range members {
		_, err := g.groups.RequestJoin(ctx, uid, grp.ID, "")
		require.NoError(t, err)
		_, err = g.groups.Approve(ctx, 1, grp.ID, uid)
		require.NoError(t, err)
	}
	return grp
}

func send(t *testing.T, conn *websocket.Conn, e event.Event) {
	t.Helper()
	data, err := event.Encode(e)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// next reads frames until one of type want arrives.
func next(t *testing.T, conn *websocket.Conn, want event.Type) event.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		evt, err := event.Decode(data)
		require.NoError(t, err)
		if evt.Type() == want {
			return evt
		}
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, groupID int64) {
	t.Helper()
	send(t, conn, event.JoinGroup{GroupID: groupID})
	require.Equal(t, event.RoomJoined{GroupID: groupID}, next(t, conn, event.TypeRoomJoined))
}

func TestServeWs_RejectsBadCredential(t *testing.T) {
	gw := newGateway(t)
	url := "ws" + strings.TrimPrefix(gw.server.URL, "http") + "?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinRoom_ForbiddenForNonMember(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t)

	// pending is not enough
	_, err := gw.groups.RequestJoin(context.Background(), 5, grp.ID, "")
	require.NoError(t, err)

	conn := gw.dial(t, 5)
	send(t, conn, event.JoinGroup{GroupID: grp.ID})
	got := next(t, conn, event.TypeError).(event.Error)
	require.Equal(t, string(apperr.Forbidden), got.Kind)
	require.Equal(t, event.TypeJoinGroup, got.Request)
	require.Equal(t, 0, gw.hub.RoomSize(grp.ID))
}

func TestJoinRoom_IsIdempotent(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t)

	conn := gw.dial(t, 1)
	joinRoom(t, conn, grp.ID)
	joinRoom(t, conn, grp.ID)
	require.Equal(t, 1, gw.hub.RoomSize(grp.ID))

	send(t, conn, event.LeaveGroup{GroupID: grp.ID})
	next(t, conn, event.TypeRoomLeft)
	require.Equal(t, 0, gw.hub.RoomSize(grp.ID))

	// leaving again is a no-op
	send(t, conn, event.LeaveGroup{GroupID: grp.ID})
	next(t, conn, event.TypeRoomLeft)
}

func TestReadPump_InvalidFrameGetsValidationError(t *testing.T) {
	gw := newGateway(t)
	conn := gw.dial(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_group","payload":{}}`)))
	got := next(t, conn, event.TypeError).(event.Error)
	require.Equal(t, string(apperr.Validation), got.Kind)

	send(t, conn, event.RoomJoined{GroupID: 3})
	got = next(t, conn, event.TypeError).(event.Error)
	require.Equal(t, string(apperr.Validation), got.Kind)
}

func TestBroadcast_MessagesArriveInPersistedOrder(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t, 2, 3)

	subscribers := []*websocket.Conn{gw.dial(t, 1), gw.dial(t, 2), gw.dial(t, 3)}
	for _, conn := range subscribers {
		joinRoom(t, conn, grp.ID)
	}

	const perSender = 10
	var wg sync.WaitGroup
	errs := make(chan error, 3*perSender)
	for _, sender := range []int64{1, 2, 3} {
		wg.Add(1)
		go func(sender int64) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := gw.chat.Send(context.Background(), sender, grp.ID, fmt.Sprintf("%d-%d", sender, i))
				errs <- err
			}
		}(sender)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	persisted, err := gw.store.Messages(context.Background(), grp.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, persisted, 3*perSender)

	for _, conn := range subscribers {
		for _, want := range persisted {
			got := next(t, conn, event.TypeNewMessage).(event.NewMessage)
			require.Equal(t, want.ID, got.ID)
			require.Equal(t, want.Content, got.Content)
		}
	}
}

func TestSendMessage_OverSocket(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t, 2)

	sender := gw.dial(t, 2)
	listener := gw.dial(t, 1)
	joinRoom(t, listener, grp.ID)

	send(t, sender, event.SendMessage{GroupID: grp.ID, Content: "see you at 7"})
	got := next(t, listener, event.TypeNewMessage).(event.NewMessage)
	require.Equal(t, "see you at 7", got.Content)
	require.Equal(t, int64(2), got.SenderID)

	// the creator also gets a persisted notification pushed live
	note := next(t, listener, event.TypeNotification).(event.Notification)
	require.Equal(t, domain.NotifyNewMessage, note.Note.Type)
	require.Equal(t, int64(1), note.Note.RecipientID)
	require.Equal(t, grp.ID, note.Note.GroupID)
}

func TestSendMessage_NonMemberForbidden(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t)

	_, err := gw.chat.Send(context.Background(), 9, grp.ID, "hello?")
	require.True(t, apperr.Is(err, apperr.Forbidden))

	conn := gw.dial(t, 9)
	send(t, conn, event.SendMessage{GroupID: grp.ID, Content: "hello?"})
	got := next(t, conn, event.TypeError).(event.Error)
	require.Equal(t, string(apperr.Forbidden), got.Kind)
}

func TestDisconnect_RemovesFromRooms(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t, 2)

	conn := gw.dial(t, 2)
	joinRoom(t, conn, grp.ID)
	require.Equal(t, 1, gw.hub.RoomSize(grp.ID))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return gw.hub.RoomSize(grp.ID) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestLeaveGroup_EvictsFromRoom(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t, 2)

	creator := gw.dial(t, 1)
	member := gw.dial(t, 2)
	joinRoom(t, creator, grp.ID)
	joinRoom(t, member, grp.ID)

	require.NoError(t, gw.groups.Leave(context.Background(), 2, grp.ID))

	left := next(t, creator, event.TypeMemberLeft).(event.MemberLeft)
	require.Equal(t, int64(2), left.UserID)
	require.Eventually(t, func() bool { return gw.hub.RoomSize(grp.ID) == 1 }, 5*time.Second, 10*time.Millisecond)

	// re-subscribing is refused now that the row is gone
	send(t, member, event.JoinGroup{GroupID: grp.ID})
	got := next(t, member, event.TypeError).(event.Error)
	require.Equal(t, string(apperr.Forbidden), got.Kind)
}

func TestHistory(t *testing.T) {
	gw := newGateway(t)
	grp := gw.groupWithMembers(t, 2)
	ctx := context.Background()

	first, err := gw.chat.Send(ctx, 1, grp.ID, "one")
	require.NoError(t, err)
	_, err = gw.chat.Send(ctx, 2, grp.ID, "two")
	require.NoError(t, err)

	msgs, err := gw.chat.History(ctx, 2, grp.ID, first.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "two", msgs[0].Content)

	_, err = gw.chat.History(ctx, 7, grp.ID, 0, 0)
	require.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestGroupLocks_ReleasesEntries(t *testing.T) {
	locks := newGroupLocks()
	unlock := locks.lock(4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		locks.lock(4)()
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	require.Empty(t, locks.locks)
}

func TestHub_StoppedHubRefusesWork(t *testing.T) {
	s := store.NewMemory()
	hub := NewHub(NewLocalBus(1), group.NewMembership(s), Options{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	err := hub.register(&Client{})
	require.True(t, errors.Is(err, errHubStopped))
}

// leaveDuringCheck answers the first membership check truthfully and then
// runs leave, so the subscription lands after the leave has committed.
type leaveDuringCheck struct {
	inner MembershipChecker
	once  sync.Once
	leave func()
}

func (c *leaveDuringCheck) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	ok, err := c.inner.IsMember(ctx, groupID, userID)
	c.once.Do(c.leave)
	return ok, err
}

func TestJoinRoom_LeaveCommittedMidJoinIsRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := zap.NewNop()

	s := store.NewMemory()
	checker := &leaveDuringCheck{inner: group.NewMembership(s)}
	hub := NewHub(NewLocalBus(64), checker, Options{}, log)
	groups := group.NewService(s, notification.NewDispatcher(s, hub, log), log)
	go hub.Run(ctx)

	grp, err := groups.CreateGroup(ctx, 1, group.CreateGroupRequest{Name: "climbers", MaxMembers: 5, Public: true})
	require.NoError(t, err)
	_, err = groups.RequestJoin(ctx, 2, grp.ID, "")
	require.NoError(t, err)

	checker.leave = func() {
		require.NoError(t, groups.Leave(ctx, 2, grp.ID))
	}

	client := &Client{UserID: 2, Hub: hub, Send: make(chan []byte, 16), rooms: make(map[int64]bool)}
	require.NoError(t, hub.register(client))

	err = hub.JoinRoom(ctx, client, grp.ID)
	require.True(t, apperr.Is(err, apperr.Forbidden))
	require.Equal(t, 0, hub.RoomSize(grp.ID))
}

func TestBroadcast_FullOutboundQueueDoesNotBlock(t *testing.T) {
	// Not running: nothing drains the outbound queue.
	hub := NewHub(NewLocalBus(1), group.NewMembership(store.NewMemory()), Options{OutboundBuffer: 1}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 3; i++ {
			hub.Broadcast(1, event.MemberLeft{GroupID: 1, UserID: i})
			hub.NotifyUser(i, event.RoomLeft{GroupID: 1})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}
	require.Len(t, hub.outbound, 1)
}
