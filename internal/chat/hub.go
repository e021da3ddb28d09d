package chat

import (
	"context"
	"errors"

	"go-meetup/internal/apperr"
	"go-meetup/internal/event"

	"go.uber.org/zap"
)

// MembershipChecker answers whether a user may see a group's events. It
// must read current persisted state.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

var errHubStopped = errors.New("hub stopped")

// Hub is the realtime gateway. Run owns every map below; other goroutines
// talk to it only through channels.
type Hub struct {
	clients map[*Client]bool
	rooms   map[int64]map[*Client]bool
	users   map[int64]map[*Client]bool

	Register    chan *Client
	Unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	direct      chan directFrame
	roomSize    chan roomSizeQuery
	outbound    chan frame // Broadcast/NotifyUser -> bus

	bus     Bus
	members MembershipChecker
	log     *zap.Logger
	opts    Options
	done    chan struct{}
}

type roomSizeQuery struct {
	groupID int64
	reply   chan int
}

func NewHub(bus Bus, members MembershipChecker, opts Options, log *zap.Logger) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		clients:     make(map[*Client]bool),
		rooms:       make(map[int64]map[*Client]bool),
		users:       make(map[int64]map[*Client]bool),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		direct:      make(chan directFrame, 64),
		roomSize:    make(chan roomSizeQuery),
		outbound:    make(chan frame, opts.OutboundBuffer),
		bus:         bus,
		members:     members,
		log:         log,
		opts:        opts,
		done:        make(chan struct{}),
	}
}

// Run subscribes to the bus and serves the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	inbound, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go h.publishLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case client := <-h.Register:
			h.clients[client] = true
			set(h.users, client.UserID)[client] = true
			h.log.Debug("client registered",
				zap.String("conn_id", client.ID.String()),
				zap.Int64("user_id", client.UserID))

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
			}

		case sub := <-h.subscribe:
			if h.clients[sub.client] {
				set(h.rooms, sub.groupID)[sub.client] = true
				sub.client.rooms[sub.groupID] = true
			}
			close(sub.done)

		case sub := <-h.unsubscribe:
			h.leave(sub.client, sub.groupID)
			close(sub.done)

		case d := <-h.direct:
			if h.clients[d.client] {
				h.send(d.client, d.data)
			}

		case q := <-h.roomSize:
			q.reply <- len(h.rooms[q.groupID])

		case f, ok := <-inbound:
			if !ok {
				h.shutdown()
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("bus subscription closed")
			}
			h.deliver(f)
		}
	}
}

func (h *Hub) shutdown() {
	for client := range h.clients {
		h.remove(client)
	}
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-h.outbound:
			if err := h.bus.Publish(ctx, f); err != nil {
				h.log.Error("bus publish failed", zap.String("kind", string(f.Kind)), zap.Error(err))
			}
		}
	}
}

func (h *Hub) deliver(f frame) {
	switch f.Kind {
	case frameRoom:
		// Snapshot of the room at the time the frame is processed.
		for client := range h.rooms[f.GroupID] {
			h.send(client, f.Data)
		}
	case frameUser:
		for client := range h.users[f.UserID] {
			h.send(client, f.Data)
		}
	case frameEvict:
		for client := range h.users[f.UserID] {
			h.leave(client, f.GroupID)
		}
	}
}

// send never blocks the run loop: a client whose buffer is full is dropped.
func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.log.Warn("dropping slow client",
			zap.String("conn_id", client.ID.String()),
			zap.Int64("user_id", client.UserID))
		h.remove(client)
	}
}

func (h *Hub) leave(client *Client, groupID int64) {
	if room, ok := h.rooms[groupID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, groupID)
		}
	}
	delete(client.rooms, groupID)
}

func (h *Hub) remove(client *Client) {
	for groupID := range client.rooms {
		h.leave(client, groupID)
	}
	if conns, ok := h.users[client.UserID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.users, client.UserID)
		}
	}
	delete(h.clients, client)
	close(client.Send)
}

func set(m map[int64]map[*Client]bool, key int64) map[*Client]bool {
	s, ok := m[key]
	if !ok {
		s = make(map[*Client]bool)
		m[key] = s
	}
	return s
}

// JoinRoom subscribes client to a group's room after checking, against the
// store, that its user is the creator or an approved participant. Joining a
// room twice is a no-op.
//
// Membership is checked again once subscribed: a leave that commits between
// the first check and the subscription may already have had its evict
// delivered, and the second read is guaranteed to see its deletion.
func (h *Hub) JoinRoom(ctx context.Context, client *Client, groupID int64) error {
	if err := h.checkMember(ctx, client, groupID); err != nil {
		return err
	}
	if err := h.roundTrip(ctx, h.subscribe, subscription{client: client, groupID: groupID, done: make(chan struct{})}); err != nil {
		return err
	}
	if err := h.checkMember(ctx, client, groupID); err != nil {
		if uerr := h.LeaveRoom(context.WithoutCancel(ctx), client, groupID); uerr != nil {
			h.log.Warn("undo room join", zap.Int64("group_id", groupID), zap.Error(uerr))
		}
		return err
	}
	return nil
}

func (h *Hub) checkMember(ctx context.Context, client *Client, groupID int64) error {
	member, err := h.members.IsMember(ctx, groupID, client.UserID)
	if err != nil {
		return err
	}
	if !member {
		return apperr.E(apperr.Forbidden, "gateway.joinRoom", "not a member of this group")
	}
	return nil
}

// LeaveRoom unsubscribes client from a room; no-op if not subscribed.
func (h *Hub) LeaveRoom(ctx context.Context, client *Client, groupID int64) error {
	return h.roundTrip(ctx, h.unsubscribe, subscription{client: client, groupID: groupID, done: make(chan struct{})})
}

func (h *Hub) roundTrip(ctx context.Context, ch chan subscription, sub subscription) error {
	select {
	case ch <- sub:
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-sub.done:
		return nil
	case <-h.done:
		return errHubStopped
	}
}

// RoomSize reports how many connections are subscribed to a group's room
// on this instance.
func (h *Hub) RoomSize(groupID int64) int {
	q := roomSizeQuery{groupID: groupID, reply: make(chan int, 1)}
	select {
	case h.roomSize <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

// Broadcast delivers e to every connection currently in the group's room
// across all instances.
func (h *Hub) Broadcast(groupID int64, e event.Event) {
	h.enqueue(frameRoom, groupID, 0, e)
}

// NotifyUser delivers e to every live connection of userID.
func (h *Hub) NotifyUser(userID int64, e event.Event) {
	h.enqueue(frameUser, 0, userID, e)
}

// EvictUser removes userID's connections from a group's room.
func (h *Hub) EvictUser(groupID, userID int64) {
	h.enqueue(frameEvict, groupID, userID, nil)
}

func (h *Hub) enqueue(kind frameKind, groupID, userID int64, e event.Event) {
	f := frame{Kind: kind, GroupID: groupID, UserID: userID}
	if e != nil {
		data, err := event.Encode(e)
		if err != nil {
			h.log.Error("encode event", zap.String("type", string(e.Type())), zap.Error(err))
			return
		}
		f.Data = data
	}
	if kind == frameEvict {
		// Evictions carry no persisted record to fall back on.
		select {
		case h.outbound <- f:
		case <-h.done:
		}
		return
	}
	select {
	case h.outbound <- f:
	case <-h.done:
	default:
		// Recipients recover from their stored notifications and history.
		h.log.Warn("outbound queue full, dropping frame",
			zap.String("kind", string(f.Kind)),
			zap.Int64("group_id", groupID),
			zap.Int64("user_id", userID))
	}
}

// reply sends an event to one connection only.
func (h *Hub) reply(client *Client, e event.Event) {
	data, err := event.Encode(e)
	if err != nil {
		h.log.Error("encode reply", zap.Error(err))
		return
	}
	select {
	case h.direct <- directFrame{client: client, data: data}:
	case <-h.done:
	}
}
