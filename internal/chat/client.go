package chat

import (
	"context"
	"time"

	"go-meetup/internal/apperr"
	"go-meetup/internal/domain"
	"go-meetup/internal/event"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	WriteWait      time.Duration // time allowed to write a frame to the peer
	PongWait       time.Duration // time allowed to read the next pong from the peer
	MaxMessageSize int64         // maximum frame size allowed from the peer
	SendBuffer     int           // per-connection outbound buffer
	OutboundBuffer int           // hub -> bus queue
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.OutboundBuffer <= 0 {
		o.OutboundBuffer = 1024
	}
	return o
}

// pingPeriod must be less than PongWait.
func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// MessageSender persists and dispatches a chat message.
type MessageSender interface {
	Send(ctx context.Context, senderID, groupID int64, content string) (*domain.Message, error)
}

// Client is one authenticated connection, a middleman between the websocket
// and the hub.
type Client struct {
	ID       uuid.UUID
	UserID   int64
	Username string
	Hub      *Hub
	Conn     *websocket.Conn
	// Buffered channel of outbound frames. Only the hub closes it.
	Send chan []byte

	// rooms is owned by the hub's run loop.
	rooms map[int64]bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64, username string) *Client {
	return &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Username: username,
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, hub.opts.SendBuffer),
		rooms:    make(map[int64]bool),
	}
}

// ReadPump reads frames from the websocket, validates them and handles the
// client -> server events. It returns when the connection fails.
func (c *Client) ReadPump(ctx context.Context, messages MessageSender) {
	log := c.Hub.log.With(zap.String("conn_id", c.ID.String()), zap.Int64("user_id", c.UserID))
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	opts := c.Hub.opts
	c.Conn.SetReadLimit(opts.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Info("connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		evt, err := event.Decode(data)
		if err != nil {
			c.Hub.reply(c, event.Error{Kind: string(apperr.Validation), Message: err.Error()})
			continue
		}
		c.handle(ctx, log, messages, evt)
	}
}

func (c *Client) handle(ctx context.Context, log *zap.Logger, messages MessageSender, evt event.Event) {
	var err error
	switch e := evt.(type) {
	case event.JoinGroup:
		if err = c.Hub.JoinRoom(ctx, c, e.GroupID); err == nil {
			c.Hub.reply(c, event.RoomJoined{GroupID: e.GroupID})
		}
	case event.LeaveGroup:
		if err = c.Hub.LeaveRoom(ctx, c, e.GroupID); err == nil {
			c.Hub.reply(c, event.RoomLeft{GroupID: e.GroupID})
		}
	case event.SendMessage:
		// The new_message broadcast is the acknowledgement.
		_, err = messages.Send(ctx, c.UserID, e.GroupID, e.Content)
	default:
		err = apperr.E(apperr.Validation, "gateway", "event not accepted from clients")
	}
	if err != nil {
		kind := apperr.KindOf(err)
		msg := err.Error()
		if kind == apperr.Internal {
			log.Error("handle client event", zap.String("type", string(evt.Type())), zap.Error(err))
			msg = "internal error"
		}
		c.Hub.reply(c, event.Error{Kind: string(kind), Message: msg, Request: evt.Type()})
	}
}

// WritePump pumps frames from the hub to the websocket and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	opts := c.Hub.opts
	ticker := time.NewTicker(opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per event; clients decode frames individually.
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(c *Client) error {
	select {
	case h.Register <- c:
		return nil
	case <-h.done:
		return errHubStopped
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}
