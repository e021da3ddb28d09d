// Package event defines the messages exchanged over the realtime channel.
//
// Every frame on the wire is an Envelope whose Type selects exactly one
// payload struct. Frames are decoded and validated here, at the connection
// boundary, so handlers only ever see well-formed events.
package event

import (
	"encoding/json"
	"fmt"

	"go-meetup/internal/domain"

	"github.com/go-playground/validator/v10"
)

type Type string

const (
	// server -> client
	TypeNewMessage   Type = "new_message"
	TypeNotification Type = "notification"
	TypeMemberJoined Type = "member_joined"
	TypeMemberLeft   Type = "member_left"
	TypeRoomJoined   Type = "room_joined"
	TypeRoomLeft     Type = "room_left"
	TypeError        Type = "error"

	// client -> server
	TypeJoinGroup   Type = "join_group"
	TypeLeaveGroup  Type = "leave_group"
	TypeSendMessage Type = "send_message"
)

var validate = validator.New()

// Event is implemented by every payload kind.
type Event interface {
	Type() Type
}

// Envelope is the wire frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type NewMessage struct {
	domain.Message
}

// Notification carries a persisted notification. It holds the record in a
// named field because the record's own Type would collide with the Type
// method; on the wire the record's fields are inlined.
type Notification struct {
	Note domain.Notification
}

func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Note)
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &n.Note)
}

type MemberJoined struct {
	GroupID int64 `json:"group_id" validate:"gt=0"`
	UserID  int64 `json:"user_id" validate:"gt=0"`
}

type MemberLeft struct {
	GroupID int64 `json:"group_id" validate:"gt=0"`
	UserID  int64 `json:"user_id" validate:"gt=0"`
}

type RoomJoined struct {
	GroupID int64 `json:"group_id" validate:"gt=0"`
}

type RoomLeft struct {
	GroupID int64 `json:"group_id" validate:"gt=0"`
}

type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Request Type   `json:"request,omitempty"`
}

type JoinGroup struct {
	GroupID int64 `json:"group_id" validate:"gt=0"`
}

type LeaveGroup struct {
	GroupID int64 `json:"group_id" validate:"gt=0"`
}

type SendMessage struct {
	GroupID int64  `json:"group_id" validate:"gt=0"`
	Content string `json:"content" validate:"required,max=4000"`
}

func (NewMessage) Type() Type   { return TypeNewMessage }
func (Notification) Type() Type { return TypeNotification }
func (MemberJoined) Type() Type { return TypeMemberJoined }
func (MemberLeft) Type() Type   { return TypeMemberLeft }
func (RoomJoined) Type() Type   { return TypeRoomJoined }
func (RoomLeft) Type() Type     { return TypeRoomLeft }
func (Error) Type() Type        { return TypeError }
func (JoinGroup) Type() Type    { return TypeJoinGroup }
func (LeaveGroup) Type() Type   { return TypeLeaveGroup }
func (SendMessage) Type() Type  { return TypeSendMessage }

func newPayload(t Type) (Event, bool) {
	switch t {
	case TypeNewMessage:
		return &NewMessage{}, true
	case TypeNotification:
		return &Notification{}, true
	case TypeMemberJoined:
		return &MemberJoined{}, true
	case TypeMemberLeft:
		return &MemberLeft{}, true
	case TypeRoomJoined:
		return &RoomJoined{}, true
	case TypeRoomLeft:
		return &RoomLeft{}, true
	case TypeError:
		return &Error{}, true
	case TypeJoinGroup:
		return &JoinGroup{}, true
	case TypeLeaveGroup:
		return &LeaveGroup{}, true
	case TypeSendMessage:
		return &SendMessage{}, true
	}
	return nil, false
}

// Known reports whether t names a payload kind.
func Known(t Type) bool {
	_, ok := newPayload(t)
	return ok
}

// Encode wraps e in an Envelope and marshals it.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: e.Type(), Payload: payload})
}

// Decode parses and validates a frame. The returned Event is a value
// (not a pointer) of the concrete payload type.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return DecodeEnvelope(env)
}

func DecodeEnvelope(env Envelope) (Event, error) {
	ptr, ok := newPayload(env.Type)
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ptr); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
	}
	if err := validate.Struct(ptr); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return deref(ptr), nil
}

func deref(e Event) Event {
	switch v := e.(type) {
	case *NewMessage:
		return *v
	case *Notification:
		return *v
	case *MemberJoined:
		return *v
	case *MemberLeft:
		return *v
	case *RoomJoined:
		return *v
	case *RoomLeft:
		return *v
	case *Error:
		return *v
	case *JoinGroup:
		return *v
	case *LeaveGroup:
		return *v
	case *SendMessage:
		return *v
	}
	return e
}
