package chat

import "encoding/json"

// ---------------------------------------------
// Internal Hub Models
// ---------------------------------------------

type frameKind string

const (
	frameRoom  frameKind = "room"  // deliver to a group's room
	frameUser  frameKind = "user"  // deliver to every connection of a user
	frameEvict frameKind = "evict" // drop a user's connections from a room
)

// frame is what travels over the Bus between hub instances.
type frame struct {
	Kind    frameKind       `json:"kind"`
	GroupID int64           `json:"group_id,omitempty"`
	UserID  int64           `json:"user_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"` // an encoded event.Envelope
}

type subscription struct {
	client  *Client
	groupID int64
	done    chan struct{}
}

type directFrame struct {
	client *Client
	data   []byte
}
