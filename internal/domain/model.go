package domain

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// Groups & Membership
// ---------------------------------------------

type Group struct {
	ID         int64     `json:"id"`
	CreatorID  int64     `json:"creator_id"`
	Name       string    `json:"name"`
	MaxMembers int       `json:"max_members"` // creator counts as one slot
	Public     bool      `json:"public"`      // public groups auto-approve join requests
	CreatedAt  time.Time `json:"created_at"`
}

// SlotsTaken returns the occupied slots given the number of approved
// participants.
func (g *Group) SlotsTaken(approved int) int {
	return approved + 1
}

// HasRoomFor reports whether one more approved participant fits.
func (g *Group) HasRoomFor(approved int) bool {
	return g.SlotsTaken(approved)+1 <= g.MaxMembers
}

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

type Participant struct {
	UserID   int64     `json:"user_id"`
	GroupID  int64     `json:"group_id"`
	Status   Status    `json:"status"`
	Message  string    `json:"message,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// ---------------------------------------------
// Chat
// ---------------------------------------------

type Message struct {
	ID        int64     `json:"id"`
	GroupID   int64     `json:"group_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ---------------------------------------------
// Notifications
// ---------------------------------------------

type NotificationType string

const (
	NotifyJoinRequested NotificationType = "join_requested"
	NotifyJoinApproved  NotificationType = "join_approved"
	NotifyJoinRejected  NotificationType = "join_rejected"
	NotifyMemberJoined  NotificationType = "member_joined"
	NotifyMemberLeft    NotificationType = "member_left"
	NotifyNewMessage    NotificationType = "new_message"
)

type Notification struct {
	ID          int64            `json:"id"`
	RecipientID int64            `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	GroupID     int64            `json:"group_id"`
	Payload     json.RawMessage  `json:"payload"`
	IsRead      bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
}
