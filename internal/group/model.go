package group

import (
	"go-meetup/internal/domain"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type CreateGroupRequest struct {
	Name       string `json:"name" validate:"required,max=120"`
	MaxMembers int    `json:"max_members" validate:"gte=1,lte=10000"`
	Public     bool   `json:"public"`
}

type JoinRequest struct {
	Message string `json:"message" validate:"max=500"`
}

// ---------------------------------------------
// Notification payloads
// ---------------------------------------------

type JoinRequested struct {
	GroupID int64  `json:"group_id"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message,omitempty"`
}

type Decision struct {
	GroupID int64         `json:"group_id"`
	UserID  int64         `json:"user_id"`
	Status  domain.Status `json:"status"`
}
