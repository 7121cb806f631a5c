package models

import (
	"time"

	"github.com/google/uuid"
)

// Room groups participants, stories, and votes under a stable id.
type Room struct {
	ID        uuid.UUID `json:"id"`
	CreatorID string    `json:"creator_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile holds the display data stored for a user.
type Profile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Participant is a room member as rendered to clients. IsModerator and
// IsOnline are derived: the former from the room's creator id, the latter
// from presence roster membership.
type Participant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	IsModerator bool   `json:"is_moderator"`
	IsOnline    bool   `json:"is_online"`
}
