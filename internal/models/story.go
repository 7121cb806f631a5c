package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StoryStatus defines the lifecycle status of a story.
type StoryStatus string

const (
	StoryStatusPending   StoryStatus = "pending"
	StoryStatusActive    StoryStatus = "active"
	StoryStatusVoting    StoryStatus = "voting"
	StoryStatusVoted     StoryStatus = "voted"
	StoryStatusCompleted StoryStatus = "completed"
)

// InSlot reports whether the status occupies the single active-story slot.
// At most one story per room may hold such a status at any time.
func (s StoryStatus) InSlot() bool {
	return s == StoryStatusActive || s == StoryStatusVoting || s == StoryStatusVoted
}

// Story is a discussion item cycled through the voting lifecycle.
// Details carries arbitrary descriptive JSON opaque to the sync core.
type Story struct {
	ID        uuid.UUID       `json:"id"`
	RoomID    uuid.UUID       `json:"room_id"`
	Title     string          `json:"title"`
	Details   json.RawMessage `json:"details,omitempty"`
	Status    StoryStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Vote is one user's estimate for one story. The (StoryID, UserID) pair is
// the conflict target: resubmission overwrites, never duplicates.
type Vote struct {
	RoomID  uuid.UUID `json:"room_id"`
	StoryID uuid.UUID `json:"story_id"`
	UserID  string    `json:"user_id"`
	Value   string    `json:"vote_value"`
}

// VotesMap maps user id to vote value for the active story.
type VotesMap map[string]string
