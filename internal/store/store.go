// Package store defines the backing-store contract consumed by the room
// sync core: filtered queries, row-level change feeds scoped by room, and
// the ephemeral presence channel. Implementations live in the postgres,
// presence, and memory subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"scrumdeck/internal/models"
)

// ErrNotFound is returned by single-row lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the query surface the sync core needs. Implementations must make
// UpsertVote resolve conflicts on (story_id, user_id) so double submission
// overwrites rather than duplicates.
type Store interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)

	ListMemberIDs(ctx context.Context, roomID uuid.UUID) ([]string, error)
	GetProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error)
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)

	ListStories(ctx context.Context, roomID uuid.UUID) ([]models.Story, error)
	ResetActiveStories(ctx context.Context, roomID uuid.UUID) error
	UpdateStoryStatus(ctx context.Context, storyID uuid.UUID, status models.StoryStatus, updatedAt *time.Time) error

	ListVotes(ctx context.Context, storyID uuid.UUID) ([]models.Vote, error)
	DeleteStoryVotes(ctx context.Context, storyID uuid.UUID) error
	UpsertVote(ctx context.Context, vote models.Vote) error
}

// ChangeKind classifies a row-level change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// StoryEvent is a row-level change on the stories table. New is set for
// inserts and updates, Old for updates and deletes.
type StoryEvent struct {
	Kind ChangeKind
	New  *models.Story
	Old  *models.Story
}

// VoteEvent is a row-level change on the story votes table.
type VoteEvent struct {
	Kind ChangeKind
	New  *models.Vote
	Old  *models.Vote
}

// MembershipEvent is a row-level change on the room membership table. The
// core refetches the full roster on any of these, so only identity is
// carried.
type MembershipEvent struct {
	Kind   ChangeKind
	RoomID uuid.UUID
	UserID string
}

// Subscription is one registered change-feed handler. Unsubscribe is
// idempotent.
type Subscription interface {
	Unsubscribe() error
}

// ChangeFeed delivers row-level insert/update/delete events scoped to one
// room. Delivery is at-least-once: handlers must merge idempotently by
// primary key.
type ChangeFeed interface {
	SubscribeStories(ctx context.Context, roomID uuid.UUID, fn func(context.Context, StoryEvent)) (Subscription, error)
	SubscribeVotes(ctx context.Context, roomID uuid.UUID, fn func(context.Context, VoteEvent)) (Subscription, error)
	SubscribeMembership(ctx context.Context, roomID uuid.UUID, fn func(context.Context, MembershipEvent)) (Subscription, error)
}

// Signal is an ephemeral broadcast sent to every subscriber of a room's
// presence channel, independent of persisted state.
type Signal struct {
	From string `json:"from"`
}

// PresenceHandlers receives the three event classes multiplexed on a room's
// presence channel: full-roster snapshots, membership table changes, and
// broadcast signals.
type PresenceHandlers struct {
	Snapshot   func(ctx context.Context, online []string)
	Membership func(ctx context.Context, ev MembershipEvent)
	Signal     func(ctx context.Context, sig Signal)
}

// PresenceChannel is one client's attachment to a room's presence channel.
// Track announces the client under its own key; presence is ephemeral and
// dropped when the channel closes. Close is idempotent.
type PresenceChannel interface {
	Track(ctx context.Context, userID string, joinedAt time.Time) error
	Send(ctx context.Context, sig Signal) error
	Close() error
}

// Presence opens presence channels. A reconnect redelivers a full snapshot;
// handlers must tolerate duplicate delivery.
type Presence interface {
	Subscribe(ctx context.Context, roomID uuid.UUID, handlers PresenceHandlers) (PresenceChannel, error)
}
