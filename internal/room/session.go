// Package room implements the realtime synchronization core for one
// estimation room: the presence tracker, the story lifecycle controller,
// and the vote aggregator, plus the session that wires them together.
//
// Each component keeps a derived local cache reconciled against the
// backing store's change feed. Optimistic local writes are applied before
// persistence and either reconfirmed by a remote event or rolled back
// exactly; a remote update always overwrites local optimistic state for
// the same entity.
package room

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/auth"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/store"
)

// Config carries the collaborators shared by all three components of a
// session. Store, Feed, and Presence are required; the rest default to
// safe implementations.
type Config struct {
	Store    store.Store
	Feed     store.ChangeFeed
	Presence store.Presence
	Identity auth.Identity
	Notifier notify.Notifier
	Clock    clockwork.Clock

	// PlaySignalCue is the external "play attention cue if locally
	// enabled" hook. May be nil.
	PlaySignalCue func()

	// OnChange fires after any observable state mutation in any
	// component. May be nil.
	OnChange func()
}

func (c Config) withDefaults() Config {
	if c.Identity == nil {
		c.Identity = auth.Anonymous{}
	}
	if c.Notifier == nil {
		c.Notifier = notify.Log{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Session composes the three sync components for one (room, user) pair and
// owns the enabled flag that fans out to them. The session itself holds no
// room state beyond the cached creator id used to derive moderator status.
type Session struct {
	RoomID   uuid.UUID
	Presence *PresenceTracker
	Stories  *StoryLifecycle
	Votes    *VoteAggregator

	store store.Store

	mu        sync.RWMutex
	enabled   bool
	creatorID string
}

// NewSession builds a session. The vote aggregator registers its hooks into
// the lifecycle's callback slots during construction; data flows one way,
// controller to aggregator.
func NewSession(roomID uuid.UUID, cfg Config) *Session {
	cfg = cfg.withDefaults()

	s := &Session{
		RoomID: roomID,
		store:  cfg.Store,
	}
	s.Presence = NewPresenceTracker(roomID, s.CreatorID, cfg)
	s.Stories = NewStoryLifecycle(roomID, cfg)
	s.Votes = NewVoteAggregator(roomID, s.Stories, cfg)
	return s
}

// SetEnabled toggles the whole session. Enabling fetches the room record
// (for the creator id) and brings components up presence-first; disabling
// tears them down in reverse. Idempotent under rapid toggling.
func (s *Session) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	s.enabled = enabled
	s.mu.Unlock()

	if !enabled {
		s.Votes.SetEnabled(ctx, false)
		s.Stories.SetEnabled(ctx, false)
		s.Presence.SetEnabled(ctx, false)
		s.mu.Lock()
		s.creatorID = ""
		s.mu.Unlock()
		return nil
	}

	if room, err := s.store.GetRoom(ctx, s.RoomID); err != nil {
		// Roster still renders, just without a moderator flag.
		log.Warn().Err(err).Str("room_id", s.RoomID.String()).Msg("room fetch failed")
	} else {
		s.mu.Lock()
		s.creatorID = room.CreatorID
		s.mu.Unlock()
	}

	if err := s.Presence.SetEnabled(ctx, true); err != nil {
		s.rewind(ctx)
		return err
	}
	if err := s.Stories.SetEnabled(ctx, true); err != nil {
		s.rewind(ctx)
		return err
	}
	if err := s.Votes.SetEnabled(ctx, true); err != nil {
		s.rewind(ctx)
		return err
	}
	return nil
}

// rewind unwinds a partially failed enable so a later SetEnabled(true) is
// not swallowed by the idempotency check.
func (s *Session) rewind(ctx context.Context) {
	s.Votes.SetEnabled(ctx, false)
	s.Stories.SetEnabled(ctx, false)
	s.Presence.SetEnabled(ctx, false)
	s.mu.Lock()
	s.enabled = false
	s.creatorID = ""
	s.mu.Unlock()
}

// CreatorID returns the room creator's user id, or "" before the room
// record has been fetched.
func (s *Session) CreatorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creatorID
}

// IsModerator reports whether userID created the room.
func (s *Session) IsModerator(userID string) bool {
	id := s.CreatorID()
	return id != "" && id == userID
}
