package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/auth"
	"scrumdeck/internal/models"
	"scrumdeck/internal/store"
)

// PresenceTracker maintains the roster of a room's participants and their
// live online state. Membership is persisted; online/offline is ephemeral
// and driven entirely by presence snapshots. A transient disconnect only
// clears IsOnline, never removes the participant.
type PresenceTracker struct {
	roomID    uuid.UUID
	creatorID func() string
	store     store.Store
	presence  store.Presence
	identity  auth.Identity
	clock     clockwork.Clock
	playCue   func()
	changed   func()

	mu      sync.RWMutex
	enabled bool
	players []models.Participant
	online  map[string]struct{}
	channel store.PresenceChannel
}

// NewPresenceTracker builds a tracker for one room. creatorID is read lazily
// so the tracker works before the room row has been fetched.
func NewPresenceTracker(roomID uuid.UUID, creatorID func() string, cfg Config) *PresenceTracker {
	return &PresenceTracker{
		roomID:    roomID,
		creatorID: creatorID,
		store:     cfg.Store,
		presence:  cfg.Presence,
		identity:  cfg.Identity,
		clock:     cfg.Clock,
		playCue:   cfg.PlaySignalCue,
		changed:   cfg.OnChange,
		online:    make(map[string]struct{}),
	}
}

// SetEnabled starts or stops tracking. Disabling clears the roster and the
// online set and tears down the channel; both directions are idempotent and
// safe under rapid toggling.
func (t *PresenceTracker) SetEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		t.teardown()
		t.notifyChanged()
		return nil
	}

	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()

	t.refetchRoster(ctx)
	if err := t.setupChannel(ctx); err != nil {
		return fmt.Errorf("setup presence channel: %w", err)
	}
	t.notifyChanged()
	return nil
}

// Players returns a copy of the current roster.
func (t *PresenceTracker) Players() []models.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Participant, len(t.players))
	copy(out, t.players)
	return out
}

// OnlineIDs returns the ids currently present on the channel.
func (t *PresenceTracker) OnlineIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Poke broadcasts an attention signal to every other participant and plays
// the local cue for the sender.
func (t *PresenceTracker) Poke(ctx context.Context) error {
	t.mu.RLock()
	ch := t.channel
	t.mu.RUnlock()
	if ch == nil {
		return nil
	}

	userID, _ := t.identity.CurrentUserID()
	if err := ch.Send(ctx, store.Signal{From: userID}); err != nil {
		return fmt.Errorf("send poke: %w", err)
	}
	t.cue()
	return nil
}

// refetchRoster rebuilds the full roster: one membership query plus one
// batched profile query. A fetch failure leaves the previous roster in
// place rather than surfacing an error.
func (t *PresenceTracker) refetchRoster(ctx context.Context) {
	memberIDs, err := t.store.ListMemberIDs(ctx, t.roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", t.roomID.String()).Msg("membership fetch failed, keeping roster")
		return
	}

	if len(memberIDs) == 0 {
		t.mu.Lock()
		if t.enabled {
			t.players = nil
		}
		t.mu.Unlock()
		return
	}

	profiles, err := t.store.GetProfiles(ctx, memberIDs)
	if err != nil {
		log.Warn().Err(err).Str("room_id", t.roomID.String()).Msg("profile fetch failed, keeping roster")
		return
	}

	byID := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.UserID] = p
	}

	creator := t.creatorID()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	players := make([]models.Participant, 0, len(memberIDs))
	for _, uid := range memberIDs {
		_, online := t.online[uid]
		players = append(players, newParticipant(uid, byID[uid], uid == creator, online))
	}
	t.players = players
}

func (t *PresenceTracker) setupChannel(ctx context.Context) error {
	t.mu.Lock()
	if t.channel != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	ch, err := t.presence.Subscribe(ctx, t.roomID, store.PresenceHandlers{
		Snapshot:   t.handleSnapshot,
		Membership: t.handleMembership,
		Signal:     t.handleSignal,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.enabled || t.channel != nil {
		// Disabled (or raced with another setup) while subscribing.
		t.mu.Unlock()
		ch.Close()
		return nil
	}
	t.channel = ch
	t.mu.Unlock()

	// Announce ourselves. Not retried: failure only means our own entry
	// never appears online to others.
	if userID, ok := t.identity.CurrentUserID(); ok {
		if err := ch.Track(ctx, userID, t.clock.Now()); err != nil {
			log.Warn().Err(err).Str("room_id", t.roomID.String()).Str("user_id", userID).Msg("presence track failed")
		}
	}
	return nil
}

// handleSnapshot replaces the online set atomically, flips IsOnline on every
// known participant without refetching, and appends late joiners via a
// single-profile lookup each.
func (t *PresenceTracker) handleSnapshot(ctx context.Context, onlineIDs []string) {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return
	}
	online := make(map[string]struct{}, len(onlineIDs))
	for _, id := range onlineIDs {
		online[id] = struct{}{}
	}
	t.online = online

	known := make(map[string]struct{}, len(t.players))
	for i := range t.players {
		_, on := online[t.players[i].ID]
		t.players[i].IsOnline = on
		known[t.players[i].ID] = struct{}{}
	}

	var missing []string
	for _, id := range onlineIDs {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	t.mu.Unlock()

	for _, id := range missing {
		t.appendLateJoiner(ctx, id)
	}
	t.notifyChanged()
}

// appendLateJoiner fetches one profile and appends the participant. A fetch
// failure is dropped; the next snapshot retries naturally.
func (t *PresenceTracker) appendLateJoiner(ctx context.Context, userID string) {
	profile, err := t.store.GetProfile(ctx, userID)
	var p models.Profile
	if err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("late joiner profile fetch failed")
	} else {
		p = *profile
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if _, stillOnline := t.online[userID]; !stillOnline {
		return
	}
	for i := range t.players {
		if t.players[i].ID == userID {
			return
		}
	}
	t.players = append(t.players, newParticipant(userID, p, userID == t.creatorID(), true))
}

// handleMembership triggers a full roster refetch. Membership changes are
// infrequent enough that simplicity beats incremental patching.
func (t *PresenceTracker) handleMembership(ctx context.Context, _ store.MembershipEvent) {
	t.refetchRoster(ctx)
	t.notifyChanged()
}

// handleSignal plays the attention cue for signals from other participants.
// Self-originated signals already played locally on send.
func (t *PresenceTracker) handleSignal(_ context.Context, sig store.Signal) {
	if userID, ok := t.identity.CurrentUserID(); ok && sig.From == userID {
		return
	}
	t.cue()
}

func (t *PresenceTracker) teardown() {
	t.mu.Lock()
	ch := t.channel
	t.channel = nil
	t.players = nil
	t.online = make(map[string]struct{})
	t.enabled = false
	t.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Str("room_id", t.roomID.String()).Msg("presence channel close failed")
		}
	}
}

func (t *PresenceTracker) cue() {
	if t.playCue != nil {
		t.playCue()
	}
}

func (t *PresenceTracker) notifyChanged() {
	if t.changed != nil {
		t.changed()
	}
}

func newParticipant(userID string, p models.Profile, moderator, online bool) models.Participant {
	name := p.Name
	if name == "" {
		name = "Anonymous"
	}
	avatar := p.Avatar
	if avatar == "" {
		avatar = "https://api.dicebear.com/7.x/avataaars/svg?seed=" + userID
	}
	return models.Participant{
		ID:          userID,
		Name:        name,
		Avatar:      avatar,
		IsModerator: moderator,
		IsOnline:    online,
	}
}
