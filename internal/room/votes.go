package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/auth"
	"scrumdeck/internal/models"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/store"
)

// VoteAggregator collects per-story votes for the active story. It reads
// the active story and voting flag from the StoryLifecycle it registers
// its hooks into, and holds the local user's selection alongside the shared
// vote map. Both are derived caches; the store is the source of truth.
type VoteAggregator struct {
	roomID   uuid.UUID
	store    store.Store
	feed     store.ChangeFeed
	identity auth.Identity
	notifier notify.Notifier
	changed  func()
	stories  *StoryLifecycle

	mu       sync.RWMutex
	enabled  bool
	votes    models.VotesMap
	selected *string
	sub      store.Subscription
}

// NewVoteAggregator builds the aggregator and registers its transition and
// active-story hooks into the lifecycle's single-slot callbacks.
func NewVoteAggregator(roomID uuid.UUID, stories *StoryLifecycle, cfg Config) *VoteAggregator {
	a := &VoteAggregator{
		roomID:   roomID,
		store:    cfg.Store,
		feed:     cfg.Feed,
		identity: cfg.Identity,
		notifier: cfg.Notifier,
		changed:  cfg.OnChange,
		stories:  stories,
		votes:    make(models.VotesMap),
	}
	stories.SetTransition(a.handleTransition)
	stories.SetActiveChanged(a.handleActiveChanged)
	return a
}

// SetEnabled starts or stops the aggregator. Disabling clears all vote
// state and tears down the feed subscription; idempotent both ways.
func (a *VoteAggregator) SetEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		a.mu.Lock()
		sub := a.sub
		a.sub = nil
		a.votes = make(models.VotesMap)
		a.selected = nil
		a.enabled = false
		a.mu.Unlock()
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				log.Warn().Err(err).Str("room_id", a.roomID.String()).Msg("vote feed unsubscribe failed")
			}
		}
		a.notifyChanged()
		return nil
	}

	a.mu.Lock()
	a.enabled = true
	already := a.sub != nil
	a.mu.Unlock()

	if !already {
		sub, err := a.feed.SubscribeVotes(ctx, a.roomID, a.handleEvent)
		if err != nil {
			return fmt.Errorf("subscribe votes: %w", err)
		}
		a.mu.Lock()
		if !a.enabled || a.sub != nil {
			a.mu.Unlock()
			sub.Unsubscribe()
		} else {
			a.sub = sub
			a.mu.Unlock()
		}
	}

	a.refetch(ctx)
	a.notifyChanged()
	return nil
}

// Votes returns a copy of the vote map for the active story.
func (a *VoteAggregator) Votes() models.VotesMap {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(models.VotesMap, len(a.votes))
	for k, v := range a.votes {
		out[k] = v
	}
	return out
}

// SelectedCard returns the local user's current selection.
func (a *VoteAggregator) SelectedCard() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.selected == nil {
		return "", false
	}
	return *a.selected, true
}

// SelectCard submits the local user's vote. It is a no-op outside the
// voting phase, without an active story, or without an authenticated user.
// The selection and the shared map entry are set optimistically; a store
// failure rolls both back to their exact prior values. Double submission is
// handled solely by the store's conflict target.
func (a *VoteAggregator) SelectCard(ctx context.Context, value string) error {
	if !a.isEnabled() || !a.stories.IsVoting() {
		return nil
	}
	active := a.stories.ActiveStory()
	if active == nil {
		return nil
	}
	userID, ok := a.identity.CurrentUserID()
	if !ok {
		return nil
	}

	a.mu.Lock()
	prevVote, hadPrev := a.votes[userID]
	prevSelected := a.selected
	v := value
	a.selected = &v
	a.votes[userID] = value
	a.mu.Unlock()
	a.notifyChanged()

	err := a.store.UpsertVote(ctx, models.Vote{
		RoomID:  a.roomID,
		StoryID: active.ID,
		UserID:  userID,
		Value:   value,
	})
	if err == nil {
		return nil
	}

	// Exact inverse of the optimistic write: no prior vote means the entry
	// goes away entirely, not to an empty value.
	a.mu.Lock()
	if hadPrev {
		a.votes[userID] = prevVote
	} else {
		delete(a.votes, userID)
	}
	a.selected = prevSelected
	a.mu.Unlock()
	a.notifyChanged()

	a.notifier.Push(notify.Notice{Severity: notify.SeverityError, Title: "Vote failed", Detail: err.Error()})
	return fmt.Errorf("upsert vote: %w", err)
}

// handleTransition is registered into the lifecycle's transition slot.
// Entering voting starts a fresh round; entering voted reveals; completing
// clears; leaving voting for anything else (an active story reset to
// pending mid-vote) resyncs from the store.
func (a *VoteAggregator) handleTransition(ctx context.Context, oldStatus, newStatus models.StoryStatus) {
	if !a.isEnabled() {
		return
	}

	switch {
	case newStatus == models.StoryStatusVoting && oldStatus != models.StoryStatusVoting:
		a.clear()
	case newStatus == models.StoryStatusVoted && oldStatus != models.StoryStatusVoted:
		a.refetch(ctx)
	case newStatus == models.StoryStatusCompleted && oldStatus != models.StoryStatusCompleted:
		a.clear()
	case oldStatus == models.StoryStatusVoting &&
		newStatus != models.StoryStatusVoting &&
		newStatus != models.StoryStatusVoted &&
		newStatus != models.StoryStatusCompleted:
		a.refetch(ctx)
	}
	a.notifyChanged()
}

// handleActiveChanged is registered into the lifecycle's active-identity
// slot. Any change of active story clears local vote state and refetches
// for the new story, regardless of status, so stale votes never bleed
// across stories.
func (a *VoteAggregator) handleActiveChanged(ctx context.Context, active *models.Story) {
	if !a.isEnabled() {
		a.clear()
		return
	}
	a.clear()
	if active != nil {
		a.refetch(ctx)
	}
	a.notifyChanged()
}

// handleEvent reconciles one vote change event. Inserts and updates merge
// by user id when the event belongs to the active story, last observed
// write wins. Deletes drop the entry if present.
func (a *VoteAggregator) handleEvent(_ context.Context, ev store.VoteEvent) {
	switch ev.Kind {
	case store.ChangeInsert, store.ChangeUpdate:
		if ev.New == nil {
			return
		}
		active := a.stories.ActiveStory()
		if active == nil || active.ID != ev.New.StoryID {
			return
		}
		a.mu.Lock()
		if a.enabled {
			a.votes[ev.New.UserID] = ev.New.Value
		}
		a.mu.Unlock()

	case store.ChangeDelete:
		if ev.Old == nil {
			return
		}
		a.mu.Lock()
		if _, ok := a.votes[ev.Old.UserID]; ok {
			delete(a.votes, ev.Old.UserID)
		}
		a.mu.Unlock()
	}
	a.notifyChanged()
}

// refetch replaces the vote map from the store for the active story. On
// failure the previous map stays.
func (a *VoteAggregator) refetch(ctx context.Context) {
	active := a.stories.ActiveStory()
	if active == nil {
		return
	}
	votes, err := a.store.ListVotes(ctx, active.ID)
	if err != nil {
		log.Warn().Err(err).Str("story_id", active.ID.String()).Msg("vote fetch failed, keeping map")
		return
	}
	fresh := make(models.VotesMap, len(votes))
	for _, v := range votes {
		fresh[v.UserID] = v.Value
	}
	a.mu.Lock()
	if a.enabled {
		a.votes = fresh
	}
	a.mu.Unlock()
}

func (a *VoteAggregator) clear() {
	a.mu.Lock()
	a.votes = make(models.VotesMap)
	a.selected = nil
	a.mu.Unlock()
}

func (a *VoteAggregator) isEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

func (a *VoteAggregator) notifyChanged() {
	if a.changed != nil {
		a.changed()
	}
}
