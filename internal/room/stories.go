package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/models"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/store"
)

// TransitionFunc is the single-slot callback invoked on every story status
// transition. Registering a second handler replaces the first; there is no
// queue and no multi-subscriber bus.
type TransitionFunc func(ctx context.Context, oldStatus, newStatus models.StoryStatus)

// ActiveChangedFunc is the single-slot callback invoked whenever the
// identity of the computed active story changes, including from some story
// to none. active is a snapshot, nil when no story occupies the slot.
type ActiveChangedFunc func(ctx context.Context, active *models.Story)

// StoryLifecycle owns the ordered story list and the single active-story
// slot per room. Mutating operations apply optimistic local state before
// persisting; the change feed reconciles, with the server record winning
// over any optimistic local one.
type StoryLifecycle struct {
	roomID   uuid.UUID
	store    store.Store
	feed     store.ChangeFeed
	notifier notify.Notifier
	clock    clockwork.Clock
	changed  func()

	mu            sync.RWMutex
	enabled       bool
	stories       []models.Story
	sub           store.Subscription
	transition    TransitionFunc
	activeChanged ActiveChangedFunc
}

// NewStoryLifecycle builds the controller for one room.
func NewStoryLifecycle(roomID uuid.UUID, cfg Config) *StoryLifecycle {
	return &StoryLifecycle{
		roomID:   roomID,
		store:    cfg.Store,
		feed:     cfg.Feed,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		changed:  cfg.OnChange,
	}
}

// SetTransition registers the status-transition handler, replacing any
// previously registered one.
func (c *StoryLifecycle) SetTransition(fn TransitionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition = fn
}

// SetActiveChanged registers the active-story identity handler, replacing
// any previously registered one.
func (c *StoryLifecycle) SetActiveChanged(fn ActiveChangedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeChanged = fn
}

// SetEnabled starts or stops the controller. Enabling fetches the story
// list and opens the change-feed subscription; a subscription that is
// already open is left alone. Disabling clears the list and tears down.
func (c *StoryLifecycle) SetEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.stories = nil
		c.enabled = false
		c.mu.Unlock()
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				log.Warn().Err(err).Str("room_id", c.roomID.String()).Msg("story feed unsubscribe failed")
			}
		}
		c.notifyChanged()
		return nil
	}

	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()

	c.refetch(ctx)

	c.mu.Lock()
	already := c.sub != nil
	c.mu.Unlock()
	if !already {
		sub, err := c.feed.SubscribeStories(ctx, c.roomID, c.handleEvent)
		if err != nil {
			return fmt.Errorf("subscribe stories: %w", err)
		}
		c.mu.Lock()
		if !c.enabled || c.sub != nil {
			c.mu.Unlock()
			sub.Unsubscribe()
		} else {
			c.sub = sub
			c.mu.Unlock()
		}
	}
	c.notifyChanged()
	return nil
}

// Stories returns a copy of the story list in creation order.
func (c *StoryLifecycle) Stories() []models.Story {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Story, len(c.stories))
	copy(out, c.stories)
	return out
}

// ActiveStory returns the story currently occupying the active slot, or nil.
// Computed from the list on every call, never cached.
func (c *StoryLifecycle) ActiveStory() *models.Story {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s := c.activeLocked(); s != nil {
		out := *s
		return &out
	}
	return nil
}

// IsVoting reports whether the active story is collecting votes.
func (c *StoryLifecycle) IsVoting() bool {
	s := c.ActiveStory()
	return s != nil && s.Status == models.StoryStatusVoting
}

// IsVoted reports whether the active story's votes are revealed.
func (c *StoryLifecycle) IsVoted() bool {
	s := c.ActiveStory()
	return s != nil && s.Status == models.StoryStatusVoted
}

// SetActive promotes target to the active slot and demotes whatever held
// it, optimistically first. Persistence is two-step (reset occupants, then
// set target) so a failure between steps leaves zero occupants rather than
// two. A failed second step rolls back by refetching server state.
func (c *StoryLifecycle) SetActive(ctx context.Context, storyID uuid.UUID) error {
	if !c.isEnabled() {
		return nil
	}

	// Confirm the target is known before touching the slot: an unknown id
	// must not demote the current occupant.
	c.mu.RLock()
	found := false
	for i := range c.stories {
		if c.stories[i].ID == storyID {
			found = true
			break
		}
	}
	c.mu.RUnlock()
	if !found {
		return nil
	}

	c.apply(ctx, func() []transitionEvent {
		for i := range c.stories {
			if c.stories[i].ID == storyID {
				c.stories[i].Status = models.StoryStatusActive
			} else if c.stories[i].Status.InSlot() {
				c.stories[i].Status = models.StoryStatusPending
			}
		}
		return nil
	})

	if err := c.store.ResetActiveStories(ctx, c.roomID); err != nil {
		// The set step below still runs; worst case the slot stays doubly
		// freed on the server and the feed reconciles us.
		log.Warn().Err(err).Str("room_id", c.roomID.String()).Msg("reset active stories failed")
	}

	if err := c.store.UpdateStoryStatus(ctx, storyID, models.StoryStatusActive, nil); err != nil {
		c.notifier.Push(notify.Notice{Severity: notify.SeverityError, Title: "Error", Detail: err.Error()})
		c.rollbackByRefetch(ctx)
		return fmt.Errorf("set active story: %w", err)
	}

	c.notifier.Push(notify.Notice{Severity: notify.SeveritySuccess, Title: "Active Story Updated"})
	return nil
}

// StartVote clears any prior round's votes, then flips the active story to
// voting. No optimistic pre-update: the deletion must be confirmed before
// the status flips, or voting UI would render over stale votes.
func (c *StoryLifecycle) StartVote(ctx context.Context) error {
	active := c.ActiveStory()
	if !c.isEnabled() || active == nil {
		return nil
	}
	oldStatus := active.Status

	if err := c.store.DeleteStoryVotes(ctx, active.ID); err != nil {
		c.notifier.Push(notify.Notice{Severity: notify.SeverityError, Title: "Error starting vote", Detail: err.Error()})
		return fmt.Errorf("clear votes: %w", err)
	}

	updatedAt := c.clock.Now()
	if err := c.store.UpdateStoryStatus(ctx, active.ID, models.StoryStatusVoting, &updatedAt); err != nil {
		c.notifier.Push(notify.Notice{Severity: notify.SeverityError, Title: "Error starting vote", Detail: err.Error()})
		return fmt.Errorf("start vote: %w", err)
	}

	c.apply(ctx, func() []transitionEvent {
		for i := range c.stories {
			if c.stories[i].ID == active.ID {
				c.stories[i].Status = models.StoryStatusVoting
				c.stories[i].UpdatedAt = updatedAt
			}
		}
		return []transitionEvent{{old: oldStatus, new: models.StoryStatusVoting}}
	})
	return nil
}

// StopVote flips the active story to voted, revealing votes.
func (c *StoryLifecycle) StopVote(ctx context.Context) error {
	return c.finishTransition(ctx, models.StoryStatusVoted, "Error stopping vote")
}

// CompleteStory retires the active story and frees the slot.
func (c *StoryLifecycle) CompleteStory(ctx context.Context) error {
	return c.finishTransition(ctx, models.StoryStatusCompleted, "Error completing story")
}

func (c *StoryLifecycle) finishTransition(ctx context.Context, status models.StoryStatus, errTitle string) error {
	active := c.ActiveStory()
	if !c.isEnabled() || active == nil {
		return nil
	}
	oldStatus := active.Status

	if err := c.store.UpdateStoryStatus(ctx, active.ID, status, nil); err != nil {
		c.notifier.Push(notify.Notice{Severity: notify.SeverityError, Title: errTitle, Detail: err.Error()})
		return fmt.Errorf("update story status to %s: %w", status, err)
	}

	c.apply(ctx, func() []transitionEvent {
		for i := range c.stories {
			if c.stories[i].ID == active.ID {
				c.stories[i].Status = status
			}
		}
		return []transitionEvent{{old: oldStatus, new: status}}
	})
	return nil
}

// UpdateStoryLocally patches the cached record for collaborators that have
// already persisted their own mutation and want to skip a refetch. It
// bypasses the transition callback; never use it for status changes the
// vote state depends on.
func (c *StoryLifecycle) UpdateStoryLocally(ctx context.Context, storyID uuid.UUID, patch func(*models.Story)) {
	c.apply(ctx, func() []transitionEvent {
		for i := range c.stories {
			if c.stories[i].ID == storyID {
				patch(&c.stories[i])
			}
		}
		return nil
	})
}

// RemoveStoryLocally drops the cached record by id. Same caveats as
// UpdateStoryLocally.
func (c *StoryLifecycle) RemoveStoryLocally(ctx context.Context, storyID uuid.UUID) {
	c.apply(ctx, func() []transitionEvent {
		c.stories = deleteStory(c.stories, storyID)
		return nil
	})
}

// handleEvent reconciles one change-feed event. Merge is idempotent by id:
// redelivery after a reconnect must not duplicate or re-fire transitions.
func (c *StoryLifecycle) handleEvent(ctx context.Context, ev store.StoryEvent) {
	c.apply(ctx, func() []transitionEvent {
		switch ev.Kind {
		case store.ChangeInsert:
			if ev.New == nil {
				return nil
			}
			for i := range c.stories {
				if c.stories[i].ID == ev.New.ID {
					return nil // optimistic-plus-echo double insert
				}
			}
			c.stories = append(c.stories, *ev.New)
			sort.SliceStable(c.stories, func(i, j int) bool {
				return c.stories[i].CreatedAt.Before(c.stories[j].CreatedAt)
			})

		case store.ChangeUpdate:
			if ev.New == nil {
				return nil
			}
			for i := range c.stories {
				if c.stories[i].ID == ev.New.ID {
					oldStatus := c.stories[i].Status
					c.stories[i] = *ev.New // server record wins
					if oldStatus != ev.New.Status {
						return []transitionEvent{{old: oldStatus, new: ev.New.Status}}
					}
					return nil
				}
			}

		case store.ChangeDelete:
			if ev.Old != nil {
				c.stories = deleteStory(c.stories, ev.Old.ID)
			}
		}
		return nil
	})
}

// refetch replaces the list from the store. On failure the previous list
// stays; visual stability beats strict freshness.
func (c *StoryLifecycle) refetch(ctx context.Context) {
	stories, err := c.store.ListStories(ctx, c.roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", c.roomID.String()).Msg("story fetch failed, keeping list")
		return
	}
	c.apply(ctx, func() []transitionEvent {
		if c.enabled {
			c.stories = stories
		}
		return nil
	})
}

// rollbackByRefetch discards optimistic state in favor of a fresh server
// read. Full rollback via re-read, not manual undo.
func (c *StoryLifecycle) rollbackByRefetch(ctx context.Context) {
	c.refetch(ctx)
}

type transitionEvent struct {
	old models.StoryStatus
	new models.StoryStatus
}

// apply runs a state mutation under the lock, then fires transition and
// active-identity callbacks outside it. Callbacks re-enter the controller
// through read accessors, so they must never run under the write lock.
func (c *StoryLifecycle) apply(ctx context.Context, fn func() []transitionEvent) {
	c.mu.Lock()
	prevActive := c.activeLocked()
	var prevID uuid.UUID
	if prevActive != nil {
		prevID = prevActive.ID
	}

	events := fn()

	nextActive := c.activeLocked()
	var nextID uuid.UUID
	var nextCopy *models.Story
	if nextActive != nil {
		nextID = nextActive.ID
		s := *nextActive
		nextCopy = &s
	}
	transition := c.transition
	activeChanged := c.activeChanged
	c.mu.Unlock()

	if transition != nil {
		for _, e := range events {
			transition(ctx, e.old, e.new)
		}
	}
	if activeChanged != nil && prevID != nextID {
		activeChanged(ctx, nextCopy)
	}
	c.notifyChanged()
}

func (c *StoryLifecycle) activeLocked() *models.Story {
	for i := range c.stories {
		if c.stories[i].Status.InSlot() {
			return &c.stories[i]
		}
	}
	return nil
}

func (c *StoryLifecycle) isEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *StoryLifecycle) notifyChanged() {
	if c.changed != nil {
		c.changed()
	}
}

func deleteStory(stories []models.Story, id uuid.UUID) []models.Story {
	out := stories[:0]
	for _, s := range stories {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}
