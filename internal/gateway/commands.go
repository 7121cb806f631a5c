package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/notify"
)

// Command actions accepted from clients.
const (
	ActionSetActive     = "set_active"
	ActionStartVote     = "start_vote"
	ActionStopVote      = "stop_vote"
	ActionCompleteStory = "complete_story"
	ActionSelectCard    = "select_card"
	ActionPoke          = "poke"
)

// Command is one inbound client message.
type Command struct {
	Action  string    `json:"action"`
	StoryID uuid.UUID `json:"story_id,omitempty"`
	Value   string    `json:"value,omitempty"`
}

// handleCommand dispatches one client command against the connection's
// session. Lifecycle transitions are moderator-only; the session's own
// notifier already reports store failures back to this client, so errors
// here are only logged.
func (c *Connection) handleCommand(ctx context.Context, message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("bad command payload")
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Str("action", cmd.Action).
		Msg("received client command")

	switch cmd.Action {
	case ActionSelectCard:
		c.session.Votes.SelectCard(ctx, cmd.Value)
	case ActionPoke:
		c.session.Presence.Poke(ctx)
	case ActionSetActive:
		if c.requireModerator() {
			c.session.Stories.SetActive(ctx, cmd.StoryID)
		}
	case ActionStartVote:
		if c.requireModerator() {
			c.session.Stories.StartVote(ctx)
		}
	case ActionStopVote:
		if c.requireModerator() {
			c.session.Stories.StopVote(ctx)
		}
	case ActionCompleteStory:
		if c.requireModerator() {
			c.session.Stories.CompleteStory(ctx)
		}
	default:
		log.Debug().Str("action", cmd.Action).Msg("unknown command action")
	}
}

func (c *Connection) requireModerator() bool {
	if c.session.IsModerator(c.UserID) {
		return true
	}
	c.sendNotice(notify.Notice{
		Severity: notify.SeverityError,
		Title:    "Not allowed",
		Detail:   "only the room moderator can do that",
	})
	return false
}
