package gateway

import (
	"sort"

	"github.com/google/uuid"

	"scrumdeck/internal/models"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/room"
)

// FrameType classifies outbound frames.
type FrameType string

const (
	FrameSnapshot FrameType = "snapshot"
	FrameNotice   FrameType = "notice"
	FramePoke     FrameType = "poke"
)

// Frame is one outbound message to a client.
type Frame struct {
	Type     FrameType      `json:"type"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
	Notice   *notify.Notice `json:"notice,omitempty"`
}

// Snapshot is the full room state as rendered for one client. While the
// active story is in voting, other users' vote values are masked: the
// VotedUserIDs list shows who has voted without revealing values, and
// Votes carries only the client's own entry. Values appear for everyone
// once the story reaches voted.
type Snapshot struct {
	Players       []models.Participant `json:"players"`
	Stories       []models.Story       `json:"stories"`
	ActiveStoryID *uuid.UUID           `json:"active_story_id,omitempty"`
	Voting        bool                 `json:"voting"`
	Voted         bool                 `json:"voted"`
	Votes         models.VotesMap      `json:"votes"`
	VotedUserIDs  []string             `json:"voted_user_ids"`
	SelectedCard  *string              `json:"selected_card,omitempty"`
	IsModerator   bool                 `json:"is_moderator"`
}

// buildSnapshot renders session state for one user, applying the
// application-level vote filter.
func buildSnapshot(s *room.Session, userID string) Snapshot {
	snapshot := Snapshot{
		Players:     s.Presence.Players(),
		Stories:     s.Stories.Stories(),
		Voting:      s.Stories.IsVoting(),
		Voted:       s.Stories.IsVoted(),
		IsModerator: s.IsModerator(userID),
		Votes:       make(models.VotesMap),
	}
	if active := s.Stories.ActiveStory(); active != nil {
		id := active.ID
		snapshot.ActiveStoryID = &id
	}
	if card, ok := s.Votes.SelectedCard(); ok {
		snapshot.SelectedCard = &card
	}

	votes := s.Votes.Votes()
	snapshot.VotedUserIDs = make([]string, 0, len(votes))
	for uid, value := range votes {
		snapshot.VotedUserIDs = append(snapshot.VotedUserIDs, uid)
		if !snapshot.Voting || uid == userID {
			snapshot.Votes[uid] = value
		}
	}
	sort.Strings(snapshot.VotedUserIDs)
	return snapshot
}
