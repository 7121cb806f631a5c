package room_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrumdeck/internal/models"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/store"
)

// startVoting promotes the first story and opens a round.
func startVoting(t *testing.T, f *fixture) models.Story {
	t.Helper()
	s1 := f.stories[0]
	require.NoError(t, f.session.Stories.SetActive(f.ctx, s1.ID))
	require.NoError(t, f.session.Stories.StartVote(f.ctx))
	require.True(t, f.session.Stories.IsVoting())
	return s1
}

func TestSelectCardUpsertsNotDuplicates(t *testing.T) {
	f := newFixture(t, moderatorID)
	s1 := startVoting(t, f)

	require.NoError(t, f.session.Votes.SelectCard(f.ctx, "5"))
	require.NoError(t, f.session.Votes.SelectCard(f.ctx, "8"))

	assert.Equal(t, models.VotesMap{moderatorID: "8"}, f.session.Votes.Votes())
	assert.Equal(t, 1, f.store.VoteCount(s1.ID))

	selected, ok := f.session.Votes.SelectedCard()
	require.True(t, ok)
	assert.Equal(t, "8", selected)
}

func TestSelectCardRollsBackToPriorVote(t *testing.T) {
	f := newFixture(t, moderatorID)
	startVoting(t, f)
	require.NoError(t, f.session.Votes.SelectCard(f.ctx, "3"))

	f.store.FailNext("UpsertVote", errors.New("write conflict"))
	require.Error(t, f.session.Votes.SelectCard(f.ctx, "13"))

	// Exact rollback: the prior value comes back, not an empty entry.
	assert.Equal(t, models.VotesMap{moderatorID: "3"}, f.session.Votes.Votes())
	selected, ok := f.session.Votes.SelectedCard()
	require.True(t, ok)
	assert.Equal(t, "3", selected)
	assert.NotEmpty(t, f.notices.bySeverity(notify.SeverityError))
}

func TestSelectCardRollsBackToAbsence(t *testing.T) {
	f := newFixture(t, moderatorID)
	startVoting(t, f)

	f.store.FailNext("UpsertVote", errors.New("write conflict"))
	require.Error(t, f.session.Votes.SelectCard(f.ctx, "13"))

	// No prior vote means the entry disappears entirely.
	_, ok := f.session.Votes.Votes()[moderatorID]
	assert.False(t, ok)
	_, ok = f.session.Votes.SelectedCard()
	assert.False(t, ok)
}

func TestSelectCardOutsideVotingPhaseIsNoOp(t *testing.T) {
	f := newFixture(t, moderatorID)
	s1 := f.stories[0]
	require.NoError(t, f.session.Stories.SetActive(f.ctx, s1.ID))

	require.NoError(t, f.session.Votes.SelectCard(f.ctx, "5"))

	assert.Empty(t, f.session.Votes.Votes())
	assert.Zero(t, f.store.VoteCount(s1.ID))
}

func TestSelectCardWithoutIdentityIsNoOp(t *testing.T) {
	f := newFixture(t, moderatorID)
	s1 := startVoting(t, f)

	// A spectator session with no authenticated user on the same room.
	spectator := f.newSession(t, "")
	require.True(t, spectator.Stories.IsVoting())

	require.NoError(t, spectator.Votes.SelectCard(f.ctx, "5"))
	assert.Zero(t, f.store.VoteCount(s1.ID))
	_, ok := spectator.Votes.SelectedCard()
	assert.False(t, ok)
}

func TestVoteEventsForOtherStoriesAreIgnored(t *testing.T) {
	f := newFixture(t, moderatorID)
	startVoting(t, f)
	other := f.stories[1]

	vote := models.Vote{RoomID: f.roomID, StoryID: other.ID, UserID: aliceID, Value: "21"}
	f.store.EmitVote(f.ctx, f.roomID, store.VoteEvent{Kind: store.ChangeInsert, New: &vote})

	assert.Empty(t, f.session.Votes.Votes())
}

func TestVoteDeleteEventRemovesEntry(t *testing.T) {
	f := newFixture(t, moderatorID)
	s1 := startVoting(t, f)
	require.NoError(t, f.store.UpsertVote(f.ctx, models.Vote{RoomID: f.roomID, StoryID: s1.ID, UserID: aliceID, Value: "8"}))
	require.Equal(t, models.VotesMap{aliceID: "8"}, f.session.Votes.Votes())

	old := models.Vote{RoomID: f.roomID, StoryID: s1.ID, UserID: aliceID, Value: "8"}
	f.store.EmitVote(f.ctx, f.roomID, store.VoteEvent{Kind: store.ChangeDelete, Old: &old})
	assert.Empty(t, f.session.Votes.Votes())

	// Replayed delete for an entry that is already gone.
	f.store.EmitVote(f.ctx, f.roomID, store.VoteEvent{Kind: store.ChangeDelete, Old: &old})
	assert.Empty(t, f.session.Votes.Votes())
}

func TestActiveStoryChangeClearsVoteState(t *testing.T) {
	f := newFixture(t, moderatorID)
	startVoting(t, f)
	require.NoError(t, f.session.Votes.SelectCard(f.ctx, "5"))
	require.NotEmpty(t, f.session.Votes.Votes())

	require.NoError(t, f.session.Stories.SetActive(f.ctx, f.stories[1].ID))

	assert.Empty(t, f.session.Votes.Votes())
	_, ok := f.session.Votes.SelectedCard()
	assert.False(t, ok)
}

func TestActiveStoryResetMidVoteDropsRound(t *testing.T) {
	f := newFixture(t, moderatorID)
	s1 := startVoting(t, f)
	require.NoError(t, f.session.Votes.SelectCard(f.ctx, "5"))

	// A peer demotes the story while votes are open; the slot empties and
	// local vote state must not survive it.
	require.NoError(t, f.store.UpdateStoryStatus(f.ctx, s1.ID, models.StoryStatusPending, nil))

	assert.Nil(t, f.session.Stories.ActiveStory())
	assert.Empty(t, f.session.Votes.Votes())
}

func TestVoteToggleDoesNotLeakSubscriptions(t *testing.T) {
	f := newFixture(t, moderatorID)
	require.Equal(t, 1, f.store.VoteSubscriberCount(f.roomID))

	require.NoError(t, f.session.Votes.SetEnabled(f.ctx, true))
	require.Equal(t, 1, f.store.VoteSubscriberCount(f.roomID))

	require.NoError(t, f.session.Votes.SetEnabled(f.ctx, false))
	require.Equal(t, 0, f.store.VoteSubscriberCount(f.roomID))
	assert.Empty(t, f.session.Votes.Votes())

	require.NoError(t, f.session.Votes.SetEnabled(f.ctx, true))
	require.Equal(t, 1, f.store.VoteSubscriberCount(f.roomID))
}
