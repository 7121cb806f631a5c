package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrumdeck/internal/auth"
	"scrumdeck/internal/models"
	"scrumdeck/internal/room"
	"scrumdeck/internal/store/memory"
)

func newVotingSession(t *testing.T, userID string) (*room.Session, *memory.Store, models.Story) {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	roomID := uuid.New()

	mem.AddRoom(models.Room{ID: roomID, CreatorID: "mod", Name: "Sprint 12", CreatedAt: time.Now()})
	mem.AddProfile(models.Profile{UserID: "mod", Name: "Morgan"})
	mem.AddProfile(models.Profile{UserID: "alice", Name: "Alice"})
	mem.AddMember(ctx, roomID, "mod")
	mem.AddMember(ctx, roomID, "alice")

	story := models.Story{
		ID:        uuid.New(),
		RoomID:    roomID,
		Title:     "checkout flow",
		Status:    models.StoryStatusPending,
		CreatedAt: time.Now(),
	}
	mem.AddStory(ctx, story)

	s := room.NewSession(roomID, room.Config{
		Store:    mem,
		Feed:     mem,
		Presence: mem,
		Identity: auth.Static(userID),
	})
	require.NoError(t, s.SetEnabled(ctx, true))
	t.Cleanup(func() { s.SetEnabled(context.Background(), false) })

	require.NoError(t, s.Stories.SetActive(ctx, story.ID))
	require.NoError(t, s.Stories.StartVote(ctx))
	return s, mem, story
}

func TestSnapshotMasksOtherVotesWhileVoting(t *testing.T) {
	ctx := context.Background()
	s, mem, story := newVotingSession(t, "mod")

	require.NoError(t, s.Votes.SelectCard(ctx, "5"))
	require.NoError(t, mem.UpsertVote(ctx, models.Vote{RoomID: s.RoomID, StoryID: story.ID, UserID: "alice", Value: "8"}))

	snapshot := buildSnapshot(s, "mod")
	assert.True(t, snapshot.Voting)
	assert.False(t, snapshot.Voted)
	assert.True(t, snapshot.IsModerator)
	require.NotNil(t, snapshot.ActiveStoryID)
	assert.Equal(t, story.ID, *snapshot.ActiveStoryID)

	// Who has voted is public. Values are not, except the client's own.
	assert.Equal(t, []string{"alice", "mod"}, snapshot.VotedUserIDs)
	assert.Equal(t, models.VotesMap{"mod": "5"}, snapshot.Votes)
	require.NotNil(t, snapshot.SelectedCard)
	assert.Equal(t, "5", *snapshot.SelectedCard)
}

func TestSnapshotRevealsVotesOnceVoted(t *testing.T) {
	ctx := context.Background()
	s, mem, story := newVotingSession(t, "mod")
	require.NoError(t, s.Votes.SelectCard(ctx, "5"))
	require.NoError(t, mem.UpsertVote(ctx, models.Vote{RoomID: s.RoomID, StoryID: story.ID, UserID: "alice", Value: "8"}))

	require.NoError(t, s.Stories.StopVote(ctx))

	snapshot := buildSnapshot(s, "mod")
	assert.False(t, snapshot.Voting)
	assert.True(t, snapshot.Voted)
	assert.Equal(t, models.VotesMap{"mod": "5", "alice": "8"}, snapshot.Votes)
	assert.Equal(t, []string{"alice", "mod"}, snapshot.VotedUserIDs)
}

func TestSnapshotForNonModerator(t *testing.T) {
	ctx := context.Background()
	s, mem, story := newVotingSession(t, "alice")
	require.NoError(t, s.Votes.SelectCard(ctx, "8"))
	require.NoError(t, mem.UpsertVote(ctx, models.Vote{RoomID: s.RoomID, StoryID: story.ID, UserID: "mod", Value: "5"}))

	snapshot := buildSnapshot(s, "alice")
	assert.False(t, snapshot.IsModerator)
	assert.Equal(t, models.VotesMap{"alice": "8"}, snapshot.Votes)
	assert.Equal(t, []string{"alice", "mod"}, snapshot.VotedUserIDs)
}
