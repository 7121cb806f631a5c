package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrumdeck/internal/models"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/store/memory"
)

// testConnection wires a session into a Connection without a socket; the
// command path never touches the underlying conn.
func testConnection(t *testing.T, userID string) (*Connection, *memory.Store, models.Story) {
	t.Helper()
	s, mem, story := newVotingSession(t, userID)
	conn := &Connection{
		ID:      "test",
		UserID:  userID,
		Send:    make(chan []byte, 16),
		refresh: make(chan struct{}, 1),
		session: s,
	}
	return conn, mem, story
}

func TestSelectCardCommand(t *testing.T) {
	conn, mem, story := testConnection(t, "alice")

	payload, _ := json.Marshal(Command{Action: ActionSelectCard, Value: "13"})
	conn.handleCommand(context.Background(), payload)

	assert.Equal(t, 1, mem.VoteCount(story.ID))
	assert.Equal(t, models.VotesMap{"alice": "13"}, conn.session.Votes.Votes())
}

func TestLifecycleCommandsRequireModerator(t *testing.T) {
	conn, mem, story := testConnection(t, "alice")

	payload, _ := json.Marshal(Command{Action: ActionCompleteStory})
	conn.handleCommand(context.Background(), payload)

	server, ok := mem.GetStory(story.ID)
	require.True(t, ok)
	assert.Equal(t, models.StoryStatusVoting, server.Status)

	select {
	case data := <-conn.Send:
		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		require.Equal(t, FrameNotice, frame.Type)
		require.NotNil(t, frame.Notice)
		assert.Equal(t, notify.SeverityError, frame.Notice.Severity)
	default:
		t.Fatal("expected a refusal notice frame")
	}
}

func TestLifecycleCommandsAllowedForModerator(t *testing.T) {
	conn, _, _ := testConnection(t, "mod")

	payload, _ := json.Marshal(Command{Action: ActionStopVote})
	conn.handleCommand(context.Background(), payload)

	assert.True(t, conn.session.Stories.IsVoted())
}

func TestMalformedCommandIsDropped(t *testing.T) {
	conn, _, _ := testConnection(t, "mod")

	conn.handleCommand(context.Background(), []byte("{not json"))

	assert.True(t, conn.session.Stories.IsVoting())
	assert.Empty(t, conn.Send)
}
