package room_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrumdeck/internal/models"
	"scrumdeck/internal/store"
)

func participant(players []models.Participant, userID string) (models.Participant, bool) {
	for _, p := range players {
		if p.ID == userID {
			return p, true
		}
	}
	return models.Participant{}, false
}

func TestRosterBuiltFromMembership(t *testing.T) {
	f := newFixture(t, moderatorID)

	players := f.session.Presence.Players()
	require.Len(t, players, 3)

	mod, ok := participant(players, moderatorID)
	require.True(t, ok)
	assert.Equal(t, "Morgan", mod.Name)
	assert.True(t, mod.IsModerator)
	assert.True(t, mod.IsOnline, "own session tracks itself online")

	alice, ok := participant(players, aliceID)
	require.True(t, ok)
	assert.False(t, alice.IsModerator)
	assert.False(t, alice.IsOnline)
}

func TestProfileFallbacks(t *testing.T) {
	f := newFixture(t, moderatorID)
	f.store.AddProfile(models.Profile{UserID: "ghost"})
	f.store.AddMember(f.ctx, f.roomID, "ghost")

	players := f.session.Presence.Players()
	ghost, ok := participant(players, "ghost")
	require.True(t, ok)
	assert.Equal(t, "Anonymous", ghost.Name)
	assert.Contains(t, ghost.Avatar, "dicebear.com")
	assert.Contains(t, ghost.Avatar, "seed=ghost")
}

func TestSnapshotFlipsOnlineWithoutRemoving(t *testing.T) {
	f := newFixture(t, moderatorID)
	alice := f.newSession(t, aliceID)

	p, ok := participant(f.session.Presence.Players(), aliceID)
	require.True(t, ok)
	assert.True(t, p.IsOnline)

	// Alice drops off the channel. She stays in the roster, offline.
	require.NoError(t, alice.SetEnabled(f.ctx, false))

	p, ok = participant(f.session.Presence.Players(), aliceID)
	require.True(t, ok)
	assert.False(t, p.IsOnline)
	assert.Len(t, f.session.Presence.Players(), 3)
}

func TestSnapshotAppendsLateJoinerOnce(t *testing.T) {
	f := newFixture(t, moderatorID)
	f.store.AddProfile(models.Profile{UserID: "charlie", Name: "Charlie"})

	// Charlie is online on the channel without a membership row yet.
	ch, err := f.store.Subscribe(f.ctx, f.roomID, store.PresenceHandlers{})
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.Track(f.ctx, "charlie", f.clock.Now()))

	players := f.session.Presence.Players()
	require.Len(t, players, 4)
	charlie, ok := participant(players, "charlie")
	require.True(t, ok)
	assert.Equal(t, "Charlie", charlie.Name)
	assert.True(t, charlie.IsOnline)

	// A repeated snapshot must not duplicate the appended entry.
	require.NoError(t, ch.Track(f.ctx, "charlie", f.clock.Now()))
	assert.Len(t, f.session.Presence.Players(), 4)
}

func TestMembershipChangeRefetchesRoster(t *testing.T) {
	f := newFixture(t, moderatorID)
	f.store.AddProfile(models.Profile{UserID: "dave", Name: "Dave"})

	f.store.AddMember(f.ctx, f.roomID, "dave")
	dave, ok := participant(f.session.Presence.Players(), "dave")
	require.True(t, ok)
	assert.Equal(t, "Dave", dave.Name)

	f.store.RemoveMember(f.ctx, f.roomID, "dave")
	_, ok = participant(f.session.Presence.Players(), "dave")
	assert.False(t, ok)
}

func TestPokeSuppressesOwnSignal(t *testing.T) {
	f := newFixture(t, moderatorID)

	require.NoError(t, f.session.Presence.Poke(f.ctx))

	// Exactly one cue: the local playback on send. The broadcast comes back
	// to the sender and is suppressed.
	assert.Equal(t, 1, f.cue.count())
}

func TestPokeReachesOtherParticipants(t *testing.T) {
	f := newFixture(t, moderatorID)
	_ = f.newSession(t, aliceID)

	require.NoError(t, f.session.Presence.Poke(f.ctx))

	// One local cue for the sender plus one for alice's session.
	assert.Equal(t, 2, f.cue.count())
}

func TestPresenceToggleDoesNotLeakChannels(t *testing.T) {
	f := newFixture(t, moderatorID)
	require.Equal(t, 1, f.store.PresenceSubscriberCount(f.roomID))

	require.NoError(t, f.session.Presence.SetEnabled(f.ctx, true))
	require.Equal(t, 1, f.store.PresenceSubscriberCount(f.roomID))

	require.NoError(t, f.session.Presence.SetEnabled(f.ctx, false))
	require.Equal(t, 0, f.store.PresenceSubscriberCount(f.roomID))
	assert.Empty(t, f.session.Presence.Players())
	assert.Empty(t, f.session.Presence.OnlineIDs())
	require.NoError(t, f.session.Presence.SetEnabled(f.ctx, false))

	require.NoError(t, f.session.Presence.SetEnabled(f.ctx, true))
	require.Equal(t, 1, f.store.PresenceSubscriberCount(f.roomID))
	assert.Len(t, f.session.Presence.Players(), 3)
}
