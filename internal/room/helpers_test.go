package room_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"scrumdeck/internal/auth"
	"scrumdeck/internal/models"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/room"
	"scrumdeck/internal/store/memory"
)

const (
	moderatorID = "mod"
	aliceID     = "alice"
	bobID       = "bob"
)

// noticeRecorder collects user-facing notices for assertions.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *noticeRecorder) Push(n notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) bySeverity(s notify.Severity) []notify.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notice
	for _, n := range r.notices {
		if n.Severity == s {
			out = append(out, n)
		}
	}
	return out
}

// cueCounter counts attention-cue invocations.
type cueCounter struct {
	mu sync.Mutex
	n  int
}

func (c *cueCounter) play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *cueCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fixture struct {
	ctx     context.Context
	store   *memory.Store
	clock   *clockwork.FakeClock
	notices *noticeRecorder
	cue     *cueCounter
	session *room.Session
	roomID  uuid.UUID
	stories []models.Story
}

// newFixture seeds a room with three members and three pending stories and
// returns an enabled session acting as userID.
func newFixture(t *testing.T, userID string) *fixture {
	t.Helper()

	f := &fixture{
		ctx:     context.Background(),
		store:   memory.New(),
		clock:   clockwork.NewFakeClock(),
		notices: &noticeRecorder{},
		cue:     &cueCounter{},
		roomID:  uuid.New(),
	}

	now := f.clock.Now()
	f.store.AddRoom(models.Room{ID: f.roomID, CreatorID: moderatorID, Name: "Sprint 12", CreatedAt: now})
	f.store.AddProfile(models.Profile{UserID: moderatorID, Name: "Morgan", Avatar: "https://example.com/m.png"})
	f.store.AddProfile(models.Profile{UserID: aliceID, Name: "Alice"})
	f.store.AddProfile(models.Profile{UserID: bobID, Name: "Bob"})
	f.store.AddMember(f.ctx, f.roomID, moderatorID)
	f.store.AddMember(f.ctx, f.roomID, aliceID)
	f.store.AddMember(f.ctx, f.roomID, bobID)

	for i, title := range []string{"story one", "story two", "story three"} {
		st := models.Story{
			ID:        uuid.New(),
			RoomID:    f.roomID,
			Title:     title,
			Status:    models.StoryStatusPending,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
			UpdatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		f.store.AddStory(f.ctx, st)
		f.stories = append(f.stories, st)
	}

	f.session = f.newSession(t, userID)
	return f
}

// newSession enables an additional session against the same store, acting
// as userID. Used to simulate a peer client.
func (f *fixture) newSession(t *testing.T, userID string) *room.Session {
	t.Helper()
	s := room.NewSession(f.roomID, room.Config{
		Store:         f.store,
		Feed:          f.store,
		Presence:      f.store,
		Identity:      auth.Static(userID),
		Notifier:      f.notices,
		Clock:         f.clock,
		PlaySignalCue: f.cue.play,
	})
	require.NoError(t, s.SetEnabled(context.Background(), true))
	t.Cleanup(func() { s.SetEnabled(context.Background(), false) })
	return s
}

// requireSlotInvariant asserts at most one story occupies the active slot.
func requireSlotInvariant(t *testing.T, s *room.Session) {
	t.Helper()
	inSlot := 0
	for _, st := range s.Stories.Stories() {
		if st.Status.InSlot() {
			inSlot++
		}
	}
	require.LessOrEqual(t, inSlot, 1, "more than one story in the active slot")
}

func findStory(s *room.Session, id uuid.UUID) (models.Story, bool) {
	for _, st := range s.Stories.Stories() {
		if st.ID == id {
			return st, true
		}
	}
	return models.Story{}, false
}
