// Package memory is an in-process implementation of the store contracts:
// queries, change feed, and presence. Mutations emit feed events
// synchronously to room-scoped subscribers, which makes it the backend for
// tests and for the daemon's memory mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scrumdeck/internal/models"
	"scrumdeck/internal/store"
)

type voteKey struct {
	storyID uuid.UUID
	userID  string
}

// Store implements store.Store, store.ChangeFeed, and store.Presence over
// plain maps. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	rooms    map[uuid.UUID]models.Room
	members  map[uuid.UUID][]string
	profiles map[string]models.Profile
	stories  map[uuid.UUID]models.Story
	votes    map[voteKey]models.Vote

	nextSubID    int
	storySubs    map[uuid.UUID]map[int]func(context.Context, store.StoryEvent)
	voteSubs     map[uuid.UUID]map[int]func(context.Context, store.VoteEvent)
	memberSubs   map[uuid.UUID]map[int]func(context.Context, store.MembershipEvent)
	presenceSubs map[uuid.UUID]map[int]store.PresenceHandlers
	online       map[uuid.UUID]map[string]time.Time

	failNext map[string]error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rooms:        make(map[uuid.UUID]models.Room),
		members:      make(map[uuid.UUID][]string),
		profiles:     make(map[string]models.Profile),
		stories:      make(map[uuid.UUID]models.Story),
		votes:        make(map[voteKey]models.Vote),
		storySubs:    make(map[uuid.UUID]map[int]func(context.Context, store.StoryEvent)),
		voteSubs:     make(map[uuid.UUID]map[int]func(context.Context, store.VoteEvent)),
		memberSubs:   make(map[uuid.UUID]map[int]func(context.Context, store.MembershipEvent)),
		presenceSubs: make(map[uuid.UUID]map[int]store.PresenceHandlers),
		online:       make(map[uuid.UUID]map[string]time.Time),
		failNext:     make(map[string]error),
	}
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.ChangeFeed = (*Store)(nil)
	_ store.Presence   = (*Store)(nil)
)

// FailNext makes the next call to the named operation return err. One-shot.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

func (s *Store) takeFailure(op string) error {
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return err
	}
	return nil
}

// Queries.

func (s *Store) GetRoom(_ context.Context, id uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetRoom"); err != nil {
		return nil, err
	}
	room, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := room
	return &out, nil
}

func (s *Store) ListMemberIDs(_ context.Context, roomID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListMemberIDs"); err != nil {
		return nil, err
	}
	out := make([]string, len(s.members[roomID]))
	copy(out, s.members[roomID])
	return out, nil
}

func (s *Store) GetProfiles(_ context.Context, userIDs []string) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetProfiles"); err != nil {
		return nil, err
	}
	out := make([]models.Profile, 0, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetProfile"); err != nil {
		return nil, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) ListStories(_ context.Context, roomID uuid.UUID) ([]models.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListStories"); err != nil {
		return nil, err
	}
	var out []models.Story
	for _, st := range s.stories {
		if st.RoomID == roomID {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ResetActiveStories(ctx context.Context, roomID uuid.UUID) error {
	s.mu.Lock()
	if err := s.takeFailure("ResetActiveStories"); err != nil {
		s.mu.Unlock()
		return err
	}
	var events []store.StoryEvent
	for id, st := range s.stories {
		if st.RoomID == roomID && st.Status.InSlot() {
			old := st
			st.Status = models.StoryStatusPending
			s.stories[id] = st
			updated := st
			events = append(events, store.StoryEvent{Kind: store.ChangeUpdate, New: &updated, Old: &old})
		}
	}
	subs := s.storyHandlers(roomID)
	s.mu.Unlock()

	for _, ev := range events {
		emitStory(ctx, subs, ev)
	}
	return nil
}

func (s *Store) UpdateStoryStatus(ctx context.Context, storyID uuid.UUID, status models.StoryStatus, updatedAt *time.Time) error {
	s.mu.Lock()
	if err := s.takeFailure("UpdateStoryStatus"); err != nil {
		s.mu.Unlock()
		return err
	}
	st, ok := s.stories[storyID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	old := st
	st.Status = status
	if updatedAt != nil {
		st.UpdatedAt = *updatedAt
	}
	s.stories[storyID] = st
	updated := st
	subs := s.storyHandlers(st.RoomID)
	s.mu.Unlock()

	emitStory(ctx, subs, store.StoryEvent{Kind: store.ChangeUpdate, New: &updated, Old: &old})
	return nil
}

func (s *Store) ListVotes(_ context.Context, storyID uuid.UUID) ([]models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListVotes"); err != nil {
		return nil, err
	}
	var out []models.Vote
	for k, v := range s.votes {
		if k.storyID == storyID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) DeleteStoryVotes(ctx context.Context, storyID uuid.UUID) error {
	s.mu.Lock()
	if err := s.takeFailure("DeleteStoryVotes"); err != nil {
		s.mu.Unlock()
		return err
	}
	var events []store.VoteEvent
	var roomID uuid.UUID
	for k, v := range s.votes {
		if k.storyID == storyID {
			old := v
			roomID = v.RoomID
			events = append(events, store.VoteEvent{Kind: store.ChangeDelete, Old: &old})
			delete(s.votes, k)
		}
	}
	subs := s.voteHandlers(roomID)
	s.mu.Unlock()

	for _, ev := range events {
		emitVote(ctx, subs, ev)
	}
	return nil
}

func (s *Store) UpsertVote(ctx context.Context, vote models.Vote) error {
	s.mu.Lock()
	if err := s.takeFailure("UpsertVote"); err != nil {
		s.mu.Unlock()
		return err
	}
	key := voteKey{storyID: vote.StoryID, userID: vote.UserID}
	kind := store.ChangeInsert
	var old *models.Vote
	if prev, ok := s.votes[key]; ok {
		kind = store.ChangeUpdate
		p := prev
		old = &p
	}
	s.votes[key] = vote
	updated := vote
	subs := s.voteHandlers(vote.RoomID)
	s.mu.Unlock()

	emitVote(ctx, subs, store.VoteEvent{Kind: kind, New: &updated, Old: old})
	return nil
}

// Seed and test mutators. These emit feed events like backend writes do.

func (s *Store) AddRoom(room models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
}

func (s *Store) AddProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *Store) AddMember(ctx context.Context, roomID uuid.UUID, userID string) {
	s.mu.Lock()
	s.members[roomID] = append(s.members[roomID], userID)
	subs := s.memberHandlers(roomID)
	presence := s.presenceHandlerList(roomID)
	s.mu.Unlock()

	ev := store.MembershipEvent{Kind: store.ChangeInsert, RoomID: roomID, UserID: userID}
	emitMembership(ctx, subs, presence, ev)
}

func (s *Store) RemoveMember(ctx context.Context, roomID uuid.UUID, userID string) {
	s.mu.Lock()
	kept := s.members[roomID][:0]
	for _, id := range s.members[roomID] {
		if id != userID {
			kept = append(kept, id)
		}
	}
	s.members[roomID] = kept
	subs := s.memberHandlers(roomID)
	presence := s.presenceHandlerList(roomID)
	s.mu.Unlock()

	ev := store.MembershipEvent{Kind: store.ChangeDelete, RoomID: roomID, UserID: userID}
	emitMembership(ctx, subs, presence, ev)
}

func (s *Store) AddStory(ctx context.Context, st models.Story) {
	s.mu.Lock()
	s.stories[st.ID] = st
	added := st
	subs := s.storyHandlers(st.RoomID)
	s.mu.Unlock()

	emitStory(ctx, subs, store.StoryEvent{Kind: store.ChangeInsert, New: &added})
}

func (s *Store) RemoveStory(ctx context.Context, storyID uuid.UUID) {
	s.mu.Lock()
	st, ok := s.stories[storyID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.stories, storyID)
	old := st
	subs := s.storyHandlers(st.RoomID)
	s.mu.Unlock()

	emitStory(ctx, subs, store.StoryEvent{Kind: store.ChangeDelete, Old: &old})
}

// GetStory returns the current server-side record, for test assertions.
func (s *Store) GetStory(storyID uuid.UUID) (models.Story, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	return st, ok
}

// VoteCount returns the number of persisted votes for a story.
func (s *Store) VoteCount(storyID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.votes {
		if k.storyID == storyID {
			n++
		}
	}
	return n
}

// Change feed.

type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *Store) SubscribeStories(_ context.Context, roomID uuid.UUID, fn func(context.Context, store.StoryEvent)) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("SubscribeStories"); err != nil {
		return nil, err
	}
	if s.storySubs[roomID] == nil {
		s.storySubs[roomID] = make(map[int]func(context.Context, store.StoryEvent))
	}
	id := s.nextSubID
	s.nextSubID++
	s.storySubs[roomID][id] = fn
	return &subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.storySubs[roomID], id)
	}}, nil
}

func (s *Store) SubscribeVotes(_ context.Context, roomID uuid.UUID, fn func(context.Context, store.VoteEvent)) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("SubscribeVotes"); err != nil {
		return nil, err
	}
	if s.voteSubs[roomID] == nil {
		s.voteSubs[roomID] = make(map[int]func(context.Context, store.VoteEvent))
	}
	id := s.nextSubID
	s.nextSubID++
	s.voteSubs[roomID][id] = fn
	return &subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.voteSubs[roomID], id)
	}}, nil
}

func (s *Store) SubscribeMembership(_ context.Context, roomID uuid.UUID, fn func(context.Context, store.MembershipEvent)) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberSubs[roomID] == nil {
		s.memberSubs[roomID] = make(map[int]func(context.Context, store.MembershipEvent))
	}
	id := s.nextSubID
	s.nextSubID++
	s.memberSubs[roomID][id] = fn
	return &subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.memberSubs[roomID], id)
	}}, nil
}

// EmitStory redelivers an arbitrary story event, for replay tests.
func (s *Store) EmitStory(ctx context.Context, roomID uuid.UUID, ev store.StoryEvent) {
	s.mu.Lock()
	subs := s.storyHandlers(roomID)
	s.mu.Unlock()
	emitStory(ctx, subs, ev)
}

// EmitVote redelivers an arbitrary vote event, for replay tests.
func (s *Store) EmitVote(ctx context.Context, roomID uuid.UUID, ev store.VoteEvent) {
	s.mu.Lock()
	subs := s.voteHandlers(roomID)
	s.mu.Unlock()
	emitVote(ctx, subs, ev)
}

// StorySubscriberCount reports open story subscriptions for a room.
func (s *Store) StorySubscriberCount(roomID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.storySubs[roomID])
}

// VoteSubscriberCount reports open vote subscriptions for a room.
func (s *Store) VoteSubscriberCount(roomID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voteSubs[roomID])
}

// PresenceSubscriberCount reports open presence channels for a room.
func (s *Store) PresenceSubscriberCount(roomID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presenceSubs[roomID])
}

// Presence.

type presenceChannel struct {
	store   *Store
	roomID  uuid.UUID
	subID   int
	mu      sync.Mutex
	tracked string
	closed  bool
}

func (s *Store) Subscribe(ctx context.Context, roomID uuid.UUID, handlers store.PresenceHandlers) (store.PresenceChannel, error) {
	s.mu.Lock()
	if err := s.takeFailure("Subscribe"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.presenceSubs[roomID] == nil {
		s.presenceSubs[roomID] = make(map[int]store.PresenceHandlers)
	}
	id := s.nextSubID
	s.nextSubID++
	s.presenceSubs[roomID][id] = handlers
	snapshot := s.onlineLocked(roomID)
	s.mu.Unlock()

	// Joining a channel always begins with a full snapshot.
	if handlers.Snapshot != nil {
		handlers.Snapshot(ctx, snapshot)
	}
	return &presenceChannel{store: s, roomID: roomID, subID: id}, nil
}

func (c *presenceChannel) Track(ctx context.Context, userID string, joinedAt time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.tracked = userID
	c.mu.Unlock()

	s := c.store
	s.mu.Lock()
	if s.online[c.roomID] == nil {
		s.online[c.roomID] = make(map[string]time.Time)
	}
	s.online[c.roomID][userID] = joinedAt
	s.broadcastSnapshotLocked(ctx, c.roomID)
	return nil
}

func (c *presenceChannel) Send(ctx context.Context, sig store.Signal) error {
	s := c.store
	s.mu.Lock()
	subs := s.presenceHandlerList(c.roomID)
	s.mu.Unlock()
	for _, h := range subs {
		if h.Signal != nil {
			h.Signal(ctx, sig)
		}
	}
	return nil
}

func (c *presenceChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tracked := c.tracked
	c.mu.Unlock()

	s := c.store
	s.mu.Lock()
	delete(s.presenceSubs[c.roomID], c.subID)
	if tracked != "" {
		delete(s.online[c.roomID], tracked)
		s.broadcastSnapshotLocked(context.Background(), c.roomID)
		return nil
	}
	s.mu.Unlock()
	return nil
}

// broadcastSnapshotLocked fans the current roster out to every channel of
// the room. It releases the store lock before invoking handlers.
func (s *Store) broadcastSnapshotLocked(ctx context.Context, roomID uuid.UUID) {
	snapshot := s.onlineLocked(roomID)
	subs := s.presenceHandlerList(roomID)
	s.mu.Unlock()
	for _, h := range subs {
		if h.Snapshot != nil {
			h.Snapshot(ctx, snapshot)
		}
	}
}

func (s *Store) onlineLocked(roomID uuid.UUID) []string {
	ids := make([]string, 0, len(s.online[roomID]))
	for id := range s.online[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) storyHandlers(roomID uuid.UUID) []func(context.Context, store.StoryEvent) {
	out := make([]func(context.Context, store.StoryEvent), 0, len(s.storySubs[roomID]))
	for _, fn := range s.storySubs[roomID] {
		out = append(out, fn)
	}
	return out
}

func (s *Store) voteHandlers(roomID uuid.UUID) []func(context.Context, store.VoteEvent) {
	out := make([]func(context.Context, store.VoteEvent), 0, len(s.voteSubs[roomID]))
	for _, fn := range s.voteSubs[roomID] {
		out = append(out, fn)
	}
	return out
}

func (s *Store) memberHandlers(roomID uuid.UUID) []func(context.Context, store.MembershipEvent) {
	out := make([]func(context.Context, store.MembershipEvent), 0, len(s.memberSubs[roomID]))
	for _, fn := range s.memberSubs[roomID] {
		out = append(out, fn)
	}
	return out
}

func (s *Store) presenceHandlerList(roomID uuid.UUID) []store.PresenceHandlers {
	out := make([]store.PresenceHandlers, 0, len(s.presenceSubs[roomID]))
	for _, h := range s.presenceSubs[roomID] {
		out = append(out, h)
	}
	return out
}

func emitStory(ctx context.Context, subs []func(context.Context, store.StoryEvent), ev store.StoryEvent) {
	for _, fn := range subs {
		fn(ctx, ev)
	}
}

func emitVote(ctx context.Context, subs []func(context.Context, store.VoteEvent), ev store.VoteEvent) {
	for _, fn := range subs {
		fn(ctx, ev)
	}
}

func emitMembership(ctx context.Context, subs []func(context.Context, store.MembershipEvent), presence []store.PresenceHandlers, ev store.MembershipEvent) {
	for _, fn := range subs {
		fn(ctx, ev)
	}
	for _, h := range presence {
		if h.Membership != nil {
			h.Membership(ctx, ev)
		}
	}
}
