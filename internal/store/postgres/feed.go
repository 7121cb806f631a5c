package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/models"
	"scrumdeck/internal/store"
)

// FeedConfig holds LISTEN/NOTIFY settings for the change feed.
type FeedConfig struct {
	DatabaseURL   string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string        // channel the row triggers NOTIFY on
	PingInterval  time.Duration // keepalive for the listener connection
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
}

// DefaultFeedConfig returns the defaults matching the trigger installed by
// the schema migrations (notify_room_change on stories, story_votes, and
// room_participants).
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		NotifyChannel: "scrumdeck_changes",
		PingInterval:  90 * time.Second,
		MinReconnect:  10 * time.Second,
		MaxReconnect:  time.Minute,
	}
}

// changePayload is the JSON body each row trigger sends with its NOTIFY:
// the table, the operation, the room id, and the full new and/or old rows.
type changePayload struct {
	Table  string           `json:"table"`
	Op     store.ChangeKind `json:"op"`
	RoomID uuid.UUID        `json:"room_id"`
	New    json.RawMessage  `json:"new,omitempty"`
	Old    json.RawMessage  `json:"old,omitempty"`
}

type feedHandlers struct {
	stories    map[int]func(context.Context, store.StoryEvent)
	votes      map[int]func(context.Context, store.VoteEvent)
	membership map[int]func(context.Context, store.MembershipEvent)
}

// Feed implements store.ChangeFeed by fanning one LISTEN connection out to
// room-scoped subscribers. Delivery is at-least-once after reconnects;
// subscribers merge idempotently by primary key.
type Feed struct {
	listener *pq.Listener
	cfg      FeedConfig

	mu     sync.Mutex
	nextID int
	rooms  map[uuid.UUID]*feedHandlers
}

// NewFeed opens the listener connection and starts LISTENing. Call Run to
// begin dispatching.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("change feed listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.NotifyChannel, err)
	}

	log.Info().Str("channel", cfg.NotifyChannel).Msg("change feed listening")

	return &Feed{
		listener: l,
		cfg:      cfg,
		rooms:    make(map[uuid.UUID]*feedHandlers),
	}, nil
}

// Run dispatches notifications until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(f.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return f.Close()
		case note := <-f.listener.Notify:
			if note == nil {
				// Connection was lost and re-established; subscribers will
				// see redelivered events and must merge idempotently.
				continue
			}
			f.dispatch(ctx, note.Extra)
		case <-pingTicker.C:
			if err := f.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("change feed ping failed")
			}
		}
	}
}

// Close tears down the listener connection.
func (f *Feed) Close() error {
	return f.listener.Close()
}

func (f *Feed) dispatch(ctx context.Context, payload string) {
	var change changePayload
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		log.Error().Err(err).Msg("change feed: bad payload")
		return
	}

	f.mu.Lock()
	handlers, ok := f.rooms[change.RoomID]
	var storyFns []func(context.Context, store.StoryEvent)
	var voteFns []func(context.Context, store.VoteEvent)
	var memberFns []func(context.Context, store.MembershipEvent)
	if ok {
		for _, fn := range handlers.stories {
			storyFns = append(storyFns, fn)
		}
		for _, fn := range handlers.votes {
			voteFns = append(voteFns, fn)
		}
		for _, fn := range handlers.membership {
			memberFns = append(memberFns, fn)
		}
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	switch change.Table {
	case "stories":
		ev, err := storyEvent(change)
		if err != nil {
			log.Error().Err(err).Msg("change feed: bad story row")
			return
		}
		for _, fn := range storyFns {
			fn(ctx, ev)
		}
	case "story_votes":
		ev, err := voteEvent(change)
		if err != nil {
			log.Error().Err(err).Msg("change feed: bad vote row")
			return
		}
		for _, fn := range voteFns {
			fn(ctx, ev)
		}
	case "room_participants":
		ev, err := membershipEvent(change)
		if err != nil {
			log.Error().Err(err).Msg("change feed: bad membership row")
			return
		}
		for _, fn := range memberFns {
			fn(ctx, ev)
		}
	default:
		log.Debug().Str("table", change.Table).Msg("change feed: ignoring table")
	}
}

func storyEvent(change changePayload) (store.StoryEvent, error) {
	ev := store.StoryEvent{Kind: change.Op}
	if len(change.New) > 0 {
		var st models.Story
		if err := json.Unmarshal(change.New, &st); err != nil {
			return ev, err
		}
		ev.New = &st
	}
	if len(change.Old) > 0 {
		var st models.Story
		if err := json.Unmarshal(change.Old, &st); err != nil {
			return ev, err
		}
		ev.Old = &st
	}
	return ev, nil
}

func voteEvent(change changePayload) (store.VoteEvent, error) {
	ev := store.VoteEvent{Kind: change.Op}
	if len(change.New) > 0 {
		var v models.Vote
		if err := json.Unmarshal(change.New, &v); err != nil {
			return ev, err
		}
		ev.New = &v
	}
	if len(change.Old) > 0 {
		var v models.Vote
		if err := json.Unmarshal(change.Old, &v); err != nil {
			return ev, err
		}
		ev.Old = &v
	}
	return ev, nil
}

func membershipEvent(change changePayload) (store.MembershipEvent, error) {
	row := change.New
	if len(row) == 0 {
		row = change.Old
	}
	var member struct {
		UserID string `json:"user_id"`
	}
	if len(row) > 0 {
		if err := json.Unmarshal(row, &member); err != nil {
			return store.MembershipEvent{}, err
		}
	}
	return store.MembershipEvent{Kind: change.Op, RoomID: change.RoomID, UserID: member.UserID}, nil
}

func (f *Feed) handlersFor(roomID uuid.UUID) *feedHandlers {
	h, ok := f.rooms[roomID]
	if !ok {
		h = &feedHandlers{
			stories:    make(map[int]func(context.Context, store.StoryEvent)),
			votes:      make(map[int]func(context.Context, store.VoteEvent)),
			membership: make(map[int]func(context.Context, store.MembershipEvent)),
		}
		f.rooms[roomID] = h
	}
	return h
}

type feedSubscription struct {
	cancel func()
	once   sync.Once
}

func (s *feedSubscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

func (f *Feed) SubscribeStories(_ context.Context, roomID uuid.UUID, fn func(context.Context, store.StoryEvent)) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlersFor(roomID).stories[id] = fn
	return &feedSubscription{cancel: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if h, ok := f.rooms[roomID]; ok {
			delete(h.stories, id)
		}
	}}, nil
}

func (f *Feed) SubscribeVotes(_ context.Context, roomID uuid.UUID, fn func(context.Context, store.VoteEvent)) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlersFor(roomID).votes[id] = fn
	return &feedSubscription{cancel: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if h, ok := f.rooms[roomID]; ok {
			delete(h.votes, id)
		}
	}}, nil
}

func (f *Feed) SubscribeMembership(_ context.Context, roomID uuid.UUID, fn func(context.Context, store.MembershipEvent)) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlersFor(roomID).membership[id] = fn
	return &feedSubscription{cancel: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if h, ok := f.rooms[roomID]; ok {
			delete(h.membership, id)
		}
	}}, nil
}

var _ store.ChangeFeed = (*Feed)(nil)
