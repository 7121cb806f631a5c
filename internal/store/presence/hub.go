// Package presence implements the ephemeral presence contract: a Redis
// TTL-keyed roster for who is online, NATS subjects for snapshot nudges
// and broadcast signals, and a bridge that multiplexes membership change
// events onto the same logical channel.
//
// Presence is deliberately ephemeral: a client that stops heartbeating
// falls out of the roster when its key expires, and nothing is replayed
// on reconnect beyond a fresh full snapshot.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/store"
)

// HubConfig tunes roster key lifetime and refresh cadence.
type HubConfig struct {
	KeyPrefix string
	TTL       time.Duration // presence key lifetime
	Heartbeat time.Duration // TTL refresh interval, should be well under TTL
}

// DefaultHubConfig returns production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		KeyPrefix: "scrumdeck:presence:",
		TTL:       30 * time.Second,
		Heartbeat: 10 * time.Second,
	}
}

// Hub opens presence channels backed by Redis and NATS. The feed is used to
// bridge membership table changes onto the channel, so subscribers get all
// three event classes through one attachment.
type Hub struct {
	rdb  *redis.Client
	nc   *nats.Conn
	feed store.ChangeFeed
	cfg  HubConfig
}

func NewHub(rdb *redis.Client, nc *nats.Conn, feed store.ChangeFeed, cfg HubConfig) *Hub {
	if cfg.TTL == 0 {
		cfg = DefaultHubConfig()
	}
	return &Hub{rdb: rdb, nc: nc, feed: feed, cfg: cfg}
}

var _ store.Presence = (*Hub)(nil)

func (h *Hub) membersKey(roomID uuid.UUID) string {
	return h.cfg.KeyPrefix + roomID.String() + ":members"
}

func (h *Hub) userKey(roomID uuid.UUID, userID string) string {
	return h.cfg.KeyPrefix + roomID.String() + ":" + userID
}

func presenceSubject(roomID uuid.UUID) string {
	return "scrumdeck.presence." + roomID.String()
}

func signalSubject(roomID uuid.UUID) string {
	return "scrumdeck.signal." + roomID.String()
}

// Subscribe attaches to a room's presence channel and delivers an initial
// full snapshot before returning.
func (h *Hub) Subscribe(ctx context.Context, roomID uuid.UUID, handlers store.PresenceHandlers) (store.PresenceChannel, error) {
	ch := &channel{
		hub:      h,
		roomID:   roomID,
		handlers: handlers,
		done:     make(chan struct{}),
	}

	syncSub, err := h.nc.Subscribe(presenceSubject(roomID), func(*nats.Msg) {
		ch.deliverSnapshot(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe presence subject: %w", err)
	}
	ch.syncSub = syncSub

	sigSub, err := h.nc.Subscribe(signalSubject(roomID), func(msg *nats.Msg) {
		var sig store.Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			log.Debug().Err(err).Msg("presence: bad signal payload")
			return
		}
		if handlers.Signal != nil {
			handlers.Signal(context.Background(), sig)
		}
	})
	if err != nil {
		syncSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe signal subject: %w", err)
	}
	ch.sigSub = sigSub

	if h.feed != nil && handlers.Membership != nil {
		feedSub, err := h.feed.SubscribeMembership(ctx, roomID, handlers.Membership)
		if err != nil {
			syncSub.Unsubscribe()
			sigSub.Unsubscribe()
			return nil, fmt.Errorf("subscribe membership: %w", err)
		}
		ch.feedSub = feedSub
	}

	// Expiry of other clients' keys produces no keyspace event we listen
	// for, so re-read the roster once per TTL as a sweep.
	go ch.sweepLoop()

	ch.deliverSnapshot(ctx)
	return ch, nil
}

// readRoster returns the live member ids for a room, pruning entries whose
// presence key has expired.
func (h *Hub) readRoster(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	members, err := h.rdb.SMembers(ctx, h.membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence set: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := h.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, id := range members {
		checks[i] = pipe.Exists(ctx, h.userKey(roomID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check presence keys: %w", err)
	}

	var alive, dead []string
	for i, id := range members {
		if checks[i].Val() > 0 {
			alive = append(alive, id)
		} else {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		args := make([]interface{}, len(dead))
		for i, id := range dead {
			args[i] = id
		}
		if err := h.rdb.SRem(ctx, h.membersKey(roomID), args...).Err(); err != nil {
			log.Debug().Err(err).Msg("presence: prune failed")
		}
	}
	sort.Strings(alive)
	return alive, nil
}

type channel struct {
	hub      *Hub
	roomID   uuid.UUID
	handlers store.PresenceHandlers

	syncSub *nats.Subscription
	sigSub  *nats.Subscription
	feedSub store.Subscription

	mu      sync.Mutex
	tracked string
	closed  bool
	once    sync.Once
	done    chan struct{}
}

// Track announces this client under its own key and starts the heartbeat
// that keeps the key alive.
func (c *channel) Track(ctx context.Context, userID string, joinedAt time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	start := c.tracked == ""
	c.tracked = userID
	c.mu.Unlock()

	h := c.hub
	payload, _ := json.Marshal(map[string]string{"user_id": userID, "online_at": joinedAt.UTC().Format(time.RFC3339)})
	if err := h.rdb.Set(ctx, h.userKey(c.roomID, userID), payload, h.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	if err := h.rdb.SAdd(ctx, h.membersKey(c.roomID), userID).Err(); err != nil {
		return fmt.Errorf("track presence set: %w", err)
	}
	if err := h.nc.Publish(presenceSubject(c.roomID), []byte("sync")); err != nil {
		return fmt.Errorf("publish presence sync: %w", err)
	}

	if start {
		go c.heartbeatLoop(userID)
	}
	return nil
}

// Send broadcasts a signal to every subscriber of the room's channel.
func (c *channel) Send(_ context.Context, sig store.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := c.hub.nc.Publish(signalSubject(c.roomID), data); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Close drops this client's presence entry and detaches all three legs of
// the channel. Idempotent.
func (c *channel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		tracked := c.tracked
		c.mu.Unlock()
		close(c.done)

		if c.syncSub != nil {
			c.syncSub.Unsubscribe()
		}
		if c.sigSub != nil {
			c.sigSub.Unsubscribe()
		}
		if c.feedSub != nil {
			c.feedSub.Unsubscribe()
		}

		if tracked != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h := c.hub
			if err := h.rdb.Del(ctx, h.userKey(c.roomID, tracked)).Err(); err != nil {
				log.Debug().Err(err).Msg("presence: untrack failed")
			}
			if err := h.rdb.SRem(ctx, h.membersKey(c.roomID), tracked).Err(); err != nil {
				log.Debug().Err(err).Msg("presence: untrack set failed")
			}
			if err := h.nc.Publish(presenceSubject(c.roomID), []byte("sync")); err != nil {
				log.Debug().Err(err).Msg("presence: sync publish failed")
			}
		}
	})
	return nil
}

func (c *channel) deliverSnapshot(ctx context.Context) {
	if c.handlers.Snapshot == nil {
		return
	}
	online, err := c.hub.readRoster(ctx, c.roomID)
	if err != nil {
		log.Debug().Err(err).Str("room_id", c.roomID.String()).Msg("presence: roster read failed")
		return
	}
	c.handlers.Snapshot(ctx, online)
}

func (c *channel) heartbeatLoop(userID string) {
	ticker := time.NewTicker(c.hub.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.Heartbeat)
			err := c.hub.rdb.Expire(ctx, c.hub.userKey(c.roomID, userID), c.hub.cfg.TTL).Err()
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("presence: heartbeat failed")
			}
		}
	}
}

func (c *channel) sweepLoop() {
	ticker := time.NewTicker(c.hub.cfg.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.deliverSnapshot(context.Background())
		}
	}
}
