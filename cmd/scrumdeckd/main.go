// Command scrumdeckd runs the estimation-room gateway: it hosts one sync
// session per WebSocket client and reconciles them against the shared
// backing store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"scrumdeck/internal/config"
	"scrumdeck/internal/gateway"
	"scrumdeck/internal/models"
	"scrumdeck/internal/room"
	"scrumdeck/internal/store/memory"
	"scrumdeck/internal/store/postgres"
	"scrumdeck/internal/store/presence"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	template, cleanup, err := setupBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("setup backend")
	}
	defer cleanup()

	manager := gateway.NewManager(template, gateway.DefaultConnectionConfig())
	handler := gateway.NewHandler(manager)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("backend", cfg.Backend).Msg("scrumdeckd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	manager.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

// setupBackend wires the store, change feed, and presence implementations
// into a session template shared by all connections.
func setupBackend(ctx context.Context, cfg *config.Config) (room.Config, func(), error) {
	switch cfg.Backend {
	case "memory":
		mem := memory.New()
		seedDemoRoom(ctx, mem)
		return room.Config{
			Store:    mem,
			Feed:     mem,
			Presence: mem,
			Clock:    clockwork.NewRealClock(),
		}, func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return room.Config{}, nil, fmt.Errorf("create pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return room.Config{}, nil, fmt.Errorf("ping database: %w", err)
		}
		log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("connected to database")

		feedCfg := postgres.DefaultFeedConfig()
		feedCfg.DatabaseURL = cfg.Database.DSN()
		feed, err := postgres.NewFeed(feedCfg)
		if err != nil {
			pool.Close()
			return room.Config{}, nil, fmt.Errorf("open change feed: %w", err)
		}
		go func() {
			if err := feed.Run(ctx); err != nil {
				log.Error().Err(err).Msg("change feed stopped")
			}
		}()

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Error().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			pool.Close()
			feed.Close()
			return room.Config{}, nil, fmt.Errorf("connect to NATS: %w", err)
		}

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			pool.Close()
			feed.Close()
			nc.Close()
			return room.Config{}, nil, fmt.Errorf("ping redis: %w", err)
		}

		hub := presence.NewHub(rdb, nc, feed, presence.HubConfig{
			KeyPrefix: "scrumdeck:presence:",
			TTL:       cfg.Presence.TTL,
			Heartbeat: cfg.Presence.Heartbeat,
		})

		cleanup := func() {
			nc.Close()
			rdb.Close()
			feed.Close()
			pool.Close()
		}
		return room.Config{
			Store:    postgres.NewStore(pool),
			Feed:     feed,
			Presence: hub,
			Clock:    clockwork.NewRealClock(),
		}, cleanup, nil

	default:
		return room.Config{}, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// seedDemoRoom populates the memory backend with a small room so the
// gateway is usable out of the box.
func seedDemoRoom(ctx context.Context, mem *memory.Store) {
	roomID := uuid.New()
	now := time.Now()

	mem.AddRoom(models.Room{ID: roomID, CreatorID: "moderator", Name: "Demo Room", CreatedAt: now})
	mem.AddProfile(models.Profile{UserID: "moderator", Name: "Moderator"})
	mem.AddProfile(models.Profile{UserID: "alice", Name: "Alice"})
	mem.AddProfile(models.Profile{UserID: "bob", Name: "Bob"})
	mem.AddMember(ctx, roomID, "moderator")
	mem.AddMember(ctx, roomID, "alice")
	mem.AddMember(ctx, roomID, "bob")

	for i, title := range []string{"Checkout flow rework", "Rate limiter for API", "Migrate billing jobs"} {
		mem.AddStory(ctx, models.Story{
			ID:        uuid.New(),
			RoomID:    roomID,
			Title:     title,
			Status:    models.StoryStatusPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	log.Info().Str("room_id", roomID.String()).Msg("seeded demo room")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
