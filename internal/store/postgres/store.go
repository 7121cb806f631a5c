// Package postgres implements the store query contract over pgx and the
// change-feed contract over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"

	"scrumdeck/internal/models"
	"scrumdeck/internal/store"
)

// Store implements store.Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

func (s *Store) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	var room models.Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, creator_id, name, created_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.CreatorID, &room.Name, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &room, nil
}

func (s *Store) ListMemberIDs(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = $1 ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, name, avatar FROM profiles WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.UserID, &p.Name, &p.Avatar); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, name, avatar FROM profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Name, &p.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *Store) ListStories(ctx context.Context, roomID uuid.UUID) ([]models.Story, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, title, details, status, created_at, updated_at
		 FROM stories WHERE room_id = $1 ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var stories []models.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, st)
	}
	return stories, rows.Err()
}

func (s *Store) ResetActiveStories(ctx context.Context, roomID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stories SET status = 'pending'
		 WHERE room_id = $1 AND status IN ('active', 'voting', 'voted')`, roomID)
	if err != nil {
		return fmt.Errorf("reset active stories: %w", err)
	}
	return nil
}

func (s *Store) UpdateStoryStatus(ctx context.Context, storyID uuid.UUID, status models.StoryStatus, updatedAt *time.Time) error {
	var err error
	if updatedAt != nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE stories SET status = $2, updated_at = $3 WHERE id = $1`,
			storyID, status, *updatedAt)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE stories SET status = $2, updated_at = now() WHERE id = $1`,
			storyID, status)
	}
	if err != nil {
		return fmt.Errorf("update story status: %w", err)
	}
	return nil
}

func (s *Store) ListVotes(ctx context.Context, storyID uuid.UUID) ([]models.Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room_id, story_id, user_id, vote_value FROM story_votes WHERE story_id = $1`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.RoomID, &v.StoryID, &v.UserID, &v.Value); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *Store) DeleteStoryVotes(ctx context.Context, storyID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM story_votes WHERE story_id = $1`, storyID)
	if err != nil {
		return fmt.Errorf("delete story votes: %w", err)
	}
	return nil
}

func (s *Store) UpsertVote(ctx context.Context, vote models.Vote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO story_votes (room_id, story_id, user_id, vote_value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (story_id, user_id) DO UPDATE SET vote_value = EXCLUDED.vote_value`,
		vote.RoomID, vote.StoryID, vote.UserID, vote.Value)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func scanStory(rows pgx.Rows) (models.Story, error) {
	var st models.Story
	var details pqtype.NullRawMessage
	if err := rows.Scan(&st.ID, &st.RoomID, &st.Title, &details, &st.Status, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return models.Story{}, fmt.Errorf("scan story: %w", err)
	}
	if details.Valid {
		st.Details = details.RawMessage
	}
	return st, nil
}
