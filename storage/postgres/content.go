package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const storyColumns = `id, title, excerpt, content, author, genre, length, read_time, tags,
	views, likes, is_premium, COALESCE(user_id, ''), created_at`

func scanStory(row pgx.Row) (*storyflow.Story, error) {
	var st storyflow.Story
	err := row.Scan(&st.ID, &st.Title, &st.Excerpt, &st.Content, &st.Author, &st.Genre,
		&st.Length, &st.ReadTime, &st.Tags, &st.Views, &st.Likes, &st.Premium, &st.UserID, &st.CreatedAt)
	if isNoRows(err) {
		return nil, storyflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if st.Tags == nil {
		st.Tags = []string{}
	}
	return &st, nil
}

// CreateStory implements storyflow.ContentStore
func (s *Storage) CreateStory(ctx context.Context, story *storyflow.Story) error {
	if story == nil || story.Title == "" {
		return fmt.Errorf("%w: story title is required", storyflow.ErrValidation)
	}
	if story.ID == "" {
		story.ID = uuid.NewString()
	}
	if story.CreatedAt.IsZero() {
		story.CreatedAt = time.Now().UTC()
	}
	tags := story.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO stories
				(id, title, excerpt, content, author, genre, length, read_time, tags, views, likes, is_premium, user_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		story.ID, story.Title, story.Excerpt, story.Content, story.Author, story.Genre, story.Length,
		story.ReadTime, tags, story.Views, story.Likes, story.Premium, nullable(story.UserID), story.CreatedAt)
	if isPgCode(err, codeUniqueViolation) {
		return fmt.Errorf("%w: story id %s", storyflow.ErrConflict, story.ID)
	}
	if isPgCode(err, codeForeignKeyViolation) {
		return fmt.Errorf("%w: author %s", storyflow.ErrNotFound, story.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to create story: %w", err)
	}
	return nil
}

// GetStory implements storyflow.ContentStore
func (s *Storage) GetStory(ctx context.Context, id string) (*storyflow.Story, error) {
	st, err := scanStory(s.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id))
	if err != nil && err != storyflow.ErrNotFound {
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return st, err
}

// ListStories implements storyflow.ContentStore
func (s *Storage) ListStories(ctx context.Context, filter storyflow.StoryFilter) ([]*storyflow.Story, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Genre != "" {
		args = append(args, filter.Genre)
		where = append(where, fmt.Sprintf("genre = $%d", len(args)))
	}
	if filter.Length != "" {
		args = append(args, filter.Length)
		where = append(where, fmt.Sprintf("length = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, "%"+escapeLike(filter.Query)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR excerpt ILIKE $%d OR author ILIKE $%d)", n, n, n))
	}

	query := `SELECT ` + storyColumns + ` FROM stories`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	stories := []*storyflow.Story{}
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		stories = append(stories, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	return stories, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// UpsertRating implements storyflow.ContentStore.
// The write and the aggregate run in one transaction so the returned summary
// includes the caller's score.
func (s *Storage) UpsertRating(ctx context.Context, rating storyflow.Rating) (storyflow.RatingSummary, error) {
	if rating.Score < 1 || rating.Score > 5 {
		return storyflow.RatingSummary{}, fmt.Errorf("%w: score must be between 1 and 5", storyflow.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storyflow.RatingSummary{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ratings (user_id, story_id, score, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, story_id) DO UPDATE SET
				score = EXCLUDED.score,
				updated_at = EXCLUDED.updated_at`,
		rating.UserID, rating.StoryID, rating.Score, time.Now().UTC())
	if isPgCode(err, codeForeignKeyViolation) {
		return storyflow.RatingSummary{}, storyflow.ErrNotFound
	}
	if err != nil {
		return storyflow.RatingSummary{}, fmt.Errorf("failed to upsert rating: %w", err)
	}

	var summary storyflow.RatingSummary
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(AVG(score), 0)::float8, COUNT(*) FROM ratings WHERE story_id = $1`,
		rating.StoryID).Scan(&summary.Average, &summary.Count)
	if err != nil {
		return storyflow.RatingSummary{}, fmt.Errorf("failed to aggregate ratings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storyflow.RatingSummary{}, fmt.Errorf("failed to commit rating: %w", err)
	}
	return summary, nil
}
