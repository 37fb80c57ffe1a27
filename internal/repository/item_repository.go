package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

type PostgresItemRepository struct {
	db     DBTX
	logger *logrus.Logger
}

func NewPostgresItemRepository(db DBTX, logger *logrus.Logger) *PostgresItemRepository {
	return &PostgresItemRepository{db: db, logger: logger}
}

func (r *PostgresItemRepository) Get(ctx context.Context, itemID string) (models.Item, error) {
	query := `
		SELECT id, kind, title, category, types, tags, rating, start_date,
		       embedding::float8[], created_at
		FROM items
		WHERE id = $1`

	var (
		id, kind, title, category string
		types, tags               []string
		rating                    float64
		startDate                 *time.Time
		embedding                 []float64
		createdAt                 time.Time
	)
	err := r.db.QueryRow(ctx, query, itemID).Scan(
		&id, &kind, &title, &category, &types, &tags, &rating, &startDate, &embedding, &createdAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", itemID, err)
	}

	switch models.ItemKind(kind) {
	case models.ItemKindPlace:
		return &models.Place{
			ID: id, Title: title, Category: category, Types: types,
			Rating: rating, Embedding: embedding, CreatedAt: createdAt,
		}, nil
	case models.ItemKindEvent:
		return &models.Event{
			ID: id, Title: title, Category: category, Tags: tags,
			Rating: rating, StartDate: startDate, Embedding: embedding, CreatedAt: createdAt,
		}, nil
	}
	return nil, fmt.Errorf("item %s has unknown kind %q", itemID, kind)
}

// GetEmbedding returns ErrItemNotFound for unknown ids and
// ErrMissingEmbedding for items stored without a vector.
func (r *PostgresItemRepository) GetEmbedding(ctx context.Context, itemID string) (models.Vector, error) {
	var embedding []float64
	err := r.db.QueryRow(ctx, `SELECT embedding::float8[] FROM items WHERE id = $1`, itemID).Scan(&embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding for %s: %w", itemID, err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrMissingEmbedding, itemID)
	}
	return embedding, nil
}

// GetEmbeddings batch-loads vectors. Ids that are unknown or have no
// embedding are absent from the result.
func (r *PostgresItemRepository) GetEmbeddings(ctx context.Context, itemIDs []string) (map[string]models.Vector, error) {
	result := make(map[string]models.Vector, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT id, embedding::float8[]
		FROM items
		WHERE id = ANY($1) AND embedding IS NOT NULL`

	rows, err := r.db.Query(ctx, query, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        string
			embedding []float64
		)
		if err := rows.Scan(&id, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		result[id] = embedding
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
	}

	return result, nil
}

// FindByCategory matches on category, on tag overlap for events, or on a
// case-insensitive title regex built from the tags.
func (r *PostgresItemRepository) FindByCategory(ctx context.Context, q models.CategoryQuery) ([]string, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	args := []interface{}{string(q.Kind)}
	var conds []string

	if len(q.Categories) > 0 {
		args = append(args, q.Categories)
		conds = append(conds, fmt.Sprintf("category = ANY($%d)", len(args)))
	}
	if len(q.Tags) > 0 {
		if q.Kind == models.ItemKindEvent {
			args = append(args, q.Tags)
			conds = append(conds, fmt.Sprintf("tags && $%d", len(args)))
		}
		if pattern := TitlePattern(q.Tags); pattern != "" {
			args = append(args, pattern)
			conds = append(conds, fmt.Sprintf("title ~* $%d", len(args)))
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}

	args = append(args, q.Limit)
	query := fmt.Sprintf(`
		SELECT id
		FROM items
		WHERE kind = $1 AND (%s)
		ORDER BY created_at, id
		LIMIT $%d`, strings.Join(conds, " OR "), len(args))

	return r.queryIDs(ctx, query, args...)
}

// FindPopular returns places by rating and events by recency. An empty
// category matches every item of the kind.
func (r *PostgresItemRepository) FindPopular(ctx context.Context, kind models.ItemKind, category string, limit int, exclude []string) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	if exclude == nil {
		exclude = []string{}
	}

	order := "rating DESC, id"
	if kind == models.ItemKindEvent {
		order = "created_at DESC, id"
	}

	query := fmt.Sprintf(`
		SELECT id
		FROM items
		WHERE kind = $1
		  AND ($2 = '' OR category = $2)
		  AND NOT (id = ANY($3))
		ORDER BY %s
		LIMIT $4`, order)

	return r.queryIDs(ctx, query, string(kind), category, exclude, limit)
}

func (r *PostgresItemRepository) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return ids, nil
}

// TitlePattern builds an alternation of the literal tags, or "" when no tag
// is usable.
func TitlePattern(tags []string) string {
	quoted := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	if len(quoted) == 0 {
		return ""
	}
	return "(" + strings.Join(quoted, "|") + ")"
}
