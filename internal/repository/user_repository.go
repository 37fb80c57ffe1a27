package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

type PostgresUserRepository struct {
	db     DBTX
	logger *logrus.Logger
}

func NewPostgresUserRepository(db DBTX, logger *logrus.Logger) *PostgresUserRepository {
	return &PostgresUserRepository{db: db, logger: logger}
}

// Get loads the user row and its full interaction ledger.
func (r *PostgresUserRepository) Get(ctx context.Context, userID string) (*models.User, error) {
	query := `
		SELECT id, preferences, embedding::float8[], collab_vector::float8[],
		       total_weight, recommendations, created_at, updated_at
		FROM users
		WHERE id = $1`

	var (
		user         models.User
		embedding    []float64
		collabVector []float64
		preferences  []string
		recommended  []string
	)
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &preferences, &embedding, &collabVector,
		&user.TotalWeight, &recommended, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	user.Embedding = models.Vector(embedding)
	user.CollaborativeVector = models.Vector(collabVector)
	user.Preferences = preferences
	user.Recommendations = recommended

	log, err := r.Interactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.InteractionLog = *log

	return &user, nil
}

// Interactions loads only the ledger, oldest first within each kind.
func (r *PostgresUserRepository) Interactions(ctx context.Context, userID string) (*models.InteractionLog, error) {
	query := `
		SELECT kind, item_id, created_at
		FROM user_interactions
		WHERE user_id = $1
		ORDER BY created_at, item_id`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load interactions for %s: %w", userID, err)
	}
	defer rows.Close()

	log := &models.InteractionLog{}
	for rows.Next() {
		var (
			kind  string
			entry models.InteractionEntry
		)
		if err := rows.Scan(&kind, &entry.ItemID, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		if !log.Add(models.InteractionKind(kind), entry) {
			r.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"kind":    kind,
				"item_id": entry.ItemID,
			}).Warn("Skipping unexpected interaction row")
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interactions: %w", err)
	}

	return log, nil
}

func (r *PostgresUserRepository) SetEmbedding(ctx context.Context, userID string, embedding models.Vector) error {
	query := `UPDATE users SET embedding = $2::float8[]::vector, updated_at = NOW() WHERE id = $1`
	return r.execUser(ctx, "set embedding", userID, query, userID, []float64(embedding))
}

func (r *PostgresUserRepository) SetCollaborativeVector(ctx context.Context, userID string, vector models.Vector, totalWeight float64) error {
	query := `
		UPDATE users
		SET collab_vector = $2::float8[]::vector, total_weight = $3, updated_at = NOW()
		WHERE id = $1`
	return r.execUser(ctx, "set collaborative vector", userID, query, userID, []float64(vector), totalWeight)
}

// SetRecommendations replaces the stored list in a single statement.
func (r *PostgresUserRepository) SetRecommendations(ctx context.Context, userID string, itemIDs []string) error {
	if itemIDs == nil {
		itemIDs = []string{}
	}
	query := `UPDATE users SET recommendations = $2, updated_at = NOW() WHERE id = $1`
	return r.execUser(ctx, "set recommendations", userID, query, userID, itemIDs)
}

// AppendInteraction logs a like, save or visit. It returns false when the
// item was already logged under that kind.
func (r *PostgresUserRepository) AppendInteraction(ctx context.Context, userID string, kind models.InteractionKind, itemID string, at time.Time) (bool, error) {
	if !kind.Logged() {
		return false, fmt.Errorf("%w: %s is not a logged kind", models.ErrInvalidInteractionKind, kind)
	}

	query := `
		INSERT INTO user_interactions (user_id, item_id, kind, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, kind, item_id) DO NOTHING`

	tag, err := r.db.Exec(ctx, query, userID, itemID, string(kind), at)
	if err != nil {
		return false, fmt.Errorf("failed to append %s interaction: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresUserRepository) RemoveInteraction(ctx context.Context, userID string, kind models.InteractionKind, itemID string) (bool, error) {
	query := `DELETE FROM user_interactions WHERE user_id = $1 AND kind = $2 AND item_id = $3`

	tag, err := r.db.Exec(ctx, query, userID, string(kind), itemID)
	if err != nil {
		return false, fmt.Errorf("failed to remove %s interaction: %w", kind, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresUserRepository) execUser(ctx context.Context, op, userID, query string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s for %s: %w", op, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, userID)
	}
	return nil
}
