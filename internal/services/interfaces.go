package services

import (
	"context"
	"time"

	"github.com/temcen/turirec/pkg/models"
)

// UserRepository is the embedding store and interaction ledger for users.
type UserRepository interface {
	Get(ctx context.Context, userID string) (*models.User, error)
	Interactions(ctx context.Context, userID string) (*models.InteractionLog, error)
	SetEmbedding(ctx context.Context, userID string, embedding models.Vector) error
	SetCollaborativeVector(ctx context.Context, userID string, vector models.Vector, totalWeight float64) error
	SetRecommendations(ctx context.Context, userID string, itemIDs []string) error
	AppendInteraction(ctx context.Context, userID string, kind models.InteractionKind, itemID string, at time.Time) (bool, error)
	RemoveInteraction(ctx context.Context, userID string, kind models.InteractionKind, itemID string) (bool, error)
}

type ItemRepository interface {
	Get(ctx context.Context, itemID string) (models.Item, error)
	GetEmbedding(ctx context.Context, itemID string) (models.Vector, error)
	GetEmbeddings(ctx context.Context, itemIDs []string) (map[string]models.Vector, error)
	FindByCategory(ctx context.Context, q models.CategoryQuery) ([]string, error)
	FindPopular(ctx context.Context, kind models.ItemKind, category string, limit int, exclude []string) ([]string, error)
}

type VectorIndex interface {
	Search(ctx context.Context, space models.Space, query models.Vector, k int, filter *models.SearchFilter) ([]models.Match, error)
}

type RecommendationCache interface {
	Get(ctx context.Context, userID string) ([]string, bool, error)
	Set(ctx context.Context, userID string, itemIDs []string) error
	Invalidate(ctx context.Context, userID string) error
}

// InteractionPublisher forwards interactions to downstream consumers.
type InteractionPublisher interface {
	PublishInteraction(ctx context.Context, event *models.InteractionEvent) error
}

// InteractionMirror receives every ledger change for the graph store.
type InteractionMirror interface {
	Enqueue(event *models.InteractionEvent)
}

type ColdStartRecommender interface {
	Generate(ctx context.Context, preferences []string, count int) ([]string, error)
}

type ContentRecommender interface {
	EnsureEmbedding(ctx context.Context, user *models.User) (models.Vector, error)
	UpdateEmbedding(ctx context.Context, user *models.User, item models.Item, kind models.InteractionKind) (models.Vector, error)
	Recommend(ctx context.Context, user *models.User, count int) (*CandidateSet, error)
}

type CollaborativeRecommender interface {
	Recommend(ctx context.Context, user *models.User, count int) (*CandidateSet, error)
}

// CandidateSet is one recommender's scored output. Degraded is set when the
// items come from a fallback instead of a similarity search.
type CandidateSet struct {
	Items    []models.ScoredItem
	Degraded bool
	Reason   string
}
