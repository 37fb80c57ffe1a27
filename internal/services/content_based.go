package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/internal/vecmath"
	"github.com/temcen/turirec/pkg/models"
)

// contentWeights scales how far one interaction moves the user embedding.
var contentWeights = map[models.InteractionKind]float64{
	models.InteractionView:  0.1,
	models.InteractionClick: 0.2,
	models.InteractionShare: 0.3,
	models.InteractionSave:  0.5,
	models.InteractionVisit: 0.7,
	models.InteractionLike:  0.8,
}

const minContentWeight = 0.1

// ContentWeight falls back to the lowest weight for unknown kinds.
func ContentWeight(kind models.InteractionKind) float64 {
	if w, ok := contentWeights[kind]; ok {
		return w
	}
	return minContentWeight
}

type ContentConfig struct {
	Dimensions            int
	LearningRate          float64
	InitialEmbeddingScale float64
	MissingEmbeddingScale float64
	// QueryKind restricts the similarity search; the catalogue only
	// indexes events for content recommendations.
	QueryKind models.ItemKind
}

func DefaultContentConfig() ContentConfig {
	return ContentConfig{
		Dimensions:            384,
		LearningRate:          0.15,
		InitialEmbeddingScale: 0.01,
		MissingEmbeddingScale: 0.01,
		QueryKind:             models.ItemKindEvent,
	}
}

// ContentBasedRecommender keeps each user's embedding as an exponential
// moving average of the items they touch and ranks items by cosine
// similarity to it.
type ContentBasedRecommender struct {
	users  UserRepository
	items  ItemRepository
	index  VectorIndex
	rng    RandomSource
	config ContentConfig
	logger *logrus.Logger
}

func NewContentBasedRecommender(users UserRepository, items ItemRepository, index VectorIndex, rng RandomSource, config ContentConfig, logger *logrus.Logger) *ContentBasedRecommender {
	return &ContentBasedRecommender{
		users:  users,
		items:  items,
		index:  index,
		rng:    rng,
		config: config,
		logger: logger,
	}
}

// EnsureEmbedding returns the user's embedding, creating and persisting a
// small random one on first access.
func (r *ContentBasedRecommender) EnsureEmbedding(ctx context.Context, user *models.User) (models.Vector, error) {
	if len(user.Embedding) == r.config.Dimensions && !user.Embedding.IsZero() {
		return user.Embedding, nil
	}

	embedding := vecmath.RandomUnit(r.rng, r.config.Dimensions, r.config.InitialEmbeddingScale)
	if err := r.users.SetEmbedding(ctx, user.ID, embedding); err != nil {
		return nil, fmt.Errorf("failed to initialize embedding: %w", err)
	}
	user.Embedding = embedding

	r.logger.WithField("user_id", user.ID).Debug("Initialized user embedding")
	return embedding, nil
}

// UpdateEmbedding applies one interaction to the user embedding and
// persists the result.
func (r *ContentBasedRecommender) UpdateEmbedding(ctx context.Context, user *models.User, item models.Item, kind models.InteractionKind) (models.Vector, error) {
	current, err := r.EnsureEmbedding(ctx, user)
	if err != nil {
		return nil, err
	}

	itemVec := item.ItemEmbedding()
	if len(itemVec) != r.config.Dimensions {
		r.logger.WithFields(logrus.Fields{
			"item_id":   item.ItemID(),
			"dimension": len(itemVec),
		}).Warn("Item has no usable embedding, substituting a random vector")
		itemVec = vecmath.RandomUnit(r.rng, r.config.Dimensions, r.config.MissingEmbeddingScale)
	}

	updated := vecmath.EMA(current, itemVec, r.config.LearningRate, ContentWeight(kind))
	if err := r.users.SetEmbedding(ctx, user.ID, updated); err != nil {
		return nil, fmt.Errorf("failed to store updated embedding: %w", err)
	}
	user.Embedding = updated

	return updated, nil
}

// Recommend returns up to count items nearest to the user embedding,
// skipping items the user already logged. When the index cannot answer it
// falls back to a catalogue sample and marks the set degraded.
func (r *ContentBasedRecommender) Recommend(ctx context.Context, user *models.User, count int) (*CandidateSet, error) {
	if count <= 0 {
		return &CandidateSet{}, nil
	}

	embedding, err := r.EnsureEmbedding(ctx, user)
	if err != nil {
		return nil, err
	}

	exclude := keys(user.InteractedItems())
	matches, err := r.index.Search(ctx, models.SpaceItems, embedding, count, &models.SearchFilter{
		Kind:    r.config.QueryKind,
		Exclude: exclude,
	})

	reason := ""
	switch {
	case err != nil && errors.Is(err, models.ErrIndexUnavailable):
		reason = "content_index_unavailable"
	case err != nil:
		reason = "content_search_failed"
	case len(matches) == 0:
		reason = "content_no_matches"
	}
	if reason != "" {
		entry := r.logger.WithFields(logrus.Fields{
			"user_id": user.ID,
			"reason":  reason,
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("Content search unavailable, using fallback sample")
		return r.fallback(ctx, count, exclude, reason)
	}

	seen := make(map[string]struct{}, len(matches))
	items := make([]models.ScoredItem, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		items = append(items, models.ScoredItem{ItemID: m.ID, Score: m.Score, Source: "content"})
		if len(items) == count {
			break
		}
	}

	return &CandidateSet{Items: items}, nil
}

// UpdateAndQuery applies an interaction and queries with the new embedding.
func (r *ContentBasedRecommender) UpdateAndQuery(ctx context.Context, user *models.User, item models.Item, kind models.InteractionKind, count int) (models.Vector, *CandidateSet, error) {
	embedding, err := r.UpdateEmbedding(ctx, user, item, kind)
	if err != nil {
		return nil, nil, err
	}
	set, err := r.Recommend(ctx, user, count)
	if err != nil {
		return nil, nil, err
	}
	return embedding, set, nil
}

// fallback scores the sample by position so blending keeps its order.
func (r *ContentBasedRecommender) fallback(ctx context.Context, count int, exclude []string, reason string) (*CandidateSet, error) {
	ids, err := r.items.FindPopular(ctx, r.config.QueryKind, "", count, exclude)
	if err != nil {
		return nil, fmt.Errorf("content fallback failed: %w", err)
	}
	return &CandidateSet{
		Items:    positionScored(ids, "content_fallback"),
		Degraded: true,
		Reason:   reason,
	}, nil
}

func positionScored(ids []string, source string) []models.ScoredItem {
	items := make([]models.ScoredItem, len(ids))
	for i, id := range ids {
		items[i] = models.ScoredItem{
			ItemID: id,
			Score:  1 - float64(i)/float64(len(ids)),
			Source: source,
		}
	}
	return items
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
