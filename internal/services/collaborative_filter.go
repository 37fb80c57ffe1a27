package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/temcen/turirec/internal/vecmath"
	"github.com/temcen/turirec/pkg/models"
)

// collaborativeStrengths weight each logged kind when building history
// vectors and when scoring neighbour items.
var collaborativeStrengths = map[models.InteractionKind]float64{
	models.InteractionLike:  1.0,
	models.InteractionSave:  2.0,
	models.InteractionVisit: 0.5,
}

type CollaborativeConfig struct {
	DecayLambda     float64
	NumSimilarUsers int
	MinSimilarity   float64
}

func DefaultCollaborativeConfig() CollaborativeConfig {
	return CollaborativeConfig{
		DecayLambda:     0.01,
		NumSimilarUsers: 20,
		MinSimilarity:   0,
	}
}

// CollaborativeFilter recommends what similar users interacted with.
// Similarity is measured between time-decayed full-history vectors.
type CollaborativeFilter struct {
	users  UserRepository
	items  ItemRepository
	index  VectorIndex
	config CollaborativeConfig
	now    func() time.Time
	logger *logrus.Logger
}

func NewCollaborativeFilter(users UserRepository, items ItemRepository, index VectorIndex, config CollaborativeConfig, logger *logrus.Logger) *CollaborativeFilter {
	return &CollaborativeFilter{
		users:  users,
		items:  items,
		index:  index,
		config: config,
		now:    time.Now,
		logger: logger,
	}
}

func (f *CollaborativeFilter) Recommend(ctx context.Context, user *models.User, count int) (*CandidateSet, error) {
	if count <= 0 {
		return &CandidateSet{}, nil
	}

	vector, totalWeight, err := f.HistoryVector(ctx, &user.InteractionLog)
	if err != nil {
		return nil, err
	}
	if vector == nil {
		f.logger.WithField("user_id", user.ID).Debug("No usable history for collaborative filtering")
		return &CandidateSet{}, nil
	}

	if err := f.users.SetCollaborativeVector(ctx, user.ID, vector, totalWeight); err != nil {
		f.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to persist collaborative vector")
	} else {
		user.CollaborativeVector = vector
		user.TotalWeight = totalWeight
	}

	neighbours, err := f.similarUsers(ctx, user.ID, vector)
	if err != nil {
		reason := "collaborative_search_failed"
		if errors.Is(err, models.ErrIndexUnavailable) {
			reason = "collaborative_index_unavailable"
		}
		f.logger.WithError(err).WithField("user_id", user.ID).Warn("User similarity search failed")
		return &CandidateSet{Degraded: true, Reason: reason}, nil
	}
	if len(neighbours) == 0 {
		f.logger.WithError(models.ErrEmptyNeighborhood).WithField("user_id", user.ID).Debug("Collaborative filtering has no neighbours")
		return &CandidateSet{}, nil
	}

	items := f.aggregate(ctx, user, neighbours)
	if len(items) > count {
		items = items[:count]
	}

	f.logger.WithFields(logrus.Fields{
		"user_id":    user.ID,
		"neighbours": len(neighbours),
		"candidates": len(items),
	}).Debug("Collaborative candidates computed")

	return &CandidateSet{Items: items}, nil
}

// HistoryVector sums the embeddings of every logged item weighted by
// strength and exp(-lambda * age_days), then normalizes. Items without an
// embedding are skipped. A nil vector means nothing was usable.
func (f *CollaborativeFilter) HistoryVector(ctx context.Context, log *models.InteractionLog) (models.Vector, float64, error) {
	ids := keys(log.InteractedItems())
	if len(ids) == 0 {
		return nil, 0, nil
	}

	embeddings, err := f.items.GetEmbeddings(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load history embeddings: %w", err)
	}

	now := f.now()
	var (
		sum         models.Vector
		totalWeight float64
	)
	for _, kind := range models.LoggedKinds {
		strength := collaborativeStrengths[kind]
		for _, entry := range log.Entries(kind) {
			emb, ok := embeddings[entry.ItemID]
			if !ok || len(emb) == 0 {
				continue
			}
			if sum == nil {
				sum = make(models.Vector, len(emb))
			}
			if len(emb) != len(sum) {
				f.logger.WithField("item_id", entry.ItemID).Warn("Skipping embedding with mismatched dimension")
				continue
			}

			age := now.Sub(entry.Timestamp).Hours() / 24
			weight := strength * vecmath.Decay(f.config.DecayLambda, age)
			floats.AddScaled(sum, weight, emb)
			totalWeight += weight
		}
	}

	if sum == nil || totalWeight == 0 || sum.IsZero() {
		return nil, 0, nil
	}
	return vecmath.Normalize(sum), totalWeight, nil
}

func (f *CollaborativeFilter) similarUsers(ctx context.Context, userID string, vector models.Vector) ([]models.Match, error) {
	matches, err := f.index.Search(ctx, models.SpaceUsers, vector, f.config.NumSimilarUsers, &models.SearchFilter{
		Exclude: []string{userID},
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Match, 0, len(matches))
	for _, m := range matches {
		if m.ID == userID || m.Score < f.config.MinSimilarity {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// aggregate scores neighbour items by similarity times strength. Ties keep
// the order in which items were first scored.
func (f *CollaborativeFilter) aggregate(ctx context.Context, user *models.User, neighbours []models.Match) []models.ScoredItem {
	interacted := user.InteractedItems()
	scores := make(map[string]float64)
	var order []string

	for _, n := range neighbours {
		log, err := f.users.Interactions(ctx, n.ID)
		if err != nil {
			f.logger.WithError(err).WithField("neighbour_id", n.ID).Warn("Failed to load neighbour interactions")
			continue
		}
		for _, kind := range models.LoggedKinds {
			strength := collaborativeStrengths[kind]
			for _, entry := range log.Entries(kind) {
				if _, seen := interacted[entry.ItemID]; seen {
					continue
				}
				if _, ok := scores[entry.ItemID]; !ok {
					order = append(order, entry.ItemID)
				}
				scores[entry.ItemID] += n.Score * strength
			}
		}
	}

	items := make([]models.ScoredItem, len(order))
	for i, id := range order {
		items[i] = models.ScoredItem{ItemID: id, Score: scores[id], Source: "collaborative"}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	return items
}
