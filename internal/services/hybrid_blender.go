package services

import (
	"sort"

	"github.com/temcen/turirec/pkg/models"
)

type BlendConfig struct {
	ContentWeight       float64
	CollaborativeWeight float64
}

func DefaultBlendConfig() BlendConfig {
	return BlendConfig{ContentWeight: 0.4, CollaborativeWeight: 0.6}
}

// HybridBlender merges content and collaborative candidates into one ranked
// id list.
type HybridBlender struct {
	config BlendConfig
}

func NewHybridBlender(config BlendConfig) *HybridBlender {
	return &HybridBlender{config: config}
}

// Combine min-max normalizes each input, sums the weighted scores over the
// union of ids and returns the top count. Ties keep first-seen order, with
// content candidates seen before collaborative ones.
func (b *HybridBlender) Combine(content, collaborative []models.ScoredItem, count int) []string {
	if count <= 0 {
		return []string{}
	}

	scores := make(map[string]float64)
	var order []string

	add := func(items []models.ScoredItem, weight float64) {
		for _, it := range normalizeScores(items) {
			if _, ok := scores[it.ItemID]; !ok {
				order = append(order, it.ItemID)
			}
			scores[it.ItemID] += weight * it.Score
		}
	}
	add(content, b.config.ContentWeight)
	add(collaborative, b.config.CollaborativeWeight)

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	if len(order) > count {
		order = order[:count]
	}
	if order == nil {
		order = []string{}
	}
	return order
}

// normalizeScores rescales to [0,1]. A constant set uses a range of 1, so
// every item scores 0. Duplicate ids keep their best score.
func normalizeScores(items []models.ScoredItem) []models.ScoredItem {
	if len(items) == 0 {
		return nil
	}

	minScore, maxScore := items[0].Score, items[0].Score
	for _, item := range items {
		if item.Score < minScore {
			minScore = item.Score
		}
		if item.Score > maxScore {
			maxScore = item.Score
		}
	}

	scoreRange := maxScore - minScore
	if scoreRange == 0 {
		scoreRange = 1
	}

	out := make([]models.ScoredItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		norm := (item.Score - minScore) / scoreRange
		if i, dup := index[item.ItemID]; dup {
			if norm > out[i].Score {
				out[i].Score = norm
			}
			continue
		}
		index[item.ItemID] = len(out)
		item.Score = norm
		out = append(out, item)
	}
	return out
}
