package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

type ColdStartConfig struct {
	PreferenceRatio        float64
	PerPopularCategory     int
	DefaultPreferences     []string
	PopularPlaceCategories []string
	PopularEventCategories []string
}

func DefaultColdStartConfig() ColdStartConfig {
	return ColdStartConfig{
		PreferenceRatio:        0.7,
		PerPopularCategory:     2,
		DefaultPreferences:     []string{"cultura", "gastronomía"},
		PopularPlaceCategories: []string{"restaurante", "museo", "parque", "café", "playa"},
		PopularEventCategories: []string{"Art & Culture", "Música", "Gastronomía", "Deportes", "Outdoor"},
	}
}

// ColdStartGenerator fills recommendations for users with too little
// history: most of the list comes from their declared preferences and the
// rest from popular categories.
type ColdStartGenerator struct {
	items    ItemRepository
	mappings *PreferenceMappings
	rng      RandomSource
	config   ColdStartConfig
	logger   *logrus.Logger
}

func NewColdStartGenerator(items ItemRepository, mappings *PreferenceMappings, rng RandomSource, config ColdStartConfig, logger *logrus.Logger) *ColdStartGenerator {
	return &ColdStartGenerator{
		items:    items,
		mappings: mappings,
		rng:      rng,
		config:   config,
		logger:   logger,
	}
}

func (g *ColdStartGenerator) Generate(ctx context.Context, preferences []string, count int) ([]string, error) {
	if count <= 0 {
		return []string{}, nil
	}
	if len(preferences) == 0 {
		preferences = g.config.DefaultPreferences
	}

	g.logger.WithFields(logrus.Fields{
		"preferences": preferences,
		"count":       count,
	}).Info("Generating cold start recommendations")

	var found []string

	nPreference := int(float64(count) * g.config.PreferenceRatio)
	if len(preferences) > 0 {
		perPreference := nPreference / len(preferences)
		for _, pref := range preferences {
			ids, err := g.itemsForPreference(ctx, pref, perPreference)
			if err != nil {
				return nil, err
			}
			g.logger.WithFields(logrus.Fields{
				"preference": pref,
				"found":      len(ids),
			}).Debug("Preference items selected")
			found = append(found, ids...)
		}
	}

	if nDiverse := count - len(found); nDiverse > 0 {
		diverse, err := g.diverseItems(ctx, nDiverse, found)
		if err != nil {
			return nil, err
		}
		found = append(found, diverse...)
	}

	result := dedupe(found)
	shuffleStrings(g.rng, result)
	if len(result) > count {
		result = result[:count]
	}
	return result, nil
}

// itemsForPreference takes half places and fills the rest with events.
func (g *ColdStartGenerator) itemsForPreference(ctx context.Context, preference string, n int) ([]string, error) {
	mapping, ok := g.mappings.Lookup(preference)
	if !ok {
		g.logger.WithField("preference", preference).Warn("Preference has no mapping, skipping")
		return nil, nil
	}
	if n <= 0 {
		return nil, nil
	}

	var items []string

	nPlaces := n / 2
	if len(mapping.PlaceCategories) > 0 && nPlaces > 0 {
		places, err := g.items.FindByCategory(ctx, models.CategoryQuery{
			Kind:       models.ItemKindPlace,
			Categories: mapping.PlaceCategories,
			Tags:       mapping.Tags,
			Limit:      nPlaces * 2,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to find places for %q: %w", preference, err)
		}
		items = append(items, g.sample(places, nPlaces)...)
	}

	nEvents := n - len(items)
	if (len(mapping.EventCategories) > 0 || len(mapping.Tags) > 0) && nEvents > 0 {
		events, err := g.items.FindByCategory(ctx, models.CategoryQuery{
			Kind:       models.ItemKindEvent,
			Categories: mapping.EventCategories,
			Tags:       mapping.Tags,
			Limit:      nEvents * 2,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to find events for %q: %w", preference, err)
		}
		items = append(items, g.sample(events, nEvents)...)
	}

	return items, nil
}

// diverseItems walks the popular place categories until half of n is
// covered, then the popular event categories until n is covered.
func (g *ColdStartGenerator) diverseItems(ctx context.Context, n int, exclude []string) ([]string, error) {
	nPlaces := n / 2
	per := g.config.PerPopularCategory
	var items []string

	for _, category := range g.config.PopularPlaceCategories {
		if len(items) >= nPlaces {
			break
		}
		ids, err := g.items.FindPopular(ctx, models.ItemKindPlace, category, per, exclude)
		if err != nil {
			g.logger.WithError(err).WithField("category", category).Error("Failed to load popular places")
			continue
		}
		items = append(items, ids...)
	}

	for _, category := range g.config.PopularEventCategories {
		if len(items) >= n {
			break
		}
		ids, err := g.items.FindPopular(ctx, models.ItemKindEvent, category, per, exclude)
		if err != nil {
			g.logger.WithError(err).WithField("category", category).Error("Failed to load popular events")
			continue
		}
		items = append(items, ids...)
	}

	shuffleStrings(g.rng, items)
	if len(items) > n {
		items = items[:n]
	}
	return items, nil
}

func (g *ColdStartGenerator) sample(ids []string, n int) []string {
	out := append([]string(nil), ids...)
	shuffleStrings(g.rng, out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// dedupe keeps the first occurrence of each id.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
