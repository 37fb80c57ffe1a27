package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/temcen/turirec/pkg/models"
)

type OrchestratorConfig struct {
	ColdStartThreshold int
	TargetCount        int
	// CandidateMultiplier sets how many candidates each hybrid source is
	// asked for relative to the final list size.
	CandidateMultiplier int
	// FallbackKind is sampled when the hybrid sources produce nothing.
	FallbackKind models.ItemKind
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ColdStartThreshold:  5,
		TargetCount:         20,
		CandidateMultiplier: 2,
		FallbackKind:        models.ItemKindEvent,
	}
}

// OrchestratorDeps groups the collaborators. Cache, Publisher, Mirror and
// Metrics are optional.
type OrchestratorDeps struct {
	Users         UserRepository
	Items         ItemRepository
	ColdStart     ColdStartRecommender
	Content       ContentRecommender
	Collaborative CollaborativeRecommender
	Blender       *HybridBlender
	Cache         RecommendationCache
	Publisher     InteractionPublisher
	Mirror        InteractionMirror
	Metrics       *EngineMetrics
}

// RecommendationOrchestrator is the single entry point for recording
// interactions and producing recommendation lists.
type RecommendationOrchestrator struct {
	deps      OrchestratorDeps
	config    OrchestratorConfig
	locks     *userLocks
	validator *validator.Validate
	now       func() time.Time
	logger    *logrus.Logger
}

func NewRecommendationOrchestrator(deps OrchestratorDeps, config OrchestratorConfig, logger *logrus.Logger) *RecommendationOrchestrator {
	if config.CandidateMultiplier < 1 {
		config.CandidateMultiplier = 1
	}
	if config.FallbackKind == "" {
		config.FallbackKind = models.ItemKindEvent
	}
	return &RecommendationOrchestrator{
		deps:      deps,
		config:    config,
		locks:     newUserLocks(),
		validator: validator.New(),
		now:       time.Now,
		logger:    logger,
	}
}

// Phase selects the generation path from the size of the ledger.
func (o *RecommendationOrchestrator) Phase(user *models.User) models.Phase {
	if user.InteractionCount() < o.config.ColdStartThreshold {
		return models.PhaseColdStart
	}
	return models.PhaseHybrid
}

// Generate recomputes and stores the user's recommendations.
func (o *RecommendationOrchestrator) Generate(ctx context.Context, userID string, count int) (*models.RecommendationResult, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()

	user, err := o.deps.Users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return o.generateAndStore(ctx, user, count)
}

// Refresh regenerates with the configured list size.
func (o *RecommendationOrchestrator) Refresh(ctx context.Context, userID string) (*models.RecommendationResult, error) {
	return o.Generate(ctx, userID, o.config.TargetCount)
}

// OnInteraction records one interaction, moves the content embedding and
// replaces the stored recommendations.
func (o *RecommendationOrchestrator) OnInteraction(ctx context.Context, userID string, req *models.InteractionRequest) (*models.RecommendationResult, error) {
	if err := o.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	itemKind, err := models.ParseItemKind(req.ItemKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}

	kind, kindErr := models.ParseInteractionKind(req.Kind)
	if kindErr != nil {
		o.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"kind":    req.Kind,
		}).Warn("Unknown interaction kind, applying lowest weight")
	}
	o.deps.Metrics.observeInteraction(kind)

	unlock := o.locks.Lock(userID)
	defer unlock()

	user, err := o.deps.Users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	item, err := o.deps.Items.Get(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Kind() != itemKind {
		o.logger.WithFields(logrus.Fields{
			"item_id":  item.ItemID(),
			"declared": itemKind,
			"stored":   item.Kind(),
		}).Warn("Interaction item kind does not match catalogue")
		itemKind = item.Kind()
	}

	at := o.now()
	if kind.Logged() {
		added, err := o.deps.Users.AppendInteraction(ctx, user.ID, kind, item.ItemID(), at)
		if err != nil {
			return nil, err
		}
		if added {
			user.Add(kind, models.InteractionEntry{ItemID: item.ItemID(), Timestamp: at})
		}
	}

	if _, err := o.deps.Content.UpdateEmbedding(ctx, user, item, kind); err != nil {
		return nil, fmt.Errorf("failed to update content embedding: %w", err)
	}

	result, err := o.generateAndStore(ctx, user, o.config.TargetCount)
	if err != nil {
		return nil, err
	}

	o.emit(ctx, &models.InteractionEvent{
		EventID:   uuid.New(),
		UserID:    user.ID,
		ItemID:    item.ItemID(),
		ItemKind:  itemKind,
		Kind:      kind,
		Timestamp: at,
	})

	return result, nil
}

// RemoveInteraction undoes a like, save or visit. The list is regenerated
// only when an entry was actually removed.
func (o *RecommendationOrchestrator) RemoveInteraction(ctx context.Context, userID, itemID, kindName string) (*models.RecommendationResult, error) {
	kind, err := models.ParseInteractionKind(kindName)
	if err != nil || !kind.Logged() {
		return nil, fmt.Errorf("%w: %q cannot be removed", models.ErrInvalidInteractionKind, kindName)
	}

	unlock := o.locks.Lock(userID)
	defer unlock()

	user, err := o.deps.Users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	removed, err := o.deps.Users.RemoveInteraction(ctx, user.ID, kind, itemID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return &models.RecommendationResult{
			UserID:      user.ID,
			ItemIDs:     nonNil(user.Recommendations),
			Phase:       o.Phase(user),
			GeneratedAt: user.UpdatedAt,
		}, nil
	}
	user.Remove(kind, itemID)

	result, err := o.generateAndStore(ctx, user, o.config.TargetCount)
	if err != nil {
		return nil, err
	}

	o.emit(ctx, &models.InteractionEvent{
		EventID:   uuid.New(),
		UserID:    user.ID,
		ItemID:    itemID,
		Kind:      kind,
		Removed:   true,
		Timestamp: o.now(),
	})

	return result, nil
}

// InitializeRecommendations seeds a new user's list from their preferences.
// Users that already have recommendations are left untouched.
func (o *RecommendationOrchestrator) InitializeRecommendations(ctx context.Context, userID string) (*models.RecommendationResult, bool, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()

	user, err := o.deps.Users.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if len(user.Recommendations) > 0 {
		return &models.RecommendationResult{
			UserID:      user.ID,
			ItemIDs:     user.Recommendations,
			Phase:       o.Phase(user),
			GeneratedAt: user.UpdatedAt,
		}, false, nil
	}

	start := o.now()
	ids, err := o.deps.ColdStart.Generate(ctx, user.Preferences, o.config.TargetCount)
	if err != nil {
		return nil, false, fmt.Errorf("cold start failed: %w", err)
	}
	result := &models.RecommendationResult{
		UserID:      user.ID,
		ItemIDs:     nonNil(ids),
		Phase:       models.PhaseColdStart,
		GeneratedAt: o.now(),
	}
	o.store(ctx, result)
	o.deps.Metrics.observeResult(result, o.now().Sub(start).Seconds())

	return result, true, nil
}

// GetRecommendations serves the stored list, from cache when possible. A
// miss is filled under the user's lock so it cannot overwrite a list stored
// by a concurrent recomputation.
func (o *RecommendationOrchestrator) GetRecommendations(ctx context.Context, userID string) ([]string, error) {
	if o.deps.Cache != nil {
		ids, ok, err := o.deps.Cache.Get(ctx, userID)
		if err != nil {
			o.logger.WithError(err).WithField("user_id", userID).Warn("Recommendation cache read failed")
		} else if ok {
			return ids, nil
		}
	}

	unlock := o.locks.Lock(userID)
	defer unlock()

	user, err := o.deps.Users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := nonNil(user.Recommendations)

	if o.deps.Cache != nil {
		if err := o.deps.Cache.Set(ctx, userID, ids); err != nil {
			o.logger.WithError(err).WithField("user_id", userID).Warn("Recommendation cache write failed")
		}
	}
	return ids, nil
}

func (o *RecommendationOrchestrator) generateAndStore(ctx context.Context, user *models.User, count int) (*models.RecommendationResult, error) {
	start := o.now()

	result, err := o.compute(ctx, user, count)
	if err != nil {
		return nil, err
	}
	o.store(ctx, result)
	user.Recommendations = result.ItemIDs

	o.deps.Metrics.observeResult(result, o.now().Sub(start).Seconds())
	o.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"phase":    result.Phase,
		"count":    len(result.ItemIDs),
		"degraded": result.Degraded,
	}).Info("Recommendations generated")

	return result, nil
}

func (o *RecommendationOrchestrator) compute(ctx context.Context, user *models.User, count int) (*models.RecommendationResult, error) {
	result := &models.RecommendationResult{
		UserID: user.ID,
		Phase:  o.Phase(user),
	}

	if result.Phase == models.PhaseColdStart {
		ids, err := o.deps.ColdStart.Generate(ctx, user.Preferences, count)
		if err != nil {
			return nil, fmt.Errorf("cold start failed: %w", err)
		}
		result.ItemIDs = nonNil(ids)
		result.GeneratedAt = o.now()
		return result, nil
	}

	candidates := count * o.config.CandidateMultiplier
	var content, collaborative *CandidateSet

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		set, err := o.deps.Content.Recommend(gctx, user, candidates)
		if err != nil {
			o.logger.WithError(err).WithField("user_id", user.ID).Error("Content recommender failed")
			set = &CandidateSet{Degraded: true, Reason: "content_failed"}
		}
		content = set
		return nil
	})
	g.Go(func() error {
		set, err := o.deps.Collaborative.Recommend(gctx, user, candidates)
		if err != nil {
			o.logger.WithError(err).WithField("user_id", user.ID).Error("Collaborative filter failed")
			set = &CandidateSet{Degraded: true, Reason: "collaborative_failed"}
		}
		collaborative = set
		return nil
	})
	_ = g.Wait()

	for _, set := range []*CandidateSet{content, collaborative} {
		if set.Degraded {
			result.Degraded = true
			result.DegradedReasons = append(result.DegradedReasons, set.Reason)
		}
	}

	result.ItemIDs = o.deps.Blender.Combine(content.Items, collaborative.Items, count)

	if len(result.ItemIDs) == 0 {
		ids, err := o.deps.Items.FindPopular(ctx, o.config.FallbackKind, "", count, keys(user.InteractedItems()))
		if err != nil {
			o.logger.WithError(err).WithField("user_id", user.ID).Error("Fallback sample failed")
		}
		result.ItemIDs = nonNil(ids)
		result.Degraded = true
		result.DegradedReasons = append(result.DegradedReasons, "no_candidates")
	}

	result.GeneratedAt = o.now()
	return result, nil
}

// store replaces the persisted list and refreshes the cache. Failures are
// logged and flagged on the result; the computed list is still returned.
func (o *RecommendationOrchestrator) store(ctx context.Context, result *models.RecommendationResult) {
	if err := o.deps.Users.SetRecommendations(ctx, result.UserID, result.ItemIDs); err != nil {
		o.logger.WithError(err).WithField("user_id", result.UserID).Error("Failed to persist recommendations")
		result.Degraded = true
		result.DegradedReasons = append(result.DegradedReasons, "persist_failed")
		if o.deps.Cache != nil {
			if err := o.deps.Cache.Invalidate(ctx, result.UserID); err != nil {
				o.logger.WithError(err).WithField("user_id", result.UserID).Warn("Failed to invalidate cached recommendations")
			}
		}
		return
	}

	if o.deps.Cache != nil {
		if err := o.deps.Cache.Set(ctx, result.UserID, result.ItemIDs); err != nil {
			o.logger.WithError(err).WithField("user_id", result.UserID).Warn("Failed to cache recommendations")
		}
	}
}

// emit forwards the event to the stream and the graph mirror. Neither is
// allowed to fail the request.
func (o *RecommendationOrchestrator) emit(ctx context.Context, event *models.InteractionEvent) {
	if o.deps.Mirror != nil && event.Kind.Logged() {
		o.deps.Mirror.Enqueue(event)
	}
	if o.deps.Publisher != nil {
		if err := o.deps.Publisher.PublishInteraction(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.WithError(err).WithField("user_id", event.UserID).Warn("Failed to publish interaction event")
		}
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
