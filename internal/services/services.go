package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/internal/config"
	"github.com/temcen/turirec/internal/database"
	"github.com/temcen/turirec/internal/messaging"
	"github.com/temcen/turirec/internal/repository"
	"github.com/temcen/turirec/internal/vectorindex"
	"github.com/temcen/turirec/pkg/models"
)

const preloadTimeout = 2 * time.Minute

type Services struct {
	Health                     *HealthService
	MessageBus                 *messaging.MessageBus
	InteractionGraph           *InteractionGraph
	VectorIndex                *vectorindex.BreakerIndex
	Metrics                    *EngineMetrics
	RecommendationOrchestrator *RecommendationOrchestrator
	logger                     *logrus.Logger
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database, reg prometheus.Registerer) (*Services, error) {
	rc := cfg.Recommendation

	var users UserRepository = repository.NewPostgresUserRepository(db.PG, logger)
	items, err := repository.NewCachedItemRepository(
		repository.NewPostgresItemRepository(db.PG, logger), rc.Caching.EmbeddingCacheSize)
	if err != nil {
		return nil, err
	}

	var backend vectorindex.Searcher
	switch rc.Index.Backend {
	case "", "pgvector":
		backend = vectorindex.NewPGVectorIndex(db.PG)
	case "memory":
		mem := vectorindex.NewMemoryIndex()
		ctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
		nItems, nUsers, err := mem.Preload(ctx, db.PG)
		cancel()
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{"items": nItems, "users": nUsers}).Info("In-memory vector index loaded")
		users = &indexedUserRepository{UserRepository: users, index: mem}
		backend = mem
	default:
		return nil, fmt.Errorf("unknown vector index backend %q", rc.Index.Backend)
	}

	index := vectorindex.NewBreakerIndex(backend, vectorindex.BreakerConfig{
		Name:             "vector-index",
		Timeout:          rc.Index.Timeout,
		MaxRequests:      rc.Index.Breaker.MaxRequests,
		Interval:         rc.Index.Breaker.Interval,
		OpenTimeout:      rc.Index.Breaker.Timeout,
		FailureThreshold: rc.Index.Breaker.FailureThreshold,
	}, logger)

	mappings, err := LoadPreferenceMappings(rc.ColdStart.MappingsFile)
	if err != nil {
		return nil, err
	}
	rng := NewLockedRand(rc.Seed)

	coldStart := NewColdStartGenerator(items, mappings, rng, ColdStartConfig{
		PreferenceRatio:        rc.ColdStart.PreferenceRatio,
		PerPopularCategory:     rc.ColdStart.PerPopularCategory,
		DefaultPreferences:     rc.ColdStart.DefaultPreferences,
		PopularPlaceCategories: rc.ColdStart.PopularPlaceCategory,
		PopularEventCategories: rc.ColdStart.PopularEventCategory,
	}, logger)

	content := NewContentBasedRecommender(users, items, index, rng, ContentConfig{
		Dimensions:            rc.EmbeddingDimensions,
		LearningRate:          rc.LearningRate,
		InitialEmbeddingScale: rc.InitialEmbeddingScale,
		MissingEmbeddingScale: rc.MissingEmbeddingScale,
		QueryKind:             models.ItemKindEvent,
	}, logger)

	collaborative := NewCollaborativeFilter(users, items, index, CollaborativeConfig{
		DecayLambda:     rc.Collaborative.DecayLambda,
		NumSimilarUsers: rc.Collaborative.NumSimilarUsers,
		MinSimilarity:   rc.Collaborative.MinSimilarity,
	}, logger)

	metrics := NewEngineMetrics(reg, logger)

	s := &Services{
		VectorIndex: index,
		Metrics:     metrics,
		logger:      logger,
	}

	deps := OrchestratorDeps{
		Users:         users,
		Items:         items,
		ColdStart:     coldStart,
		Content:       content,
		Collaborative: collaborative,
		Blender: NewHybridBlender(BlendConfig{
			ContentWeight:       rc.Blend.ContentWeight,
			CollaborativeWeight: rc.Blend.CollaborativeWeight,
		}),
		Metrics: metrics,
	}
	if db.Redis != nil {
		deps.Cache = repository.NewRedisRecommendationCache(db.Redis, rc.Caching.RecommendationsTTL, logger)
	}

	if cfg.Neo4j.Enabled && db.Neo4j != nil {
		s.InteractionGraph = NewInteractionGraph(NewNeo4jGraphWriter(db.Neo4j),
			cfg.Neo4j.BatchSize, cfg.Neo4j.FlushInterval, logger)
		deps.Mirror = s.InteractionGraph
	}

	if cfg.Kafka.Enabled {
		bus, err := messaging.NewMessageBus(cfg.Kafka, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.MessageBus = bus
		deps.Publisher = bus
	}

	s.RecommendationOrchestrator = NewRecommendationOrchestrator(deps, OrchestratorConfig{
		ColdStartThreshold:  rc.ColdStartThreshold,
		TargetCount:         rc.TargetCount,
		CandidateMultiplier: rc.CandidateMultiplier,
		FallbackKind:        models.ItemKindEvent,
	}, logger)

	s.Health = NewHealthService(DatabaseChecks(db), index, reg, logger)
	s.Health.AddDetail("postgres_pool", func() interface{} {
		stats := db.PG.Stat()
		return map[string]int32{
			"acquired": stats.AcquiredConns(),
			"idle":     stats.IdleConns(),
			"total":    stats.TotalConns(),
			"max":      stats.MaxConns(),
		}
	})
	if s.MessageBus != nil {
		s.Health.AddDetail("kafka", func() interface{} { return s.MessageBus.GetMetrics() })
	}

	return s, nil
}

// RefreshHandler adapts the orchestrator to the refresh consumer. Unknown
// users are dropped instead of retried.
func (s *Services) RefreshHandler() messaging.RefreshHandler {
	return func(ctx context.Context, message *messaging.RefreshMessage) error {
		_, err := s.RecommendationOrchestrator.Refresh(ctx, message.UserID)
		if errors.Is(err, models.ErrNotFound) {
			s.logger.WithField("user_id", message.UserID).Warn("Dropping refresh for unknown user")
			return nil
		}
		return err
	}
}

// Close stops background workers. Connections belong to database.Database.
func (s *Services) Close() error {
	if s.InteractionGraph != nil {
		s.InteractionGraph.Stop()
	}
	if s.MessageBus != nil {
		return s.MessageBus.Close()
	}
	return nil
}

// indexedUserRepository keeps an in-process index in step with persisted
// collaborative vectors.
type indexedUserRepository struct {
	UserRepository
	index *vectorindex.MemoryIndex
}

func (r *indexedUserRepository) SetCollaborativeVector(ctx context.Context, userID string, vector models.Vector, totalWeight float64) error {
	if err := r.UserRepository.SetCollaborativeVector(ctx, userID, vector, totalWeight); err != nil {
		return err
	}
	r.index.UpsertUser(userID, vector)
	return nil
}
