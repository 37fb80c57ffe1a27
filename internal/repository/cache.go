package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

// ItemStore is the item catalogue contract consumed by the engine.
type ItemStore interface {
	Get(ctx context.Context, itemID string) (models.Item, error)
	GetEmbedding(ctx context.Context, itemID string) (models.Vector, error)
	GetEmbeddings(ctx context.Context, itemIDs []string) (map[string]models.Vector, error)
	FindByCategory(ctx context.Context, q models.CategoryQuery) ([]string, error)
	FindPopular(ctx context.Context, kind models.ItemKind, category string, limit int, exclude []string) ([]string, error)
}

// CachedItemRepository keeps recently used item embeddings in process.
// Item embeddings are externally supplied and effectively immutable, so
// entries are only evicted by size.
type CachedItemRepository struct {
	ItemStore
	embeddings *lru.Cache[string, models.Vector]
}

func NewCachedItemRepository(inner ItemStore, size int) (*CachedItemRepository, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, models.Vector](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedItemRepository{ItemStore: inner, embeddings: cache}, nil
}

func (c *CachedItemRepository) Get(ctx context.Context, itemID string) (models.Item, error) {
	item, err := c.ItemStore.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if emb := item.ItemEmbedding(); len(emb) > 0 {
		c.embeddings.Add(itemID, emb)
	}
	return item, nil
}

func (c *CachedItemRepository) GetEmbedding(ctx context.Context, itemID string) (models.Vector, error) {
	if emb, ok := c.embeddings.Get(itemID); ok {
		return emb, nil
	}
	emb, err := c.ItemStore.GetEmbedding(ctx, itemID)
	if err != nil {
		return nil, err
	}
	c.embeddings.Add(itemID, emb)
	return emb, nil
}

func (c *CachedItemRepository) GetEmbeddings(ctx context.Context, itemIDs []string) (map[string]models.Vector, error) {
	result := make(map[string]models.Vector, len(itemIDs))
	var missing []string
	for _, id := range itemIDs {
		if emb, ok := c.embeddings.Get(id); ok {
			result[id] = emb
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := c.ItemStore.GetEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, emb := range fetched {
		c.embeddings.Add(id, emb)
		result[id] = emb
	}
	return result, nil
}

// RedisRecommendationCache mirrors each user's stored recommendation list.
type RedisRecommendationCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisRecommendationCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisRecommendationCache {
	return &RedisRecommendationCache{client: client, ttl: ttl, logger: logger}
}

func recommendationKey(userID string) string {
	return fmt.Sprintf("recommendations:%s", userID)
}

// Get reports a miss with ok=false and a nil error.
func (c *RedisRecommendationCache) Get(ctx context.Context, userID string) ([]string, bool, error) {
	data, err := c.client.Get(ctx, recommendationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached recommendations: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Warn("Dropping corrupt cached recommendations")
		c.client.Del(ctx, recommendationKey(userID))
		return nil, false, nil
	}
	return ids, true, nil
}

func (c *RedisRecommendationCache) Set(ctx context.Context, userID string, itemIDs []string) error {
	if itemIDs == nil {
		itemIDs = []string{}
	}
	data, err := json.Marshal(itemIDs)
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}
	if err := c.client.Set(ctx, recommendationKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache recommendations: %w", err)
	}
	return nil
}

func (c *RedisRecommendationCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, recommendationKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate recommendations: %w", err)
	}
	return nil
}
