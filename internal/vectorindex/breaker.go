package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/temcen/turirec/pkg/models"
)

type BreakerConfig struct {
	Name             string
	Timeout          time.Duration
	MaxRequests      uint32
	Interval         time.Duration
	OpenTimeout      time.Duration
	FailureThreshold uint32
}

// BreakerIndex bounds every search by a timeout and stops calling a failing
// backend until it recovers. All failures come back wrapping
// models.ErrIndexUnavailable.
type BreakerIndex struct {
	inner   Searcher
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[[]models.Match]
	logger  *logrus.Logger
}

func NewBreakerIndex(inner Searcher, cfg BreakerConfig, logger *logrus.Logger) *BreakerIndex {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Name == "" {
		cfg.Name = "vector-index"
	}

	b := &BreakerIndex{
		inner:   inner,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	b.cb = gobreaker.NewCircuitBreaker[[]models.Match](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		// A caller abandoning its request says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Vector index circuit breaker changed state")
		},
	})
	return b
}

func (b *BreakerIndex) Search(ctx context.Context, space models.Space, query models.Vector, k int, filter *models.SearchFilter) ([]models.Match, error) {
	matches, err := b.cb.Execute(func() ([]models.Match, error) {
		searchCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			searchCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return b.inner.Search(searchCtx, space, query, k, filter)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", models.ErrIndexUnavailable, err)
	}
	return matches, nil
}

// State is exposed for health reporting.
func (b *BreakerIndex) State() string {
	return b.cb.State().String()
}
