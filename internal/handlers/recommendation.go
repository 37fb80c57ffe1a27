package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

type RecommendationProvider interface {
	GetRecommendations(ctx context.Context, userID string) ([]string, error)
	Refresh(ctx context.Context, userID string) (*models.RecommendationResult, error)
	InitializeRecommendations(ctx context.Context, userID string) (*models.RecommendationResult, bool, error)
}

// RefreshPublisher queues refreshes for asynchronous processing.
type RefreshPublisher interface {
	PublishRefresh(ctx context.Context, req models.RefreshRequest) (uuid.UUID, error)
}

type RecommendationHandler struct {
	provider  RecommendationProvider
	publisher RefreshPublisher
	logger    *logrus.Logger
}

// NewRecommendationHandler accepts a nil publisher when no broker is
// configured; async refreshes are then rejected.
func NewRecommendationHandler(provider RecommendationProvider, publisher RefreshPublisher, logger *logrus.Logger) *RecommendationHandler {
	return &RecommendationHandler{
		provider:  provider,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *RecommendationHandler) Get(c *gin.Context) {
	userID := c.Param("userId")

	ids, err := h.provider.GetRecommendations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err, "Fetching recommendations")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":         userID,
		"recommendations": ids,
	})
}

func (h *RecommendationHandler) Refresh(c *gin.Context) {
	userID := c.Param("userId")

	async, err := strconv.ParseBool(c.DefaultQuery("async", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "async must be a boolean"))
		return
	}

	if async {
		if h.publisher == nil {
			c.JSON(http.StatusServiceUnavailable, errorBody("ASYNC_UNAVAILABLE", "Asynchronous refresh is not configured"))
			return
		}
		requestID, err := h.publisher.PublishRefresh(c.Request.Context(), models.RefreshRequest{
			UserID: userID,
			Reason: "api",
		})
		if err != nil {
			h.logger.WithError(err).WithField("user_id", userID).Error("Failed to queue refresh")
			c.JSON(http.StatusServiceUnavailable, errorBody("QUEUE_UNAVAILABLE", "Failed to queue refresh"))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"user_id":    userID,
			"request_id": requestID,
			"status":     "queued",
		})
		return
	}

	result, err := h.provider.Refresh(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err, "Refreshing recommendations")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Initialize returns 201 when a list was created and 200 when the user
// already had one.
func (h *RecommendationHandler) Initialize(c *gin.Context) {
	result, initialized, err := h.provider.InitializeRecommendations(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, h.logger, err, "Initializing recommendations")
		return
	}

	status := http.StatusOK
	if initialized {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"initialized":          initialized,
		"user_id":              result.UserID,
		"recommendations":      result.ItemIDs,
		"recommendation_phase": result.Phase,
	})
}
