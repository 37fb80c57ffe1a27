package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

// InteractionRecorder is the part of the orchestrator the interaction
// routes need.
type InteractionRecorder interface {
	OnInteraction(ctx context.Context, userID string, req *models.InteractionRequest) (*models.RecommendationResult, error)
	RemoveInteraction(ctx context.Context, userID, itemID, kind string) (*models.RecommendationResult, error)
}

type InteractionHandler struct {
	logger   *logrus.Logger
	recorder InteractionRecorder
}

func NewInteractionHandler(logger *logrus.Logger, recorder InteractionRecorder) *InteractionHandler {
	return &InteractionHandler{
		logger:   logger,
		recorder: recorder,
	}
}

// Record handles POST /users/:userId/interactions.
func (h *InteractionHandler) Record(c *gin.Context) {
	var req models.InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Debug("Failed to bind interaction request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": "Invalid request format",
				"details": err.Error(),
			},
		})
		return
	}

	result, err := h.recorder.OnInteraction(c.Request.Context(), c.Param("userId"), &req)
	if err != nil {
		respondError(c, h.logger, err, "Recording interaction")
		return
	}

	c.JSON(http.StatusOK, result)
}

// Remove handles DELETE /users/:userId/interactions/:kind/:itemId.
func (h *InteractionHandler) Remove(c *gin.Context) {
	result, err := h.recorder.RemoveInteraction(c.Request.Context(), c.Param("userId"), c.Param("itemId"), c.Param("kind"))
	if err != nil {
		respondError(c, h.logger, err, "Removing interaction")
		return
	}

	c.JSON(http.StatusOK, result)
}
