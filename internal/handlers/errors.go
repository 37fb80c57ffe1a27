package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

func errorBody(code, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError maps engine errors onto the API error envelope.
func respondError(c *gin.Context, logger *logrus.Logger, err error, op string) {
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		c.JSON(http.StatusNotFound, errorBody("USER_NOT_FOUND", err.Error()))
	case errors.Is(err, models.ErrItemNotFound):
		c.JSON(http.StatusNotFound, errorBody("ITEM_NOT_FOUND", err.Error()))
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", err.Error()))
	case errors.Is(err, models.ErrInvalidInteractionKind):
		c.JSON(http.StatusBadRequest, errorBody("INVALID_INTERACTION_KIND", err.Error()))
	case errors.Is(err, models.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, errorBody("VALIDATION_FAILED", err.Error()))
	default:
		logger.WithError(err).WithField("user_id", c.Param("userId")).Errorf("%s failed", op)
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", op+" failed"))
	}
}
