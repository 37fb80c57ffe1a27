package handlers

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/temcen/turirec/pkg/models"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) OnInteraction(ctx context.Context, userID string, req *models.InteractionRequest) (*models.RecommendationResult, error) {
	args := m.Called(ctx, userID, req)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Error(1)
}

func (m *MockEngine) RemoveInteraction(ctx context.Context, userID, itemID, kind string) (*models.RecommendationResult, error) {
	args := m.Called(ctx, userID, itemID, kind)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Error(1)
}

func (m *MockEngine) GetRecommendations(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *MockEngine) Refresh(ctx context.Context, userID string) (*models.RecommendationResult, error) {
	args := m.Called(ctx, userID)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Error(1)
}

func (m *MockEngine) InitializeRecommendations(ctx context.Context, userID string) (*models.RecommendationResult, bool, error) {
	args := m.Called(ctx, userID)
	result, _ := args.Get(0).(*models.RecommendationResult)
	return result, args.Bool(1), args.Error(2)
}

type MockRefreshPublisher struct {
	mock.Mock
}

func (m *MockRefreshPublisher) PublishRefresh(ctx context.Context, req models.RefreshRequest) (uuid.UUID, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRouter(engine *MockEngine, publisher RefreshPublisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := testLogger()

	interactions := NewInteractionHandler(logger, engine)
	recommendations := NewRecommendationHandler(engine, publisher, logger)

	router := gin.New()
	users := router.Group("/api/v1/users/:userId")
	users.POST("/interactions", interactions.Record)
	users.DELETE("/interactions/:kind/:itemId", interactions.Remove)
	users.GET("/recommendations", recommendations.Get)
	users.POST("/recommendations/refresh", recommendations.Refresh)
	users.POST("/recommendations/initialize", recommendations.Initialize)
	return router
}
