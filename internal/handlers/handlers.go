package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/internal/services"
)

type Handlers struct {
	Health         *HealthHandler
	Interaction    *InteractionHandler
	Recommendation *RecommendationHandler
}

func New(logger *logrus.Logger, services *services.Services) *Handlers {
	var publisher RefreshPublisher
	if services.MessageBus != nil {
		publisher = services.MessageBus
	}

	return &Handlers{
		Health:         NewHealthHandler(logger, services.Health),
		Interaction:    NewInteractionHandler(logger, services.RecommendationOrchestrator),
		Recommendation: NewRecommendationHandler(services.RecommendationOrchestrator, publisher, logger),
	}
}
