package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/internal/config"
	"github.com/temcen/turirec/internal/database"
	"github.com/temcen/turirec/internal/handlers"
	"github.com/temcen/turirec/internal/middleware"
	"github.com/temcen/turirec/internal/services"
)

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	db       *database.Database
	services *services.Services
	handlers *handlers.Handlers
	router   *gin.Engine

	cancelWorkers context.CancelFunc
	workersDone   chan struct{}
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: setupLogger(cfg),
	}

	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	err = db.Migrate(ctx)
	cancel()
	if err != nil {
		db.Close()
		return nil, err
	}

	services, err := services.New(cfg, app.logger, db, prometheus.DefaultRegisterer)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = services

	app.handlers = handlers.New(app.logger, services)
	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) Logger() *logrus.Logger {
	return a.logger
}

// StartWorkers launches the refresh consumer when a broker is configured.
func (a *App) StartWorkers() {
	if a.services.MessageBus == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelWorkers = cancel
	a.workersDone = make(chan struct{})

	go func() {
		defer close(a.workersDone)
		a.logger.Info("Refresh consumer started")
		err := a.services.MessageBus.ConsumeRefreshRequests(ctx, a.services.RefreshHandler())
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).Error("Refresh consumer stopped")
		}
	}()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.cancelWorkers != nil {
		a.cancelWorkers()
		select {
		case <-a.workersDone:
		case <-ctx.Done():
			a.logger.Warn("Refresh consumer did not stop in time")
		}
	}

	var errs []error
	if err := a.services.Close(); err != nil {
		a.logger.WithError(err).Error("Error stopping services")
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	a.router = newRouter(a.config, a.logger, a.handlers)
}

func newRouter(cfg *config.Config, logger *logrus.Logger, h *handlers.Handlers) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.Security.CORS))

	router.GET("/health", h.Health.Check)

	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	{
		users := api.Group("/users/:userId")
		{
			users.POST("/interactions", h.Interaction.Record)
			users.DELETE("/interactions/:kind/:itemId", h.Interaction.Remove)

			users.GET("/recommendations", h.Recommendation.Get)
			users.POST("/recommendations/refresh", h.Recommendation.Refresh)
			users.POST("/recommendations/initialize", h.Recommendation.Initialize)
		}
	}

	return router
}
