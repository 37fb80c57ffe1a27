package services

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/internal/database"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck probes one dependency. A failing critical check makes the
// service unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// BreakerState reports the vector index circuit breaker.
type BreakerState interface {
	State() string
}

type HealthService struct {
	checks  []HealthCheck
	breaker BreakerState
	details map[string]func() interface{}
	logger  *logrus.Logger

	healthCheckStatus *prometheus.GaugeVec
	lastHealthCheck   *prometheus.GaugeVec
}

type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Services    map[string]string      `json:"services"`
	Critical    []string               `json:"critical_failures,omitempty"`
	NonCritical []string               `json:"non_critical_failures,omitempty"`
	Latency     time.Duration          `json:"latency,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

func NewHealthService(checks []HealthCheck, breaker BreakerState, reg prometheus.Registerer, logger *logrus.Logger) *HealthService {
	hs := &HealthService{
		checks:  checks,
		breaker: breaker,
		details: make(map[string]func() interface{}),
		logger:  logger,
	}

	hs.healthCheckStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_status",
		Help: "Health check status (1 = healthy, 0 = unhealthy)",
	}, []string{"service"})

	hs.lastHealthCheck = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_timestamp",
		Help: "Timestamp of last health check",
	}, []string{"service"})

	for _, c := range []prometheus.Collector{hs.healthCheckStatus, hs.lastHealthCheck} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warn("Failed to register health metric")
			}
		}
	}

	return hs
}

// DatabaseChecks builds the probes for the configured stores. PostgreSQL
// holds the user state and is the only critical one.
func DatabaseChecks(db *database.Database) []HealthCheck {
	checks := []HealthCheck{{
		Name:     "postgresql",
		Critical: true,
		Check:    func(ctx context.Context) error { return db.PG.Ping(ctx) },
	}}
	if db.Redis != nil {
		checks = append(checks, HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return db.Redis.Ping(ctx).Err() },
		})
	}
	if db.Neo4j != nil {
		checks = append(checks, HealthCheck{
			Name:  "neo4j",
			Check: func(ctx context.Context) error { return db.Neo4j.VerifyConnectivity(ctx) },
		})
	}
	return checks
}

// AddDetail attaches extra diagnostics to every health response.
func (s *HealthService) AddDetail(name string, fn func() interface{}) {
	s.details[name] = fn
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{
		Timestamp: start,
		Services:  make(map[string]string),
	}

	allCriticalHealthy := true
	for _, check := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check.Check(checkCtx)
		cancel()

		if err == nil {
			status.Services[check.Name] = "healthy"
			s.UpdateHealthMetrics(check.Name, true)
			continue
		}

		status.Services[check.Name] = "unhealthy"
		s.UpdateHealthMetrics(check.Name, false)
		if check.Critical {
			allCriticalHealthy = false
			status.Critical = append(status.Critical, check.Name)
			s.logger.WithError(err).Errorf("Critical service %s is unhealthy", check.Name)
		} else {
			status.NonCritical = append(status.NonCritical, check.Name)
			s.logger.WithError(err).Warnf("Non-critical service %s is unhealthy", check.Name)
		}
	}

	// An open breaker means lists are served from fallbacks.
	if s.breaker != nil {
		state := s.breaker.State()
		if state == "open" {
			status.Services["vector_index"] = "unhealthy"
			status.NonCritical = append(status.NonCritical, "vector_index")
			s.UpdateHealthMetrics("vector_index", false)
		} else {
			status.Services["vector_index"] = "healthy"
			s.UpdateHealthMetrics("vector_index", true)
		}
		status.Details = map[string]interface{}{"vector_index_breaker": state}
	}

	if len(s.details) > 0 {
		if status.Details == nil {
			status.Details = make(map[string]interface{})
		}
		names := make([]string, 0, len(s.details))
		for name := range s.details {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			status.Details[name] = s.details[name]()
		}
	}

	switch {
	case !allCriticalHealthy:
		status.Status = "unhealthy"
	case len(status.NonCritical) > 0:
		status.Status = "degraded"
	default:
		status.Status = "healthy"
	}
	status.Latency = time.Since(start)

	return status
}

// UpdateHealthMetrics updates health check metrics
func (s *HealthService) UpdateHealthMetrics(serviceName string, healthy bool) {
	if healthy {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(1)
	} else {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(0)
	}
	s.lastHealthCheck.WithLabelValues(serviceName).Set(float64(time.Now().Unix()))
}
