package api

import (
	"context"
	"net/http"
	"time"

	"example.com/crm/services/analytics/config"
	"example.com/crm/services/analytics/internal/api/handlers"
	"example.com/crm/services/analytics/internal/metrics"
	"example.com/crm/services/analytics/internal/services"
	"example.com/crm/services/analytics/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server is the read-only monitoring and replay surface.
type Server struct {
	config       config.Config
	router       *gin.Engine
	httpServer   *http.Server
	eventService *services.EventService
	collector    *metrics.Metrics
	tracer       tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, eventService *services.EventService, collector *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:       cfg,
		eventService: eventService,
		collector:    collector,
		tracer:       tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.Default()

	// Recovery middleware
	router.Use(gin.Recovery())

	// Register handlers
	monitoringHandler := handlers.NewMonitoringHandler(s.eventService, s.tracer)
	monitoringHandler.RegisterRoutes(router)

	if s.config.MetricsEnabled {
		metricsHandler := handlers.NewMetricsHandler(s.collector)
		metricsHandler.RegisterRoutes(router)
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
