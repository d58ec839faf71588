package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with public and JWT-protected routes.
func NewRouter(h *Handler, jwtSecret string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(LoggingMiddleware(logger))

	// Public
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)

	// Protected
	protected := r.Group("/")
	protected.Use(AuthMiddleware(jwtSecret))
	{
		protected.POST("/emails", h.IngestEmail)
		protected.GET("/runs/:id", h.GetRun)
	}

	return r
}
