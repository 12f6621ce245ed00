package web

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calmirror/internal/logging"
)

// RouteConfig holds per-route middleware settings.
type RouteConfig struct {
	RateLimitRPS   float64
	RateBurst      int
	AllowedOrigins []string
}

// NewRouter returns a gin engine with middleware and all routes.
func NewRouter(h *Handlers, cfg RouteConfig, logger *slog.Logger) *gin.Engine {
	logger = logging.OrDefault(logger).With("component", "http")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(SecurityHeaders())

	SetupRoutes(r, h, cfg, logger)
	return r
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg RouteConfig, logger *slog.Logger) {
	// Health endpoint (no rate limit)
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateBurst))
	api.Use(ValidateOrigin(cfg.AllowedOrigins, logger))
	api.Use(RequireJSONContentType())
	{
		api.GET("/status", h.APIStatus)
		api.GET("/entries", h.APIListEntries)
		api.POST("/entries", h.APICreateEntry)
		api.PUT("/entries/:id", h.APIUpdateEntry)
		api.DELETE("/entries/:id", h.APIDeleteEntry)
		api.GET("/occurrences", h.APIOccurrences)
		api.GET("/sources", h.APIListSources)
		api.POST("/sources/:id/toggle", h.APIToggleSource)
		api.GET("/logs", h.APIGetLogs)
		api.GET("/malformed", h.APIGetMalformedEntries)
	}

	// Sync triggers touch the remote provider.
	syncAPI := r.Group("/api/sync")
	syncAPI.Use(RateLimiter(1, 3))
	syncAPI.Use(ValidateOrigin(cfg.AllowedOrigins, logger))
	syncAPI.Use(RequireJSONContentType())
	{
		syncAPI.POST("", h.APITriggerSync)
		syncAPI.POST("/retry", h.APIRetrySync)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
