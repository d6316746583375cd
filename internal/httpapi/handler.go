package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/marketpulse/internal/query"
)

// MarketQuerier is the query surface the handlers read from.
type MarketQuerier interface {
	ListMarkets(ctx context.Context) ([]string, error)
	MarketDetail(ctx context.Context, name string) (query.Detail, error)
	Ping(ctx context.Context) error
}

// Handler serves market list, market detail and health routes.
type Handler struct {
	svc    MarketQuerier
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc MarketQuerier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the handlers on r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	markets := r.Group("/metrics")
	{
		markets.GET("", h.ListMarkets)
		markets.GET("/:name", h.MarketDetail)
	}
	r.GET("/health", h.Health)
}

// NewRouter builds an engine with recovery, request logging and all routes.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	h.RegisterRoutes(r)
	return r
}

// ListMarkets responds with every stored instrument.
func (h *Handler) ListMarkets(c *gin.Context) {
	markets, err := h.svc.ListMarkets(c.Request.Context())
	if err != nil {
		h.logger.Error("list markets failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list markets failed"})
		return
	}
	c.JSON(http.StatusOK, markets)
}

// MarketDetail responds with one instrument's rank and price points. An
// unknown instrument yields a null rank and no points, not a 404.
func (h *Handler) MarketDetail(c *gin.Context) {
	name := c.Param("name")

	detail, err := h.svc.MarketDetail(c.Request.Context(), name)
	if err != nil {
		h.logger.Error("market detail failed", "instrument", name, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "market detail failed"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Health pings the backing store and cache.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.svc.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
