// Package api exposes the read-only status surface and the JWT-gated admin
// config endpoint over the supervisor's in-memory state, plus a websocket
// stream of domain events for the (out-of-scope) browser UI.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"positionbot/internal/auth"
	"positionbot/internal/database"
	"positionbot/internal/events"
	"positionbot/internal/logging"
	"positionbot/internal/positions"
	"positionbot/internal/supervisor"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Config tunes the HTTP server.
type Config struct {
	Host           string
	Port           int
	ProductionMode bool
	// AllowedOrigins is a comma-separated origin whitelist applied to both
	// CORS and the websocket handshake. Empty or "*" allows every origin.
	AllowedOrigins string
}

// Server is the status/ops HTTP API (internal/api).
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        Config

	store      *positions.Store
	sup        *supervisor.Supervisor
	repo       *database.Repository // may be nil: admin config endpoint then returns 503
	jwtManager *auth.JWTManager      // may be nil: admin routes then run unauthenticated

	wsHub *wsHub
}

// NewServer builds a Server. repo and jwtManager may both be nil (no
// Postgres admin store / no JWT_SECRET configured respectively); the admin
// config endpoint is still registered but degrades accordingly.
func NewServer(cfg Config, store *positions.Store, sup *supervisor.Supervisor, bus *events.EventBus, repo *database.Repository, jwtManager *auth.JWTManager) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware())

	origins := parseAllowedOrigins(cfg.AllowedOrigins)

	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:     router,
		cfg:        cfg,
		store:      store,
		sup:        sup,
		repo:       repo,
		jwtManager: jwtManager,
		wsHub:      initWebSocket(bus, origins),
	}
	s.setupRoutes()
	return s
}

// parseAllowedOrigins splits a comma-separated origin list, treating an
// empty string or a literal "*" as "allow everything" (nil).
func parseAllowedOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/positions", s.handleListPositions)
	s.router.GET("/positions/:id/hedges", s.handlePositionHedges)
	s.router.GET("/ws/events", s.handleEventsWebSocket)

	admin := s.router.Group("/admin")
	if s.jwtManager != nil {
		admin.Use(auth.Middleware(s.jwtManager))
	}
	admin.POST("/pools/:pool/config", s.handleUpdatePoolConfig)
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logging.Component("api").Info().Str("addr", addr).Msg("starting status api")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status api: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus summarizes the supervisor and the fleet of tracked positions.
func (s *Server) handleStatus(c *gin.Context) {
	all := s.store.All()
	active, closed := 0, 0
	for _, p := range all {
		if p.Status == positions.StatusClosed {
			closed++
		} else {
			active++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"supervisor_running": s.sup != nil && s.sup.IsRunning(),
		"total_positions":    len(all),
		"active_positions":   active,
		"closed_positions":   closed,
		"websocket_clients":  s.wsHub.clientCount(),
	})
}

// handleListPositions returns every tracked position, active and closed;
// with ?owner= it returns only that owner's active positions.
func (s *Server) handleListPositions(c *gin.Context) {
	owner := c.Query("owner")
	var result []*positions.Position
	if owner != "" {
		result = s.store.GetActive(c.Request.Context(), owner)
	} else {
		result = s.store.All()
	}
	c.JSON(http.StatusOK, gin.H{"positions": result})
}

// handlePositionHedges returns one position's recorded hedge swaps.
func (s *Server) handlePositionHedges(c *gin.Context) {
	id := c.Param("id")
	pos, ok := s.store.GetByID(c.Request.Context(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position_id": id, "hedges": pos.HedgeHistory})
}

// poolConfigUpdateRequest is the admin-settable subset of a pool's override.
type poolConfigUpdateRequest struct {
	RangeInterval         int     `json:"range_interval"`
	StopLossPercent       float64 `json:"stop_loss_percent"`
	FeeCheckPercent       float64 `json:"fee_check_percent"`
	AutoClaimEnabled      bool    `json:"auto_claim_enabled"`
	AutoClaimThresholdUSD float64 `json:"auto_claim_threshold_usd"`
}

// handleUpdatePoolConfig upserts one pool's admin overrides. Requires a
// Postgres admin store; absent one, the endpoint reports 503 rather than
// silently accepting writes nothing will read.
func (s *Server) handleUpdatePoolConfig(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin store not configured"})
		return
	}

	pool := c.Param("pool")
	var req poolConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	row := database.PoolConfigRow{
		PoolAddress:           pool,
		RangeInterval:         req.RangeInterval,
		StopLossPercent:       req.StopLossPercent,
		FeeCheckPercent:       req.FeeCheckPercent,
		AutoClaimEnabled:      req.AutoClaimEnabled,
		AutoClaimThresholdUSD: req.AutoClaimThresholdUSD,
	}
	if err := s.repo.UpsertPoolConfig(c.Request.Context(), row); err != nil {
		logging.Component("api").Error().Err(err).Str("pool", pool).Msg("upsert pool config failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist pool config"})
		return
	}

	subject := ""
	if s.jwtManager != nil {
		subject = auth.Subject(c)
	}
	logging.Component("api").Info().Str("pool", pool).Str("actor", subject).Msg("pool config updated")
	c.JSON(http.StatusOK, gin.H{"pool_address": pool})
}
