package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/treesync/internal/auth"
	"github.com/MarcoPoloResearchLab/treesync/internal/snapshots"
)

const (
	userIDContextKey = "treesync_user_id"
	tenantHeader     = "X-TAuth-Tenant"
	day              = 24 * time.Hour
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingHub              = errors.New("hub dependency required")
	errMissingMaintenance      = errors.New("maintenance dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// Maintenance runs snapshot housekeeping on demand.
type Maintenance interface {
	CompactAllBefore(ctx context.Context, before time.Time) (snapshots.CompactionReport, error)
	DecimateAll(ctx context.Context, desired int) (int, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Hub              *Hub
	Maintenance      Maintenance
	Clock            func() time.Time
	Logger           *zap.Logger
	// AllowedOrigins lists the cross-origin sites that may open sessions.
	AllowedOrigins []string
}

// NewHTTPHandler builds the gin router serving the sync websocket and the
// operational endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Maintenance == nil {
		return nil, errMissingMaintenance
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	origins := newOriginPolicy(deps.AllowedOrigins)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		users:       deps.Users,
		hub:         deps.Hub,
		maintenance: deps.Maintenance,
		upgrader:    newUpgrader(origins),
		clock:       clock,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebsocket)

	utils := router.Group("/utils")
	utils.Use(loopbackOnly)
	utils.GET("/compact", handler.handleCompact)
	utils.GET("/decimate", handler.handleDecimate)

	return router, nil
}

func corsMiddleware(origins originPolicy) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  origins.allows,
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", tenantHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions    SessionValidator
	users       UserResolver
	hub         *Hub
	maintenance Maintenance
	upgrader    websocket.Upgrader
	clock       func() time.Time
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			level = zap.InfoLevel
		}
		h.logger.Log(level, "session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.Serve(c.Request.Context(), userID, conn)
}

func (h *httpHandler) handleCompact(c *gin.Context) {
	daysAgo, err := strconv.Atoi(c.Query("daysAgo"))
	if err != nil || daysAgo < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "daysAgo must be a non-negative integer"})
		return
	}
	before := h.clock().Add(-time.Duration(daysAgo) * day)
	h.logger.Info("compacting snapshots", zap.Time("before", before))
	report, err := h.maintenance.CompactAllBefore(c.Request.Context(), before)
	if err != nil {
		h.logger.Error("compaction finished with failures", zap.Int("failed", report.Failed), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"trees":     report.Trees,
		"snapshots": report.Snapshots,
		"failed":    report.Failed,
	})
}

func (h *httpHandler) handleDecimate(c *gin.Context) {
	desired, err := strconv.Atoi(c.Query("num"))
	if err != nil || desired <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "num must be a positive integer"})
		return
	}
	h.logger.Info("decimating snapshots", zap.Int("desired", desired))
	removed, err := h.maintenance.DecimateAll(c.Request.Context(), desired)
	if err != nil {
		h.logger.Error("decimation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decimation_failed", "removed": removed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// loopbackOnly rejects requests whose peer address is not a loopback address.
// Forwarding headers are ignored.
func loopbackOnly(c *gin.Context) {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}
