// Package server exposes a read-only HTTP surface for operators: node
// health, peer presence and recent replication outcomes. It is optional and
// only started when an httpAddress is configured.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/database"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultStatusLimit = 50

var (
	errMissingDatabase = errors.New("database status dependency required")
	errMissingBus      = errors.New("bus status dependency required")
)

// DatabaseStatus is the slice of the database gateway the ops surface reads.
type DatabaseStatus interface {
	Connected() bool
	RecentStatuses(ctx context.Context, limit int) ([]database.StatusRecord, error)
}

// BusStatus is the slice of the bus gateway the ops surface reads.
type BusStatus interface {
	Connected() bool
	Peers() map[string]int64
}

type Dependencies struct {
	Database DatabaseStatus
	Bus      BusStatus
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if deps.Bus == nil {
		return nil, errMissingBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		database: deps.Database,
		bus:      deps.Bus,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/peers", handler.handlePeers)
	router.GET("/status", handler.handleStatus)

	return router, nil
}

type httpHandler struct {
	database DatabaseStatus
	bus      BusStatus
	logger   *zap.Logger
}

type healthPayload struct {
	Database bool `json:"database"`
	Bus      bool `json:"bus"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	payload := healthPayload{
		Database: h.database.Connected(),
		Bus:      h.bus.Connected(),
	}
	status := http.StatusOK
	if !payload.Database || !payload.Bus {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, payload)
}

type peersPayload struct {
	Now   int64            `json:"now"`
	Peers map[string]int64 `json:"peers"`
}

func (h *httpHandler) handlePeers(c *gin.Context) {
	c.JSON(http.StatusOK, peersPayload{
		Now:   time.Now().UnixMilli(),
		Peers: h.bus.Peers(),
	})
}

type statusPayload struct {
	Statuses []database.StatusRecord `json:"statuses"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	limit := defaultStatusLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	records, err := h.database.RecentStatuses(c.Request.Context(), limit)
	if err != nil {
		h.logger.Warn("status read failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database_unavailable"})
		return
	}
	if records == nil {
		records = []database.StatusRecord{}
	}
	c.JSON(http.StatusOK, statusPayload{Statuses: records})
}
