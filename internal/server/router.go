package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stagebox/kiosk/internal/catalog"
	"github.com/stagebox/kiosk/internal/download"
	"github.com/stagebox/kiosk/internal/license"
	"github.com/stagebox/kiosk/internal/store"
	"github.com/stagebox/kiosk/internal/syncer"
	"go.uber.org/zap"
)

var (
	errMissingLicense   = errors.New("license service dependency required")
	errMissingSyncer    = errors.New("sync engine dependency required")
	errMissingDownloads = errors.New("download manager dependency required")
	errMissingStore     = errors.New("local store dependency required")
)

// Dependencies wires the UI-facing loopback API to the core services.
type Dependencies struct {
	License   *license.Service
	Syncer    *syncer.Service
	Downloads *download.Manager
	Store     *store.Service
	UserID    string
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the kiosk UI shell. The
// surface mirrors what the desktop shell calls on user action; timers live
// in the scheduler, not here.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.License == nil {
		return nil, errMissingLicense
	}
	if deps.Syncer == nil {
		return nil, errMissingSyncer
	}
	if deps.Downloads == nil {
		return nil, errMissingDownloads
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		license:   deps.License,
		syncer:    deps.Syncer,
		downloads: deps.Downloads,
		store:     deps.Store,
		userID:    deps.UserID,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/activation", handler.handleActivationStatus)
	router.POST("/activation/validate", handler.handleActivate)
	router.DELETE("/activation", handler.handleDeactivate)
	router.POST("/sync", handler.handleSync)
	router.GET("/sync/status", handler.handleSyncStatus)
	router.POST("/sync/download-batch", handler.handleDownloadBatch)
	router.POST("/sync/download-all", handler.handleDownloadAll)
	router.GET("/catalog", handler.handleListCatalog)
	router.GET("/catalog/:code", handler.handleCatalogByCode)
	router.POST("/history", handler.handleAppendHistory)

	return router, nil
}

type httpHandler struct {
	license   *license.Service
	syncer    *syncer.Service
	downloads *download.Manager
	store     *store.Service
	userID    string
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleActivationStatus(c *gin.Context) {
	status := h.license.Validate(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

type activateRequest struct {
	Key string `json:"key" binding:"required"`
}

func (h *httpHandler) handleActivate(c *gin.Context) {
	var request activateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "activation key is required"})
		return
	}

	status := h.license.Activate(c.Request.Context(), request.Key)
	if !status.Activated {
		c.JSON(http.StatusUnprocessableEntity, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleDeactivate(c *gin.Context) {
	if err := h.license.Deactivate(c.Request.Context()); err != nil {
		h.logger.Error("deactivation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove activation"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result := h.syncer.SyncAll(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	status := h.downloads.Status(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleDownloadBatch(c *gin.Context) {
	size := 5
	if raw := c.Query("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a positive integer"})
			return
		}
		size = parsed
	}

	result := h.downloads.DownloadBatch(c.Request.Context(), size, nil)
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDownloadAll(c *gin.Context) {
	result := h.downloads.DownloadAll(c.Request.Context(), nil)
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleListCatalog(c *gin.Context) {
	entries, err := h.store.ListCatalog(c.Request.Context())
	if err != nil {
		h.logger.Error("catalog list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list catalog"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleCatalogByCode(c *gin.Context) {
	code, err := catalog.NewCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog code"})
		return
	}

	entry, err := h.syncer.LookupCatalog(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("catalog lookup failed", zap.Error(err), zap.String("code", code.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog lookup failed"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type historyRequest struct {
	Code     string `json:"code" binding:"required"`
	UserID   string `json:"userId"`
	PlayedAt int64  `json:"playedAt"`
}

func (h *httpHandler) handleAppendHistory(c *gin.Context) {
	var request historyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	code, err := catalog.NewCode(request.Code)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog code"})
		return
	}

	userID := request.UserID
	if userID == "" {
		userID = h.userID
	}

	catalogID := ""
	if entry, lookupErr := h.store.CatalogByCode(c.Request.Context(), code); lookupErr == nil && entry != nil {
		catalogID = entry.ID
	}

	var playedAt time.Time
	if request.PlayedAt > 0 {
		playedAt = time.Unix(request.PlayedAt, 0).UTC()
	}

	entry, err := h.store.AppendHistory(c.Request.Context(), store.HistoryRequest{
		UserID:    userID,
		CatalogID: catalogID,
		Code:      code,
		PlayedAt:  playedAt,
	})
	if err != nil {
		h.logger.Error("history append failed", zap.Error(err), zap.String("code", code.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record playback"})
		return
	}

	// Opportunistic push, detached from the request lifetime; failure just
	// leaves the row for the next pass.
	go h.syncer.PushHistory(context.Background())

	c.JSON(http.StatusCreated, entry)
}
