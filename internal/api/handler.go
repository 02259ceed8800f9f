package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"price-ingest/internal/models"
	"price-ingest/internal/service"
	"price-ingest/internal/store"
	"price-ingest/internal/util"
)

const defaultMaxUpload = 64 << 20

// Handler contains HTTP handlers
type Handler struct {
	orchestrator *service.Orchestrator
	store        *store.Store
	maxUpload    int64
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler. maxUpload bounds uploaded files in
// bytes; zero selects the default.
func NewHandler(orchestrator *service.Orchestrator, store *store.Store, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Handler{
		orchestrator: orchestrator,
		store:        store,
		maxUpload:    maxUpload,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/files", h.uploadFile)
		v1.GET("/files", h.listFiles)
		v1.GET("/files/:id", h.getFile)
		v1.GET("/stores", h.listStores)
		v1.GET("/prices/current", h.currentPrice)
		v1.GET("/prices/history", h.priceHistory)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unavailable",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// uploadFile ingests one multipart-uploaded price list synchronously
func (h *Handler) uploadFile(c *gin.Context) {
	retailer := strings.TrimSpace(c.PostForm("retailer"))
	if retailer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "retailer is required"})
		return
	}

	published := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := c.PostForm("publication_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid publication_date, expected YYYY-MM-DD",
				"details": err.Error(),
			})
			return
		}
		published = t
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required", "details": err.Error()})
		return
	}
	if fh.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload", "details": err.Error()})
		return
	}
	defer f.Close()

	payload, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload", "details": err.Error()})
		return
	}

	outcome, err := h.orchestrator.Process(c.Request.Context(), &models.SourceFile{
		Retailer:        retailer,
		FileName:        fh.Filename,
		PublicationDate: published,
		Payload:         payload,
	})
	if err != nil {
		h.logger.Error("Upload processing failed", zap.String("retailer", retailer), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process file",
			"details": err.Error(),
			"outcome": outcome,
		})
		return
	}

	switch {
	case outcome.Skipped:
		c.JSON(http.StatusConflict, outcome)
	case outcome.Status == models.FileStatusFailed:
		c.JSON(http.StatusUnprocessableEntity, outcome)
	default:
		c.JSON(http.StatusCreated, outcome)
	}
}

// listFiles lists recent processing attempts
func (h *Handler) listFiles(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	files, err := h.store.ListFiles(c.Request.Context(), strings.ToUpper(c.Query("retailer")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list files", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// getFile handles get file by ID, with its rejections
func (h *Handler) getFile(c *gin.Context) {
	fileID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid file ID",
		})
		return
	}

	file, err := h.store.GetFile(c.Request.Context(), fileID)
	if err != nil {
		h.storeError(c, "File not found", err)
		return
	}

	rejections, err := h.store.GetRejections(c.Request.Context(), fileID)
	if err != nil {
		h.storeError(c, "Failed to load rejections", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"file":       file,
		"rejections": rejections,
	})
}

func (h *Handler) listStores(c *gin.Context) {
	retailer := strings.ToUpper(c.Query("retailer"))
	if retailer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "retailer is required"})
		return
	}
	stores, err := h.store.GetStoreLocations(c.Request.Context(), retailer)
	if err != nil {
		h.storeError(c, "Failed to list stores", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stores": stores})
}

type priceQuery struct {
	Retailer string `form:"retailer" binding:"required"`
	Store    string `form:"store" binding:"required"`
	Product  string `form:"product" binding:"required"`
	Limit    int    `form:"limit"`
}

// currentPrice returns the latest current observation of a product at a store
func (h *Handler) currentPrice(c *gin.Context) {
	var q priceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query", "details": err.Error()})
		return
	}

	obs, err := h.store.CurrentPrice(c.Request.Context(), strings.ToUpper(q.Retailer), q.Store, q.Product)
	if err != nil {
		h.storeError(c, "Price not found", err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

// priceHistory returns every observation of a product at a store, newest first
func (h *Handler) priceHistory(c *gin.Context) {
	var q priceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query", "details": err.Error()})
		return
	}

	history, err := h.store.PriceHistory(c.Request.Context(), strings.ToUpper(q.Retailer), q.Store, q.Product, q.Limit)
	if err != nil {
		h.storeError(c, "Failed to load price history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"observations": history})
}

func (h *Handler) storeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, models.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
