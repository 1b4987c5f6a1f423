/**
 * HTTP API for the Invoice Extraction Worker
 *
 * Serves the review UI: document detail with line items and bounding
 * boxes, cached page images to draw them over, and the review queue
 * with approve/escalate actions.
 */

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/owlin/extraction-worker/internal/logging"
	"github.com/owlin/extraction-worker/internal/storage"
)

// Server exposes the review and health endpoints
type Server struct {
	storage *storage.StorageManager
	logger  *logging.Logger
	http    *http.Server
}

// NewServer builds the gin router and wraps it in an http.Server
func NewServer(addr string, sm *storage.StorageManager) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		storage: sm,
		logger:  logging.NewLogger("api"),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/documents/:id", s.getDocument)
		apiGroup.GET("/documents/:id/pages/:page/image", s.getPageImage)
		apiGroup.GET("/review-queue", s.getReviewQueue)
		apiGroup.POST("/review-queue/:id/approve", s.approveDocument)
		apiGroup.POST("/review-queue/:id/escalate", s.escalateDocument)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := s.storage.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getDocument(c *gin.Context) {
	doc, err := s.storage.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Document lookup failed", "document_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) getPageImage(c *gin.Context) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
		return
	}

	data, err := s.storage.GetPageImage(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		s.logger.Error("Page image lookup failed",
			"document_id", c.Param("id"), "page", page, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load page image"})
		return
	}
	if data == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "page image not cached"})
		return
	}

	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) getReviewQueue(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	items, err := s.storage.ReviewQueue(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Review queue query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load review queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) approveDocument(c *gin.Context) {
	s.reviewAction(c, s.storage.ApproveDocument, "approved")
}

func (s *Server) escalateDocument(c *gin.Context) {
	s.reviewAction(c, s.storage.EscalateDocument, "escalated")
}

func (s *Server) reviewAction(c *gin.Context, action func(context.Context, string) error, verb string) {
	documentID := c.Param("id")
	if err := action(c.Request.Context(), documentID); err != nil {
		if strings.Contains(err.Error(), "not awaiting review") {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Review action failed",
			"document_id", documentID, "action", verb, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "review action failed"})
		return
	}

	s.logger.Info("Review action applied", "document_id", documentID, "action", verb)
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "result": verb})
}
