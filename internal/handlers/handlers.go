package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/skin-check/internal/analysis"
	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/reports"
	"github.com/example/skin-check/internal/repository"
	"github.com/example/skin-check/internal/sessions"
)

// MaxUploadSize is the default cap for a single uploaded frame.
const MaxUploadSize = 5 << 20

// ReportReader serves persisted analysis reports.
type ReportReader interface {
	Get(ctx context.Context, userID, requestID string) (*repository.AnalysisLog, error)
	History(ctx context.Context, userID string, limit int) ([]*repository.AnalysisLog, error)
	MetricsSummary(ctx context.Context) (*reports.MetricsSummary, error)
}

// HealthChecker probes the analysis service.
type HealthChecker interface {
	Health(ctx context.Context) (*analysis.HealthStatus, error)
}

// Deps are the collaborators of the HTTP layer. Reports and Upstream may be
// nil, in which case their routes answer 503.
type Deps struct {
	Sessions      *sessions.Manager
	Reports       ReportReader
	Upstream      HealthChecker
	Logger        *zap.Logger
	MaxUploadSize int64
}

type api struct {
	sessions  *sessions.Manager
	reports   ReportReader
	upstream  HealthChecker
	logger    *zap.Logger
	maxUpload int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Deps, authMiddleware gin.HandlerFunc) {
	a := &api{
		sessions:  deps.Sessions,
		reports:   deps.Reports,
		upstream:  deps.Upstream,
		logger:    deps.Logger,
		maxUpload: deps.MaxUploadSize,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.maxUpload <= 0 {
		a.maxUpload = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/health/upstream", a.upstreamHealth)

	v1 := router.Group("/api/v1")
	if authMiddleware != nil {
		v1.Use(authMiddleware)
	}

	v1.POST("/sessions", a.createSession)
	v1.GET("/sessions/:id", a.getSession)
	v1.DELETE("/sessions/:id", a.deleteSession)
	v1.POST("/sessions/:id/consent", a.acceptConsent)
	v1.POST("/sessions/:id/frames", a.uploadFrame)
	v1.POST("/sessions/:id/capture", a.capture)
	v1.POST("/sessions/:id/results/next", a.advanceResult)
	v1.POST("/sessions/:id/report/next", a.advanceReport)
	v1.POST("/sessions/:id/full-results/next", a.advanceFullResults)
	v1.POST("/sessions/:id/restart", a.restart)

	v1.GET("/reports", a.listReports)
	v1.GET("/reports/:id", a.getReport)
	v1.GET("/metrics/summary", a.metricsSummary)
}

func (a *api) upstreamHealth(c *gin.Context) {
	if a.upstream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "analysis service not configured"})
		return
	}
	status, err := a.upstream.Health(c.Request.Context())
	if err != nil {
		a.logger.Warn("upstream health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "upstream": status.Status})
}

func (a *api) listReports(c *gin.Context) {
	if a.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reports unavailable"})
		return
	}
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
			return
		}
		limit = parsed
	}

	logs, err := a.reports.History(c.Request.Context(), userID, limit)
	if err != nil {
		a.logger.Error("failed to list reports", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reports"})
		return
	}

	out := make([]gin.H, 0, len(logs))
	for _, log := range logs {
		out = append(out, reportJSON(log))
	}
	c.JSON(http.StatusOK, gin.H{"reports": out})
}

func (a *api) getReport(c *gin.Context) {
	if a.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reports unavailable"})
		return
	}
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	log, err := a.reports.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		a.logger.Error("failed to load report", zap.String("request_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load report"})
		return
	}
	c.JSON(http.StatusOK, reportJSON(log))
}

func (a *api) metricsSummary(c *gin.Context) {
	if a.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reports unavailable"})
		return
	}
	summary, err := a.reports.MetricsSummary(c.Request.Context())
	if err != nil {
		a.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func reportJSON(log *repository.AnalysisLog) gin.H {
	conditions, err := reports.DecodeConditions(log)
	if err != nil {
		conditions = []reports.ConditionSummary{}
	}
	return gin.H{
		"request_id":            log.RequestID,
		"session_id":            log.SessionID,
		"overall_score":         log.OverallScore,
		"is_mock":               log.IsMock,
		"conditions":            conditions,
		"condition_count":       log.ConditionCount,
		"processing_latency_ms": log.ProcessingLatencyMs,
		"created_at":            log.CreatedAt,
	}
}
