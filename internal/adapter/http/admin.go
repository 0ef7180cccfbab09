package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/pipeline"
)

// AdminHeader carries the authenticated administrator's ID, set by the
// gateway in front of this service.
const AdminHeader = "X-Admin-ID"

// AlertService publishes admin-initiated alerts. *pipeline.Coordinator
// implements it.
type AlertService interface {
	ManualAlert(ctx context.Context, req domain.ManualAlertRequest, adminID string) (pipeline.Result, error)
	IncidentAlert(ctx context.Context, incidentID string, req domain.IncidentAlertRequest, adminID string) (pipeline.Result, error)
	Resend(ctx context.Context, alertID string) (pipeline.Result, error)
}

// ThresholdService exposes the rule set and on-demand re-checks.
// *pipeline.Pipeline implements it.
type ThresholdService interface {
	Recheck(ctx context.Context, trigger string) (int, error)
	Rules() []domain.Rule
}

type adminHandler struct {
	alerts     AlertService
	thresholds ThresholdService
	logger     *slog.Logger
}

// NewAdminRouter builds the gin router for the admin API.
func NewAdminRouter(alerts AlertService, thresholds ThresholdService, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	h := &adminHandler{alerts: alerts, thresholds: thresholds, logger: logger}

	api := r.Group(strings.TrimSuffix(AdminPrefix, "/"), requireAdmin())
	{
		api.POST("/alerts", h.createAlert)
		api.POST("/alerts/:id/resend", h.resendAlert)
		api.POST("/incidents/:id/alert", h.createIncidentAlert)
		api.GET("/thresholds", h.listThresholds)
		api.POST("/thresholds/recheck", h.recheck)
	}
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"admin_id", c.GetString(adminKey),
		)
	}
}

const adminKey = "admin_id"

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(AdminHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + AdminHeader + " header"})
			return
		}
		c.Set(adminKey, id)
		c.Next()
	}
}

func (h *adminHandler) createAlert(c *gin.Context) {
	var req domain.ManualAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	res, err := h.alerts.ManualAlert(c.Request.Context(), req, c.GetString(adminKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *adminHandler) createIncidentAlert(c *gin.Context) {
	var req domain.IncidentAlertRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	res, err := h.alerts.IncidentAlert(c.Request.Context(), c.Param("id"), req, c.GetString(adminKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *adminHandler) resendAlert(c *gin.Context) {
	res, err := h.alerts.Resend(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *adminHandler) listThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": h.thresholds.Rules()})
}

func (h *adminHandler) recheck(c *gin.Context) {
	n, err := h.thresholds.Recheck(c.Request.Context(), pipeline.TriggerAdmin)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"alerts_published": n})
}

// fail maps service errors onto status codes.
func (h *adminHandler) fail(c *gin.Context, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "field": verr.Field})
	default:
		h.logger.Error("admin request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
