package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
)

// Alert sources, used as the metrics label and span attribute.
const (
	SourceAutomatic = "automatic"
	SourceManual    = "manual"
	SourceIncident  = "incident"
	SourceResend    = "resend"
)

// RecipientDirectory is the resident push directory.
type RecipientDirectory interface {
	ListRecipients(ctx context.Context) ([]domain.Recipient, error)
	ClearPushTokens(ctx context.Context, tokens []string) (int64, error)
}

// IncidentSource looks up citizen incident reports.
type IncidentSource interface {
	GetIncident(ctx context.Context, id string) (domain.Incident, error)
}

// AlertStore persists alert records.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert domain.Alert) error
	UpdateDelivery(ctx context.Context, alert domain.Alert) error
	GetAlert(ctx context.Context, id string) (domain.Alert, error)
}

// Sink publishes finalized alert records downstream.
type Sink interface {
	PublishAlerts(ctx context.Context, alerts ...domain.Alert) error
}

// Dispatcher delivers an alert to push tokens and always reports back.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert domain.Alert, tokens []string) domain.DeliveryReport
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Directory  RecipientDirectory
	Incidents  IncidentSource
	Store      AlertStore
	Sink       Sink
	Dispatcher Dispatcher
}

// Result describes one publish or resend.
type Result struct {
	Alert      domain.Alert          `json:"alert"`
	Report     domain.DeliveryReport `json:"report"`
	Mode       domain.TargetMode     `json:"target_mode"`
	Recipients int                   `json:"recipients"`
}

// Coordinator takes finalized alerts through targeting, dispatch, storage
// and the sink topic.
type Coordinator struct {
	deps         Deps
	bufferMeters float64
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewCoordinator creates a Coordinator. bufferMeters is the default radius
// of incident-derived affected areas.
func NewCoordinator(deps Deps, bufferMeters float64, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		deps:         deps,
		bufferMeters: bufferMeters,
		logger:       logger,
		metrics:      metrics,
	}
}

// Publish delivers a new alert and records it. Only a storage failure is
// returned as an error; a sink failure is logged.
func (c *Coordinator) Publish(ctx context.Context, alert domain.Alert, source string) (Result, error) {
	ctx, span := observability.StartPublishSpan(ctx, alert.ID, source, string(alert.Level))
	defer span.End()

	res := c.deliver(ctx, alert)
	if err := c.deps.Store.SaveAlert(ctx, res.Alert); err != nil {
		err = fmt.Errorf("record alert %s: %w", alert.ID, err)
		observability.EndSpan(span, err)
		return res, err
	}
	c.emit(ctx, res.Alert)
	c.metrics.AlertsPublished.WithLabelValues(source).Inc()

	c.logger.Info("alert published",
		"alert_id", res.Alert.ID,
		"source", source,
		"level", res.Alert.Level,
		"type", res.Alert.Type,
		"mode", res.Mode,
		"recipients", res.Recipients,
		"sent", res.Alert.SentCount,
		"failed", res.Alert.FailedCount,
		"status", res.Alert.DeliveryStatus,
	)
	observability.EndSpan(span, nil)
	return res, nil
}

// Resend re-dispatches a stored alert to the current directory and
// overwrites its delivery counts. Expired alerts are not resent.
func (c *Coordinator) Resend(ctx context.Context, alertID string) (Result, error) {
	alert, err := c.deps.Store.GetAlert(ctx, alertID)
	if err != nil {
		return Result{}, fmt.Errorf("load alert %s: %w", alertID, err)
	}
	if !alert.Active() {
		return Result{}, &domain.ValidationError{Field: "expires_at", Message: "alert has expired"}
	}

	ctx, span := observability.StartPublishSpan(ctx, alert.ID, SourceResend, string(alert.Level))
	defer span.End()

	res := c.deliver(ctx, alert)
	if err := c.deps.Store.UpdateDelivery(ctx, res.Alert); err != nil {
		err = fmt.Errorf("update alert %s: %w", alert.ID, err)
		observability.EndSpan(span, err)
		return res, err
	}
	c.emit(ctx, res.Alert)
	c.metrics.AlertsPublished.WithLabelValues(SourceResend).Inc()

	c.logger.Info("alert resent",
		"alert_id", res.Alert.ID,
		"recipients", res.Recipients,
		"sent", res.Alert.SentCount,
		"failed", res.Alert.FailedCount,
		"status", res.Alert.DeliveryStatus,
	)
	observability.EndSpan(span, nil)
	return res, nil
}

// ManualAlert publishes an admin-authored alert.
func (c *Coordinator) ManualAlert(ctx context.Context, req domain.ManualAlertRequest, adminID string) (Result, error) {
	alert, err := domain.PromoteManual(req, adminID)
	if err != nil {
		return Result{}, err
	}
	return c.Publish(ctx, alert, SourceManual)
}

// IncidentAlert publishes an alert around a verified incident.
func (c *Coordinator) IncidentAlert(ctx context.Context, incidentID string, req domain.IncidentAlertRequest, adminID string) (Result, error) {
	inc, err := c.deps.Incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return Result{}, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	alert, err := domain.PromoteIncident(inc, req, adminID, c.bufferMeters)
	if err != nil {
		return Result{}, err
	}
	return c.Publish(ctx, alert, SourceIncident)
}

// deliver resolves recipients, dispatches and applies the delivery outcome
// to a copy of alert. A directory failure marks the alert FAILED.
func (c *Coordinator) deliver(ctx context.Context, alert domain.Alert) Result {
	recipients, err := c.deps.Directory.ListRecipients(ctx)
	if err != nil {
		c.logger.Error("recipient directory unavailable, alert not delivered",
			"alert_id", alert.ID, "error", err)
		alert.SentCount, alert.FailedCount = 0, 0
		alert.DeliveryStatus = domain.DeliveryFailed
		return Result{Alert: alert, Mode: domain.TargetRegionWide}
	}

	targets := domain.ResolveTargets(alert, recipients)
	if targets.Fallback != nil {
		c.metrics.GeometryFallbacks.Inc()
		c.logger.Warn("affected area unusable, sending region-wide",
			"alert_id", alert.ID, "error", targets.Fallback)
	}

	tokens := targets.Tokens()
	report := c.deps.Dispatcher.Dispatch(ctx, alert, tokens)
	alert.ApplyDelivery(report, len(tokens))
	c.forgetInvalid(ctx, alert.ID, report.InvalidTokens)

	return Result{
		Alert:      alert,
		Report:     report,
		Mode:       targets.Mode,
		Recipients: len(tokens),
	}
}

// emit publishes the record to the sink topic. Failures are logged only.
func (c *Coordinator) emit(ctx context.Context, alert domain.Alert) {
	if c.deps.Sink == nil {
		return
	}
	if err := c.deps.Sink.PublishAlerts(ctx, alert); err != nil {
		c.logger.Warn("publish alert record failed", "alert_id", alert.ID, "error", err)
	}
}

// forgetInvalid clears tokens the gateway reported as unregistered.
func (c *Coordinator) forgetInvalid(ctx context.Context, alertID string, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	n, err := c.deps.Directory.ClearPushTokens(ctx, tokens)
	if err != nil {
		c.logger.Warn("clear unregistered push tokens failed",
			"alert_id", alertID, "tokens", len(tokens), "error", err)
		return
	}
	c.logger.Info("cleared unregistered push tokens", "alert_id", alertID, "cleared", n)
}
