package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlertSpec carries every producer-supplied field of an Alert.
type AlertSpec struct {
	Level        Severity
	Type         AlertType
	Title        string
	Message      string
	Advice       string
	AffectedArea Polygon
	ExpiresAt    *time.Time
	IsAutomatic  bool
	SourceData   *SourceData
	StationID    string
	CreatedBy    string
	IncidentID   string
}

// NewAlert is the single constructor for automatic and manual alerts. It
// assigns an ID and send time and enforces the automatic/manual invariant.
func NewAlert(spec AlertSpec) (Alert, error) {
	if !spec.Level.Valid() {
		return Alert{}, invalid("level", "unknown severity %q", spec.Level)
	}
	if !spec.Type.Valid() {
		return Alert{}, invalid("type", "unknown alert type %q", spec.Type)
	}
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return Alert{}, invalid("title", "must not be empty")
	}
	message := strings.TrimSpace(spec.Message)
	if message == "" {
		return Alert{}, invalid("message", "must not be empty")
	}

	createdBy := strings.TrimSpace(spec.CreatedBy)
	switch {
	case spec.IsAutomatic && spec.SourceData == nil:
		return Alert{}, invalid("source_data", "automatic alerts require a trigger snapshot")
	case spec.IsAutomatic && createdBy != "":
		return Alert{}, invalid("created_by", "automatic alerts have no author")
	case !spec.IsAutomatic && createdBy == "":
		return Alert{}, invalid("created_by", "manual alerts require an author")
	case !spec.IsAutomatic && spec.SourceData != nil:
		return Alert{}, invalid("source_data", "manual alerts carry no trigger snapshot")
	}

	now := clock.Now().UTC()
	if spec.ExpiresAt != nil && !spec.ExpiresAt.After(now) {
		return Alert{}, invalid("expires_at", "must be in the future")
	}

	return Alert{
		ID:             uuid.NewString(),
		Level:          spec.Level,
		Type:           spec.Type,
		Title:          title,
		Message:        message,
		Advice:         strings.TrimSpace(spec.Advice),
		AffectedArea:   spec.AffectedArea,
		SentAt:         now,
		ExpiresAt:      spec.ExpiresAt,
		IsAutomatic:    spec.IsAutomatic,
		SourceData:     spec.SourceData,
		StationID:      spec.StationID,
		CreatedBy:      createdBy,
		IncidentID:     spec.IncidentID,
		DeliveryStatus: DeliveryPending,
	}, nil
}

// PromoteCandidate turns an evaluator match into an automatic alert.
func PromoteCandidate(c CandidateAlert) (Alert, error) {
	expires := c.ExpiresAt
	var expiresAt *time.Time
	if !expires.IsZero() {
		expiresAt = &expires
	}
	where := c.StationID
	if where == "" && c.Location != nil {
		where = fmt.Sprintf("%.4f, %.4f", c.Location.Lat, c.Location.Lon)
	}

	return NewAlert(AlertSpec{
		Level: c.Severity,
		Type:  c.Rule.AlertType,
		Title: fmt.Sprintf("%s alert (%s): %s %s",
			c.Rule.AlertType.Label(), c.Severity, c.Rule.Metric, formatValue(c.Value)),
		Message: fmt.Sprintf("%s reached %s at %s (threshold %s %s).",
			c.Rule.Metric, formatValue(c.Value), where, c.Rule.Comparator.Symbol(), formatValue(c.Rule.Value)),
		Advice:      RenderAdvice(c.Rule.Advice, c),
		ExpiresAt:   expiresAt,
		IsAutomatic: true,
		SourceData: &SourceData{
			Metric:     c.Rule.Metric,
			Value:      c.Value,
			Threshold:  c.Rule.Value,
			Comparator: c.Rule.Comparator,
			RuleID:     c.Rule.ID,
			Timestamp:  c.ObservedAt,
		},
		StationID: c.StationID,
	})
}

// RenderAdvice fills the placeholders {metric}, {value}, {threshold},
// {station} and {severity} in a rule's advice template.
func RenderAdvice(template string, c CandidateAlert) string {
	r := strings.NewReplacer(
		"{metric}", string(c.Rule.Metric),
		"{value}", formatValue(c.Value),
		"{threshold}", formatValue(c.Rule.Value),
		"{station}", c.StationID,
		"{severity}", string(c.Severity),
	)
	return r.Replace(template)
}

// ManualAlertRequest is an admin-authored alert.
type ManualAlertRequest struct {
	Level        Severity   `json:"level"`
	Type         AlertType  `json:"type"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Advice       string     `json:"advice,omitempty"`
	AffectedArea Polygon    `json:"affected_area,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// PromoteManual builds a manual alert authored by adminID.
func PromoteManual(req ManualAlertRequest, adminID string) (Alert, error) {
	return NewAlert(AlertSpec{
		Level:        req.Level,
		Type:         req.Type,
		Title:        req.Title,
		Message:      req.Message,
		Advice:       req.Advice,
		AffectedArea: req.AffectedArea,
		ExpiresAt:    req.ExpiresAt,
		CreatedBy:    adminID,
	})
}

// IncidentAlertRequest holds optional overrides for an incident-derived
// alert. Zero values take defaults from the incident.
type IncidentAlertRequest struct {
	Level        Severity   `json:"level,omitempty"`
	Type         AlertType  `json:"type,omitempty"`
	Title        string     `json:"title,omitempty"`
	Message      string     `json:"message,omitempty"`
	Advice       string     `json:"advice,omitempty"`
	RadiusMeters float64    `json:"radius_meters,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// PromoteIncident builds a manual alert around a verified incident. The
// affected area is a square buffer of defaultRadius meters (or the request
// override) around the incident location.
func PromoteIncident(inc Incident, req IncidentAlertRequest, adminID string, defaultRadius float64) (Alert, error) {
	if !inc.Verified {
		return Alert{}, invalid("incident", "incident %s is not verified", inc.ID)
	}

	radius := req.RadiusMeters
	if radius == 0 {
		radius = defaultRadius
	}
	area, err := BufferSquare(inc.Location, radius)
	if err != nil {
		return Alert{}, invalid("radius_meters", "%v", err)
	}

	level := req.Level
	if level == "" {
		level = SeverityHigh
	}
	alertType := req.Type
	if alertType == "" {
		alertType = incidentAlertType(inc.Type)
	}
	title := req.Title
	if title == "" {
		title = humanize(inc.Type) + " reported nearby"
	}
	message := req.Message
	if message == "" {
		message = inc.Description
	}
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("A verified %s was reported within %.0f m of your location.",
			strings.ToLower(humanize(inc.Type)), radius)
	}

	return NewAlert(AlertSpec{
		Level:        level,
		Type:         alertType,
		Title:        title,
		Message:      message,
		Advice:       req.Advice,
		AffectedArea: area,
		ExpiresAt:    req.ExpiresAt,
		CreatedBy:    adminID,
		IncidentID:   inc.ID,
	})
}

func incidentAlertType(incidentType string) AlertType {
	switch strings.ToUpper(incidentType) {
	case "POLLUTION", "WASTE", "CHEMICAL_SPILL", "SMOKE":
		return AlertTypeEnvironmental
	case "STORM", "HEATWAVE", "HAIL":
		return AlertTypeWeather
	default:
		return AlertTypeDisaster
	}
}

// humanize turns "CHEMICAL_SPILL" into "Chemical spill".
func humanize(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", " "))
	if s == "" {
		return "Incident"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
