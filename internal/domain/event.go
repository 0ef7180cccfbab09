package domain

import (
	"context"
	"time"
)

// AlertType classifies an alert for residents.
type AlertType string

const (
	AlertTypeWeather       AlertType = "WEATHER"
	AlertTypeAirQuality    AlertType = "AIR_QUALITY"
	AlertTypeDisaster      AlertType = "DISASTER"
	AlertTypeEnvironmental AlertType = "ENVIRONMENTAL"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeWeather, AlertTypeAirQuality, AlertTypeDisaster, AlertTypeEnvironmental:
		return true
	default:
		return false
	}
}

// Label returns a human-readable name used in alert titles.
func (t AlertType) Label() string {
	switch t {
	case AlertTypeWeather:
		return "Weather"
	case AlertTypeAirQuality:
		return "Air quality"
	case AlertTypeDisaster:
		return "Disaster"
	case AlertTypeEnvironmental:
		return "Environmental"
	default:
		return string(t)
	}
}

// Metric is a measured quantity reported by a station.
type Metric string

const (
	MetricAQI           Metric = "AQI"
	MetricPM25          Metric = "PM25"
	MetricPM10          Metric = "PM10"
	MetricTemperature   Metric = "TEMPERATURE"
	MetricWindSpeed     Metric = "WIND_SPEED"
	MetricPrecipitation Metric = "PRECIPITATION"
	MetricHumidity      Metric = "HUMIDITY"
	MetricWaterLevel    Metric = "WATER_LEVEL"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricAQI, MetricPM25, MetricPM10, MetricTemperature, MetricWindSpeed,
		MetricPrecipitation, MetricHumidity, MetricWaterLevel:
		return true
	default:
		return false
	}
}

// Comparator is the operator of a threshold rule.
type Comparator string

const (
	ComparatorGT  Comparator = "GT"
	ComparatorGTE Comparator = "GTE"
	ComparatorLT  Comparator = "LT"
	ComparatorLTE Comparator = "LTE"
)

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case ComparatorGT, ComparatorGTE, ComparatorLT, ComparatorLTE:
		return true
	default:
		return false
	}
}

// Apply compares value against threshold. Unknown comparators never match.
func (c Comparator) Apply(value, threshold float64) bool {
	switch c {
	case ComparatorGT:
		return value > threshold
	case ComparatorGTE:
		return value >= threshold
	case ComparatorLT:
		return value < threshold
	case ComparatorLTE:
		return value <= threshold
	default:
		return false
	}
}

// Symbol returns the mathematical operator for c.
func (c Comparator) Symbol() string {
	switch c {
	case ComparatorGT:
		return ">"
	case ComparatorGTE:
		return ">="
	case ComparatorLT:
		return "<"
	case ComparatorLTE:
		return "<="
	default:
		return "?"
	}
}

// Severity is the alert level shown to residents.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from 1 (LOW) to 4 (CRITICAL). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Point is a WGS-84 coordinate in GeoJSON (lon, lat) order.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Rule is an externally administered threshold rule.
type Rule struct {
	ID         string        `json:"id" yaml:"id"`
	AlertType  AlertType     `json:"alert_type" yaml:"alert_type"`
	Metric     Metric        `json:"metric" yaml:"metric"`
	Comparator Comparator    `json:"comparator" yaml:"comparator"`
	Value      float64       `json:"value" yaml:"value"`
	Severity   Severity      `json:"severity" yaml:"severity"`
	Advice     string        `json:"advice" yaml:"advice"`
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Cooldown   time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"` // zero uses the service default
}

// Reading is a single station measurement.
type Reading struct {
	StationID  string    `json:"station_id"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Location   *Point    `json:"location,omitempty"`
}

// CandidateAlert is an evaluator match that has passed the cooldown check.
type CandidateAlert struct {
	Rule       Rule
	Severity   Severity
	Value      float64
	StationID  string
	Location   *Point
	ObservedAt time.Time
	ExpiresAt  time.Time
}

// SourceData is the trigger snapshot stored with automatic alerts.
type SourceData struct {
	Metric     Metric     `json:"metric"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Comparator Comparator `json:"comparator"`
	RuleID     string     `json:"rule_id"`
	Timestamp  time.Time  `json:"timestamp"`
}

// DeliveryStatus summarizes an alert's dispatch.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "PENDING"
	DeliverySent         DeliveryStatus = "SENT"
	DeliveryPartial      DeliveryStatus = "PARTIAL"
	DeliveryFailed       DeliveryStatus = "FAILED"
	DeliveryNoRecipients DeliveryStatus = "NO_RECIPIENTS"
)

// Alert is the unified automatic/manual alert record.
type Alert struct {
	ID             string         `json:"id"`
	Level          Severity       `json:"level"`
	Type           AlertType      `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Advice         string         `json:"advice,omitempty"`
	AffectedArea   Polygon        `json:"affected_area,omitempty"`
	SentAt         time.Time      `json:"sent_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	IsAutomatic    bool           `json:"is_automatic"`
	SourceData     *SourceData    `json:"source_data,omitempty"`
	StationID      string         `json:"station_id,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	IncidentID     string         `json:"incident_id,omitempty"`
	SentCount      int            `json:"sent_count"`
	FailedCount    int            `json:"failed_count"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
}

// Recipient is a resident in the push directory.
type Recipient struct {
	UserID            string `json:"user_id"`
	PushToken         string `json:"push_token"`
	LastKnownLocation *Point `json:"last_known_location,omitempty"`
}

// Incident is a citizen report that an admin may turn into an alert.
type Incident struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Location    Point     `json:"location"`
	Verified    bool      `json:"verified"`
	ReportedAt  time.Time `json:"reported_at"`
}

// DeliveryOutcome classifies a single token's gateway result.
type DeliveryOutcome string

const (
	OutcomeOK             DeliveryOutcome = "OK"
	OutcomeInvalidToken   DeliveryOutcome = "INVALID_TOKEN"
	OutcomeTransientError DeliveryOutcome = "TRANSIENT_ERROR"
	OutcomePermanentError DeliveryOutcome = "PERMANENT_ERROR"
)

// DeliveryReport aggregates a dispatch run.
type DeliveryReport struct {
	SuccessCount  int                     `json:"success_count"`
	FailureCount  int                     `json:"failure_count"`
	FailedTokens  []string                `json:"failed_tokens,omitempty"`
	InvalidTokens []string                `json:"invalid_tokens,omitempty"` // unregistered devices, safe to remove
	Outcomes      map[DeliveryOutcome]int `json:"outcomes,omitempty"`
	Batches       int                     `json:"batches"`
	FailedBatches int                     `json:"failed_batches"`
}

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// OutputEvent is the serialized form destined for the sink topic.
type OutputEvent struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}
