package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// readingPayload is the flat JSON produced by the station collectors.
// Value and coordinates are pointers so that absent fields are detectable.
type readingPayload struct {
	StationID  string    `json:"station_id"`
	Metric     string    `json:"metric"`
	Value      *float64  `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
}

// metricAliases maps collector spellings onto canonical metrics.
var metricAliases = map[string]Metric{
	"PM2.5":       MetricPM25,
	"PM2_5":       MetricPM25,
	"TEMP":        MetricTemperature,
	"WIND":        MetricWindSpeed,
	"RAIN":        MetricPrecipitation,
	"RAINFALL":    MetricPrecipitation,
	"WATERLEVEL":  MetricWaterLevel,
	"WINDSPEED":   MetricWindSpeed,
	"AIR_QUALITY": MetricAQI,
}

// ParseReading decodes a source message into a Reading. The message
// timestamp is used when the payload carries no observation time.
func ParseReading(raw RawEvent) (Reading, error) {
	var p readingPayload
	if err := json.Unmarshal(raw.Value, &p); err != nil {
		return Reading{}, &InvalidReadingError{StationID: string(raw.Key), Reason: "decode payload", Err: err}
	}

	reading := Reading{
		StationID:  strings.TrimSpace(p.StationID),
		Metric:     normalizeMetric(p.Metric),
		ObservedAt: p.ObservedAt,
	}
	if p.Value == nil {
		return Reading{}, &InvalidReadingError{StationID: reading.StationID, Reason: "missing value"}
	}
	reading.Value = *p.Value
	if reading.ObservedAt.IsZero() {
		reading.ObservedAt = raw.Timestamp
	}
	if p.Lat != nil && p.Lon != nil {
		reading.Location = &Point{Lon: *p.Lon, Lat: *p.Lat}
	}

	if err := ValidateReading(reading); err != nil {
		return Reading{}, err
	}
	return reading, nil
}

// ValidateReading rejects readings that must never reach a comparator.
func ValidateReading(r Reading) error {
	switch {
	case !r.Metric.Valid():
		return &InvalidReadingError{StationID: r.StationID, Reason: fmt.Sprintf("unknown metric %q", r.Metric)}
	case math.IsNaN(r.Value) || math.IsInf(r.Value, 0):
		return &InvalidReadingError{StationID: r.StationID, Reason: "value is not a finite number"}
	case r.StationID == "" && r.Location == nil:
		return &InvalidReadingError{Reason: "no station id or location"}
	case r.ObservedAt.IsZero():
		return &InvalidReadingError{StationID: r.StationID, Reason: "missing observation time"}
	}
	if r.Location != nil && !validCoordinate(*r.Location) {
		return &InvalidReadingError{StationID: r.StationID, Reason: "coordinates out of range"}
	}
	return nil
}

// LocationKey identifies where a reading was taken for cooldown purposes.
func (r Reading) LocationKey() string {
	if r.StationID != "" {
		return "station:" + r.StationID
	}
	if r.Location == nil {
		return ""
	}
	return fmt.Sprintf("geo:%.3f,%.3f", r.Location.Lat, r.Location.Lon)
}

func normalizeMetric(s string) Metric {
	s = strings.ToUpper(strings.TrimSpace(s))
	if m, ok := metricAliases[s]; ok {
		return m
	}
	return Metric(s)
}

func validCoordinate(p Point) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lon)
}
