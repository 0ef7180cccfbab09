// Package domain models the alerting core: sensor readings, threshold rules,
// the cooldown ledger, alert promotion and geographic targeting.
//
// # Readings
//
// Sensor readings arrive as flat JSON on the source topic:
//
//	{"station_id":"S-12","metric":"AQI","value":185,"observed_at":"2024-04-26T15:10:00Z","lat":10.77,"lon":106.69}
//
// A reading with a missing, NaN or infinite value, an unknown metric or no
// station and no location is rejected with [InvalidReadingError]. Rejection
// skips that reading only; the rest of the batch is still evaluated.
//
// # Threshold Rules
//
// A rule is a single comparator check on one metric (GT, GTE, LT, LTE).
// Boundary values match only the inclusive comparators: AQI=180 does not
// match "AQI GT 180" but does match "AQI GTE 180". Several rules may match
// the same reading; the evaluator emits every match and leaves severity
// precedence to the caller.
//
// # Cooldown
//
// Firings are keyed by (rule id, location key). The location key is the
// station id, or the coordinates rounded to three decimals (~110 m) when the
// station is unknown. Windows are measured on observation time, so replaying
// a topic does not re-fire alerts that already fired. A breach inside the
// window refreshes LastBreachAt but never LastFiredAt, which lets a
// sustained breach fire again once the window has elapsed.
//
// # Geometry
//
// Coordinates follow GeoJSON order (lon, lat). An affected area is a
// polygon whose first ring is the outer boundary and whose remaining rings
// are holes. Incident buffers use the equirectangular approximation
// 1° ≈ 111,320 m. The error grows with distance from the center and with
// latitude, which is acceptable at city scale; buffers above
// [MaxBufferMeters] (20 km) are rejected.
//
// # Alert invariant
//
// Exactly one of the following holds for every [Alert]:
//
//	IsAutomatic == true  && SourceData != nil && CreatedBy == ""
//	IsAutomatic == false && SourceData == nil && CreatedBy != ""
//
// [NewAlert] enforces this for both the automatic and the manual path.
package domain
