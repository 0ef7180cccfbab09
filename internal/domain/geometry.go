package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	// MetersPerDegree is the equirectangular approximation of one degree.
	MetersPerDegree = 111320.0

	// MaxBufferMeters bounds incident buffers to the scale where the
	// equirectangular approximation holds.
	MaxBufferMeters = 20000.0

	// DefaultIncidentBufferMeters is the buffer radius around an incident.
	DefaultIncidentBufferMeters = 500.0

	earthRadiusMeters = 6371008.8
	edgeEpsilon       = 1e-12
)

// Ring is a closed sequence of vertices (first == last).
type Ring []Point

// Polygon is a list of rings: the outer boundary followed by holes.
type Polygon []Ring

// geoJSONPolygon is the persisted/wire form of a Polygon.
type geoJSONPolygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// MarshalJSON encodes the polygon as a GeoJSON Polygon geometry.
func (p Polygon) MarshalJSON() ([]byte, error) {
	g := geoJSONPolygon{Type: "Polygon", Coordinates: make([][][2]float64, len(p))}
	for i, ring := range p {
		coords := make([][2]float64, len(ring))
		for j, pt := range ring {
			coords[j] = [2]float64{pt.Lon, pt.Lat}
		}
		g.Coordinates[i] = coords
	}
	return json.Marshal(g)
}

// UnmarshalJSON decodes a GeoJSON Polygon geometry. Structural problems are
// left to Validate so that targeting can fall back instead of failing decode.
func (p *Polygon) UnmarshalJSON(data []byte) error {
	var g geoJSONPolygon
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("decode polygon: %w", err)
	}
	if g.Type != "" && g.Type != "Polygon" {
		return fmt.Errorf("decode polygon: unsupported geometry type %q", g.Type)
	}
	out := make(Polygon, len(g.Coordinates))
	for i, coords := range g.Coordinates {
		ring := make(Ring, len(coords))
		for j, c := range coords {
			ring[j] = Point{Lon: c[0], Lat: c[1]}
		}
		out[i] = ring
	}
	*p = out
	return nil
}

// Validate checks that every ring is closed, has at least three distinct
// vertices and encloses a non-zero area.
func (p Polygon) Validate() error {
	if len(p) == 0 {
		return &GeometryError{Reason: "polygon has no rings"}
	}
	for i, ring := range p {
		if reason := ring.problem(); reason != "" {
			name := "outer ring"
			if i > 0 {
				name = fmt.Sprintf("hole %d", i)
			}
			return &GeometryError{Reason: name + ": " + reason}
		}
	}
	return nil
}

// problem describes why the ring is unusable, or returns "".
func (r Ring) problem() string {
	if len(r) < 4 {
		return fmt.Sprintf("need at least 4 positions, got %d", len(r))
	}
	if r[0] != r[len(r)-1] {
		return "ring is not closed"
	}
	for _, pt := range r {
		if !validCoordinate(pt) {
			return fmt.Sprintf("coordinate out of range: %v", pt)
		}
	}
	distinct := make(map[Point]struct{}, len(r))
	for _, pt := range r[:len(r)-1] {
		distinct[pt] = struct{}{}
	}
	if len(distinct) < 3 {
		return fmt.Sprintf("need at least 3 distinct vertices, got %d", len(distinct))
	}
	if math.Abs(r.signedArea()) <= edgeEpsilon {
		return "ring has zero area"
	}
	return ""
}

// signedArea uses the shoelace formula in degree space.
func (r Ring) signedArea() float64 {
	var sum float64
	for i := 0; i < len(r)-1; i++ {
		sum += r[i].Lon*r[i+1].Lat - r[i+1].Lon*r[i].Lat
	}
	return sum / 2
}

// Contains reports whether pt lies inside the polygon. Points on any ring
// boundary count as inside, so edge classification never depends on
// floating-point ray direction. The polygon must be valid.
func (p Polygon) Contains(pt Point) bool {
	if len(p) == 0 {
		return false
	}
	inside, onEdge := p[0].locate(pt)
	if onEdge {
		return true
	}
	if !inside {
		return false
	}
	for _, hole := range p[1:] {
		inHole, onHoleEdge := hole.locate(pt)
		if onHoleEdge {
			return true
		}
		if inHole {
			return false
		}
	}
	return true
}

// locate runs the even-odd ray-casting test after checking every edge.
func (r Ring) locate(pt Point) (inside, onEdge bool) {
	for i := 0; i < len(r)-1; i++ {
		if onSegment(pt, r[i], r[i+1]) {
			return true, true
		}
	}
	for i := 0; i < len(r)-1; i++ {
		a, b := r[i], r[i+1]
		if (a.Lat > pt.Lat) != (b.Lat > pt.Lat) {
			x := a.Lon + (pt.Lat-a.Lat)*(b.Lon-a.Lon)/(b.Lat-a.Lat)
			if pt.Lon < x {
				inside = !inside
			}
		}
	}
	return inside, false
}

func onSegment(p, a, b Point) bool {
	cross := (b.Lon-a.Lon)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lon-a.Lon)
	if math.Abs(cross) > edgeEpsilon {
		return false
	}
	return p.Lon >= math.Min(a.Lon, b.Lon)-edgeEpsilon && p.Lon <= math.Max(a.Lon, b.Lon)+edgeEpsilon &&
		p.Lat >= math.Min(a.Lat, b.Lat)-edgeEpsilon && p.Lat <= math.Max(a.Lat, b.Lat)+edgeEpsilon
}

// Centroid returns the area centroid of the outer ring.
func (p Polygon) Centroid() Point {
	if len(p) == 0 || len(p[0]) < 4 {
		return Point{}
	}
	r := p[0]
	area := r.signedArea()
	if area == 0 {
		return r[0]
	}
	var cx, cy float64
	for i := 0; i < len(r)-1; i++ {
		f := r[i].Lon*r[i+1].Lat - r[i+1].Lon*r[i].Lat
		cx += (r[i].Lon + r[i+1].Lon) * f
		cy += (r[i].Lat + r[i+1].Lat) * f
	}
	return Point{Lon: cx / (6 * area), Lat: cy / (6 * area)}
}

// BufferSquare returns a closed, axis-aligned square ring centered on
// center whose half-width is radiusMeters.
func BufferSquare(center Point, radiusMeters float64) (Polygon, error) {
	if !validCoordinate(center) {
		return nil, &GeometryError{Reason: fmt.Sprintf("buffer center out of range: %v", center)}
	}
	if radiusMeters <= 0 || radiusMeters > MaxBufferMeters || math.IsNaN(radiusMeters) {
		return nil, &GeometryError{Reason: fmt.Sprintf("buffer radius %.0fm outside (0, %.0f]", radiusMeters, MaxBufferMeters)}
	}
	d := radiusMeters / MetersPerDegree
	ring := Ring{
		{Lon: center.Lon - d, Lat: center.Lat - d},
		{Lon: center.Lon + d, Lat: center.Lat - d},
		{Lon: center.Lon + d, Lat: center.Lat + d},
		{Lon: center.Lon - d, Lat: center.Lat + d},
		{Lon: center.Lon - d, Lat: center.Lat - d},
	}
	return Polygon{ring}, nil
}

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
