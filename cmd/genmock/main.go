// Command genmock generates a sensor reading fixture from a station list.
// Each station gets a diurnal series per metric with one pollution spike,
// so the fixture exercises both quiet periods and threshold breaches. Every
// generated reading is checked with the same validation the pipeline uses.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -stations data/mock/stations.csv \
//	  -out data/mock/readings_240426.json
//
// The stations CSV needs the columns station_id, lat and lon.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

var baseDate = time.Date(2024, time.April, 26, 0, 0, 0, 0, time.UTC)

type station struct {
	id  string
	lat float64
	lon float64
}

// series describes how one metric moves over a day.
type series struct {
	metric    domain.Metric
	baseline  float64
	amplitude float64 // diurnal swing around baseline
	spike     float64 // added at the spike hour
	noise     float64
	decimals  int
}

var metrics = []series{
	{metric: domain.MetricAQI, baseline: 70, amplitude: 25, spike: 140, noise: 8},
	{metric: domain.MetricPM25, baseline: 22, amplitude: 10, spike: 60, noise: 3, decimals: 1},
	{metric: domain.MetricTemperature, baseline: 30, amplitude: 5, noise: 0.8, decimals: 1},
	{metric: domain.MetricHumidity, baseline: 70, amplitude: -15, noise: 4},
}

// readingPayload mirrors what the collector publishes to the source topic.
type readingPayload struct {
	StationID  string    `json:"station_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	stationsPath := flag.String("stations", "", "CSV file with station_id, lat, lon columns")
	out := flag.String("out", "", "output path for the reading fixture")
	hours := flag.Int("hours", 24, "hours of readings per station")
	interval := flag.Duration("interval", 30*time.Minute, "time between readings")
	seed := flag.Uint64("seed", 240426, "random seed for reproducible output")
	flag.Parse()

	if *stationsPath == "" || *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -stations, -out")
	}
	if *interval <= 0 || *hours <= 0 {
		return fmt.Errorf("-hours and -interval must be positive")
	}

	stations, err := loadStations(*stationsPath)
	if err != nil {
		return fmt.Errorf("load stations: %w", err)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed>>1))
	var readings []readingPayload
	for i, st := range stations {
		// Stagger spikes so stations breach at different times.
		spikeAt := baseDate.Add(time.Duration(8+i*3%12) * time.Hour)
		for t := baseDate; t.Before(baseDate.Add(time.Duration(*hours) * time.Hour)); t = t.Add(*interval) {
			for _, s := range metrics {
				r := readingPayload{
					StationID:  st.id,
					Metric:     string(s.metric),
					Value:      s.valueAt(t, spikeAt, rng),
					ObservedAt: t,
					Lat:        st.lat,
					Lon:        st.lon,
				}
				if err := check(r); err != nil {
					return err
				}
				readings = append(readings, r)
			}
		}
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].ObservedAt.Before(readings[j].ObservedAt)
	})

	if err := writeJSON(*out, readings); err != nil {
		return err
	}
	fmt.Printf("Wrote %d readings for %d stations to %s\n", len(readings), len(stations), *out)
	return nil
}

func (s series) valueAt(t, spikeAt time.Time, rng *rand.Rand) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	v := s.baseline + s.amplitude*math.Sin((hour-6)/24*2*math.Pi)
	if d := t.Sub(spikeAt); d >= 0 && d < 2*time.Hour {
		v += s.spike * (1 - d.Hours()/2)
	}
	v += (rng.Float64()*2 - 1) * s.noise
	v = math.Max(v, 0)
	p := math.Pow(10, float64(s.decimals))
	return math.Round(v*p) / p
}

// check runs a generated reading through the pipeline's parser.
func check(r readingPayload) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := domain.ParseReading(domain.RawEvent{Key: []byte(r.StationID), Value: data}); err != nil {
		return fmt.Errorf("generated reading rejected: %w", err)
	}
	return nil
}

func loadStations(path string) ([]station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) < 2 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}

	col := make(map[string]int, len(all[0]))
	for i, h := range all[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range []string{"station_id", "lat", "lon"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []station
	for i, row := range all[1:] {
		lat, err := strconv.ParseFloat(strings.TrimSpace(row[col["lat"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: lat: %w", i+2, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(row[col["lon"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: lon: %w", i+2, err)
		}
		out = append(out, station{id: strings.TrimSpace(row[col["station_id"]]), lat: lat, lon: lon})
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
