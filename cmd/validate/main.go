// Command validate dry-runs a threshold rule file against a reading fixture
// (as produced by genmock) without Kafka, Postgres or the push gateway. It
// checks the rules, the readings, and that every resulting alert can be
// promoted, then prints how many alerts each rule would have raised.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -rules rules.yaml \
//	  -readings data/mock/readings_240426.json \
//	  -expect 12
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-alert-service/internal/adapter/rules"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	rulesPath := flag.String("rules", "rules.yaml", "threshold rule file")
	readingsPath := flag.String("readings", "", "JSON array of readings")
	cooldown := flag.Duration("cooldown", time.Hour, "default cooldown window")
	expect := flag.Int("expect", -1, "expected number of alerts (negative to skip)")
	flag.Parse()

	if *readingsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*rulesPath, *readingsPath, *cooldown, *expect); code != 0 {
		os.Exit(code)
	}
}

func run(rulesPath, readingsPath string, cooldown time.Duration, expect int) int {
	fmt.Println("=== Threshold Rule Dry Run ===")
	fmt.Println()

	ruleSet, rulesPhase := validateRules(rulesPath)

	raw, err := loadReadings(readingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load readings: %v\n", err)
		return 1
	}
	readings, readingsPhase := validateReadings(raw)

	// Pin the clock to the last observation so fixture alerts are not
	// already expired when promoted.
	clock := clockwork.NewFakeClockAt(lastObserved(readings))
	domain.SetClock(clock)
	defer domain.SetClock(nil)

	perRule, evalPhase := dryRun(ruleSet, readings, cooldown, clock)

	phases := []*phase{rulesPhase, readingsPhase, evalPhase}
	total := 0
	for _, n := range perRule {
		total += n
	}
	if expect >= 0 {
		p := &phase{name: "Expected alert count"}
		if total != expect {
			p.errorf("got %d alerts, want %d", total, expect)
		}
		phases = append(phases, p)
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Rules: %d active, Readings: %d valid of %d, Alerts: %d\n",
		len(ruleSet), len(readings), len(raw), total)
	ids := make([]string, 0, len(perRule))
	for id := range perRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %-30s %d\n", id, perRule[id])
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func validateRules(path string) ([]domain.Rule, *phase) {
	p := &phase{name: "Threshold rules"}
	data, err := os.ReadFile(path)
	if err != nil {
		p.errorf("read %s: %v", path, err)
		return nil, p
	}
	parsed, err := rules.Parse(data)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			p.errorf("field %s: %s", verr.Field, verr.Message)
		} else {
			p.errorf("%v", err)
		}
		return nil, p
	}
	active := make([]domain.Rule, 0, len(parsed))
	for _, r := range parsed {
		if r.Enabled {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		p.errorf("no enabled rules")
	}
	return active, p
}

func loadReadings(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateReadings(raw []json.RawMessage) ([]domain.Reading, *phase) {
	p := &phase{name: "Reading fixture"}
	out := make([]domain.Reading, 0, len(raw))
	for i, msg := range raw {
		r, err := domain.ParseReading(domain.RawEvent{Value: msg})
		if err != nil {
			p.errorf("reading %d: %v", i, err)
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, p
}

func lastObserved(readings []domain.Reading) time.Time {
	if len(readings) == 0 {
		return time.Now()
	}
	return readings[len(readings)-1].ObservedAt
}

// dryRun evaluates readings in observation order through an in-memory
// cooldown ledger and promotes the highest severity per reading.
func dryRun(ruleSet []domain.Rule, readings []domain.Reading, cooldown time.Duration, clock clockwork.Clock) (map[string]int, *phase) {
	p := &phase{name: "Evaluation and promotion"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evaluator := domain.NewEvaluator(domain.NewMemoryLedger(clock), cooldown, domain.DefaultValidity, logger)

	perRule := make(map[string]int)
	ctx := context.Background()
	for _, r := range readings {
		eval, err := evaluator.Evaluate(ctx, r, ruleSet)
		if err != nil {
			p.errorf("%s %s: %v", r.LocationKey(), r.Metric, err)
			continue
		}
		kept, _ := domain.HighestPerMetric(eval.Candidates)
		for _, c := range kept {
			if _, err := domain.PromoteCandidate(c); err != nil {
				p.errorf("rule %s at %s: %v", c.Rule.ID, c.StationID, err)
				continue
			}
			perRule[c.Rule.ID]++
		}
	}
	return perRule, p
}
