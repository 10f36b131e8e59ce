// Package sandbox evaluates candidate mutation payloads in isolation and
// scores them against a fixed test battery. Scoring is pure: fitness is a
// deterministic function of the TestResult set, and the measurement source
// behind each TestResult is a pluggable PayloadRunner.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// TestType names one member of the fixed evaluation battery.
type TestType string

const (
	TestPerformance TestType = "performance"
	TestSecurity    TestType = "security"
	TestReliability TestType = "reliability"
	TestIntegration TestType = "integration"
	TestStress      TestType = "stress"
)

// Battery is the fixed set of tests every evaluation runs, in order.
var Battery = []TestType{
	TestPerformance,
	TestSecurity,
	TestReliability,
	TestIntegration,
	TestStress,
}

// TestResult is the outcome of running one test type against a payload.
type TestResult struct {
	Type      TestType           `json:"testType"`
	Passed    bool               `json:"passed"`
	Score     float64            `json:"score"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Measurement is the raw observation a PayloadRunner produces for one test.
type Measurement struct {
	Score   float64
	Metrics map[string]float64
}

// PayloadRunner executes an opaque payload for a single test type. A
// returned error marks the test failed; the evaluator also converts panics
// into failures, so runners may be arbitrarily hostile payload hosts.
type PayloadRunner interface {
	Run(ctx context.Context, code string, test TestType) (Measurement, error)
}

// ErrSandboxCapacityExceeded is returned when an evaluation is requested
// while the maximum number of sandboxes is already running. Callers retry
// or shed load; the evaluator never queues.
var ErrSandboxCapacityExceeded = errors.New("sandbox capacity exceeded")

// Fitness is the authoritative scoring function: a 0.7 weight on the mean
// test score and a 0.3 weight on the pass ratio. An empty result set scores
// zero. The result is always in [0,1] when scores are.
func Fitness(results []TestResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	passed := 0
	for _, r := range results {
		sum += r.Score
		if r.Passed {
			passed++
		}
	}
	n := float64(len(results))
	return 0.7*(sum/n) + 0.3*(float64(passed)/n)
}
