package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"evoforge/internal/metrics"
)

// Config holds evaluator settings.
type Config struct {
	// MaxSandboxes bounds concurrently running evaluations. Requests beyond
	// the bound fail with ErrSandboxCapacityExceeded.
	MaxSandboxes int
	// TestTimeout bounds a single test's payload execution.
	TestTimeout time.Duration
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{MaxSandboxes: 10, TestTimeout: 5 * time.Second}
}

// Evaluator runs payloads through the battery inside isolated sandboxes.
// Each evaluation owns its own state; nothing is shared between concurrent
// sandboxes except the capacity semaphore.
type Evaluator struct {
	cfg    Config
	runner PayloadRunner
	log    *zap.Logger
	slots  *semaphore.Weighted

	evaluations atomic.Uint64
	rejected    atomic.Uint64
	crashes     atomic.Uint64
}

// NewEvaluator creates an evaluator backed by runner.
func NewEvaluator(cfg Config, runner PayloadRunner, log *zap.Logger) *Evaluator {
	if cfg.MaxSandboxes < 1 {
		cfg.MaxSandboxes = DefaultConfig().MaxSandboxes
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultConfig().TestTimeout
	}
	return &Evaluator{
		cfg:    cfg,
		runner: runner,
		log:    log,
		slots:  semaphore.NewWeighted(int64(cfg.MaxSandboxes)),
	}
}

// Evaluate runs the full battery against code and returns one TestResult
// per battery entry. A crashing payload fails that test with score 0 and
// the remaining tests still run.
func (e *Evaluator) Evaluate(ctx context.Context, code string) ([]TestResult, error) {
	if !e.slots.TryAcquire(1) {
		e.rejected.Add(1)
		return nil, fmt.Errorf("%w: %d sandboxes running", ErrSandboxCapacityExceeded, e.cfg.MaxSandboxes)
	}
	defer e.slots.Release(1)

	start := time.Now()
	results := make([]TestResult, len(Battery))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, test := range Battery {
		eg.Go(func() error {
			results[i] = e.runOne(egCtx, code, test)
			return nil
		})
	}
	// Workers never return errors; failures become failed TestResults.
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluation cancelled: %w", err)
	}

	e.evaluations.Add(1)
	fitness := Fitness(results)
	metrics.ObserveEvaluation(time.Since(start), fitness)
	e.log.Debug("evaluation battery complete",
		zap.Float64("fitness", fitness),
		zap.Duration("elapsed", time.Since(start)))
	return results, nil
}

// runOne executes a single test with panic recovery. A panic or error in
// the payload is an EvaluationFailure recovered locally: the test fails
// with score 0 and evaluation continues.
func (e *Evaluator) runOne(ctx context.Context, code string, test TestType) (result TestResult) {
	result = TestResult{Type: test, Timestamp: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			e.crashes.Add(1)
			e.log.Warn("payload crashed during test",
				zap.String("test", string(test)),
				zap.Any("panic", r))
			result.Passed = false
			result.Score = 0
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.TestTimeout)
	defer cancel()

	started := time.Now()
	measurement, err := e.runner.Run(runCtx, code, test)
	elapsed := time.Since(started)

	if err != nil {
		e.log.Debug("test failed",
			zap.String("test", string(test)),
			zap.Error(err))
		result.Passed = false
		result.Score = 0
		return result
	}

	result.Passed = true
	result.Score = clamp01(measurement.Score)
	result.Metrics = map[string]float64{
		"durationMs": float64(elapsed.Milliseconds()),
	}
	for k, v := range measurement.Metrics {
		result.Metrics[k] = v
	}
	return result
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Stats summarizes evaluator activity.
type Stats struct {
	Evaluations uint64
	Rejected    uint64
	Crashes     uint64
}

// Stats returns a snapshot of evaluator counters.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Evaluations: e.evaluations.Load(),
		Rejected:    e.rejected.Load(),
		Crashes:     e.crashes.Load(),
	}
}
