package sandbox

import (
	"context"
	"fmt"
)

// FixedRunner returns canned measurements per test type. It backs tests and
// the evaluator's dry-run mode; unlisted test types fail.
type FixedRunner struct {
	Measurements map[TestType]Measurement
	Errs         map[TestType]error
}

// Run implements PayloadRunner.
func (f *FixedRunner) Run(_ context.Context, _ string, test TestType) (Measurement, error) {
	if err, ok := f.Errs[test]; ok {
		return Measurement{}, err
	}
	m, ok := f.Measurements[test]
	if !ok {
		return Measurement{}, fmt.Errorf("no measurement configured for test %s", test)
	}
	return m, nil
}

// UniformRunner scores every test the same. Useful for pipeline tests where
// only selection behavior matters.
type UniformRunner struct {
	Score float64
}

// Run implements PayloadRunner.
func (u *UniformRunner) Run(context.Context, string, TestType) (Measurement, error) {
	return Measurement{Score: u.Score}, nil
}
