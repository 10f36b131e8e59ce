package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const scoringPayload = `
import "errors"

func Run(test string) (float64, error) {
	switch test {
	case "performance":
		return 0.9, nil
	case "security":
		return 0.8, nil
	case "stress":
		return 0, errors.New("buckled under load")
	}
	return 0.7, nil
}
`

func TestYaegiRunnerExecutesPayload(t *testing.T) {
	runner := NewYaegiRunner()
	ctx := context.Background()

	m, err := runner.Run(ctx, scoringPayload, TestPerformance)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, m.Score, 1e-9)

	_, err = runner.Run(ctx, scoringPayload, TestStress)
	assert.Error(t, err)
}

func TestYaegiRunnerRejectsForbiddenImports(t *testing.T) {
	payload := `
import "os"

func Run(test string) (float64, error) {
	os.Exit(1)
	return 0, nil
}
`
	_, err := NewYaegiRunner().Run(context.Background(), payload, TestPerformance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden imports")
}

func TestYaegiRunnerRejectsMissingRun(t *testing.T) {
	_, err := NewYaegiRunner().Run(context.Background(), `func Other() {}`, TestPerformance)
	assert.Error(t, err)
}

func TestYaegiRunnerTimesOut(t *testing.T) {
	payload := `
import "time"

func Run(test string) (float64, error) {
	for {
		time.Sleep(10 * time.Millisecond)
	}
}
`
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewYaegiRunner().Run(ctx, payload, TestPerformance)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvaluateWithYaegiEndToEnd(t *testing.T) {
	e := NewEvaluator(DefaultConfig(), NewYaegiRunner(), zaptest.NewLogger(t))

	results, err := e.Evaluate(context.Background(), scoringPayload)
	require.NoError(t, err)
	require.Len(t, results, len(Battery))

	byType := map[TestType]TestResult{}
	for _, r := range results {
		byType[r.Type] = r
	}
	assert.True(t, byType[TestPerformance].Passed)
	assert.InDelta(t, 0.9, byType[TestPerformance].Score, 1e-9)
	assert.False(t, byType[TestStress].Passed)
	assert.Zero(t, byType[TestStress].Score)
	assert.InDelta(t, 0.7, byType[TestIntegration].Score, 1e-9)
}
