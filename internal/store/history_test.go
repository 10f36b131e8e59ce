package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	s, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveMutationUpsert(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	record := MutationRecord{
		ID:          "m-1",
		Category:    "performance",
		Target:      "scheduler",
		Description: "tighter loop",
		Fitness:     0,
		Status:      "generated",
		GeneratedAt: now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.SaveMutation(record))

	record.Fitness = 0.91
	record.Status = "deployed"
	record.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.SaveMutation(record))

	got, err := s.ListMutations(10)
	require.NoError(t, err)
	require.Len(t, got, 1, "upsert must not duplicate")
	assert.Equal(t, "deployed", got[0].Status)
	assert.InDelta(t, 0.91, got[0].Fitness, 1e-9)
}

func TestConsensusResultsImmutable(t *testing.T) {
	s := newTestStore(t)

	record := ConsensusRecord{
		ProposalID: "p-1",
		Type:       "system_mutation",
		Decision:   "approve",
		Confidence: 0.8,
		Votes:      3,
		ResolvedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveConsensusResult(record))
	assert.Error(t, s.SaveConsensusResult(record), "results are written exactly once")

	got, err := s.ListConsensusResults(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "approve", got[0].Decision)
}

func TestExperimentLifecyclePersists(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC()

	record := ExperimentRecord{
		ID:        "e-1",
		Name:      "latency storm",
		FaultType: "latency_injection",
		Target:    "consensus",
		Status:    "running",
		StartTime: start,
	}
	require.NoError(t, s.SaveExperiment(record))

	record.Status = "completed"
	record.Resilience = 0.72
	record.EndTime = start.Add(5 * time.Second)
	require.NoError(t, s.SaveExperiment(record))

	got, err := s.ListExperiments(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].Status)
	assert.InDelta(t, 0.72, got[0].Resilience, 1e-9)
}

func TestListLimits(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveMutation(MutationRecord{
			ID:          string(rune('a' + i)),
			Category:    "efficiency",
			Target:      "cache",
			Status:      "rejected",
			GeneratedAt: base,
			UpdatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListMutations(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].ID, "newest first")
}

func TestGetExperimentReturnsPlannedRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveExperiment(ExperimentRecord{
		ID:        "exp-1",
		Name:      "latency_injection-api-gateway",
		FaultType: "latency_injection",
		Target:    "api-gateway",
		Status:    "planned",
		Detail:    []byte(`{"durationMs":5000}`),
	}))

	got, err := s.GetExperiment("exp-1")
	require.NoError(t, err)
	assert.Equal(t, "planned", got.Status)
	assert.Equal(t, "api-gateway", got.Target)
	assert.JSONEq(t, `{"durationMs":5000}`, string(got.Detail))

	_, err = s.GetExperiment("missing")
	assert.Error(t, err)
}

func TestRegisterVoterIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterVoter("alpha"))
	require.NoError(t, s.RegisterVoter("beta"))
	require.NoError(t, s.RegisterVoter("alpha"))

	voters, err := s.ListVoters()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, voters)
}

func TestMutationStatusCounts(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, status := range []string{"deployed", "rejected", "rejected"} {
		require.NoError(t, s.SaveMutation(MutationRecord{
			ID:          string(rune('x' + i)),
			Category:    "performance",
			Target:      "scheduler",
			Status:      status,
			GeneratedAt: base,
			UpdatedAt:   base,
		}))
	}

	counts, err := s.MutationStatusCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"deployed": 1, "rejected": 2}, counts)
}
