package chaos

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"evoforge/internal/consensus"
	"evoforge/internal/fabric"
	"evoforge/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedInjector drives lifecycle tests with fixed behavior and counts
// restoration calls.
type scriptedInjector struct {
	injectErr  error
	observeErr error
	healthy    bool
	recovery   Recovery
	restores   atomic.Int32
}

func (s *scriptedInjector) Inject(context.Context, Experiment) error {
	return s.injectErr
}

func (s *scriptedInjector) Observe(context.Context, Experiment) (Observation, error) {
	if s.observeErr != nil {
		return Observation{}, s.observeErr
	}
	return Observation{Timestamp: time.Now(), Healthy: s.healthy}, nil
}

func (s *scriptedInjector) Restore(context.Context, Experiment) (Recovery, error) {
	s.restores.Add(1)
	return s.recovery, nil
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, injector Injector) *Engine {
	t.Helper()
	bus := fabric.NewBus()
	t.Cleanup(bus.Close)
	return NewEngine(testEngineConfig(), bus, injector, nil, nil, zaptest.NewLogger(t))
}

func TestResilienceScore(t *testing.T) {
	healthy := Observation{Healthy: true}
	sick := Observation{Healthy: false}

	cases := []struct {
		name         string
		observations []Observation
		recovery     time.Duration
		duration     time.Duration
		integrity    bool
		want         float64
	}{
		{
			name:         "perfect run",
			observations: []Observation{healthy, healthy, healthy, healthy},
			recovery:     0,
			duration:     time.Second,
			integrity:    true,
			want:         1.0,
		},
		{
			name:         "recovery equal to duration halves recovery score",
			observations: []Observation{healthy, healthy},
			recovery:     time.Second,
			duration:     time.Second,
			integrity:    true,
			want:         0.4*0.5 + 0.4*1.0 + 0.2,
		},
		{
			name:         "recovery beyond twice the duration floors at zero",
			observations: []Observation{healthy},
			recovery:     5 * time.Second,
			duration:     time.Second,
			integrity:    true,
			want:         0.4*0 + 0.4*1.0 + 0.2,
		},
		{
			name:         "half healthy observations",
			observations: []Observation{healthy, sick, healthy, sick},
			recovery:     0,
			duration:     time.Second,
			integrity:    true,
			want:         0.4 + 0.4*0.5 + 0.2,
		},
		{
			name:         "integrity loss caps the score",
			observations: []Observation{healthy, healthy},
			recovery:     0,
			duration:     time.Second,
			integrity:    false,
			want:         0.8,
		},
		{
			name:         "no observations",
			observations: nil,
			recovery:     0,
			duration:     time.Second,
			integrity:    true,
			want:         0.4 + 0.2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResilienceScore(tc.observations, tc.recovery, tc.duration, tc.integrity)
			assert.InDelta(t, tc.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestCreateExperimentValidation(t *testing.T) {
	engine := newTestEngine(t, NewSimulatedInjector())

	_, err := engine.CreateExperiment("bogus", FaultType("cosmic_rays"), "storage", nil, time.Second)
	assert.ErrorIs(t, err, ErrUnknownFaultType)

	_, err = engine.CreateExperiment("no window", FaultLatencyInjection, "storage", nil, 0)
	assert.Error(t, err)
}

func TestRunExperimentCompletes(t *testing.T) {
	engine := newTestEngine(t, NewSimulatedInjector())

	exp, err := engine.CreateExperiment("latency probe", FaultLatencyInjection, "api-gateway", map[string]string{"delay": "200ms"}, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, exp.Status)

	done, err := engine.RunExperiment(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.False(t, done.EndTime.IsZero())
	require.NotNil(t, done.Result)
	assert.NotEmpty(t, done.Result.Observations)
	assert.True(t, done.Result.DataIntegrity)
	assert.NotEmpty(t, done.Result.Lessons)
	assert.GreaterOrEqual(t, done.Result.ResilienceScore, 0.0)
	assert.LessOrEqual(t, done.Result.ResilienceScore, 1.0)
}

func TestRunRequiresPlannedState(t *testing.T) {
	engine := newTestEngine(t, NewSimulatedInjector())

	exp, err := engine.CreateExperiment("one shot", FaultClockSkew, "scheduler", nil, 30*time.Millisecond)
	require.NoError(t, err)

	_, err = engine.RunExperiment(context.Background(), exp.ID)
	require.NoError(t, err)

	_, err = engine.RunExperiment(context.Background(), exp.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = engine.AbortExperiment(exp.ID)
	assert.ErrorIs(t, err, ErrInvalidState, "terminal experiments cannot be aborted")
}

func TestRunUnknownExperiment(t *testing.T) {
	engine := newTestEngine(t, NewSimulatedInjector())
	_, err := engine.RunExperiment(context.Background(), [16]byte{1})
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}

func TestAbortRestoresExactlyOnce(t *testing.T) {
	injector := &scriptedInjector{healthy: true, recovery: Recovery{DataIntegrity: true}}
	engine := newTestEngine(t, injector)

	exp, err := engine.CreateExperiment("long haul", FaultNetworkPartition, "message-bus", nil, 10*time.Second)
	require.NoError(t, err)

	finished := make(chan Experiment, 1)
	go func() {
		snapshot, _ := engine.RunExperiment(context.Background(), exp.ID)
		finished <- snapshot
	}()

	require.Eventually(t, func() bool {
		current, err := engine.Experiment(exp.ID)
		return err == nil && current.Status == StatusRunning
	}, time.Second, time.Millisecond)

	aborted, err := engine.AbortExperiment(exp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, aborted.Status)
	assert.False(t, aborted.EndTime.IsZero())
	assert.Nil(t, aborted.Result)

	select {
	case snapshot := <-finished:
		assert.Equal(t, StatusAborted, snapshot.Status)
	case <-time.After(time.Second):
		t.Fatal("run did not return after abort")
	}

	assert.Equal(t, int32(1), injector.restores.Load(), "restoration must run exactly once")
}

func TestInjectFailureStillRestores(t *testing.T) {
	injector := &scriptedInjector{injectErr: errors.New("target unreachable")}
	engine := newTestEngine(t, injector)

	exp, err := engine.CreateExperiment("doomed", FaultProcessCrash, "scheduler", nil, 50*time.Millisecond)
	require.NoError(t, err)

	done, err := engine.RunExperiment(context.Background(), exp.ID)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Nil(t, done.Result)
	assert.Equal(t, int32(1), injector.restores.Load())
}

func TestIntegrityLossCapsResilience(t *testing.T) {
	engine := newTestEngine(t, NewSimulatedInjector())

	exp, err := engine.CreateExperiment("disk squeeze", FaultDiskPressure, "storage", nil, 60*time.Millisecond)
	require.NoError(t, err)

	done, err := engine.RunExperiment(context.Background(), exp.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Result)
	assert.False(t, done.Result.DataIntegrity)
	assert.LessOrEqual(t, done.Result.ResilienceScore, 0.8)
}

func TestLowResilienceOpensRemediationProposal(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := fabric.NewBus()
	t.Cleanup(bus.Close)
	cm := consensus.NewManager(consensus.Config{VoteTTL: time.Minute}, bus, log)
	t.Cleanup(cm.Close)
	for _, id := range []string{"voter-a", "voter-b", "voter-c"} {
		cm.RegisterParticipant(id)
	}

	// Never healthy, slow recovery, integrity lost: score well below the floor.
	injector := &scriptedInjector{healthy: false, recovery: Recovery{Time: time.Hour}}
	engine := NewEngine(testEngineConfig(), bus, injector, cm, nil, log)

	exp, err := engine.CreateExperiment("meltdown", FaultResourceExhaustion, "storage", nil, 50*time.Millisecond)
	require.NoError(t, err)

	done, err := engine.RunExperiment(context.Background(), exp.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Result)
	require.Less(t, done.Result.ResilienceScore, engine.cfg.ResilienceFloor)

	proposals := cm.ActiveProposals()
	require.Len(t, proposals, 1)
	assert.Equal(t, consensus.ProposalChaosRemediation, proposals[0].Type)
	assert.Contains(t, string(proposals[0].Data), "resilienceScore")
	assert.Contains(t, string(proposals[0].Data), done.ID.String())
}

func TestAbortAllStopsRunningExperiments(t *testing.T) {
	injector := &scriptedInjector{healthy: true, recovery: Recovery{DataIntegrity: true}}
	engine := newTestEngine(t, injector)

	ids := make([]Experiment, 0, 2)
	for _, target := range []string{"api-gateway", "scheduler"} {
		exp, err := engine.CreateExperiment("shutdown drill", FaultLatencyInjection, target, nil, 10*time.Second)
		require.NoError(t, err)
		ids = append(ids, exp)
		go func() { _, _ = engine.RunExperiment(context.Background(), exp.ID) }()
	}

	require.Eventually(t, func() bool {
		stats := engine.Stats()
		return stats.ByStatus[StatusRunning] == 2
	}, time.Second, time.Millisecond)

	engine.AbortAll()

	require.Eventually(t, func() bool {
		stats := engine.Stats()
		return stats.ByStatus[StatusAborted] == 2
	}, time.Second, time.Millisecond)

	for _, exp := range ids {
		current, err := engine.Experiment(exp.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, current.Status)
	}
}

func TestRunCommandArrivesOverBus(t *testing.T) {
	bus := fabric.NewBus()
	t.Cleanup(bus.Close)
	engine := NewEngine(testEngineConfig(), bus, NewSimulatedInjector(), nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	exp, err := engine.CreateExperiment("bus driven", FaultClockSkew, "scheduler", nil, 40*time.Millisecond)
	require.NoError(t, err)

	bus.Publish(fabric.TopicChaosExperiments, "operator", Command{Action: CommandRun, ExperimentID: exp.ID})

	require.Eventually(t, func() bool {
		current, err := engine.Experiment(exp.ID)
		return err == nil && current.Status == StatusCompleted
	}, time.Second, time.Millisecond)

	done, err := engine.Experiment(exp.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Result)
	assert.NotEmpty(t, done.Result.Observations)
}

func TestAbortCommandArrivesOverBus(t *testing.T) {
	injector := &scriptedInjector{healthy: true, recovery: Recovery{DataIntegrity: true}}
	bus := fabric.NewBus()
	t.Cleanup(bus.Close)
	engine := NewEngine(testEngineConfig(), bus, injector, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	exp, err := engine.CreateExperiment("bus aborted", FaultNetworkPartition, "message-bus", nil, 10*time.Second)
	require.NoError(t, err)

	bus.Publish(fabric.TopicChaosExperiments, "operator", Command{Action: CommandRun, ExperimentID: exp.ID})
	require.Eventually(t, func() bool {
		current, err := engine.Experiment(exp.ID)
		return err == nil && current.Status == StatusRunning
	}, time.Second, time.Millisecond)

	bus.Publish(fabric.TopicChaosExperiments, "operator", Command{Action: CommandAbort, ExperimentID: exp.ID})
	require.Eventually(t, func() bool {
		current, err := engine.Experiment(exp.ID)
		return err == nil && current.Status == StatusAborted
	}, time.Second, time.Millisecond)

	assert.Equal(t, int32(1), injector.restores.Load())
}

func TestAdoptRejectsNonPlannedAndDuplicates(t *testing.T) {
	engine := newTestEngine(t, NewSimulatedInjector())

	exp, err := engine.CreateExperiment("original", FaultProcessCrash, "scheduler", nil, time.Second)
	require.NoError(t, err)

	err = engine.Adopt(exp)
	assert.ErrorIs(t, err, ErrInvalidState, "id already tracked")

	exp.ID = [16]byte{9}
	exp.Status = StatusRunning
	err = engine.Adopt(exp)
	assert.ErrorIs(t, err, ErrInvalidState, "only planned experiments adopt")
}

func TestCompletedExperimentPersisted(t *testing.T) {
	hist, err := store.NewHistoryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	bus := fabric.NewBus()
	t.Cleanup(bus.Close)
	engine := NewEngine(testEngineConfig(), bus, NewSimulatedInjector(), nil, hist, zaptest.NewLogger(t))

	exp, err := engine.CreateExperiment("persisted", FaultClockSkew, "scheduler", nil, 40*time.Millisecond)
	require.NoError(t, err)
	_, err = engine.RunExperiment(context.Background(), exp.ID)
	require.NoError(t, err)

	records, err := hist.ListExperiments(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, exp.ID.String(), records[0].ID)
	assert.Equal(t, string(StatusCompleted), records[0].Status)
	assert.NotEmpty(t, records[0].Detail)
}

func TestSimulatedInjectorDeterministic(t *testing.T) {
	injector := NewSimulatedInjector()
	exp := Experiment{ID: [16]byte{7}, Type: FaultLatencyInjection, Duration: time.Second}

	require.NoError(t, injector.Inject(context.Background(), exp))

	healthy := 0
	for i := 0; i < 8; i++ {
		obs, err := injector.Observe(context.Background(), exp)
		require.NoError(t, err)
		if obs.Healthy {
			healthy++
		}
	}
	// latency profile: every 4th sample unhealthy
	assert.Equal(t, 6, healthy)

	recovery, err := injector.Restore(context.Background(), exp)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, recovery.Time)
	assert.True(t, recovery.DataIntegrity)
}
