package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evoforge/internal/consensus"
	"evoforge/internal/fabric"
	"evoforge/internal/metrics"
	"evoforge/internal/store"
)

const source = "chaos-engine"

// Config holds engine settings.
type Config struct {
	// SampleInterval is the spacing between behavior observations while a
	// fault is active.
	SampleInterval time.Duration
	// ResilienceFloor is the score below which a completed experiment
	// triggers a remediation proposal.
	ResilienceFloor float64
	// ProposalQuorum is the vote count required on remediation proposals.
	ProposalQuorum int
	// Targets is the pool RandomExperiment draws from.
	Targets []string
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		SampleInterval:  500 * time.Millisecond,
		ResilienceFloor: 0.5,
		ProposalQuorum:  3,
		Targets:         []string{"api-gateway", "scheduler", "storage", "message-bus"},
	}
}

// experimentState pairs an experiment with its own lock so running one
// never serializes reads or aborts of another.
type experimentState struct {
	mu       sync.Mutex
	exp      Experiment
	abort    chan struct{}
	restored sync.Once
}

// remediationPayload is the JSON body of a chaos_remediation proposal. The
// resilienceScore field is what registered auto-voters evaluate.
type remediationPayload struct {
	ExperimentID    uuid.UUID `json:"experimentId"`
	FaultType       FaultType `json:"faultType"`
	Target          string    `json:"target"`
	ResilienceScore float64   `json:"resilienceScore"`
	Lessons         []string  `json:"lessons,omitempty"`
}

// Engine owns the experiment lifecycle. RunExperiment blocks only its
// caller; the active-experiment map supports concurrent per-id operations.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	bus      *fabric.Bus
	injector Injector
	cm       *consensus.Manager  // optional, nil disables remediation proposals
	hist     *store.HistoryStore // optional, nil disables persistence

	mu          sync.RWMutex
	experiments map[uuid.UUID]*experimentState
	order       []uuid.UUID

	workers sync.WaitGroup
}

// NewEngine wires the engine to its collaborators. cm and hist may be nil.
func NewEngine(cfg Config, bus *fabric.Bus, injector Injector, cm *consensus.Manager, hist *store.HistoryStore, log *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.ResilienceFloor <= 0 {
		cfg.ResilienceFloor = def.ResilienceFloor
	}
	if cfg.ProposalQuorum <= 0 {
		cfg.ProposalQuorum = def.ProposalQuorum
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = def.Targets
	}
	return &Engine{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		injector:    injector,
		cm:          cm,
		hist:        hist,
		experiments: make(map[uuid.UUID]*experimentState),
	}
}

// CreateExperiment stores experiment metadata in Planned state.
func (e *Engine) CreateExperiment(name string, ft FaultType, target string, parameters map[string]string, duration time.Duration) (Experiment, error) {
	exp := Experiment{
		ID:         uuid.New(),
		Name:       name,
		Type:       ft,
		Target:     target,
		Parameters: parameters,
		Duration:   duration,
		Status:     StatusPlanned,
	}
	if err := e.Adopt(exp); err != nil {
		return Experiment{}, err
	}
	return exp, nil
}

// Adopt tracks an externally planned experiment, keeping its id. Only
// Planned experiments can be adopted; ids already tracked are rejected.
func (e *Engine) Adopt(exp Experiment) error {
	if !ValidFaultType(exp.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownFaultType, exp.Type)
	}
	if exp.Duration <= 0 {
		return fmt.Errorf("experiment duration must be positive, got %s", exp.Duration)
	}
	if exp.ID == uuid.Nil {
		return fmt.Errorf("experiment id must be set")
	}
	if exp.Status != StatusPlanned {
		return fmt.Errorf("%w: experiment %s is %s, want %s", ErrInvalidState, exp.ID, exp.Status, StatusPlanned)
	}
	st := &experimentState{exp: exp, abort: make(chan struct{})}

	e.mu.Lock()
	if _, exists := e.experiments[exp.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: experiment %s already tracked", ErrInvalidState, exp.ID)
	}
	e.experiments[exp.ID] = st
	e.order = append(e.order, exp.ID)
	e.mu.Unlock()

	e.log.Info("experiment planned",
		zap.Stringer("experiment", exp.ID),
		zap.String("fault", string(exp.Type)),
		zap.String("target", exp.Target),
		zap.Duration("duration", exp.Duration))
	e.bus.Publish(fabric.TopicChaosExperiments, source, exp)
	return nil
}

// Start consumes Command messages from fabric.TopicChaosExperiments until
// ctx is cancelled. Run commands execute on their own worker so a long
// experiment never blocks a later abort; the engine's own Experiment
// snapshots on the same topic are ignored.
func (e *Engine) Start(ctx context.Context) {
	ch := e.bus.Subscribe(fabric.TopicChaosExperiments)
	go func() {
		defer e.bus.Unsubscribe(fabric.TopicChaosExperiments, ch)
		defer e.workers.Wait()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				command, ok := event.Payload.(Command)
				if !ok {
					continue
				}
				e.dispatch(ctx, command)
			}
		}
	}()
}

func (e *Engine) dispatch(ctx context.Context, command Command) {
	switch command.Action {
	case CommandRun:
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			if _, err := e.RunExperiment(ctx, command.ExperimentID); err != nil {
				e.log.Warn("run command failed",
					zap.Stringer("experiment", command.ExperimentID),
					zap.Error(err))
			}
		}()
	case CommandAbort:
		if _, err := e.AbortExperiment(command.ExperimentID); err != nil {
			e.log.Warn("abort command failed",
				zap.Stringer("experiment", command.ExperimentID),
				zap.Error(err))
		}
	default:
		e.log.Warn("discarding malformed experiment command",
			zap.String("action", string(command.Action)))
	}
}

// RandomExperiment plans an experiment with a random fault type and target
// from the configured pools.
func (e *Engine) RandomExperiment(duration time.Duration) (Experiment, error) {
	catalog := FaultCatalog()
	ft := catalog[rand.Intn(len(catalog))]
	target := e.cfg.Targets[rand.Intn(len(e.cfg.Targets))]
	name := fmt.Sprintf("random-%s-%s", ft, target)
	return e.CreateExperiment(name, ft, target, nil, duration)
}

// RunExperiment executes a Planned experiment: inject, sample behavior for
// the experiment duration, restore, score. Blocks until the experiment
// reaches a terminal state; returns the terminal snapshot.
func (e *Engine) RunExperiment(ctx context.Context, id uuid.UUID) (Experiment, error) {
	st, err := e.state(id)
	if err != nil {
		return Experiment{}, err
	}

	st.mu.Lock()
	if st.exp.Status != StatusPlanned {
		status := st.exp.Status
		st.mu.Unlock()
		return Experiment{}, fmt.Errorf("%w: experiment %s is %s, want %s", ErrInvalidState, id, status, StatusPlanned)
	}
	st.exp.Status = StatusRunning
	st.exp.StartTime = time.Now()
	snapshot := st.exp
	st.mu.Unlock()
	e.bus.Publish(fabric.TopicChaosExperiments, source, snapshot)
	e.log.Info("experiment running",
		zap.Stringer("experiment", id),
		zap.String("fault", string(snapshot.Type)),
		zap.String("target", snapshot.Target))

	var (
		observations []Observation
		runErr       error
	)
	if err := e.injector.Inject(ctx, snapshot); err != nil {
		runErr = fmt.Errorf("inject %s: %w", snapshot.Type, err)
	} else {
		observations, runErr = e.sample(ctx, st, snapshot)
	}

	// Restoration runs on every path, exactly once. AbortExperiment shares
	// the same guard.
	recovery := e.restore(context.WithoutCancel(ctx), st, snapshot)

	return e.finish(st, observations, recovery, runErr)
}

// sample collects observations until the experiment window closes, the
// context is cancelled, or the experiment is aborted.
func (e *Engine) sample(ctx context.Context, st *experimentState, exp Experiment) ([]Observation, error) {
	var observations []Observation
	deadline := time.NewTimer(exp.Duration)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return observations, ctx.Err()
		case <-st.abort:
			return observations, nil
		case <-deadline.C:
			return observations, nil
		case <-ticker.C:
			obs, err := e.injector.Observe(ctx, exp)
			if err != nil {
				return observations, fmt.Errorf("observe %s: %w", exp.Type, err)
			}
			observations = append(observations, obs)
		}
	}
}

// restore executes the restoration step through the experiment's once
// guard and logs it. Returns the zero Recovery when another path already
// restored.
func (e *Engine) restore(ctx context.Context, st *experimentState, exp Experiment) Recovery {
	var recovery Recovery
	st.restored.Do(func() {
		r, err := e.injector.Restore(ctx, exp)
		if err != nil {
			e.log.Error("restoration failed",
				zap.Stringer("experiment", exp.ID),
				zap.Error(err))
			return
		}
		recovery = r
		e.log.Info("fault restored",
			zap.Stringer("experiment", exp.ID),
			zap.Duration("recoveryTime", r.Time))
	})
	return recovery
}

// finish moves the experiment to its terminal state and emits the result.
func (e *Engine) finish(st *experimentState, observations []Observation, recovery Recovery, runErr error) (Experiment, error) {
	st.mu.Lock()
	if st.exp.Status == StatusAborted {
		// Abort already finalized the state; keep it immutable.
		snapshot := st.exp
		st.mu.Unlock()
		return snapshot, nil
	}

	st.exp.EndTime = time.Now()
	if runErr != nil {
		st.exp.Status = StatusFailed
	} else {
		score := ResilienceScore(observations, recovery.Time, st.exp.Duration, recovery.DataIntegrity)
		st.exp.Status = StatusCompleted
		st.exp.Result = &Result{
			Observations:      observations,
			RecoveryTime:      recovery.Time,
			DataIntegrity:     recovery.DataIntegrity,
			PerformanceImpact: recovery.PerformanceImpact,
			ResilienceScore:   score,
			Lessons:           lessons(st.exp.Type, st.exp.Target, score, recovery),
		}
	}
	snapshot := st.exp
	st.mu.Unlock()

	if runErr != nil {
		e.log.Warn("experiment failed",
			zap.Stringer("experiment", snapshot.ID),
			zap.Error(runErr))
	} else {
		e.log.Info("experiment completed",
			zap.Stringer("experiment", snapshot.ID),
			zap.Float64("resilience", snapshot.Result.ResilienceScore),
			zap.Int("observations", len(snapshot.Result.Observations)))
	}

	e.conclude(snapshot)
	if snapshot.Status == StatusCompleted && snapshot.Result.ResilienceScore < e.cfg.ResilienceFloor {
		e.proposeRemediation(snapshot)
	}
	return snapshot, runErr
}

// AbortExperiment stops a Running experiment: restoration is forced and the
// experiment becomes Aborted.
func (e *Engine) AbortExperiment(id uuid.UUID) (Experiment, error) {
	st, err := e.state(id)
	if err != nil {
		return Experiment{}, err
	}

	st.mu.Lock()
	if st.exp.Status != StatusRunning {
		status := st.exp.Status
		st.mu.Unlock()
		return Experiment{}, fmt.Errorf("%w: experiment %s is %s, want %s", ErrInvalidState, id, status, StatusRunning)
	}
	st.exp.Status = StatusAborted
	st.exp.EndTime = time.Now()
	close(st.abort)
	snapshot := st.exp
	st.mu.Unlock()

	e.restore(context.Background(), st, snapshot)
	e.log.Warn("experiment aborted", zap.Stringer("experiment", id))
	e.conclude(snapshot)
	return snapshot, nil
}

// AbortAll aborts every running experiment. Used at daemon shutdown.
func (e *Engine) AbortAll() {
	e.mu.RLock()
	ids := make([]uuid.UUID, len(e.order))
	copy(ids, e.order)
	e.mu.RUnlock()

	for _, id := range ids {
		_, _ = e.AbortExperiment(id)
	}
}

// conclude publishes a terminal snapshot, records metrics, and persists it.
func (e *Engine) conclude(exp Experiment) {
	e.bus.Publish(fabric.TopicChaosExperiments, source, exp)

	resilience := 0.0
	completed := exp.Status == StatusCompleted
	if completed {
		resilience = exp.Result.ResilienceScore
	}
	metrics.ObserveExperimentFinished(string(exp.Status), resilience, completed)

	if e.hist == nil {
		return
	}
	record := store.ExperimentRecord{
		ID:        exp.ID.String(),
		Name:      exp.Name,
		FaultType: string(exp.Type),
		Target:    exp.Target,
		Status:    string(exp.Status),
		StartTime: exp.StartTime,
		EndTime:   exp.EndTime,
	}
	if completed {
		record.Resilience = resilience
		if detail, err := json.Marshal(exp.Result); err == nil {
			record.Detail = detail
		}
	}
	if err := e.hist.SaveExperiment(record); err != nil {
		e.log.Warn("persist experiment", zap.Stringer("experiment", exp.ID), zap.Error(err))
	}
}

// proposeRemediation opens a chaos_remediation proposal carrying the weak
// experiment's result.
func (e *Engine) proposeRemediation(exp Experiment) {
	if e.cm == nil {
		return
	}
	payload, err := json.Marshal(remediationPayload{
		ExperimentID:    exp.ID,
		FaultType:       exp.Type,
		Target:          exp.Target,
		ResilienceScore: exp.Result.ResilienceScore,
		Lessons:         exp.Result.Lessons,
	})
	if err != nil {
		e.log.Error("marshal remediation payload", zap.Error(err))
		return
	}

	proposalID, err := e.cm.Propose(consensus.ProposalChaosRemediation, source, payload, e.cfg.ProposalQuorum)
	if err != nil {
		e.log.Warn("remediation proposal not opened",
			zap.Stringer("experiment", exp.ID),
			zap.Error(err))
		return
	}
	e.log.Info("remediation proposed",
		zap.Stringer("experiment", exp.ID),
		zap.Stringer("proposal", proposalID),
		zap.Float64("resilience", exp.Result.ResilienceScore))
}

func lessons(ft FaultType, target string, score float64, recovery Recovery) []string {
	out := []string{
		fmt.Sprintf("%s tolerated %s with resilience %.2f", target, ft, score),
	}
	if !recovery.DataIntegrity {
		out = append(out, fmt.Sprintf("%s lost data integrity under %s", target, ft))
	}
	if recovery.Time > 0 {
		out = append(out, fmt.Sprintf("recovery took %s", recovery.Time))
	}
	return out
}

func (e *Engine) state(id uuid.UUID) (*experimentState, error) {
	e.mu.RLock()
	st := e.experiments[id]
	e.mu.RUnlock()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	return st, nil
}

// Experiment returns a snapshot of a tracked experiment.
func (e *Engine) Experiment(id uuid.UUID) (Experiment, error) {
	st, err := e.state(id)
	if err != nil {
		return Experiment{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exp, nil
}

// List returns snapshots of all experiments in creation order.
func (e *Engine) List() []Experiment {
	e.mu.RLock()
	ids := make([]uuid.UUID, len(e.order))
	copy(ids, e.order)
	e.mu.RUnlock()

	out := make([]Experiment, 0, len(ids))
	for _, id := range ids {
		if exp, err := e.Experiment(id); err == nil {
			out = append(out, exp)
		}
	}
	return out
}

// EngineStats summarizes engine activity.
type EngineStats struct {
	Created  int
	ByStatus map[Status]int
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() EngineStats {
	experiments := e.List()
	byStatus := map[Status]int{}
	for _, exp := range experiments {
		byStatus[exp.Status]++
	}
	return EngineStats{Created: len(experiments), ByStatus: byStatus}
}
