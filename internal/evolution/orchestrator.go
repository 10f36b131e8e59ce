package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evoforge/internal/consensus"
	"evoforge/internal/fabric"
	"evoforge/internal/metrics"
	"evoforge/internal/sandbox"
	"evoforge/internal/store"
)

const source = "evolution-orchestrator"

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Config holds orchestrator settings.
type Config struct {
	// MutationsPerCycle is how many candidates each cycle generates.
	MutationsPerCycle int
	// MaxSelected caps how many candidates per cycle go to consensus.
	MaxSelected int
	// FitnessThreshold is the minimum fitness for a candidate to survive
	// evaluation. Below it a mutation is rejected outright.
	FitnessThreshold float64
	// CycleInterval is the pause between cycles.
	CycleInterval time.Duration
	// QuorumSize is the vote count required on each proposal.
	QuorumSize int
	// ProposerID identifies this orchestrator on proposals it opens.
	ProposerID string
}

// DefaultConfig returns the standard loop settings.
func DefaultConfig() Config {
	return Config{
		MutationsPerCycle: 4,
		MaxSelected:       2,
		FitnessThreshold:  0.8,
		CycleInterval:     30 * time.Second,
		QuorumSize:        3,
		ProposerID:        source,
	}
}

// pendingProposal ties an open consensus proposal back to its mutation and
// the cycle that produced it.
type pendingProposal struct {
	mutationID uuid.UUID
	cycleIndex int
	openedAt   time.Time
}

// proposalPayload is the JSON body attached to a mutation proposal. The
// fitnessScore field is what registered auto-voters evaluate.
type proposalPayload struct {
	MutationID   uuid.UUID `json:"mutationId"`
	Category     Category  `json:"category"`
	Target       string    `json:"target"`
	Description  string    `json:"description"`
	FitnessScore float64   `json:"fitnessScore"`
}

// Orchestrator runs the evolution loop. One loop goroutine executes cycles;
// a second consumes consensus results and settles pending proposals.
type Orchestrator struct {
	cfg  Config
	log  *zap.Logger
	bus  *fabric.Bus
	cm   *consensus.Manager
	eval *sandbox.Evaluator
	gen  *Generator
	hist *store.HistoryStore // optional, nil disables persistence

	mu        sync.RWMutex
	state     State
	mutations map[uuid.UUID]*Mutation
	pending   map[uuid.UUID]pendingProposal
	cycles    []Cycle
	cancel    context.CancelFunc

	loopDone    chan struct{}
	resultsDone chan struct{}
}

// NewOrchestrator wires the loop to its collaborators. hist may be nil.
func NewOrchestrator(cfg Config, bus *fabric.Bus, cm *consensus.Manager, eval *sandbox.Evaluator, hist *store.HistoryStore, log *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MutationsPerCycle <= 0 {
		cfg.MutationsPerCycle = def.MutationsPerCycle
	}
	if cfg.MaxSelected <= 0 {
		cfg.MaxSelected = def.MaxSelected
	}
	if cfg.FitnessThreshold <= 0 {
		cfg.FitnessThreshold = def.FitnessThreshold
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.QuorumSize <= 0 {
		cfg.QuorumSize = def.QuorumSize
	}
	if cfg.ProposerID == "" {
		cfg.ProposerID = def.ProposerID
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		cm:        cm,
		eval:      eval,
		gen:       NewGenerator(),
		hist:      hist,
		state:     StateIdle,
		mutations: make(map[uuid.UUID]*Mutation),
		pending:   make(map[uuid.UUID]pendingProposal),
	}
}

// Start launches the evolution loop and the result watcher. Returns
// ErrAlreadyRunning if the loop is active.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.state = StateRunning
	o.cancel = cancel
	o.loopDone = make(chan struct{})
	o.resultsDone = make(chan struct{})
	o.mu.Unlock()

	results := o.bus.Subscribe(fabric.TopicConsensusResults)
	go o.watchResults(runCtx, results)
	go o.runLoop(runCtx)

	o.log.Info("evolution loop started",
		zap.Int("mutationsPerCycle", o.cfg.MutationsPerCycle),
		zap.Float64("fitnessThreshold", o.cfg.FitnessThreshold),
		zap.Duration("cycleInterval", o.cfg.CycleInterval))
	return nil
}

// Stop signals the loop to finish its current cycle and waits for both
// goroutines to exit. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	cancel := o.cancel
	loopDone, resultsDone := o.loopDone, o.resultsDone
	o.mu.Unlock()

	cancel()
	<-loopDone
	<-resultsDone
	o.log.Info("evolution loop stopped")
}

// State returns the orchestrator lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	defer close(o.loopDone)
	for {
		o.runCycle(ctx)
		o.sweepPending(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.CycleInterval):
		}
	}
}

// sweepPending drops pending proposals whose voting window has passed
// without a result. The proposal expired on the consensus side; the
// mutation is rejected here so the pending set stays bounded.
func (o *Orchestrator) sweepPending(now time.Time) {
	grace := o.cm.VoteTTL() + time.Second

	o.mu.Lock()
	var stale []*Mutation
	for proposalID, ref := range o.pending {
		if now.Sub(ref.openedAt) < grace {
			continue
		}
		delete(o.pending, proposalID)
		if m := o.mutations[ref.mutationID]; m != nil {
			stale = append(stale, m)
		}
		o.log.Warn("proposal starved without resolution",
			zap.Stringer("proposal", proposalID),
			zap.Stringer("mutation", ref.mutationID))
	}
	o.mu.Unlock()

	for _, m := range stale {
		o.setStatus(m, StatusRejected)
		o.persistMutation(m)
	}
}

// runCycle executes one generate→evaluate→select→propose iteration. The
// cycle record is always finalized, even when ctx is cancelled midway.
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.mu.Lock()
	index := len(o.cycles)
	o.cycles = append(o.cycles, Cycle{
		Number:    index + 1,
		StartTime: time.Now(),
		Status:    CycleRunning,
	})
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.cycles[index].EndTime = time.Now()
		o.cycles[index].Status = CycleCompleted
		o.mu.Unlock()
		metrics.ObserveCycleCompleted()
	}()

	candidates := o.gen.Generate(o.cfg.MutationsPerCycle)
	o.mu.Lock()
	o.cycles[index].Generated = len(candidates)
	for _, m := range candidates {
		o.mutations[m.ID] = m
	}
	o.mu.Unlock()
	for _, m := range candidates {
		o.bus.Publish(fabric.TopicEvolutionMutations, source, *m)
	}
	o.log.Info("cycle generated candidates",
		zap.Int("cycle", index+1),
		zap.Int("count", len(candidates)))

	survivors := make([]*Mutation, 0, len(candidates))
	for _, m := range candidates {
		if ctx.Err() != nil {
			return
		}
		o.setStatus(m, StatusTesting)

		results, err := o.eval.Evaluate(ctx, m.Code)
		if err != nil {
			o.log.Warn("evaluation failed",
				zap.Stringer("mutation", m.ID),
				zap.Error(err))
			o.setStatus(m, StatusRejected)
			o.persistMutation(m)
			continue
		}

		fitness := sandbox.Fitness(results)
		o.mu.Lock()
		m.Results = results
		m.FitnessScore = fitness
		o.mu.Unlock()

		if fitness >= o.cfg.FitnessThreshold {
			o.setStatus(m, StatusApproved)
			survivors = append(survivors, m)
		} else {
			o.setStatus(m, StatusRejected)
		}
		o.persistMutation(m)
		o.log.Debug("candidate evaluated",
			zap.Stringer("mutation", m.ID),
			zap.String("category", string(m.Category)),
			zap.Float64("fitness", fitness),
			zap.String("status", string(m.Status)))
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].FitnessScore > survivors[j].FitnessScore
	})
	if len(survivors) > o.cfg.MaxSelected {
		survivors = survivors[:o.cfg.MaxSelected]
	}
	for _, m := range survivors {
		if ctx.Err() != nil {
			return
		}
		o.propose(m, index)
	}
}

// propose opens a consensus proposal for an approved mutation.
func (o *Orchestrator) propose(m *Mutation, cycleIndex int) {
	payload, err := json.Marshal(proposalPayload{
		MutationID:   m.ID,
		Category:     m.Category,
		Target:       m.Target,
		Description:  m.Description,
		FitnessScore: m.FitnessScore,
	})
	if err != nil {
		o.log.Error("marshal proposal payload", zap.Error(err))
		return
	}

	proposalID, err := o.cm.Propose(consensus.ProposalSystemMutation, o.cfg.ProposerID, payload, o.cfg.QuorumSize)
	if err != nil {
		o.log.Warn("proposal not opened",
			zap.Stringer("mutation", m.ID),
			zap.Error(err))
		return
	}

	o.mu.Lock()
	o.pending[proposalID] = pendingProposal{mutationID: m.ID, cycleIndex: cycleIndex, openedAt: time.Now()}
	o.cycles[cycleIndex].Proposed = append(o.cycles[cycleIndex].Proposed, m.ID)
	o.mu.Unlock()
	o.log.Info("mutation proposed",
		zap.Stringer("mutation", m.ID),
		zap.Stringer("proposal", proposalID),
		zap.Float64("fitness", m.FitnessScore))
}

func (o *Orchestrator) watchResults(ctx context.Context, ch <-chan fabric.Event) {
	defer close(o.resultsDone)
	defer o.bus.Unsubscribe(fabric.TopicConsensusResults, ch)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			result, ok := event.Payload.(consensus.Result)
			if !ok {
				continue
			}
			o.handleResult(result)
		}
	}
}

// handleResult settles a pending proposal: Approve deploys the mutation,
// anything else rejects it. Results for proposals this orchestrator did not
// open are ignored.
func (o *Orchestrator) handleResult(result consensus.Result) {
	o.mu.Lock()
	ref, ok := o.pending[result.ProposalID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.pending, result.ProposalID)
	m := o.mutations[ref.mutationID]
	o.mu.Unlock()
	if m == nil {
		return
	}

	if result.Decision == consensus.DecisionApprove {
		o.setStatus(m, StatusDeployed)
		o.mu.Lock()
		o.cycles[ref.cycleIndex].Deployed = append(o.cycles[ref.cycleIndex].Deployed, m.ID)
		o.cycles[ref.cycleIndex].Improvements = append(o.cycles[ref.cycleIndex].Improvements,
			fmt.Sprintf("%s: %s", m.Target, m.Description))
		o.mu.Unlock()
		metrics.ObserveMutationDeployed()
		o.bus.Publish(fabric.TopicEvolutionDeployed, source, DeployedNotice{
			MutationID: m.ID,
			Timestamp:  time.Now(),
		})
		o.log.Info("mutation deployed",
			zap.Stringer("mutation", m.ID),
			zap.Float64("confidence", result.Confidence))
	} else {
		o.setStatus(m, StatusRejected)
		o.log.Info("mutation rejected by consensus",
			zap.Stringer("mutation", m.ID),
			zap.String("decision", string(result.Decision)))
	}
	o.persistMutation(m)
}

// setStatus updates the mutation status and publishes a snapshot.
func (o *Orchestrator) setStatus(m *Mutation, status Status) {
	o.mu.Lock()
	m.Status = status
	snapshot := *m
	o.mu.Unlock()
	o.bus.Publish(fabric.TopicEvolutionMutations, source, snapshot)
}

func (o *Orchestrator) persistMutation(m *Mutation) {
	if o.hist == nil {
		return
	}
	o.mu.RLock()
	record := store.MutationRecord{
		ID:          m.ID.String(),
		Category:    string(m.Category),
		Target:      m.Target,
		Description: m.Description,
		Fitness:     m.FitnessScore,
		Status:      string(m.Status),
		GeneratedAt: m.GeneratedAt,
		UpdatedAt:   time.Now(),
	}
	if len(m.Results) > 0 {
		if detail, err := json.Marshal(m.Results); err == nil {
			record.Detail = detail
		}
	}
	o.mu.RUnlock()
	if err := o.hist.SaveMutation(record); err != nil {
		o.log.Warn("persist mutation", zap.Stringer("mutation", m.ID), zap.Error(err))
	}
}

// Mutation returns a snapshot of a tracked mutation.
func (o *Orchestrator) Mutation(id uuid.UUID) (Mutation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.mutations[id]
	if !ok {
		return Mutation{}, false
	}
	return *m, true
}

// Cycles returns copies of all cycle records in order.
func (o *Orchestrator) Cycles() []Cycle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Cycle, len(o.cycles))
	copy(out, o.cycles)
	return out
}

// OrchestratorStats summarizes loop activity.
type OrchestratorStats struct {
	State     State
	Cycles    int
	Mutations int
	Pending   int
	Deployed  int
}

// Stats returns a snapshot of loop counters.
func (o *Orchestrator) Stats() OrchestratorStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	deployed := 0
	for _, m := range o.mutations {
		if m.Status == StatusDeployed {
			deployed++
		}
	}
	return OrchestratorStats{
		State:     o.state,
		Cycles:    len(o.cycles),
		Mutations: len(o.mutations),
		Pending:   len(o.pending),
		Deployed:  deployed,
	}
}
