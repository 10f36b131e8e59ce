package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evoforge/internal/fabric"
	"evoforge/internal/metrics"
)

const source = "consensus-manager"

// Config holds manager settings.
type Config struct {
	// VoteTTL is how long a proposal stays open before it is dropped.
	VoteTTL time.Duration
}

// DefaultConfig returns the standard 30 second voting window.
func DefaultConfig() Config {
	return Config{VoteTTL: 30 * time.Second}
}

// proposalState is the per-proposal state machine. Each proposal carries its
// own lock so voting on one proposal never serializes with another.
type proposalState struct {
	mu       sync.Mutex
	proposal Proposal
	votes    map[string]Vote
	order    []string // voter ids in first-vote arrival order
	timer    *time.Timer
	resolved bool
}

// Manager runs independent proposal state machines over a shared voter
// registry. Resolution per proposal is atomic: quorum check, result
// computation, and removal happen under the proposal's own lock.
type Manager struct {
	cfg Config
	log *zap.Logger
	bus *fabric.Bus

	mu       sync.RWMutex
	registry map[string]struct{}
	active   map[uuid.UUID]*proposalState

	histMu  sync.RWMutex
	history []Result
	results map[uuid.UUID]Result

	expired atomic.Uint64
}

// NewManager creates a manager publishing on bus. The logger must not be nil.
func NewManager(cfg Config, bus *fabric.Bus, log *zap.Logger) *Manager {
	if cfg.VoteTTL <= 0 {
		cfg.VoteTTL = DefaultConfig().VoteTTL
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		registry: make(map[string]struct{}),
		active:   make(map[uuid.UUID]*proposalState),
		results:  make(map[uuid.UUID]Result),
	}
}

// RegisterParticipant adds id to the voter registry. Idempotent.
func (m *Manager) RegisterParticipant(id string) {
	m.mu.Lock()
	_, known := m.registry[id]
	m.registry[id] = struct{}{}
	m.mu.Unlock()
	if !known {
		m.log.Info("participant registered", zap.String("voter", id))
	}
}

// VoteTTL returns the voting window applied to every proposal.
func (m *Manager) VoteTTL() time.Duration {
	return m.cfg.VoteTTL
}

// Participants returns the number of registered voters.
func (m *Manager) Participants() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry)
}

// Propose opens a new proposal and starts its TTL timer. The returned id
// resolves asynchronously: subscribe to fabric.TopicConsensusResults, or
// treat absence after the TTL as a decision not to act.
func (m *Manager) Propose(pt ProposalType, proposer string, data json.RawMessage, requiredVotes int) (uuid.UUID, error) {
	if requiredVotes < 1 {
		return uuid.Nil, fmt.Errorf("%w: got %d", ErrInvalidQuorum, requiredVotes)
	}

	proposal := Proposal{
		ID:            uuid.New(),
		Type:          pt,
		Proposer:      proposer,
		Data:          data,
		RequiredVotes: requiredVotes,
		CreatedAt:     time.Now(),
		TTL:           m.cfg.VoteTTL,
	}
	ps := &proposalState{
		proposal: proposal,
		votes:    make(map[string]Vote),
	}

	m.mu.Lock()
	if requiredVotes > len(m.registry) {
		registered := len(m.registry)
		m.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: need %d votes, %d registered",
			ErrInsufficientParticipants, requiredVotes, registered)
	}
	m.active[proposal.ID] = ps
	ps.timer = time.AfterFunc(m.cfg.VoteTTL, func() { m.expire(proposal.ID, ps) })
	m.mu.Unlock()

	m.log.Info("proposal opened",
		zap.Stringer("proposal", proposal.ID),
		zap.String("type", string(pt)),
		zap.String("proposer", proposer),
		zap.Int("requiredVotes", requiredVotes))
	m.bus.Publish(fabric.TopicConsensusProposals, source, proposal)

	return proposal.ID, nil
}

// Vote upserts voterID's decision on a proposal and resolves it once the
// vote count reaches the required quorum.
func (m *Manager) Vote(proposalID uuid.UUID, voterID string, decision Decision, confidence float64, reasoning string) error {
	m.mu.RLock()
	_, registered := m.registry[voterID]
	ps := m.active[proposalID]
	m.mu.RUnlock()

	if ps == nil {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if !registered {
		return fmt.Errorf("%w: %s", ErrVoterNotRegistered, voterID)
	}

	vote := Vote{
		ProposalID: proposalID,
		VoterID:    voterID,
		Decision:   decision,
		Confidence: confidence,
		Reasoning:  reasoning,
		Timestamp:  time.Now(),
	}

	ps.mu.Lock()
	if ps.resolved {
		ps.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if _, seen := ps.votes[voterID]; !seen {
		ps.order = append(ps.order, voterID)
	}
	ps.votes[voterID] = vote
	metrics.ObserveVoteRecorded()

	if len(ps.votes) < ps.proposal.RequiredVotes {
		ps.mu.Unlock()
		return nil
	}

	result := tally(ps)
	ps.resolved = true
	ps.timer.Stop()
	ps.mu.Unlock()

	m.finalize(proposalID, result)
	return nil
}

// tally computes the result for a proposal. Caller holds ps.mu.
func tally(ps *proposalState) Result {
	counts := map[Decision]int{
		DecisionApprove: 0,
		DecisionReject:  0,
		DecisionAbstain: 0,
	}
	total := 0.0
	for _, vote := range ps.votes {
		counts[vote.Decision]++
		total += vote.Confidence
	}

	decision := DecisionAbstain
	switch {
	case counts[DecisionApprove] > counts[DecisionReject]:
		decision = DecisionApprove
	case counts[DecisionReject] > counts[DecisionApprove]:
		decision = DecisionReject
	}

	participants := make([]string, len(ps.order))
	copy(participants, ps.order)

	return Result{
		ProposalID:   ps.proposal.ID,
		Type:         ps.proposal.Type,
		Decision:     decision,
		VoteCounts:   counts,
		Confidence:   total / float64(len(ps.votes)),
		Participants: participants,
		ResolvedAt:   time.Now(),
	}
}

// finalize removes a resolved proposal, records its result, and publishes it.
func (m *Manager) finalize(proposalID uuid.UUID, result Result) {
	m.mu.Lock()
	delete(m.active, proposalID)
	m.mu.Unlock()

	m.histMu.Lock()
	m.history = append(m.history, result)
	m.results[proposalID] = result
	m.histMu.Unlock()

	m.log.Info("consensus reached",
		zap.Stringer("proposal", proposalID),
		zap.String("decision", string(result.Decision)),
		zap.Float64("confidence", result.Confidence),
		zap.Int("votes", len(result.Participants)))
	metrics.ObserveProposalResolved(string(result.Decision))
	m.bus.Publish(fabric.TopicConsensusResults, source, result)
}

// expire drops a proposal whose voting window closed without quorum. No
// result is recorded; the starvation is observable via the log and counter.
func (m *Manager) expire(proposalID uuid.UUID, ps *proposalState) {
	ps.mu.Lock()
	if ps.resolved {
		ps.mu.Unlock()
		return
	}
	ps.resolved = true
	votes := len(ps.votes)
	required := ps.proposal.RequiredVotes
	ps.mu.Unlock()

	m.mu.Lock()
	delete(m.active, proposalID)
	m.mu.Unlock()

	m.expired.Add(1)
	metrics.ObserveProposalExpired()
	m.log.Warn("proposal expired without quorum",
		zap.Stringer("proposal", proposalID),
		zap.Int("votes", votes),
		zap.Int("required", required))
}

// GetResult returns the recorded result for a resolved proposal.
func (m *Manager) GetResult(proposalID uuid.UUID) (Result, bool) {
	m.histMu.RLock()
	defer m.histMu.RUnlock()
	result, ok := m.results[proposalID]
	return result, ok
}

// History returns all recorded results in resolution order.
func (m *Manager) History() []Result {
	m.histMu.RLock()
	defer m.histMu.RUnlock()
	out := make([]Result, len(m.history))
	copy(out, m.history)
	return out
}

// ActiveProposals returns snapshots of the currently open proposals.
func (m *Manager) ActiveProposals() []Proposal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Proposal, 0, len(m.active))
	for _, ps := range m.active {
		out = append(out, ps.proposal)
	}
	return out
}

// Stats summarizes manager activity.
type Stats struct {
	Participants int
	Active       int
	Resolved     int
	Expired      uint64
	ByDecision   map[Decision]int
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	participants := len(m.registry)
	active := len(m.active)
	m.mu.RUnlock()

	byDecision := map[Decision]int{}
	m.histMu.RLock()
	resolved := len(m.history)
	for _, result := range m.history {
		byDecision[result.Decision]++
	}
	m.histMu.RUnlock()

	return Stats{
		Participants: participants,
		Active:       active,
		Resolved:     resolved,
		Expired:      m.expired.Load(),
		ByDecision:   byDecision,
	}
}

// Start consumes vote messages from fabric.TopicConsensusVotes until ctx is
// cancelled, funneling them into the same upsert path as Vote.
func (m *Manager) Start(ctx context.Context) {
	ch := m.bus.Subscribe(fabric.TopicConsensusVotes)
	go func() {
		defer m.bus.Unsubscribe(fabric.TopicConsensusVotes, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				msg, ok := event.Payload.(VoteMessage)
				if !ok {
					m.log.Warn("discarding malformed vote event",
						zap.String("source", event.Source))
					continue
				}
				if err := m.Vote(msg.ProposalID, msg.VoterID, msg.Decision, msg.Confidence, msg.Reasoning); err != nil {
					m.log.Debug("vote rejected",
						zap.Stringer("proposal", msg.ProposalID),
						zap.String("voter", msg.VoterID),
						zap.Error(err))
				}
			}
		}
	}()
}

// Close cancels the TTL timers of all open proposals and drops them. Meant
// for daemon shutdown; expired counters are not incremented.
func (m *Manager) Close() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[uuid.UUID]*proposalState)
	m.mu.Unlock()

	for id, ps := range active {
		ps.mu.Lock()
		if !ps.resolved {
			ps.resolved = true
			ps.timer.Stop()
			m.log.Info("proposal dropped at shutdown", zap.Stringer("proposal", id))
		}
		ps.mu.Unlock()
	}
}
