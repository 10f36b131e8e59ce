package consensus

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"evoforge/internal/fabric"
)

// Participant is an autonomous voter. It watches the proposals topic and
// publishes a vote for every proposal it can evaluate, so the daemon always
// has an electorate even with no human operators attached.
//
// Voting policy by proposal type:
//   - system_mutation: approve when the payload's fitnessScore meets the
//     participant's threshold, reject when below, abstain when absent.
//   - chaos_remediation: approve when the payload's resilienceScore is below
//     the threshold (remediation is warranted), abstain otherwise.
//   - health_check: approve while healthy, abstain when degraded.
//   - config_change: approve.
//   - anything else: abstain.
type Participant struct {
	id  string
	bus *fabric.Bus
	log *zap.Logger

	// MutationThreshold is the minimum fitness this voter approves.
	MutationThreshold float64

	mu     sync.RWMutex
	health float64
}

// NewParticipant creates a healthy participant with the default 0.8
// mutation threshold. Callers still register the id with the Manager.
func NewParticipant(id string, bus *fabric.Bus, log *zap.Logger) *Participant {
	return &Participant{
		id:                id,
		bus:               bus,
		log:               log,
		MutationThreshold: 0.8,
		health:            1.0,
	}
}

// ID returns the participant's voter id.
func (p *Participant) ID() string { return p.id }

// SetHealth updates the participant's self-reported health score, which
// doubles as its vote confidence.
func (p *Participant) SetHealth(score float64) {
	p.mu.Lock()
	p.health = score
	p.mu.Unlock()
}

// Health returns the current health score.
func (p *Participant) Health() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Start watches the proposals topic until ctx is cancelled.
func (p *Participant) Start(ctx context.Context) {
	ch := p.bus.Subscribe(fabric.TopicConsensusProposals)
	go func() {
		defer p.bus.Unsubscribe(fabric.TopicConsensusProposals, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				proposal, ok := event.Payload.(Proposal)
				if !ok {
					continue
				}
				p.castVote(proposal)
			}
		}
	}()
}

func (p *Participant) castVote(proposal Proposal) {
	decision, reasoning := p.decide(proposal)
	p.bus.Publish(fabric.TopicConsensusVotes, p.id, VoteMessage{
		ProposalID: proposal.ID,
		VoterID:    p.id,
		Decision:   decision,
		Confidence: p.Health(),
		Reasoning:  reasoning,
	})
	p.log.Debug("vote cast",
		zap.Stringer("proposal", proposal.ID),
		zap.String("voter", p.id),
		zap.String("decision", string(decision)))
}

func (p *Participant) decide(proposal Proposal) (Decision, string) {
	switch proposal.Type {
	case ProposalSystemMutation:
		score, ok := payloadScore(proposal.Data, "fitnessScore")
		if !ok {
			return DecisionAbstain, "mutation payload carries no fitness score"
		}
		if score >= p.MutationThreshold {
			return DecisionApprove, "fitness meets threshold"
		}
		return DecisionReject, "fitness below threshold"

	case ProposalChaosRemediation:
		score, ok := payloadScore(proposal.Data, "resilienceScore")
		if !ok {
			return DecisionAbstain, "remediation payload carries no resilience score"
		}
		if score < p.MutationThreshold {
			return DecisionApprove, "resilience below threshold, remediation warranted"
		}
		return DecisionAbstain, "resilience acceptable"

	case ProposalHealthCheck:
		if p.Health() > 0.7 {
			return DecisionApprove, "healthy"
		}
		return DecisionAbstain, "degraded"

	case ProposalConfigChange:
		return DecisionApprove, "config changes are permitted"
	}
	return DecisionAbstain, "unrecognized proposal type"
}

// payloadScore extracts a numeric field from an opaque proposal payload.
func payloadScore(data json.RawMessage, field string) (float64, bool) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, false
	}
	value, ok := payload[field].(float64)
	return value, ok
}
