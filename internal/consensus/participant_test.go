package consensus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evoforge/internal/fabric"
)

func TestParticipantDecisions(t *testing.T) {
	bus := fabric.NewBus()
	defer bus.Close()
	p := NewParticipant("core-1", bus, zaptest.NewLogger(t))

	tests := []struct {
		name     string
		proposal Proposal
		want     Decision
	}{
		{
			name: "high fitness mutation approved",
			proposal: Proposal{
				Type: ProposalSystemMutation,
				Data: json.RawMessage(`{"fitnessScore":0.92}`),
			},
			want: DecisionApprove,
		},
		{
			name: "low fitness mutation rejected",
			proposal: Proposal{
				Type: ProposalSystemMutation,
				Data: json.RawMessage(`{"fitnessScore":0.41}`),
			},
			want: DecisionReject,
		},
		{
			name: "mutation without score abstains",
			proposal: Proposal{
				Type: ProposalSystemMutation,
				Data: json.RawMessage(`{"note":"no score"}`),
			},
			want: DecisionAbstain,
		},
		{
			name: "weak resilience approves remediation",
			proposal: Proposal{
				Type: ProposalChaosRemediation,
				Data: json.RawMessage(`{"resilienceScore":0.3}`),
			},
			want: DecisionApprove,
		},
		{
			name: "config change approved",
			proposal: Proposal{
				Type: ProposalConfigChange,
			},
			want: DecisionApprove,
		},
		{
			name: "unknown type abstains",
			proposal: Proposal{
				Type: ProposalType("mystery"),
			},
			want: DecisionAbstain,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, _ := p.decide(tt.proposal)
			assert.Equal(t, tt.want, decision)
		})
	}
}

func TestParticipantHealthGatesHealthCheck(t *testing.T) {
	bus := fabric.NewBus()
	defer bus.Close()
	p := NewParticipant("core-1", bus, zaptest.NewLogger(t))

	decision, _ := p.decide(Proposal{Type: ProposalHealthCheck})
	assert.Equal(t, DecisionApprove, decision)

	p.SetHealth(0.4)
	decision, _ = p.decide(Proposal{Type: ProposalHealthCheck})
	assert.Equal(t, DecisionAbstain, decision)
}

func TestParticipantsResolveProposalEndToEnd(t *testing.T) {
	bus := fabric.NewBus()
	defer bus.Close()
	log := zaptest.NewLogger(t)
	m := NewManager(Config{VoteTTL: time.Minute}, bus, log)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	for _, id := range []string{"core-1", "core-2", "core-3"} {
		p := NewParticipant(id, bus, log)
		m.RegisterParticipant(p.ID())
		p.Start(ctx)
	}

	id, err := m.Propose(ProposalSystemMutation, "orchestrator",
		json.RawMessage(`{"fitnessScore":0.95}`), 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		result, ok := m.GetResult(id)
		return ok && result.Decision == DecisionApprove
	}, 2*time.Second, 10*time.Millisecond)

	result, _ := m.GetResult(id)
	assert.Equal(t, 3, result.VoteCounts[DecisionApprove])
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
}
