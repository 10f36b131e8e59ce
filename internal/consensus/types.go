// Package consensus implements the proposal/vote/quorum engine gating every
// governed decision. It knows nothing about mutation semantics: proposals
// carry opaque JSON payloads and any component may propose or vote.
package consensus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Decision is a participant's stance on a proposal, and also the terminal
// outcome of a resolved proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionAbstain Decision = "abstain"
)

// ProposalType classifies what a proposal asks the voters to decide.
type ProposalType string

const (
	ProposalSystemMutation   ProposalType = "system_mutation"
	ProposalConfigChange     ProposalType = "config_change"
	ProposalChaosRemediation ProposalType = "chaos_remediation"
	ProposalHealthCheck      ProposalType = "health_check"
	ProposalSecurityAction   ProposalType = "security_action"
)

// Proposal is a pending decision request. Data is opaque to the engine.
type Proposal struct {
	ID            uuid.UUID       `json:"id"`
	Type          ProposalType    `json:"type"`
	Proposer      string          `json:"proposer"`
	Data          json.RawMessage `json:"data"`
	RequiredVotes int             `json:"requiredVotes"`
	CreatedAt     time.Time       `json:"createdAt"`
	TTL           time.Duration   `json:"ttl"`
}

// Vote is one participant's decision on one proposal. A later vote from the
// same voter replaces the earlier one.
type Vote struct {
	ProposalID uuid.UUID `json:"proposalId"`
	VoterID    string    `json:"voterId"`
	Decision   Decision  `json:"decision"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// VoteMessage is the wire form of a vote submitted over the fabric.
type VoteMessage struct {
	ProposalID uuid.UUID `json:"proposalId"`
	VoterID    string    `json:"voterId"`
	Decision   Decision  `json:"decision"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

// Result is the terminal outcome of a resolved proposal. Created exactly once
// per proposal; a TTL expiry produces no Result at all.
type Result struct {
	ProposalID   uuid.UUID        `json:"proposalId"`
	Type         ProposalType     `json:"type"`
	Decision     Decision         `json:"decision"`
	VoteCounts   map[Decision]int `json:"voteCounts"`
	Confidence   float64          `json:"confidence"`
	Participants []string         `json:"participants"`
	ResolvedAt   time.Time        `json:"resolvedAt"`
}

var (
	// ErrInsufficientParticipants is returned by Propose when the quorum
	// exceeds the registered participant count.
	ErrInsufficientParticipants = errors.New("insufficient registered participants")
	// ErrProposalNotFound is returned for votes on unknown, resolved, or
	// expired proposals.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrVoterNotRegistered is returned for votes from unknown voters.
	ErrVoterNotRegistered = errors.New("voter not registered")
	// ErrInvalidQuorum is returned by Propose for a quorum below 1.
	ErrInvalidQuorum = errors.New("quorum size must be at least 1")
)
