// Package evolution drives the self-improvement loop: it generates candidate
// mutations, has them evaluated in sandboxes, selects the fittest, and
// submits them to consensus before anything is marked deployed.
package evolution

import (
	"time"

	"github.com/google/uuid"

	"evoforge/internal/sandbox"
)

// Category classifies what a mutation tries to improve.
type Category string

const (
	CategoryPerformance  Category = "performance"
	CategorySecurity     Category = "security"
	CategoryReliability  Category = "reliability"
	CategoryEfficiency   Category = "efficiency"
	CategoryIntelligence Category = "intelligence"
)

// Status is a mutation's lifecycle state. Rejected and Reverted are
// terminal; Approved marks a candidate that cleared the fitness threshold
// and awaits (or cleared) consensus.
type Status string

const (
	StatusGenerated Status = "generated"
	StatusTesting   Status = "testing"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusDeployed  Status = "deployed"
	StatusReverted  Status = "reverted"
)

// Mutation is a candidate change. Code is an opaque payload; this package
// never interprets it, only hands it to the sandbox evaluator.
type Mutation struct {
	ID           uuid.UUID            `json:"id"`
	Category     Category             `json:"category"`
	Target       string               `json:"target"`
	Description  string               `json:"description"`
	Code         string               `json:"code"`
	FitnessScore float64              `json:"fitnessScore"`
	Status       Status               `json:"status"`
	GeneratedAt  time.Time            `json:"generatedAt"`
	Results      []sandbox.TestResult `json:"results,omitempty"`
}

// CycleStatus is the lifecycle state of one evolution cycle.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
)

// Cycle records one generate→evaluate→select→propose iteration.
type Cycle struct {
	Number       int         `json:"number"`
	StartTime    time.Time   `json:"startTime"`
	EndTime      time.Time   `json:"endTime"`
	Status       CycleStatus `json:"status"`
	Generated    int         `json:"generated"`
	Proposed     []uuid.UUID `json:"proposed"`
	Deployed     []uuid.UUID `json:"deployed"`
	Improvements []string    `json:"improvements"`
}

// DeployedNotice is the payload published on fabric.TopicEvolutionDeployed.
type DeployedNotice struct {
	MutationID uuid.UUID `json:"mutationId"`
	Timestamp  time.Time `json:"timestamp"`
}
