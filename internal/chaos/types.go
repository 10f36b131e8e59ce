// Package chaos runs fault-injection experiments against named targets,
// samples behavior under fault, and scores how well the system held up.
// Injection itself is behind the Injector interface; the engine owns the
// experiment lifecycle and the scoring.
package chaos

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// FaultType names a category of injected failure.
type FaultType string

const (
	FaultNetworkPartition   FaultType = "network_partition"
	FaultLatencyInjection   FaultType = "latency_injection"
	FaultResourceExhaustion FaultType = "resource_exhaustion"
	FaultProcessCrash       FaultType = "process_crash"
	FaultDiskPressure       FaultType = "disk_pressure"
	FaultClockSkew          FaultType = "clock_skew"
)

// FaultCatalog lists every known fault type.
func FaultCatalog() []FaultType {
	return []FaultType{
		FaultNetworkPartition,
		FaultLatencyInjection,
		FaultResourceExhaustion,
		FaultProcessCrash,
		FaultDiskPressure,
		FaultClockSkew,
	}
}

// ValidFaultType reports whether ft is in the catalog.
func ValidFaultType(ft FaultType) bool {
	for _, candidate := range FaultCatalog() {
		if candidate == ft {
			return true
		}
	}
	return false
}

// CommandAction names an inbound operation on the experiments topic.
type CommandAction string

const (
	CommandRun   CommandAction = "run"
	CommandAbort CommandAction = "abort"
)

// Command is the wire form of a run or abort request submitted over the
// fabric. The experiments topic is bidirectional: commands flow in,
// Experiment snapshots flow out.
type Command struct {
	Action       CommandAction `json:"action"`
	ExperimentID uuid.UUID     `json:"experimentId"`
}

// Status is an experiment's lifecycle state. Completed, Failed, and Aborted
// are terminal and immutable.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Observation is one behavior sample taken while the fault is active.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
}

// Result is the outcome of a completed experiment.
type Result struct {
	Observations      []Observation `json:"observations"`
	RecoveryTime      time.Duration `json:"recoveryTime"`
	DataIntegrity     bool          `json:"dataIntegrity"`
	PerformanceImpact float64       `json:"performanceImpact"`
	ResilienceScore   float64       `json:"resilienceScore"`
	Lessons           []string      `json:"lessons,omitempty"`
}

// Experiment is one fault-injection run. Result is set only on Completed.
type Experiment struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Type       FaultType         `json:"type"`
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Status     Status            `json:"status"`
	StartTime  time.Time         `json:"startTime,omitempty"`
	EndTime    time.Time         `json:"endTime,omitempty"`
	Result     *Result           `json:"result,omitempty"`
}

var (
	// ErrInvalidState is returned when an operation does not match the
	// experiment's current lifecycle state.
	ErrInvalidState = errors.New("invalid experiment state")
	// ErrExperimentNotFound is returned for operations on unknown ids.
	ErrExperimentNotFound = errors.New("experiment not found")
	// ErrUnknownFaultType is returned when creating an experiment with a
	// fault type outside the catalog.
	ErrUnknownFaultType = errors.New("unknown fault type")
)

// ResilienceScore combines recovery speed, the healthy fraction of the
// sampled observations, and data integrity into a [0,1] score. The function
// is pure so scoring stays testable independent of the injection source.
func ResilienceScore(observations []Observation, recoveryTime, duration time.Duration, integrity bool) float64 {
	recovery := 0.0
	if duration > 0 {
		recovery = 1 - recoveryTime.Seconds()/(2*duration.Seconds())
		if recovery < 0 {
			recovery = 0
		}
	}

	behavior := 0.0
	if len(observations) > 0 {
		healthy := 0
		for _, obs := range observations {
			if obs.Healthy {
				healthy++
			}
		}
		behavior = float64(healthy) / float64(len(observations))
	}

	integrityScore := 0.0
	if integrity {
		integrityScore = 1.0
	}

	return 0.4*recovery + 0.4*behavior + 0.2*integrityScore
}
