package chaos

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recovery is what restoration observed about the target coming back.
type Recovery struct {
	Time              time.Duration
	DataIntegrity     bool
	PerformanceImpact float64
}

// Injector applies and removes a fault, and samples target behavior while
// the fault is active. Restore reports how the target recovered.
type Injector interface {
	Inject(ctx context.Context, exp Experiment) error
	Observe(ctx context.Context, exp Experiment) (Observation, error)
	Restore(ctx context.Context, exp Experiment) (Recovery, error)
}

// faultProfile is the deterministic behavior model for one fault type:
// every unhealthyEvery-th sample is unhealthy, recovery takes
// recoveryFraction of the experiment duration, and integrity says whether
// data survives the fault.
type faultProfile struct {
	unhealthyEvery   int
	recoveryFraction float64
	integrity        bool
	impact           float64
}

var faultProfiles = map[FaultType]faultProfile{
	FaultNetworkPartition:   {unhealthyEvery: 2, recoveryFraction: 0.5, integrity: true, impact: 0.4},
	FaultLatencyInjection:   {unhealthyEvery: 4, recoveryFraction: 0.25, integrity: true, impact: 0.3},
	FaultResourceExhaustion: {unhealthyEvery: 2, recoveryFraction: 1.0, integrity: true, impact: 0.6},
	FaultProcessCrash:       {unhealthyEvery: 3, recoveryFraction: 0.75, integrity: true, impact: 0.5},
	FaultDiskPressure:       {unhealthyEvery: 2, recoveryFraction: 1.25, integrity: false, impact: 0.7},
	FaultClockSkew:          {unhealthyEvery: 5, recoveryFraction: 0.1, integrity: true, impact: 0.2},
}

// SimulatedInjector models faults without touching any real process. Its
// observations and recovery times are deterministic per fault type, so
// experiment outcomes are reproducible.
type SimulatedInjector struct {
	mu      sync.Mutex
	samples map[uuid.UUID]int
}

// NewSimulatedInjector returns a fresh simulated injector.
func NewSimulatedInjector() *SimulatedInjector {
	return &SimulatedInjector{samples: make(map[uuid.UUID]int)}
}

func (s *SimulatedInjector) profile(exp Experiment) (faultProfile, error) {
	profile, ok := faultProfiles[exp.Type]
	if !ok {
		return faultProfile{}, fmt.Errorf("%w: %s", ErrUnknownFaultType, exp.Type)
	}
	return profile, nil
}

// Inject records the fault as active.
func (s *SimulatedInjector) Inject(_ context.Context, exp Experiment) error {
	if _, err := s.profile(exp); err != nil {
		return err
	}
	s.mu.Lock()
	s.samples[exp.ID] = 0
	s.mu.Unlock()
	return nil
}

// Observe returns the next deterministic behavior sample for the experiment.
func (s *SimulatedInjector) Observe(_ context.Context, exp Experiment) (Observation, error) {
	profile, err := s.profile(exp)
	if err != nil {
		return Observation{}, err
	}

	s.mu.Lock()
	n := s.samples[exp.ID]
	s.samples[exp.ID] = n + 1
	s.mu.Unlock()

	healthy := (n+1)%profile.unhealthyEvery != 0
	detail := "target responding within limits"
	if !healthy {
		detail = fmt.Sprintf("target degraded under %s", exp.Type)
	}
	return Observation{
		Timestamp: time.Now(),
		Healthy:   healthy,
		Detail:    detail,
	}, nil
}

// Restore clears the fault and reports the modeled recovery.
func (s *SimulatedInjector) Restore(_ context.Context, exp Experiment) (Recovery, error) {
	profile, err := s.profile(exp)
	if err != nil {
		return Recovery{}, err
	}
	s.mu.Lock()
	delete(s.samples, exp.ID)
	s.mu.Unlock()
	return Recovery{
		Time:              time.Duration(profile.recoveryFraction * float64(exp.Duration)),
		DataIntegrity:     profile.integrity,
		PerformanceImpact: profile.impact,
	}, nil
}
