// Package metrics exposes Prometheus collectors for the governed mutation
// pipeline. Collectors are package-level and registered once against the
// daemon's registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	proposalsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoforge",
			Name:      "consensus_proposals_resolved_total",
			Help:      "Consensus proposals resolved, partitioned by decision.",
		},
		[]string{"decision"},
	)

	proposalsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evoforge",
			Name:      "consensus_proposals_expired_total",
			Help:      "Consensus proposals dropped on TTL expiry without a result.",
		},
	)

	votesRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evoforge",
			Name:      "consensus_votes_recorded_total",
			Help:      "Votes stored (including upserts replacing earlier votes).",
		},
	)

	evaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evoforge",
			Name:      "sandbox_evaluation_seconds",
			Help:      "Wall time of a full sandbox evaluation battery.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	fitnessScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evoforge",
			Name:      "mutation_fitness_score",
			Help:      "Fitness scores produced by the sandbox evaluator.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	cyclesCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evoforge",
			Name:      "evolution_cycles_completed_total",
			Help:      "Evolution cycles run to completion.",
		},
	)

	mutationsDeployedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evoforge",
			Name:      "evolution_mutations_deployed_total",
			Help:      "Mutations deployed after consensus approval.",
		},
	)

	experimentsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoforge",
			Name:      "chaos_experiments_finished_total",
			Help:      "Chaos experiments reaching a terminal state, by state.",
		},
		[]string{"state"},
	)

	resilienceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evoforge",
			Name:      "chaos_resilience_score",
			Help:      "Resilience scores of completed chaos experiments.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)

// Register attaches all evoforge collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		proposalsResolvedTotal,
		proposalsExpiredTotal,
		votesRecordedTotal,
		evaluationSeconds,
		fitnessScore,
		cyclesCompletedTotal,
		mutationsDeployedTotal,
		experimentsFinishedTotal,
		resilienceScore,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveProposalResolved records a proposal resolution by decision label.
func ObserveProposalResolved(decision string) {
	proposalsResolvedTotal.WithLabelValues(decision).Inc()
}

// ObserveProposalExpired records a TTL expiry drop.
func ObserveProposalExpired() {
	proposalsExpiredTotal.Inc()
}

// ObserveVoteRecorded records a stored vote.
func ObserveVoteRecorded() {
	votesRecordedTotal.Inc()
}

// ObserveEvaluation records a completed sandbox battery and its fitness.
func ObserveEvaluation(duration time.Duration, fitness float64) {
	evaluationSeconds.Observe(duration.Seconds())
	fitnessScore.Observe(fitness)
}

// ObserveCycleCompleted records a finished evolution cycle.
func ObserveCycleCompleted() {
	cyclesCompletedTotal.Inc()
}

// ObserveMutationDeployed records a deployment.
func ObserveMutationDeployed() {
	mutationsDeployedTotal.Inc()
}

// ObserveExperimentFinished records a chaos experiment terminal state and,
// for completed runs, its resilience score.
func ObserveExperimentFinished(state string, resilience float64, completed bool) {
	experimentsFinishedTotal.WithLabelValues(state).Inc()
	if completed {
		resilienceScore.Observe(resilience)
	}
}
