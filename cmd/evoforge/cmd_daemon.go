package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evoforge/internal/chaos"
	"evoforge/internal/consensus"
	"evoforge/internal/evolution"
	"evoforge/internal/fabric"
	"evoforge/internal/metrics"
	"evoforge/internal/sandbox"
	"evoforge/internal/store"
)

var (
	daemonVoters        int
	daemonChaosInterval time.Duration
	daemonChaosDuration time.Duration
)

// daemonCmd runs the full loop until interrupted
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the evolution loop, consensus engine, and chaos engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	daemonCmd.Flags().IntVar(&daemonVoters, "voters", 3, "number of in-process voting participants")
	daemonCmd.Flags().DurationVar(&daemonChaosInterval, "chaos-interval", 5*time.Minute, "spacing between random chaos experiments (0 disables)")
	daemonCmd.Flags().DurationVar(&daemonChaosDuration, "chaos-duration", 10*time.Second, "fault window of scheduled chaos experiments")
}

func runDaemon() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hist, err := store.NewHistoryStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = hist.Close() }()

	bus := fabric.NewBus()

	cm := consensus.NewManager(consensus.Config{VoteTTL: cfg.Consensus.VoteTTL}, bus, logger)
	cm.Start(ctx)

	voterIDs, err := hist.ListVoters()
	if err != nil {
		return fmt.Errorf("list registered voters: %w", err)
	}
	for i := len(voterIDs); i < daemonVoters; i++ {
		voterIDs = append(voterIDs, fmt.Sprintf("voter-%d", i+1))
	}
	for _, id := range voterIDs {
		participant := consensus.NewParticipant(id, bus, logger)
		cm.RegisterParticipant(participant.ID())
		participant.Start(ctx)
	}

	evaluator := sandbox.NewEvaluator(sandbox.Config{
		MaxSandboxes: cfg.Sandbox.MaxSandboxes,
		TestTimeout:  cfg.Sandbox.TestTimeout,
	}, sandbox.NewYaegiRunner(), logger)

	orchestrator := evolution.NewOrchestrator(evolution.Config{
		MutationsPerCycle: cfg.Evolution.MutationsPerCycle,
		MaxSelected:       cfg.Evolution.MaxSelected,
		FitnessThreshold:  cfg.Evolution.FitnessThreshold,
		CycleInterval:     cfg.Evolution.CycleInterval,
		QuorumSize:        cfg.Evolution.QuorumSize,
	}, bus, cm, evaluator, hist, logger)

	engine := chaos.NewEngine(chaos.Config{
		SampleInterval:  cfg.Chaos.SampleInterval,
		ResilienceFloor: cfg.Chaos.ResilienceFloor,
		ProposalQuorum:  cfg.Chaos.ProposalQuorum,
		Targets:         cfg.Chaos.Targets,
	}, bus, chaos.NewSimulatedInjector(), cm, hist, logger)
	engine.Start(ctx)

	server := &http.Server{Addr: cfg.Server.MetricsAddress, Handler: metricsHandler(registry)}
	go func() {
		logger.Info("metrics listener started", zap.String("address", cfg.Server.MetricsAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	go recordConsensusResults(ctx, bus, hist)

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start evolution loop: %w", err)
	}

	if daemonChaosInterval > 0 {
		go scheduleChaos(ctx, engine)
	}

	logger.Info("daemon running",
		zap.Int("voters", len(voterIDs)),
		zap.Duration("cycleInterval", cfg.Evolution.CycleInterval))
	<-ctx.Done()
	logger.Info("shutdown requested")

	// Shutdown order: finalize the current cycle, abort live faults, then
	// tear down consensus and the bus.
	orchestrator.Stop()
	engine.AbortAll()
	cm.Close()
	bus.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown", zap.Error(err))
	}

	logger.Info("daemon stopped",
		zap.Int("cyclesRun", orchestrator.Stats().Cycles),
		zap.Int("mutationsDeployed", orchestrator.Stats().Deployed),
		zap.Int("experiments", engine.Stats().Created))
	return nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// recordConsensusResults persists every resolved proposal so history
// queries survive restarts.
func recordConsensusResults(ctx context.Context, bus *fabric.Bus, hist *store.HistoryStore) {
	ch := bus.Subscribe(fabric.TopicConsensusResults)
	defer bus.Unsubscribe(fabric.TopicConsensusResults, ch)
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
			detail, _ := json.Marshal(result)
			record := store.ConsensusRecord{
				ProposalID: result.ProposalID.String(),
				Type:       string(result.Type),
				Decision:   string(result.Decision),
				Confidence: result.Confidence,
				Votes:      len(result.Participants),
				ResolvedAt: result.ResolvedAt,
				Detail:     detail,
			}
			if err := hist.SaveConsensusResult(record); err != nil {
				logger.Warn("persist consensus result",
					zap.Stringer("proposal", result.ProposalID),
					zap.Error(err))
			}
		}
	}
}

// scheduleChaos runs a random experiment at a fixed spacing until ctx ends.
func scheduleChaos(ctx context.Context, engine *chaos.Engine) {
	ticker := time.NewTicker(daemonChaosInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exp, err := engine.RandomExperiment(daemonChaosDuration)
			if err != nil {
				logger.Warn("plan random experiment", zap.Error(err))
				continue
			}
			if _, err := engine.RunExperiment(ctx, exp.ID); err != nil {
				logger.Warn("chaos experiment failed",
					zap.Stringer("experiment", exp.ID),
					zap.Error(err))
			}
		}
	}
}
