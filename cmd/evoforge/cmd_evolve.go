package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"evoforge/internal/consensus"
	"evoforge/internal/evolution"
	"evoforge/internal/fabric"
	"evoforge/internal/sandbox"
	"evoforge/internal/store"
)

var (
	evolveCycles int
	evolveVoters int
)

// evolveCmd groups the evolution lifecycle subcommands
var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run evolution cycles and inspect their outcomes",
}

// evolveStartCmd runs a bounded number of evolution cycles and reports outcomes
var evolveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run evolution cycles and print what was deployed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvolve(cmd)
	},
}

// evolveStatusCmd summarizes mutation outcomes from the history store
var evolveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mutation counts per lifecycle status",
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := store.NewHistoryStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() { _ = hist.Close() }()

		counts, err := hist.MutationStatusCounts()
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Println("no mutations recorded")
			return nil
		}
		total := 0
		for _, status := range []evolution.Status{
			evolution.StatusGenerated, evolution.StatusTesting, evolution.StatusApproved,
			evolution.StatusDeployed, evolution.StatusRejected, evolution.StatusReverted,
		} {
			if n := counts[string(status)]; n > 0 {
				fmt.Printf("%-10s %d\n", status, n)
				total += n
			}
		}
		fmt.Printf("%-10s %d\n", "total", total)
		return nil
	},
}

func init() {
	evolveStartCmd.Flags().IntVar(&evolveCycles, "cycles", 1, "number of cycles to run")
	evolveStartCmd.Flags().IntVar(&evolveVoters, "voters", 3, "number of in-process voting participants")

	evolveCmd.AddCommand(evolveStartCmd)
	evolveCmd.AddCommand(evolveStatusCmd)
}

func runEvolve(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	hist, err := store.NewHistoryStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = hist.Close() }()

	bus := fabric.NewBus()
	defer bus.Close()

	cm := consensus.NewManager(consensus.Config{VoteTTL: cfg.Consensus.VoteTTL}, bus, logger)
	defer cm.Close()
	cm.Start(ctx)

	for _, id := range voterRoster(evolveVoters) {
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
		CycleInterval:     50 * time.Millisecond,
		QuorumSize:        cfg.Evolution.QuorumSize,
	}, bus, cm, evaluator, hist, logger)

	go recordConsensusResults(ctx, bus, hist)

	if err := orchestrator.Start(ctx); err != nil {
		return err
	}

	deadline := time.After(time.Duration(evolveCycles) * 30 * time.Second)
	for completedCycles(orchestrator) < evolveCycles || orchestrator.Stats().Pending > 0 {
		select {
		case <-ctx.Done():
			orchestrator.Stop()
			return ctx.Err()
		case <-deadline:
			fmt.Println("timed out waiting for cycles to settle")
			orchestrator.Stop()
			return nil
		case <-time.After(20 * time.Millisecond):
		}
	}
	orchestrator.Stop()

	stats := orchestrator.Stats()
	fmt.Printf("cycles run:          %d\n", stats.Cycles)
	fmt.Printf("mutations evaluated: %d\n", stats.Mutations)
	fmt.Printf("mutations deployed:  %d\n", stats.Deployed)
	for _, cycle := range orchestrator.Cycles() {
		for _, improvement := range cycle.Improvements {
			fmt.Printf("  cycle %d deployed: %s\n", cycle.Number, improvement)
		}
	}
	return nil
}

func completedCycles(orchestrator *evolution.Orchestrator) int {
	n := 0
	for _, cycle := range orchestrator.Cycles() {
		if cycle.Status == evolution.CycleCompleted {
			n++
		}
	}
	return n
}
