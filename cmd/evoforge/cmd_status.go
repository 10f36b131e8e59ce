package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"evoforge/internal/store"
)

var statusLimit int

// statusCmd prints recorded history: mutations, consensus outcomes,
// experiments
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded mutation, consensus, and experiment history",
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := store.NewHistoryStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() { _ = hist.Close() }()

		mutations, err := hist.ListMutations(statusLimit)
		if err != nil {
			return err
		}
		fmt.Printf("mutations (%d):\n", len(mutations))
		for _, m := range mutations {
			fmt.Printf("  %s  %-13s %-22s fitness=%.2f %s\n",
				m.UpdatedAt.Format(time.RFC3339), m.Category, m.Target, m.Fitness, m.Status)
		}

		results, err := hist.ListConsensusResults(statusLimit)
		if err != nil {
			return err
		}
		fmt.Printf("consensus results (%d):\n", len(results))
		for _, r := range results {
			fmt.Printf("  %s  %-18s %-8s confidence=%.2f votes=%d\n",
				r.ResolvedAt.Format(time.RFC3339), r.Type, r.Decision, r.Confidence, r.Votes)
		}

		experiments, err := hist.ListExperiments(statusLimit)
		if err != nil {
			return err
		}
		fmt.Printf("experiments (%d):\n", len(experiments))
		for _, e := range experiments {
			fmt.Printf("  %s  %-20s %-14s %-10s resilience=%.2f\n",
				e.EndTime.Format(time.RFC3339), e.FaultType, e.Target, e.Status, e.Resilience)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "maximum rows per section")
}
