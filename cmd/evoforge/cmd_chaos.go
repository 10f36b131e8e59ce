package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"evoforge/internal/chaos"
	"evoforge/internal/fabric"
	"evoforge/internal/store"
)

var (
	chaosFault    string
	chaosTarget   string
	chaosDuration time.Duration
	chaosRandom   bool
	chaosRunID    string
	chaosAbortID  string
	chaosAfter    time.Duration
	chaosListMax  int
)

// plannedDetail is the Detail payload persisted for experiments created
// ahead of their run.
type plannedDetail struct {
	DurationMs int64             `json:"durationMs"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// chaosCmd groups the fault-injection subcommands
var chaosCmd = &cobra.Command{
	Use:   "chaos",
	Short: "Run and inspect fault-injection experiments",
}

// chaosRunCmd plans and runs one experiment to completion
var chaosRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single experiment against a target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChaosExperiment(cmd.Context())
	},
}

// chaosCreateCmd plans an experiment without running it
var chaosCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Plan an experiment and persist it for a later run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return createChaosExperiment()
	},
}

// chaosAbortCmd runs a planned experiment and aborts it mid-flight
var chaosAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Run a planned experiment and abort it after a delay, restoring the target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return abortChaosExperiment(cmd.Context())
	},
}

// chaosListCmd prints persisted experiment history
var chaosListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recorded experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := store.NewHistoryStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() { _ = hist.Close() }()

		records, err := hist.ListExperiments(chaosListMax)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no experiments recorded")
			return nil
		}
		for _, record := range records {
			fmt.Printf("%s  %-20s %-14s %-10s resilience=%.2f\n",
				record.EndTime.Format(time.RFC3339), record.FaultType, record.Target, record.Status, record.Resilience)
		}
		return nil
	},
}

// chaosFaultsCmd prints the fault catalog
var chaosFaultsCmd = &cobra.Command{
	Use:   "faults",
	Short: "List available fault types",
	Run: func(cmd *cobra.Command, args []string) {
		for _, ft := range chaos.FaultCatalog() {
			fmt.Println(ft)
		}
	},
}

func init() {
	chaosRunCmd.Flags().StringVar(&chaosFault, "fault", string(chaos.FaultLatencyInjection), "fault type to inject")
	chaosRunCmd.Flags().StringVar(&chaosTarget, "target", "api-gateway", "target component")
	chaosRunCmd.Flags().DurationVar(&chaosDuration, "duration", 5*time.Second, "fault window")
	chaosRunCmd.Flags().BoolVar(&chaosRandom, "random", false, "pick fault type and target at random")
	chaosRunCmd.Flags().StringVar(&chaosRunID, "id", "", "run an experiment created earlier instead of planning a new one")
	chaosCreateCmd.Flags().StringVar(&chaosFault, "fault", string(chaos.FaultLatencyInjection), "fault type to inject")
	chaosCreateCmd.Flags().StringVar(&chaosTarget, "target", "api-gateway", "target component")
	chaosCreateCmd.Flags().DurationVar(&chaosDuration, "duration", 5*time.Second, "fault window")
	chaosAbortCmd.Flags().StringVar(&chaosAbortID, "id", "", "id of the planned experiment to run and abort")
	chaosAbortCmd.Flags().DurationVar(&chaosAfter, "after", time.Second, "how long to let the fault run before aborting")
	chaosListCmd.Flags().IntVar(&chaosListMax, "limit", 20, "maximum experiments to show")

	chaosCmd.AddCommand(chaosRunCmd)
	chaosCmd.AddCommand(chaosCreateCmd)
	chaosCmd.AddCommand(chaosAbortCmd)
	chaosCmd.AddCommand(chaosListCmd)
	chaosCmd.AddCommand(chaosFaultsCmd)
}

func createChaosExperiment() error {
	if !chaos.ValidFaultType(chaos.FaultType(chaosFault)) {
		return fmt.Errorf("%w: %s", chaos.ErrUnknownFaultType, chaosFault)
	}
	if chaosDuration <= 0 {
		return fmt.Errorf("duration must be positive")
	}

	hist, err := store.NewHistoryStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = hist.Close() }()

	detail, err := json.Marshal(plannedDetail{DurationMs: chaosDuration.Milliseconds()})
	if err != nil {
		return err
	}
	id := uuid.New()
	record := store.ExperimentRecord{
		ID:        id.String(),
		Name:      fmt.Sprintf("%s-%s", chaosFault, chaosTarget),
		FaultType: chaosFault,
		Target:    chaosTarget,
		Status:    string(chaos.StatusPlanned),
		Detail:    detail,
	}
	if err := hist.SaveExperiment(record); err != nil {
		return err
	}
	fmt.Printf("experiment %s planned: %s against %s for %s\n", id, chaosFault, chaosTarget, chaosDuration)
	return nil
}

// loadPlannedExperiment reconstructs a planned experiment from its persisted
// record so the engine can adopt it under the original id.
func loadPlannedExperiment(hist *store.HistoryStore, rawID string) (chaos.Experiment, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return chaos.Experiment{}, fmt.Errorf("parse experiment id: %w", err)
	}
	record, err := hist.GetExperiment(id.String())
	if err != nil {
		return chaos.Experiment{}, err
	}
	if record.Status != string(chaos.StatusPlanned) {
		return chaos.Experiment{}, fmt.Errorf("%w: experiment %s is %s", chaos.ErrInvalidState, rawID, record.Status)
	}
	var detail plannedDetail
	if err := json.Unmarshal(record.Detail, &detail); err != nil {
		return chaos.Experiment{}, fmt.Errorf("decode experiment %s detail: %w", rawID, err)
	}
	return chaos.Experiment{
		ID:         id,
		Name:       record.Name,
		Type:       chaos.FaultType(record.FaultType),
		Target:     record.Target,
		Parameters: detail.Parameters,
		Duration:   time.Duration(detail.DurationMs) * time.Millisecond,
		Status:     chaos.StatusPlanned,
	}, nil
}

func abortChaosExperiment(ctx context.Context) error {
	if chaosAbortID == "" {
		return fmt.Errorf("--id is required")
	}

	hist, err := store.NewHistoryStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = hist.Close() }()

	bus := fabric.NewBus()
	defer bus.Close()

	engine := chaos.NewEngine(chaos.Config{
		SampleInterval:  cfg.Chaos.SampleInterval,
		ResilienceFloor: cfg.Chaos.ResilienceFloor,
		ProposalQuorum:  cfg.Chaos.ProposalQuorum,
		Targets:         cfg.Chaos.Targets,
	}, bus, chaos.NewSimulatedInjector(), nil, hist, logger)

	exp, err := loadPlannedExperiment(hist, chaosAbortID)
	if err != nil {
		return err
	}
	if err := engine.Adopt(exp); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.RunExperiment(ctx, exp.ID)
	}()

	select {
	case <-time.After(chaosAfter):
	case <-ctx.Done():
	}
	aborted, err := engine.AbortExperiment(exp.ID)
	if errors.Is(err, chaos.ErrInvalidState) {
		<-done
		final, lookupErr := engine.Experiment(exp.ID)
		if lookupErr != nil {
			return lookupErr
		}
		fmt.Printf("experiment %s already %s, nothing to abort\n", exp.ID, final.Status)
		return nil
	}
	if err != nil {
		return err
	}
	<-done

	fmt.Printf("experiment %s aborted after %s\n", exp.ID, chaosAfter)
	if aborted.Result != nil {
		fmt.Printf("resilience: %.2f\n", aborted.Result.ResilienceScore)
	}
	return nil
}

func runChaosExperiment(ctx context.Context) error {
	hist, err := store.NewHistoryStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = hist.Close() }()

	bus := fabric.NewBus()
	defer bus.Close()

	engine := chaos.NewEngine(chaos.Config{
		SampleInterval:  cfg.Chaos.SampleInterval,
		ResilienceFloor: cfg.Chaos.ResilienceFloor,
		ProposalQuorum:  cfg.Chaos.ProposalQuorum,
		Targets:         cfg.Chaos.Targets,
	}, bus, chaos.NewSimulatedInjector(), nil, hist, logger)

	var exp chaos.Experiment
	switch {
	case chaosRunID != "":
		exp, err = loadPlannedExperiment(hist, chaosRunID)
		if err == nil {
			err = engine.Adopt(exp)
		}
	case chaosRandom:
		exp, err = engine.RandomExperiment(chaosDuration)
	default:
		name := fmt.Sprintf("%s-%s", chaosFault, chaosTarget)
		exp, err = engine.CreateExperiment(name, chaos.FaultType(chaosFault), chaosTarget, nil, chaosDuration)
	}
	if err != nil {
		return err
	}

	fmt.Printf("running %s against %s for %s\n", exp.Type, exp.Target, exp.Duration)
	done, err := engine.RunExperiment(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("experiment %s: %w", done.Status, err)
	}

	fmt.Printf("status:     %s\n", done.Status)
	if done.Result != nil {
		fmt.Printf("resilience: %.2f\n", done.Result.ResilienceScore)
		fmt.Printf("recovery:   %s\n", done.Result.RecoveryTime)
		fmt.Printf("integrity:  %t\n", done.Result.DataIntegrity)
		for _, lesson := range done.Result.Lessons {
			fmt.Printf("  lesson: %s\n", lesson)
		}
	}
	return nil
}
