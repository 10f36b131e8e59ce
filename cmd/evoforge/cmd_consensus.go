package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"evoforge/internal/consensus"
	"evoforge/internal/fabric"
	"evoforge/internal/store"
)

var (
	proposeType    string
	proposePayload string
	proposeVoters  int
	proposeQuorum  int
	consensusLimit int
	voteType       string
	votePayload    string
	voteBallots    []string
)

// consensusCmd groups the governance subcommands
var consensusCmd = &cobra.Command{
	Use:   "consensus",
	Short: "Drive and inspect the proposal/vote protocol",
}

// consensusProposeCmd runs one proposal through an in-process quorum
var consensusProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a proposal to in-process voters and print the outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPropose(cmd.Context())
	},
}

// consensusRegisterCmd persists voter identities for later sessions
var consensusRegisterCmd = &cobra.Command{
	Use:   "register <voter-id>...",
	Short: "Register voter identities that propose and vote will use",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := store.NewHistoryStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() { _ = hist.Close() }()

		for _, id := range args {
			if err := hist.RegisterVoter(id); err != nil {
				return fmt.Errorf("register %s: %w", id, err)
			}
		}
		voters, err := hist.ListVoters()
		if err != nil {
			return err
		}
		fmt.Printf("%d voters registered:\n", len(voters))
		for _, id := range voters {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

// consensusVoteCmd opens a proposal and casts operator-supplied ballots on it
var consensusVoteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Open a proposal and cast explicit ballots instead of using autonomous voters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVote(cmd.Context())
	},
}

// consensusHistoryCmd prints persisted consensus outcomes
var consensusHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded consensus results",
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := store.NewHistoryStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() { _ = hist.Close() }()

		records, err := hist.ListConsensusResults(consensusLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no consensus results recorded")
			return nil
		}
		for _, record := range records {
			fmt.Printf("%s  %-18s %-8s confidence=%.2f votes=%d\n",
				record.ResolvedAt.Format(time.RFC3339), record.Type, record.Decision, record.Confidence, record.Votes)
		}
		return nil
	},
}

func init() {
	consensusProposeCmd.Flags().StringVar(&proposeType, "type", string(consensus.ProposalSystemMutation), "proposal type")
	consensusProposeCmd.Flags().StringVar(&proposePayload, "payload", `{"fitnessScore":0.9}`, "JSON payload voters evaluate")
	consensusProposeCmd.Flags().IntVar(&proposeVoters, "voters", 3, "number of in-process voting participants")
	consensusProposeCmd.Flags().IntVar(&proposeQuorum, "quorum", 3, "votes required to resolve")
	consensusVoteCmd.Flags().StringVar(&voteType, "type", string(consensus.ProposalSystemMutation), "proposal type")
	consensusVoteCmd.Flags().StringVar(&votePayload, "payload", `{"fitnessScore":0.9}`, "JSON payload the ballots judge")
	consensusVoteCmd.Flags().StringSliceVar(&voteBallots, "ballot", nil, "ballot as voter=decision:confidence, repeatable")
	consensusHistoryCmd.Flags().IntVar(&consensusLimit, "limit", 20, "maximum results to show")

	consensusCmd.AddCommand(consensusProposeCmd)
	consensusCmd.AddCommand(consensusRegisterCmd)
	consensusCmd.AddCommand(consensusVoteCmd)
	consensusCmd.AddCommand(consensusHistoryCmd)
	rootCmd.AddCommand(consensusCmd)
}

func runPropose(parent context.Context) error {
	if !json.Valid([]byte(proposePayload)) {
		return fmt.Errorf("payload is not valid JSON: %s", proposePayload)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	bus := fabric.NewBus()
	defer bus.Close()

	cm := consensus.NewManager(consensus.Config{VoteTTL: cfg.Consensus.VoteTTL}, bus, logger)
	defer cm.Close()
	cm.Start(ctx)

	results := bus.Subscribe(fabric.TopicConsensusResults)

	for _, id := range voterRoster(proposeVoters) {
		participant := consensus.NewParticipant(id, bus, logger)
		cm.RegisterParticipant(participant.ID())
		participant.Start(ctx)
	}

	proposalID, err := cm.Propose(consensus.ProposalType(proposeType), "operator", json.RawMessage(proposePayload), proposeQuorum)
	if err != nil {
		return err
	}
	fmt.Printf("proposal %s opened, waiting for %d votes\n", proposalID, proposeQuorum)

	return awaitResult(ctx, results, proposalID)
}

func runVote(parent context.Context) error {
	if !json.Valid([]byte(votePayload)) {
		return fmt.Errorf("payload is not valid JSON: %s", votePayload)
	}
	ballots, err := parseBallots(voteBallots)
	if err != nil {
		return err
	}
	if len(ballots) == 0 {
		return fmt.Errorf("at least one --ballot is required")
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	bus := fabric.NewBus()
	defer bus.Close()

	cm := consensus.NewManager(consensus.Config{VoteTTL: cfg.Consensus.VoteTTL}, bus, logger)
	defer cm.Close()
	cm.Start(ctx)

	results := bus.Subscribe(fabric.TopicConsensusResults)

	for _, b := range ballots {
		cm.RegisterParticipant(b.voter)
	}

	proposalID, err := cm.Propose(consensus.ProposalType(voteType), "operator", json.RawMessage(votePayload), len(ballots))
	if err != nil {
		return err
	}
	for _, b := range ballots {
		if err := cm.Vote(proposalID, b.voter, b.decision, b.confidence, "operator ballot"); err != nil {
			return fmt.Errorf("cast ballot for %s: %w", b.voter, err)
		}
	}

	return awaitResult(ctx, results, proposalID)
}

// voterRoster returns the persisted voter identities, padded with generated
// ones up to want.
func voterRoster(want int) []string {
	var ids []string
	if hist, err := store.NewHistoryStore(cfg.Storage.Path); err == nil {
		ids, _ = hist.ListVoters()
		_ = hist.Close()
	}
	for i := len(ids); i < want; i++ {
		ids = append(ids, fmt.Sprintf("voter-%d", i+1))
	}
	return ids
}

type ballot struct {
	voter      string
	decision   consensus.Decision
	confidence float64
}

// parseBallots decodes voter=decision:confidence entries. The confidence
// part is optional and defaults to 1.
func parseBallots(raw []string) ([]ballot, error) {
	ballots := make([]ballot, 0, len(raw))
	for _, entry := range raw {
		voter, rest, ok := strings.Cut(entry, "=")
		if !ok || voter == "" {
			return nil, fmt.Errorf("malformed ballot %q, want voter=decision:confidence", entry)
		}
		decision, conf, hasConf := strings.Cut(rest, ":")
		b := ballot{voter: voter, confidence: 1}
		switch consensus.Decision(decision) {
		case consensus.DecisionApprove, consensus.DecisionReject, consensus.DecisionAbstain:
			b.decision = consensus.Decision(decision)
		default:
			return nil, fmt.Errorf("ballot %q has unknown decision %q", entry, decision)
		}
		if hasConf {
			parsed, err := strconv.ParseFloat(conf, 64)
			if err != nil || parsed < 0 || parsed > 1 {
				return nil, fmt.Errorf("ballot %q confidence must be in [0,1]", entry)
			}
			b.confidence = parsed
		}
		ballots = append(ballots, b)
	}
	return ballots, nil
}

func awaitResult(ctx context.Context, results <-chan fabric.Event, proposalID uuid.UUID) error {
	timeout := time.After(cfg.Consensus.VoteTTL + time.Second)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			fmt.Println("proposal expired without quorum")
			return nil
		case event, ok := <-results:
			if !ok {
				return nil
			}
			result, ok := event.Payload.(consensus.Result)
			if !ok || result.ProposalID != proposalID {
				continue
			}
			fmt.Printf("decision:   %s\n", result.Decision)
			fmt.Printf("confidence: %.2f\n", result.Confidence)
			for decision, count := range result.VoteCounts {
				fmt.Printf("  %s: %d\n", decision, count)
			}
			return nil
		}
	}
}
