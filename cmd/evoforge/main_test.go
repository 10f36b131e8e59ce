package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evoforge/internal/consensus"
	"evoforge/internal/store"
)

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"daemon", "evolve", "chaos", "consensus", "status"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}

	evolveSubs := map[string]bool{}
	for _, cmd := range evolveCmd.Commands() {
		evolveSubs[cmd.Name()] = true
	}
	for _, want := range []string{"start", "status"} {
		assert.True(t, evolveSubs[want], "missing evolve subcommand %q", want)
	}

	consensusSubs := map[string]bool{}
	for _, cmd := range consensusCmd.Commands() {
		consensusSubs[cmd.Name()] = true
	}
	for _, want := range []string{"register", "propose", "vote", "history"} {
		assert.True(t, consensusSubs[want], "missing consensus subcommand %q", want)
	}

	chaosSubs := map[string]bool{}
	for _, cmd := range chaosCmd.Commands() {
		chaosSubs[cmd.Name()] = true
	}
	for _, want := range []string{"create", "run", "abort", "list", "faults"} {
		assert.True(t, chaosSubs[want], "missing chaos subcommand %q", want)
	}

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, daemonCmd.Flags().Lookup("voters"))
	assert.NotNil(t, chaosRunCmd.Flags().Lookup("fault"))
	assert.NotNil(t, chaosRunCmd.Flags().Lookup("id"))
	assert.NotNil(t, consensusVoteCmd.Flags().Lookup("ballot"))
}

func TestConsensusProposeCommand(t *testing.T) {
	t.Setenv("EVOFORGE_STORAGE_PATH", filepath.Join(t.TempDir(), "history.db"))
	rootCmd.SetArgs([]string{"consensus", "propose", "--voters", "3", "--quorum", "3"})
	require.NoError(t, rootCmd.Execute())
}

func TestConsensusVoteCommand(t *testing.T) {
	t.Setenv("EVOFORGE_STORAGE_PATH", filepath.Join(t.TempDir(), "history.db"))
	rootCmd.SetArgs([]string{"consensus", "vote",
		"--ballot", "alice=approve:0.9",
		"--ballot", "bob=approve:0.8",
		"--ballot", "carol=reject:0.6",
	})
	require.NoError(t, rootCmd.Execute())
}

func TestConsensusRegisterPersistsVoters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("EVOFORGE_STORAGE_PATH", path)
	rootCmd.SetArgs([]string{"consensus", "register", "alice", "bob"})
	require.NoError(t, rootCmd.Execute())

	hist, err := store.NewHistoryStore(path)
	require.NoError(t, err)
	defer hist.Close()
	voters, err := hist.ListVoters()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, voters)
}

func TestChaosCreateThenRunByID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("EVOFORGE_STORAGE_PATH", path)

	rootCmd.SetArgs([]string{"chaos", "create",
		"--fault", "latency_injection", "--target", "scheduler", "--duration", "100ms"})
	require.NoError(t, rootCmd.Execute())

	hist, err := store.NewHistoryStore(path)
	require.NoError(t, err)
	records, err := hist.ListExperiments(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "planned", records[0].Status)
	require.NoError(t, hist.Close())

	rootCmd.SetArgs([]string{"chaos", "run", "--id", records[0].ID})
	require.NoError(t, rootCmd.Execute())

	hist, err = store.NewHistoryStore(path)
	require.NoError(t, err)
	defer hist.Close()
	final, err := hist.GetExperiment(records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", final.Status)
}

func TestParseBallots(t *testing.T) {
	ballots, err := parseBallots([]string{"alice=approve:0.9", "bob=reject"})
	require.NoError(t, err)
	require.Len(t, ballots, 2)
	assert.Equal(t, consensus.DecisionApprove, ballots[0].decision)
	assert.InDelta(t, 0.9, ballots[0].confidence, 1e-9)
	assert.Equal(t, "bob", ballots[1].voter)
	assert.InDelta(t, 1.0, ballots[1].confidence, 1e-9)

	for _, bad := range []string{"", "=approve", "alice=maybe", "alice=approve:2"} {
		_, err := parseBallots([]string{bad})
		assert.Error(t, err, "entry %q should be rejected", strings.TrimSpace(bad))
	}
}
