// Package config loads evoforge configuration from YAML with environment
// overrides. Defaults are safe to run a local daemon without any file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all evoforge settings.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Chaos     ChaosConfig     `yaml:"chaos"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig controls the daemon listeners.
type ServerConfig struct {
	MetricsAddress string `yaml:"metricsAddress"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// ConsensusConfig controls the proposal/vote engine.
type ConsensusConfig struct {
	VoteTTL time.Duration `yaml:"voteTTL"`
}

// SandboxConfig controls the mutation evaluator.
type SandboxConfig struct {
	MaxSandboxes int           `yaml:"maxSandboxes"`
	TestTimeout  time.Duration `yaml:"testTimeout"`
}

// EvolutionConfig controls the cycle orchestrator.
type EvolutionConfig struct {
	MutationsPerCycle int           `yaml:"mutationsPerCycle"`
	MaxSelected       int           `yaml:"maxSelected"`
	FitnessThreshold  float64       `yaml:"fitnessThreshold"`
	CycleInterval     time.Duration `yaml:"cycleInterval"`
	QuorumSize        int           `yaml:"quorumSize"`
}

// ChaosConfig controls the fault-injection engine.
type ChaosConfig struct {
	SampleInterval  time.Duration `yaml:"sampleInterval"`
	ResilienceFloor float64       `yaml:"resilienceFloor"`
	ProposalQuorum  int           `yaml:"proposalQuorum"`
	Targets         []string      `yaml:"targets"`
}

// StorageConfig controls the history database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress: ":9464",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Consensus: ConsensusConfig{
			VoteTTL: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			MaxSandboxes: 10,
			TestTimeout:  5 * time.Second,
		},
		Evolution: EvolutionConfig{
			MutationsPerCycle: 4,
			MaxSelected:       2,
			FitnessThreshold:  0.8,
			CycleInterval:     30 * time.Second,
			QuorumSize:        3,
		},
		Chaos: ChaosConfig{
			SampleInterval:  500 * time.Millisecond,
			ResilienceFloor: 0.5,
			ProposalQuorum:  3,
			Targets:         []string{"api-gateway", "scheduler", "storage", "message-bus"},
		},
		Storage: StorageConfig{
			Path: "evoforge.db",
		},
	}
}

// Load reads the configuration at path, falling back to defaults when the
// file does not exist, then applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("EVOFORGE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// Defaults apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EVOFORGE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("EVOFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EVOFORGE_VOTE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consensus.VoteTTL = d
		}
	}
	if v := os.Getenv("EVOFORGE_MAX_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.MaxSandboxes = n
		}
	}
	if v := os.Getenv("EVOFORGE_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Evolution.CycleInterval = d
		}
	}
	if v := os.Getenv("EVOFORGE_FITNESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Evolution.FitnessThreshold = f
		}
	}
	if v := os.Getenv("EVOFORGE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	if c.Consensus.VoteTTL <= 0 {
		return fmt.Errorf("consensus.voteTTL must be positive, got %v", c.Consensus.VoteTTL)
	}
	if c.Sandbox.MaxSandboxes < 1 {
		return fmt.Errorf("sandbox.maxSandboxes must be at least 1, got %d", c.Sandbox.MaxSandboxes)
	}
	if c.Evolution.MutationsPerCycle < 3 || c.Evolution.MutationsPerCycle > 5 {
		return fmt.Errorf("evolution.mutationsPerCycle must be between 3 and 5, got %d", c.Evolution.MutationsPerCycle)
	}
	if c.Evolution.MaxSelected < 1 {
		return fmt.Errorf("evolution.maxSelected must be at least 1, got %d", c.Evolution.MaxSelected)
	}
	if c.Evolution.FitnessThreshold < 0 || c.Evolution.FitnessThreshold > 1 {
		return fmt.Errorf("evolution.fitnessThreshold must be in [0,1], got %v", c.Evolution.FitnessThreshold)
	}
	if c.Evolution.QuorumSize < 1 {
		return fmt.Errorf("evolution.quorumSize must be at least 1, got %d", c.Evolution.QuorumSize)
	}
	if c.Chaos.SampleInterval <= 0 {
		return fmt.Errorf("chaos.sampleInterval must be positive, got %v", c.Chaos.SampleInterval)
	}
	if c.Chaos.ResilienceFloor < 0 || c.Chaos.ResilienceFloor > 1 {
		return fmt.Errorf("chaos.resilienceFloor must be in [0,1], got %v", c.Chaos.ResilienceFloor)
	}
	if len(c.Chaos.Targets) == 0 {
		return fmt.Errorf("chaos.targets must name at least one target")
	}
	for _, target := range c.Chaos.Targets {
		if target == "" {
			return fmt.Errorf("chaos.targets must not contain empty names")
		}
	}
	return nil
}
