// Package store persists the durable history of the governed mutation
// pipeline: evaluated mutations, consensus outcomes, and chaos experiment
// results. Backed by SQLite so operator queries survive daemon restarts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MutationRecord is the persisted form of a mutation and its final fate.
type MutationRecord struct {
	ID          string
	Category    string
	Target      string
	Description string
	Fitness     float64
	Status      string
	GeneratedAt time.Time
	UpdatedAt   time.Time
	Detail      []byte // JSON-encoded test results
}

// ConsensusRecord is the persisted form of a resolved proposal.
type ConsensusRecord struct {
	ProposalID string
	Type       string
	Decision   string
	Confidence float64
	Votes      int
	ResolvedAt time.Time
	Detail     []byte // JSON-encoded vote counts and participants
}

// ExperimentRecord is the persisted form of a terminal chaos experiment.
type ExperimentRecord struct {
	ID         string
	Name       string
	FaultType  string
	Target     string
	Status     string
	Resilience float64
	StartTime  time.Time
	EndTime    time.Time
	Detail     []byte // JSON-encoded experiment result
}

// HistoryStore wraps the SQLite handle. Writes are serialized; reads run
// concurrently.
type HistoryStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewHistoryStore opens (creating if needed) the database at path.
// ":memory:" is supported for tests.
func NewHistoryStore(path string) (*HistoryStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create storage directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &HistoryStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *HistoryStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		target TEXT NOT NULL,
		description TEXT,
		fitness REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		generated_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);

	CREATE TABLE IF NOT EXISTS consensus_results (
		proposal_id TEXT PRIMARY KEY,
		proposal_type TEXT NOT NULL,
		decision TEXT NOT NULL,
		confidence REAL NOT NULL,
		votes INTEGER NOT NULL,
		resolved_at DATETIME NOT NULL,
		detail TEXT
	);

	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		fault_type TEXT NOT NULL,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		resilience REAL NOT NULL DEFAULT 0,
		start_time DATETIME,
		end_time DATETIME,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

	CREATE TABLE IF NOT EXISTS voters (
		id TEXT PRIMARY KEY,
		registered_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize history schema: %w", err)
	}
	return nil
}

// SaveMutation inserts or updates a mutation record.
func (s *HistoryStore) SaveMutation(r MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO mutations (id, category, target, description, fitness, status, generated_at, updated_at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fitness = excluded.fitness,
			status = excluded.status,
			updated_at = excluded.updated_at,
			detail = excluded.detail`,
		r.ID, r.Category, r.Target, r.Description, r.Fitness, r.Status,
		r.GeneratedAt, r.UpdatedAt, string(r.Detail))
	if err != nil {
		return fmt.Errorf("save mutation %s: %w", r.ID, err)
	}
	return nil
}

// ListMutations returns the most recently updated mutations, newest first.
func (s *HistoryStore) ListMutations(limit int) ([]MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT id, category, target, description, fitness, status, generated_at, updated_at, COALESCE(detail, '')
		FROM mutations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var out []MutationRecord
	for rows.Next() {
		var r MutationRecord
		var detail string
		if err := rows.Scan(&r.ID, &r.Category, &r.Target, &r.Description,
			&r.Fitness, &r.Status, &r.GeneratedAt, &r.UpdatedAt, &detail); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		r.Detail = []byte(detail)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveConsensusResult records a resolved proposal. Results are immutable:
// a second save for the same proposal id is rejected by the primary key.
func (s *HistoryStore) SaveConsensusResult(r ConsensusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO consensus_results (proposal_id, proposal_type, decision, confidence, votes, resolved_at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ProposalID, r.Type, r.Decision, r.Confidence, r.Votes, r.ResolvedAt, string(r.Detail))
	if err != nil {
		return fmt.Errorf("save consensus result %s: %w", r.ProposalID, err)
	}
	return nil
}

// ListConsensusResults returns recorded results, newest first.
func (s *HistoryStore) ListConsensusResults(limit int) ([]ConsensusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT proposal_id, proposal_type, decision, confidence, votes, resolved_at, COALESCE(detail, '')
		FROM consensus_results ORDER BY resolved_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list consensus results: %w", err)
	}
	defer rows.Close()

	var out []ConsensusRecord
	for rows.Next() {
		var r ConsensusRecord
		var detail string
		if err := rows.Scan(&r.ProposalID, &r.Type, &r.Decision, &r.Confidence,
			&r.Votes, &r.ResolvedAt, &detail); err != nil {
			return nil, fmt.Errorf("scan consensus result: %w", err)
		}
		r.Detail = []byte(detail)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveExperiment inserts or updates an experiment record.
func (s *HistoryStore) SaveExperiment(r ExperimentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO experiments (id, name, fault_type, target, status, resilience, start_time, end_time, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			resilience = excluded.resilience,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			detail = excluded.detail`,
		r.ID, r.Name, r.FaultType, r.Target, r.Status, r.Resilience,
		r.StartTime, r.EndTime, string(r.Detail))
	if err != nil {
		return fmt.Errorf("save experiment %s: %w", r.ID, err)
	}
	return nil
}

// ListExperiments returns experiment records, newest first.
func (s *HistoryStore) ListExperiments(limit int) ([]ExperimentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT id, name, fault_type, target, status, resilience,
			COALESCE(start_time, '0001-01-01 00:00:00'), COALESCE(end_time, '0001-01-01 00:00:00'), COALESCE(detail, '')
		FROM experiments ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []ExperimentRecord
	for rows.Next() {
		var r ExperimentRecord
		var detail string
		if err := rows.Scan(&r.ID, &r.Name, &r.FaultType, &r.Target, &r.Status,
			&r.Resilience, &r.StartTime, &r.EndTime, &detail); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		r.Detail = []byte(detail)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetExperiment returns the record for one experiment id.
func (s *HistoryStore) GetExperiment(id string) (ExperimentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r ExperimentRecord
	var detail string
	err := s.db.QueryRow(`
		SELECT id, name, fault_type, target, status, resilience,
			COALESCE(start_time, '0001-01-01 00:00:00'), COALESCE(end_time, '0001-01-01 00:00:00'), COALESCE(detail, '')
		FROM experiments WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.FaultType, &r.Target, &r.Status,
			&r.Resilience, &r.StartTime, &r.EndTime, &detail)
	if err != nil {
		return ExperimentRecord{}, fmt.Errorf("get experiment %s: %w", id, err)
	}
	r.Detail = []byte(detail)
	return r, nil
}

// RegisterVoter persists a voter id. Idempotent.
func (s *HistoryStore) RegisterVoter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO voters (id, registered_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`, id, time.Now())
	if err != nil {
		return fmt.Errorf("register voter %s: %w", id, err)
	}
	return nil
}

// ListVoters returns all persisted voter ids in registration order.
func (s *HistoryStore) ListVoters() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id FROM voters ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list voters: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan voter: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MutationStatusCounts returns how many stored mutations carry each status.
func (s *HistoryStore) MutationStatusCounts() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count mutations: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan mutation count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
