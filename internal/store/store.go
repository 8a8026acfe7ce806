// Package store persists scenarios and their run history in SQLite. The
// scenario counter update happens inside the same transaction that writes
// the run row, so concurrent runs of one scenario cannot lose updates.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tpmjs/scenario-engine/internal/score"
	"github.com/tpmjs/scenario-engine/pkg/types"
)

// ErrNotFound is returned when a scenario or run does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a SQLite-backed scenario and run store.
type Store struct {
	db      *sql.DB
	scoring score.Config
}

// Open opens (or creates) the database at path and prepares the schema.
func Open(path string, scoring score.Config) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db, scoring)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates the scenarios and runs tables if they don't exist, then
// returns a Store backed by the provided *sql.DB.
func New(db *sql.DB, scoring score.Config) (*Store, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scenarios (
			id                 TEXT    PRIMARY KEY,
			prompt             TEXT    NOT NULL,
			assertions         TEXT,
			quality_score      REAL    NOT NULL DEFAULT 0,
			total_runs         INTEGER NOT NULL DEFAULT 0,
			consecutive_passes INTEGER NOT NULL DEFAULT 0,
			consecutive_fails  INTEGER NOT NULL DEFAULT 0,
			last_run_status    TEXT    NOT NULL DEFAULT '',
			created_at         INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("create scenarios table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id                 TEXT    PRIMARY KEY,
			scenario_id        TEXT    NOT NULL,
			agent_output       TEXT    NOT NULL,
			conversation       TEXT,
			evaluator_model_id TEXT    NOT NULL,
			evaluation         TEXT,
			assertion_results  TEXT,
			final_verdict      TEXT    NOT NULL DEFAULT '',
			status             TEXT    NOT NULL,
			error              TEXT    NOT NULL DEFAULT '',
			execution_time_ms  INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_scenario_ts
		ON runs (scenario_id, created_at)
	`); err != nil {
		return nil, fmt.Errorf("create runs index: %w", err)
	}

	return &Store{db: db, scoring: scoring}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateScenario inserts a new scenario. An empty ID gets a generated one.
func (s *Store) CreateScenario(sc *types.Scenario) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}

	assertions, err := marshalNullable(sc.Assertions)
	if err != nil {
		return fmt.Errorf("marshal assertions: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO scenarios (id, prompt, assertions, quality_score, total_runs,
		   consecutive_passes, consecutive_fails, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Prompt, assertions, sc.QualityScore, sc.TotalRuns,
		sc.ConsecutivePasses, sc.ConsecutiveFails, sc.LastRunStatus, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert scenario: %w", err)
	}
	return nil
}

// GetScenario loads a scenario by id, or ErrNotFound.
func (s *Store) GetScenario(id string) (*types.Scenario, error) {
	row := s.db.QueryRow(
		`SELECT id, prompt, assertions, quality_score, total_runs,
		   consecutive_passes, consecutive_fails, last_run_status
		 FROM scenarios WHERE id = ?`,
		id,
	)
	return scanScenario(row)
}

// ApplyRun persists a completed run and advances the scenario's counters
// in one transaction. The counters are re-read inside the transaction and
// the score update recomputed there, so two concurrent completions of the
// same scenario serialize instead of overwriting each other. Returns the
// scenario as it stands after the run.
func (s *Store) ApplyRun(run *types.Run) (*types.Scenario, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, prompt, assertions, quality_score, total_runs,
		   consecutive_passes, consecutive_fails, last_run_status
		 FROM scenarios WHERE id = ?`,
		run.ScenarioID,
	)
	sc, err := scanScenario(row)
	if err != nil {
		return nil, err
	}

	next := score.Apply(score.FromScenario(sc), run.FinalVerdict, s.scoring)

	if err := insertRun(tx, run); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`UPDATE scenarios
		 SET quality_score = ?, total_runs = ?, consecutive_passes = ?,
		     consecutive_fails = ?, last_run_status = ?
		 WHERE id = ?`,
		next.QualityScore, next.TotalRuns, next.ConsecutivePasses,
		next.ConsecutiveFails, next.LastRunStatus, run.ScenarioID,
	); err != nil {
		return nil, fmt.Errorf("update scenario counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run: %w", err)
	}

	sc.QualityScore = next.QualityScore
	sc.TotalRuns = next.TotalRuns
	sc.ConsecutivePasses = next.ConsecutivePasses
	sc.ConsecutiveFails = next.ConsecutiveFails
	sc.LastRunStatus = next.LastRunStatus
	return sc, nil
}

// RecordError persists a run that errored before producing a verdict.
// Scenario counters are untouched: errored runs never move the score.
func (s *Store) RecordError(run *types.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.Status = types.RunStatusError
	run.FinalVerdict = ""

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRun(tx, run); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit errored run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs for the scenario, most recent first.
func (s *Store) RecentRuns(scenarioID string, limit int) ([]types.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, scenario_id, agent_output, conversation, evaluator_model_id,
		   evaluation, assertion_results, final_verdict, status, error,
		   execution_time_ms, created_at
		 FROM runs WHERE scenario_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		scenarioID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		var (
			r          types.Run
			convo      sql.NullString
			evaluation sql.NullString
			assertions sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&r.ID, &r.ScenarioID, &r.AgentOutput, &convo, &r.EvaluatorModelID,
			&evaluation, &assertions, &r.FinalVerdict, &r.Status, &r.Error,
			&r.ExecutionTimeMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if convo.Valid && convo.String != "" {
			if err := json.Unmarshal([]byte(convo.String), &r.Conversation); err != nil {
				return nil, fmt.Errorf("decode conversation for run %s: %w", r.ID, err)
			}
		}
		if evaluation.Valid && evaluation.String != "" {
			r.Evaluation = &types.EvaluationResult{}
			if err := json.Unmarshal([]byte(evaluation.String), r.Evaluation); err != nil {
				return nil, fmt.Errorf("decode evaluation for run %s: %w", r.ID, err)
			}
		}
		if assertions.Valid && assertions.String != "" {
			r.AssertionResults = &types.AssertionResults{}
			if err := json.Unmarshal([]byte(assertions.String), r.AssertionResults); err != nil {
				return nil, fmt.Errorf("decode assertion results for run %s: %w", r.ID, err)
			}
		}
		r.CreatedAt = time.Unix(0, createdAt)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent runs rows: %w", err)
	}
	return runs, nil
}

// RunCounts returns how many runs of the scenario passed, failed, and
// errored.
func (s *Store) RunCounts(scenarioID string) (passes, fails, errored int, err error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM runs WHERE scenario_id = ? GROUP BY status`,
		scenarioID,
	)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("query run counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("scan run count: %w", err)
		}
		switch status {
		case types.VerdictPass:
			passes = n
		case types.VerdictFail:
			fails = n
		case types.RunStatusError:
			errored = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("run counts rows: %w", err)
	}
	return passes, fails, errored, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScenario(row rowScanner) (*types.Scenario, error) {
	var (
		sc         types.Scenario
		assertions sql.NullString
	)
	err := row.Scan(&sc.ID, &sc.Prompt, &assertions, &sc.QualityScore, &sc.TotalRuns,
		&sc.ConsecutivePasses, &sc.ConsecutiveFails, &sc.LastRunStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan scenario: %w", err)
	}
	if assertions.Valid && assertions.String != "" {
		sc.Assertions = &types.AssertionPolicy{}
		if err := json.Unmarshal([]byte(assertions.String), sc.Assertions); err != nil {
			return nil, fmt.Errorf("decode assertions for scenario %s: %w", sc.ID, err)
		}
	}
	return &sc, nil
}

func insertRun(tx *sql.Tx, run *types.Run) error {
	convo, err := marshalNullable(run.Conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	evaluation, err := marshalNullable(run.Evaluation)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	assertions, err := marshalNullable(run.AssertionResults)
	if err != nil {
		return fmt.Errorf("marshal assertion results: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO runs (id, scenario_id, agent_output, conversation, evaluator_model_id,
		   evaluation, assertion_results, final_verdict, status, error, execution_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScenarioID, run.AgentOutput, convo, run.EvaluatorModelID,
		evaluation, assertions, run.FinalVerdict, run.Status, run.Error,
		run.ExecutionTimeMS, run.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// marshalNullable serializes v as JSON, mapping nil (or nil-like) values
// to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *types.AssertionPolicy:
		if t == nil {
			return nil, nil
		}
	case *types.EvaluationResult:
		if t == nil {
			return nil, nil
		}
	case *types.AssertionResults:
		if t == nil {
			return nil, nil
		}
	case []types.Turn:
		if len(t) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
