package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"sirsim/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	seed INTEGER NOT NULL,
	population INTEGER NOT NULL,
	steps INTEGER NOT NULL,
	workers INTEGER NOT NULL,
	threads INTEGER NOT NULL,
	initial_infected REAL NOT NULL,
	params TEXT NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS step_counts (
	run_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	susceptible INTEGER NOT NULL,
	infected INTEGER NOT NULL,
	recovered INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, step),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

var ErrRunNotFound = errors.New("run not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode run params: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs(
			id, seed, population, steps, workers, threads, initial_infected,
			params, status, last_error, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, int64(run.Seed), run.Population, run.Steps, run.Workers, run.Threads, run.InitialInfected,
		string(params), string(run.Status), run.LastError, run.CreatedAt.UnixMilli(), run.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) AppendStep(ctx context.Context, report domain.StepReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append step: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO step_counts(run_id, step, susceptible, infected, recovered, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		report.RunID, report.Step, report.Susceptible, report.Infected, report.Recovered, now,
	); err != nil {
		return fmt.Errorf("append step %d: %w", report.Step, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, now, report.RunID); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append step: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().UnixMilli(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `id, seed, population, steps, workers, threads, initial_infected,
	params, status, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var r domain.Run
	var seed int64
	var params, status string
	var created, updated int64
	if err := row.Scan(
		&r.ID, &seed, &r.Population, &r.Steps, &r.Workers, &r.Threads, &r.InitialInfected,
		&params, &status, &r.LastError, &created, &updated,
	); err != nil {
		return domain.Run{}, err
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return domain.Run{}, fmt.Errorf("decode run params: %w", err)
	}
	r.Seed = uint64(seed)
	r.Status = domain.RunStatus(status)
	r.CreatedAt = unixMilliToTime(created)
	r.UpdatedAt = unixMilliToTime(updated)
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the newest runs first. A limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]domain.StepReport, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT step, susceptible, infected, recovered FROM step_counts
		WHERE run_id = ? ORDER BY step ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StepReport, 0)
	for rows.Next() {
		item := domain.StepReport{RunID: runID}
		if err := rows.Scan(&item.Step, &item.Susceptible, &item.Infected, &item.Recovered); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return result, nil
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
