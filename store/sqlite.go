// ABOUTME: SQLite-backed record store for pipelines and their steps.
// ABOUTME: Provides definition CRUD plus the run-time reads and writes the executor depends on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389-research/stepwise/pipeline"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a pipeline or step does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunning is returned when a change is refused because the pipeline is running.
	ErrRunning = errors.New("pipeline is running")

	// ErrLeaseLost is returned when a run writes to a pipeline another run has taken over.
	ErrLeaseLost = errors.New("run lease lost")
)

const timeLayout = time.RFC3339Nano

// DefaultLeaseTTL is how long a run keeps its pipeline without renewing.
// A running pipeline whose lease has expired belongs to a dead process.
const DefaultLeaseTTL = 2 * time.Minute

// InterruptedMessage is recorded on steps that were running when the process stopped.
const InterruptedMessage = "interrupted by restart"

// SQLiteStore persists pipelines and steps in a single SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	now      func() time.Time
	leaseTTL time.Duration
}

// Open opens or creates the database at path and ensures the schema exists.
// The parent directory is created when missing.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			model TEXT NOT NULL,
			prompt_template TEXT NOT NULL,
			completion_criteria TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			input_context TEXT NOT NULL DEFAULT '',
			output_content TEXT NOT NULL DEFAULT '',
			error_log TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (pipeline_id) REFERENCES pipelines(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_steps_pipeline ON steps(pipeline_id, step_order);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	// databases created before run leases existed
	for _, col := range []string{
		"run_id TEXT NOT NULL DEFAULT ''",
		"lease_expires INTEGER NOT NULL DEFAULT 0",
	} {
		if _, err := db.Exec("ALTER TABLE pipelines ADD COLUMN " + col); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				_ = db.Close()
				return nil, fmt.Errorf("add column %s: %w", strings.Fields(col)[0], err)
			}
		}
	}

	return &SQLiteStore{db: db, now: time.Now, leaseTTL: DefaultLeaseTTL}, nil
}

// SetLeaseTTL changes how long a run holds its pipeline between renewals.
// Non-positive values restore DefaultLeaseTTL.
func (s *SQLiteStore) SetLeaseTTL(d time.Duration) {
	if d <= 0 {
		d = DefaultLeaseTTL
	}
	s.leaseTTL = d
}

// LeaseTTL returns the lease duration in effect.
func (s *SQLiteStore) LeaseTTL() time.Duration {
	return s.leaseTTL
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Create inserts a new pipeline and all of its steps.
func (s *SQLiteStore) Create(ctx context.Context, p *pipeline.Pipeline) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pipelines (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.Name, string(p.Status), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert pipeline: %w", err)
		}
		return insertSteps(ctx, tx, p.Steps)
	})
}

// Redefine renames the pipeline, resets it to pending, and replaces all of its
// steps with those of def. Refused with ErrRunning while a live run holds it.
func (s *SQLiteStore) Redefine(ctx context.Context, id string, def pipeline.Definition) (*pipeline.Pipeline, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pipelines SET name = ?, status = ?, updated_at = ?, run_id = '', lease_expires = 0
			 WHERE id = ? AND (status != ? OR lease_expires < ?)`,
			def.Name, string(pipeline.StatusPending), formatTime(now), id, string(pipeline.StatusRunning), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("update pipeline: %w", err)
		}
		if err := casResult(ctx, tx, res, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE pipeline_id = ?`, id); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		return insertSteps(ctx, tx, def.NewSteps(id))
	})
	if err != nil {
		return nil, err
	}
	return s.GetPipelineWithSteps(ctx, id)
}

// Delete removes the pipeline and, by cascade, its steps. Refused with
// ErrRunning while a live run holds it.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM pipelines WHERE id = ? AND (status != ? OR lease_expires < ?)`,
			id, string(pipeline.StatusRunning), s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("delete pipeline: %w", err)
		}
		return casResult(ctx, tx, res, id)
	})
}

// List returns every pipeline with its ordered steps, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*pipeline.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM pipelines ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	var out []*pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}
	_ = rows.Close()

	for _, p := range out {
		steps, err := loadSteps(ctx, s.db, p.ID)
		if err != nil {
			return nil, err
		}
		p.Steps = steps
	}
	return out, nil
}

// GetPipelineWithSteps returns the pipeline and its steps in execution order,
// or ErrNotFound.
func (s *SQLiteStore) GetPipelineWithSteps(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM pipelines WHERE id = ?`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	steps, err := loadSteps(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

// SaveStep writes the run-time fields of a step on behalf of runID. The write
// is refused with ErrLeaseLost when the step's pipeline belongs to another
// run. An empty runID matches a pipeline that has not been run.
func (s *SQLiteStore) SaveStep(ctx context.Context, runID string, step *pipeline.Step) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, input_context = ?, output_content = ?, error_log = ?
		 WHERE id = ? AND EXISTS (SELECT 1 FROM pipelines WHERE pipelines.id = steps.pipeline_id AND run_id = ?)`,
		string(step.Status), step.InputContext, step.OutputContent, step.ErrorLog, step.ID, runID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE id = ?`, step.ID).Scan(&exists); err != nil {
		return fmt.Errorf("read step: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("step %s: %w", step.ID, ErrNotFound)
	}
	return fmt.Errorf("step %s: %w", step.ID, ErrLeaseLost)
}

// SavePipeline writes the name, status, and update time of a pipeline on
// behalf of runID, with the same ownership rule as SaveStep.
func (s *SQLiteStore) SavePipeline(ctx context.Context, runID string, p *pipeline.Pipeline) error {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET name = ?, status = ?, updated_at = ? WHERE id = ? AND run_id = ?`,
		p.Name, string(p.Status), formatTime(updated), p.ID, runID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.ownerMismatch(ctx, p.ID)
}

// BeginRun hands the pipeline to runID: it moves the pipeline to running,
// starts a lease, and resets every step to pending with cleared run fields.
// A running pipeline whose lease has expired is taken over. It returns
// ErrRunning while a live run holds the pipeline and ErrNotFound when it does
// not exist.
func (s *SQLiteStore) BeginRun(ctx context.Context, id, runID string) error {
	now := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pipelines SET status = ?, updated_at = ?, run_id = ?, lease_expires = ?
			 WHERE id = ? AND (status != ? OR lease_expires < ?)`,
			string(pipeline.StatusRunning), formatTime(now), runID, now.Add(s.leaseTTL).UnixMilli(),
			id, string(pipeline.StatusRunning), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		if err := casResult(ctx, tx, res, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, input_context = '', output_content = '', error_log = '' WHERE pipeline_id = ?`,
			string(pipeline.StatusPending), id,
		)
		if err != nil {
			return fmt.Errorf("reset steps: %w", err)
		}
		return nil
	})
}

// RenewRun extends runID's lease on the pipeline. It returns ErrLeaseLost
// once the pipeline has been taken over, recovered, or finished.
func (s *SQLiteStore) RenewRun(ctx context.Context, id, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET lease_expires = ? WHERE id = ? AND run_id = ? AND status = ?`,
		s.now().Add(s.leaseTTL).UnixMilli(), id, runID, string(pipeline.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.ownerMismatch(ctx, id)
}

// RecoverInterrupted fails every pipeline whose run lease has expired, and
// its running steps, so they can be run again. Pipelines held by a live run
// in another process are left alone. It returns the number of pipelines changed.
func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) (int, error) {
	var changed int64
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, error_log = ?
			 WHERE status = ? AND pipeline_id IN (
				SELECT id FROM pipelines WHERE status = ? AND lease_expires < ?)`,
			string(pipeline.StatusFailed), InterruptedMessage, string(pipeline.StatusRunning),
			string(pipeline.StatusRunning), now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("fail running steps: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE pipelines SET status = ?, updated_at = ?, run_id = '', lease_expires = 0
			 WHERE status = ? AND lease_expires < ?`,
			string(pipeline.StatusFailed), formatTime(now), string(pipeline.StatusRunning), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("fail running pipelines: %w", err)
		}
		changed, _ = res.RowsAffected()
		return nil
	})
	return int(changed), err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ownerMismatch explains a run-scoped write that matched no rows.
func (s *SQLiteStore) ownerMismatch(ctx context.Context, id string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipelines WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("read pipeline: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("pipeline %s: %w", id, ErrLeaseLost)
}

// casResult interprets a conditional update guarded by the live-run check:
// zero rows means either a running pipeline or a missing one.
func casResult(ctx context.Context, q querier, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM pipelines WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("pipeline %s: %w", id, ErrRunning)
}

func insertSteps(ctx context.Context, q querier, steps []pipeline.Step) error {
	for _, st := range steps {
		_, err := q.ExecContext(ctx,
			`INSERT INTO steps (id, pipeline_id, step_order, model, prompt_template, completion_criteria,
				status, input_context, output_content, error_log)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.PipelineID, st.Order, st.Model, st.PromptTemplate, st.Criteria.String(),
			string(st.Status), st.InputContext, st.OutputContent, st.ErrorLog,
		)
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}
	return nil
}

func loadSteps(ctx context.Context, q querier, pipelineID string) ([]pipeline.Step, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, pipeline_id, step_order, model, prompt_template, completion_criteria,
			status, input_context, output_content, error_log
		 FROM steps WHERE pipeline_id = ? ORDER BY step_order ASC, id ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []pipeline.Step{}
	for rows.Next() {
		var st pipeline.Step
		var criteria, status string
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Order, &st.Model, &st.PromptTemplate, &criteria,
			&status, &st.InputContext, &st.OutputContent, &st.ErrorLog); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Criteria = pipeline.ParseCriteria(criteria)
		st.Status = pipeline.Status(status)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row scanner) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var status, created, updated string
	if err := row.Scan(&p.ID, &p.Name, &status, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}
	p.Status = pipeline.Status(status)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
