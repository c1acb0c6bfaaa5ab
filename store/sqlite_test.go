// ABOUTME: Tests for the SQLite record store against temp-dir databases.
// ABOUTME: Covers CRUD, cascade delete, run leases and takeover, step reset, and restart recovery.
package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389-research/stepwise/pipeline"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "stepwise.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func twoStepDefinition() pipeline.Definition {
	return pipeline.Definition{
		Name: "summarize",
		Steps: []pipeline.StepDefinition{
			{Order: 2, Model: "m", PromptTemplate: "refine {previous_context}", CompletionCriteria: "CONTAINS:ok"},
			{Order: 1, Model: "m", PromptTemplate: "draft", CompletionCriteria: "always_pass"},
		},
	}
}

func createPipeline(t *testing.T, s *SQLiteStore) *pipeline.Pipeline {
	t.Helper()
	p := twoStepDefinition().NewPipeline(time.Now())
	if err := s.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	p := createPipeline(t, s)

	got, err := s.GetPipelineWithSteps(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	if got.Name != "summarize" || got.Status != pipeline.StatusPending {
		t.Errorf("pipeline = %+v", got)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(got.Steps))
	}
	if got.Steps[0].Order != 1 || got.Steps[1].Order != 2 {
		t.Errorf("steps out of order: %d, %d", got.Steps[0].Order, got.Steps[1].Order)
	}
	if got.Steps[1].Criteria.Kind != pipeline.CriteriaContains || got.Steps[1].Criteria.Arg != "ok" {
		t.Errorf("criteria = %+v, want contains ok", got.Steps[1].Criteria)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not round-tripped")
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetPipelineWithSteps(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveStepAndPipeline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)

	step := p.Steps[0]
	step.Status = pipeline.StatusFailed
	step.InputContext = "in"
	step.OutputContent = "out"
	step.ErrorLog = "boom"
	if err := s.SaveStep(ctx, "", &step); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}
	p.Status = pipeline.StatusFailed
	if err := s.SavePipeline(ctx, "", p); err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}

	got, err := s.GetPipelineWithSteps(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	if got.Status != pipeline.StatusFailed {
		t.Errorf("pipeline status = %q, want failed", got.Status)
	}
	gs := got.StepByID(step.ID)
	if gs == nil {
		t.Fatal("step missing")
	}
	if gs.Status != pipeline.StatusFailed || gs.InputContext != "in" || gs.OutputContent != "out" || gs.ErrorLog != "boom" {
		t.Errorf("step = %+v", gs)
	}

	missing := pipeline.Step{ID: "ghost"}
	if err := s.SaveStep(ctx, "", &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveStep missing err = %v, want ErrNotFound", err)
	}
	if err := s.SaveStep(ctx, "some-run", &step); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("SaveStep foreign run err = %v, want ErrLeaseLost", err)
	}
	if err := s.SavePipeline(ctx, "some-run", p); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("SavePipeline foreign run err = %v, want ErrLeaseLost", err)
	}
}

func TestBeginRunCompareAndSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)

	done := p.Steps[0]
	done.Status = pipeline.StatusCompleted
	done.OutputContent = "old output"
	if err := s.SaveStep(ctx, "", &done); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}

	if err := s.BeginRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	got, err := s.GetPipelineWithSteps(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	if got.Status != pipeline.StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	for _, st := range got.Steps {
		if st.Status != pipeline.StatusPending || st.OutputContent != "" {
			t.Errorf("step %s not reset: %+v", st.ID, st)
		}
	}

	if err := s.BeginRun(ctx, p.ID, "run-2"); !errors.Is(err, ErrRunning) {
		t.Errorf("second BeginRun err = %v, want ErrRunning", err)
	}
	if err := s.BeginRun(ctx, "missing", "run-3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("BeginRun missing err = %v, want ErrNotFound", err)
	}
}

func TestRedefineReplacesSteps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)
	p.Status = pipeline.StatusCompleted
	if err := s.SavePipeline(ctx, "", p); err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}

	def := pipeline.Definition{
		Name:  "renamed",
		Steps: []pipeline.StepDefinition{{Order: 5, Model: "other", PromptTemplate: "only"}},
	}
	got, err := s.Redefine(ctx, p.ID, def)
	if err != nil {
		t.Fatalf("Redefine: %v", err)
	}
	if got.Name != "renamed" || got.Status != pipeline.StatusPending {
		t.Errorf("pipeline = %+v", got)
	}
	if len(got.Steps) != 1 || got.Steps[0].Model != "other" || got.Steps[0].Status != pipeline.StatusPending {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.Steps[0].Criteria.Kind != pipeline.CriteriaAlwaysPass {
		t.Errorf("empty criteria kind = %v, want always pass", got.Steps[0].Criteria.Kind)
	}

	if _, err := s.Redefine(ctx, "missing", def); !errors.Is(err, ErrNotFound) {
		t.Errorf("Redefine missing err = %v, want ErrNotFound", err)
	}
	if _, err := s.Redefine(ctx, p.ID, pipeline.Definition{}); !errors.Is(err, pipeline.ErrInvalidDefinition) {
		t.Errorf("Redefine invalid err = %v, want ErrInvalidDefinition", err)
	}
}

func TestRunningPipelineRefusesChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)
	if err := s.BeginRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	if _, err := s.Redefine(ctx, p.ID, twoStepDefinition()); !errors.Is(err, ErrRunning) {
		t.Errorf("Redefine err = %v, want ErrRunning", err)
	}
	if err := s.Delete(ctx, p.ID); !errors.Is(err, ErrRunning) {
		t.Errorf("Delete err = %v, want ErrRunning", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)

	if err := s.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM steps WHERE pipeline_id = ?`, p.ID).Scan(&n); err != nil {
		t.Fatalf("count steps: %v", err)
	}
	if n != 0 {
		t.Errorf("orphan steps = %d, want 0", n)
	}
	if err := s.Delete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	older := twoStepDefinition().NewPipeline(base)
	newer := twoStepDefinition().NewPipeline(base.Add(time.Minute))
	for _, p := range []*pipeline.Pipeline{older, newer} {
		if err := s.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("order = %s, %s; want newer first", list[0].ID, list[1].ID)
	}
	if len(list[0].Steps) != 2 {
		t.Errorf("steps not loaded: %d", len(list[0].Steps))
	}
}

// advance moves the store clock forward by d.
func advance(s *SQLiteStore, d time.Duration) {
	now := s.now()
	s.now = func() time.Time { return now.Add(d) }
}

func leaseOf(t *testing.T, s *SQLiteStore, id string) (string, int64) {
	t.Helper()
	var runID string
	var expires int64
	if err := s.db.QueryRow(`SELECT run_id, lease_expires FROM pipelines WHERE id = ?`, id).Scan(&runID, &expires); err != nil {
		t.Fatalf("read lease: %v", err)
	}
	return runID, expires
}

func TestRunningPipelineWithStaleLeaseAcceptsChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)
	if err := s.BeginRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	advance(s, DefaultLeaseTTL+time.Second)

	got, err := s.Redefine(ctx, p.ID, twoStepDefinition())
	if err != nil {
		t.Fatalf("Redefine: %v", err)
	}
	if got.Status != pipeline.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if runID, _ := leaseOf(t, s, p.ID); runID != "" {
		t.Errorf("run_id = %q, want cleared", runID)
	}

	if err := s.BeginRun(ctx, p.ID, "run-2"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	advance(s, DefaultLeaseTTL+time.Second)
	if err := s.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestBeginRunTakesOverStaleLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)
	if err := s.BeginRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	step := p.Steps[0]
	step.Status = pipeline.StatusRunning
	if err := s.SaveStep(ctx, "run-1", &step); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}

	advance(s, DefaultLeaseTTL+time.Second)
	if err := s.BeginRun(ctx, p.ID, "run-2"); err != nil {
		t.Fatalf("BeginRun over stale lease: %v", err)
	}
	runID, expires := leaseOf(t, s, p.ID)
	if runID != "run-2" {
		t.Errorf("run_id = %q, want run-2", runID)
	}
	if want := s.now().Add(DefaultLeaseTTL).UnixMilli(); expires != want {
		t.Errorf("lease_expires = %d, want %d", expires, want)
	}

	got, err := s.GetPipelineWithSteps(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	if got.Steps[0].Status != pipeline.StatusPending {
		t.Errorf("step status = %q, want pending after takeover", got.Steps[0].Status)
	}

	step.Status = pipeline.StatusFailed
	if err := s.SaveStep(ctx, "run-1", &step); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("old run SaveStep err = %v, want ErrLeaseLost", err)
	}
	got.Status = pipeline.StatusFailed
	if err := s.SavePipeline(ctx, "run-1", got); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("old run SavePipeline err = %v, want ErrLeaseLost", err)
	}
	if err := s.RenewRun(ctx, p.ID, "run-1"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("old run RenewRun err = %v, want ErrLeaseLost", err)
	}

	got, err = s.GetPipelineWithSteps(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	if got.Status != pipeline.StatusRunning || got.Steps[0].Status != pipeline.StatusPending {
		t.Errorf("old run overwrote new owner: pipeline %q, step %q", got.Status, got.Steps[0].Status)
	}
	if err := s.SaveStep(ctx, "run-2", &step); err != nil {
		t.Errorf("new run SaveStep: %v", err)
	}
}

func TestRenewRunExtendsLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.SetLeaseTTL(time.Minute)
	if got := s.LeaseTTL(); got != time.Minute {
		t.Fatalf("LeaseTTL = %v, want 1m", got)
	}
	p := createPipeline(t, s)
	if err := s.BeginRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	advance(s, 50*time.Second)
	if err := s.RenewRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("RenewRun: %v", err)
	}
	// past the first lease, inside the renewed one
	advance(s, 40*time.Second)
	if err := s.BeginRun(ctx, p.ID, "run-2"); !errors.Is(err, ErrRunning) {
		t.Errorf("BeginRun on renewed lease err = %v, want ErrRunning", err)
	}
	if n, err := s.RecoverInterrupted(ctx); err != nil || n != 0 {
		t.Errorf("RecoverInterrupted = %d, %v; want 0, nil", n, err)
	}

	p.Status = pipeline.StatusCompleted
	if err := s.SavePipeline(ctx, "run-1", p); err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}
	if err := s.RenewRun(ctx, p.ID, "run-1"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("RenewRun after finish err = %v, want ErrLeaseLost", err)
	}
	if err := s.RenewRun(ctx, "missing", "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RenewRun missing err = %v, want ErrNotFound", err)
	}

	s.SetLeaseTTL(0)
	if got := s.LeaseTTL(); got != DefaultLeaseTTL {
		t.Errorf("LeaseTTL after reset = %v, want %v", got, DefaultLeaseTTL)
	}
}

func TestRecoverInterruptedLeavesLiveLeaseAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)
	if err := s.BeginRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	step := p.Steps[0]
	step.Status = pipeline.StatusRunning
	if err := s.SaveStep(ctx, "run-1", &step); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}

	n, err := s.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
	got, err := s.GetPipelineWithSteps(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	if got.Status != pipeline.StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if gs := got.StepByID(step.ID); gs.Status != pipeline.StatusRunning || gs.ErrorLog != "" {
		t.Errorf("step = %+v, want untouched", gs)
	}
	if err := s.SaveStep(ctx, "run-1", &step); err != nil {
		t.Errorf("live run SaveStep after recovery: %v", err)
	}
	if err := s.BeginRun(ctx, p.ID, "run-2"); !errors.Is(err, ErrRunning) {
		t.Errorf("BeginRun err = %v, want ErrRunning", err)
	}
}

func TestOpenMigratesLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	now := formatTime(time.Now())
	for _, stmt := range []string{
		`CREATE TABLE pipelines (id TEXT PRIMARY KEY, name TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL, updated_at TEXT NOT NULL)`,
		`INSERT INTO pipelines (id, name, status, created_at, updated_at) VALUES ('old', 'legacy', 'running', '` + now + `', '` + now + `')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("legacy schema: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close legacy db: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if runID, expires := leaseOf(t, s, "old"); runID != "" || expires != 0 {
		t.Errorf("lease = %q, %d; want empty defaults", runID, expires)
	}
	n, err := s.RecoverInterrupted(context.Background())
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createPipeline(t, s)
	if err := s.BeginRun(ctx, p.ID, "run-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	step := p.Steps[0]
	step.Status = pipeline.StatusRunning
	if err := s.SaveStep(ctx, "run-1", &step); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}

	advance(s, DefaultLeaseTTL+time.Second)
	n, err := s.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	got, err := s.GetPipelineWithSteps(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineWithSteps: %v", err)
	}
	if got.Status != pipeline.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if gs := got.StepByID(step.ID); gs.Status != pipeline.StatusFailed || gs.ErrorLog != InterruptedMessage {
		t.Errorf("step = %+v", gs)
	}
	if gs := got.Steps[1]; gs.Status != pipeline.StatusPending {
		t.Errorf("untouched step status = %q, want pending", gs.Status)
	}

	if err := s.SaveStep(ctx, "run-1", &step); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("SaveStep from recovered run err = %v, want ErrLeaseLost", err)
	}
	if err := s.BeginRun(ctx, p.ID, "run-2"); err != nil {
		t.Errorf("BeginRun after recovery: %v", err)
	}
}
