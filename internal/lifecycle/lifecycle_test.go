package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdwork/internal/config"
	"crowdwork/internal/db"
	"crowdwork/internal/domain"
	"crowdwork/internal/ledger"
	"crowdwork/internal/migrate"
	"crowdwork/internal/payments"
	"crowdwork/internal/repo"
	"crowdwork/internal/statcache"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

type fixture struct {
	t      *testing.T
	db     *sql.DB
	repo   repo.Repo
	cache  *statcache.Memory
	engine *Engine
	now    time.Time
	seq    int
}

func newFixture(t *testing.T) *fixture {
	conn := testDB(t)
	cfg := config.Default()
	log := zap.NewNop()
	cache := statcache.NewMemory()
	led := ledger.New(conn, cfg, payments.Sandbox{Log: log}, log)
	// A nil pool runs side effects inline, keeping assertions deterministic.
	e := New(conn, cfg.Lifecycle, cache, nil, led, log)
	f := &fixture{
		t:     t,
		db:    conn,
		repo:  repo.Repo{DB: conn},
		cache: cache,
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	e.Now = func() time.Time { return f.now }
	led.Now = e.Now
	f.engine = e
	return f
}

func (f *fixture) worker(id string) {
	f.t.Helper()
	err := f.repo.UpsertWorker(context.Background(), domain.Worker{
		ID:        id,
		CreatedAt: f.now.Format(time.RFC3339),
	})
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) project(repetition, timeoutMinutes int) domain.Project {
	f.t.Helper()
	id, err := f.repo.InsertProject(context.Background(), domain.Project{
		OwnerID:        "req1",
		Name:           "categorize",
		Status:         domain.ProjectStatusInProgress,
		Price:          decimal.RequireFromString("0.10"),
		Repetition:     repetition,
		TimeoutMinutes: timeoutMinutes,
		MinRating:      3,
		CreatedAt:      f.now.Format(time.RFC3339),
	})
	if err != nil {
		f.t.Fatal(err)
	}
	p, err := f.repo.GetProject(context.Background(), id)
	if err != nil {
		f.t.Fatal(err)
	}
	return p
}

func (f *fixture) task(projectID int64) domain.Task {
	f.t.Helper()
	ctx := context.Background()
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		f.t.Fatal(err)
	}
	f.seq++
	id, err := f.repo.InsertTaskTx(ctx, tx, domain.Task{
		ProjectID: projectID,
		RowNumber: f.seq,
		Data:      domain.Record{"row": fmt.Sprint(f.seq)},
		Hash:      fmt.Sprintf("hash-%d", f.seq),
		MinRating: 3,
		CreatedAt: f.now.Format(time.RFC3339),
	}, nil)
	if err != nil {
		f.t.Fatal(err)
	}
	if err := f.repo.BackfillTaskGroupsTx(ctx, tx, projectID); err != nil {
		f.t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		f.t.Fatal(err)
	}
	task, err := f.repo.GetTask(ctx, id)
	if err != nil {
		f.t.Fatal(err)
	}
	return task
}

func (f *fixture) stats(workerID string) domain.WorkerStats {
	f.t.Helper()
	s, err := statcache.Stats(context.Background(), f.cache, workerID)
	if err != nil {
		f.t.Fatal(err)
	}
	return s
}

func TestAcceptCreatesClaimAndCounter(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	p := f.project(2, 0)
	task := f.task(p.ID)

	claim, err := f.engine.Accept(context.Background(), task.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if claim.Status != domain.ClaimStatusInProgress {
		t.Fatalf("new claim status %q", claim.Status)
	}
	if got := f.stats("w1").InProgress; got != 1 {
		t.Fatalf("in_progress counter %d, want 1", got)
	}
}

func TestAcceptRejectsDuplicateWorker(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	p := f.project(3, 0)
	task := f.task(p.ID)
	ctx := context.Background()

	if _, err := f.engine.Accept(ctx, task.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Accept(ctx, task.ID, "w1"); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestAcceptHonorsRepetition(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w2")
	f.worker("w3")
	p := f.project(2, 0)
	task := f.task(p.ID)
	ctx := context.Background()

	if _, err := f.engine.Accept(ctx, task.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Accept(ctx, task.ID, "w2"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Accept(ctx, task.ID, "w3"); !errors.Is(err, ErrNoAssignmentsLeft) {
		t.Fatalf("expected ErrNoAssignmentsLeft, got %v", err)
	}
}

func TestSkipFreesTheSlot(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w2")
	p := f.project(1, 0)
	task := f.task(p.ID)
	ctx := context.Background()

	claim, err := f.engine.Accept(ctx, task.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Skip(ctx, claim.ID); err != nil {
		t.Fatal(err)
	}
	// Skipped claims do not consume a repetition slot.
	if _, err := f.engine.Accept(ctx, task.ID, "w2"); err != nil {
		t.Fatal(err)
	}
	if got := f.stats("w1").InProgress; got != 0 {
		t.Fatalf("skip must decrement in_progress, got %d", got)
	}
}

func TestTransitionGuards(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	p := f.project(1, 0)
	task := f.task(p.ID)
	ctx := context.Background()

	claim, err := f.engine.Accept(ctx, task.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	// Approving an in-progress claim is out of order.
	if err := f.engine.Approve(ctx, []int64{claim.ID}); err == nil {
		t.Fatal("approve from in_progress must fail")
	}
	if err := f.engine.Submit(ctx, claim.ID); err != nil {
		t.Fatal(err)
	}
	// Submitting twice is out of order too.
	if err := f.engine.Submit(ctx, claim.ID); err == nil {
		t.Fatal("double submit must fail")
	}
	if err := f.engine.Approve(ctx, []int64{claim.ID}); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetClaim(ctx, claim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ClaimStatusApproved {
		t.Fatalf("claim status %q, want approved", got.Status)
	}
	stats := f.stats("w1")
	if stats.InProgress != 0 || stats.Submitted != 0 || stats.Approved != 1 {
		t.Fatalf("counters after approve: %+v", stats)
	}
}

func TestApproveSettlesLiability(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	p := f.project(1, 0)
	task := f.task(p.ID)
	ctx := context.Background()
	if _, err := f.db.Exec(`UPDATE projects SET amount_due='1' WHERE id=?`, p.ID); err != nil {
		t.Fatal(err)
	}

	claim, err := f.engine.Accept(ctx, task.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Submit(ctx, claim.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Approve(ctx, []int64{claim.ID}); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AmountDue.Equal(decimal.RequireFromString("0.9")) {
		t.Fatalf("amount_due %s, want 0.9", got.AmountDue)
	}
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w2")
	p := f.project(2, 60)
	task := f.task(p.ID)
	ctx := context.Background()

	stale, err := f.engine.Accept(ctx, task.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	// Two hours pass, then a second worker claims.
	f.now = f.now.Add(2 * time.Hour)
	fresh, err := f.engine.Accept(ctx, task.ID, "w2")
	if err != nil {
		t.Fatal(err)
	}

	affected, err := f.engine.ExpireSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if affected != 1 {
		t.Fatalf("sweep expired %d claims, want 1", affected)
	}
	got, _ := f.repo.GetClaim(ctx, stale.ID)
	if got.Status != domain.ClaimStatusExpired {
		t.Fatalf("stale claim status %q", got.Status)
	}
	got, _ = f.repo.GetClaim(ctx, fresh.ID)
	if got.Status != domain.ClaimStatusInProgress {
		t.Fatalf("fresh claim must survive the sweep, got %q", got.Status)
	}

	// A second sweep finds nothing.
	affected, err = f.engine.ExpireSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if affected != 0 {
		t.Fatalf("resweep expired %d claims, want 0", affected)
	}
}

func TestResyncWorkerRepairsCounters(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	p := f.project(2, 0)
	t1 := f.task(p.ID)
	ctx := context.Background()

	claim, err := f.engine.Accept(ctx, t1.ID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Submit(ctx, claim.ID); err != nil {
		t.Fatal(err)
	}
	// Poison the cache, then resync from the claim table.
	if err := f.cache.HSet(ctx, statcache.Key("w1"), "submitted", "42"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ResyncWorker(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	stats := f.stats("w1")
	if stats.Submitted != 1 || stats.InProgress != 0 {
		t.Fatalf("counters after resync: %+v", stats)
	}
}
