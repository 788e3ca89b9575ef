package boomerang

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdwork/internal/config"
	"crowdwork/internal/db"
	"crowdwork/internal/domain"
	"crowdwork/internal/migrate"
	"crowdwork/internal/repo"
	"crowdwork/internal/reputation"
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
	t          *testing.T
	db         *sql.DB
	repo       repo.Repo
	controller *Controller
	seq        int
}

func newFixture(t *testing.T) *fixture {
	conn := testDB(t)
	r := repo.Repo{DB: conn}
	cfg := config.Default().Boomerang
	c := New(r, reputation.NewAggregator(r, cfg), cfg, zap.NewNop())
	c.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return &fixture{t: t, db: conn, repo: r, controller: c}
}

func (f *fixture) now() string {
	return "2026-03-02T09:00:00Z"
}

func (f *fixture) worker(id string) {
	f.t.Helper()
	err := f.repo.UpsertWorker(context.Background(), domain.Worker{ID: id, CreatedAt: f.now()})
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) project(minRating float64, tasksInProgress, repetition int) domain.Project {
	f.t.Helper()
	id, err := f.repo.InsertProject(context.Background(), domain.Project{
		OwnerID:           "req1",
		Name:              "moderate-posts",
		Status:            domain.ProjectStatusInProgress,
		Price:             decimal.RequireFromString("0.10"),
		Repetition:        repetition,
		MinRating:         minRating,
		PreviousMinRating: minRating,
		TasksInProgress:   tasksInProgress,
		CreatedAt:         f.now(),
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

func (f *fixture) task(projectID int64, minRating float64) domain.Task {
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
		MinRating: minRating,
		CreatedAt: f.now(),
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

// claim opens an in_progress claim inside the current heartbeat window.
func (f *fixture) claim(taskID int64, workerID string) {
	f.t.Helper()
	_, err := f.repo.InsertClaim(context.Background(), domain.TaskWorker{
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    domain.ClaimStatusInProgress,
		CreatedAt: f.now(),
		UpdatedAt: f.now(),
	})
	if err != nil {
		f.t.Fatal(err)
	}
}

// rate records an approved claim plus the rating it earned, so the rating
// both orders by claim time and marks the worker as having touched the task.
func (f *fixture) rate(taskID int64, workerID string, weight float64) {
	f.t.Helper()
	ctx := context.Background()
	_, err := f.repo.InsertClaim(ctx, domain.TaskWorker{
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    domain.ClaimStatusApproved,
		CreatedAt: f.now(),
		UpdatedAt: f.now(),
	})
	if err != nil {
		f.t.Fatal(err)
	}
	_, err = f.repo.InsertRating(ctx, domain.Rating{
		OriginType: domain.RatingOriginRequester,
		OriginID:   "req1",
		TargetID:   workerID,
		TaskID:     taskID,
		Weight:     weight,
		CreatedAt:  f.now(),
	})
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) logs() []domain.BoomerangLog {
	f.t.Helper()
	logs, err := f.repo.ListBoomerangLogs(context.Background(), 100)
	if err != nil {
		f.t.Fatal(err)
	}
	return logs
}

func (f *fixture) pending() []domain.Notification {
	f.t.Helper()
	pending, err := f.repo.PendingNotifications(context.Background())
	if err != nil {
		f.t.Fatal(err)
	}
	return pending
}

func TestHeartbeatHoldsBarWhileUptakeKeepsPace(t *testing.T) {
	f := newFixture(t)
	p := f.project(3, 0, 1)
	f.task(p.ID, 3)
	f.task(p.ID, 3)

	if err := f.controller.RunHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != 3 {
		t.Fatalf("unclaimed project bar moved to %v", got.MinRating)
	}
	if got.TasksInProgress != 2 {
		t.Fatalf("tasks_in_progress cache %d, want 2", got.TasksInProgress)
	}
	if len(f.logs()) != 0 {
		t.Fatalf("no change, no log; got %+v", f.logs())
	}
}

func TestHeartbeatHoldsBarAtHealthyRatio(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w2")
	f.worker("w3")
	p := f.project(3, 0, 3)
	var tasks []domain.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, f.task(p.ID, 3))
	}
	// Ten open tasks, two live claims: 10/2 = 5 clears lambda 3, so the bar
	// holds even with a top-rated candidate waiting.
	f.claim(tasks[0].ID, "w2")
	f.claim(tasks[1].ID, "w3")
	f.rate(tasks[2].ID, "w1", 5)

	if err := f.controller.RunHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != 3 {
		t.Fatalf("healthy ratio must hold the bar, got %v", got.MinRating)
	}
	for _, l := range f.logs() {
		if l.ObjectType == "project" {
			t.Fatalf("unexpected project log %+v", l)
		}
	}
}

func TestHeartbeatSkipsDisabledFiltering(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")

	// A rated worker exists elsewhere on the platform.
	other := f.project(3, 0, 1)
	ot := f.task(other.ID, 3)
	f.rate(ot.ID, "w1", 4.5)

	// min_rating 0 means the requester opted out of filtering.
	open := f.project(0, 0, 1)

	if err := f.controller.RunHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(context.Background(), open.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != 0 {
		t.Fatalf("opted-out project got a bar: %v", got.MinRating)
	}
	if got.RatingUpdatedAt != nil {
		t.Fatalf("opted-out project was evaluated at %v", *got.RatingUpdatedAt)
	}
}

func TestHeartbeatSkipsRecentlyAdjusted(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w3")
	ctx := context.Background()
	p := f.project(3, 0, 3)
	t1 := f.task(p.ID, 3)
	t2 := f.task(p.ID, 3)
	f.rate(t1.ID, "w1", 4.5)
	f.claim(t2.ID, "w3")

	// Adjusted two minutes ago, inside the five minute heartbeat window.
	if err := f.repo.UpdateProjectThreshold(ctx, p.ID, 3, 3, "2026-03-02T08:58:00Z", 0); err != nil {
		t.Fatal(err)
	}
	if err := f.controller.RunHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != 3 {
		t.Fatalf("fresh project re-evaluated, bar %v", got.MinRating)
	}
	if len(f.logs()) != 0 {
		t.Fatalf("fresh project produced logs %+v", f.logs())
	}
}

func TestHeartbeatMovesBarToBestCandidate(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w2")
	f.worker("w3")
	p := f.project(3, 0, 3)
	t1 := f.task(p.ID, 3)
	t2 := f.task(p.ID, 3)
	f.rate(t1.ID, "w1", 5)
	f.rate(t2.ID, "w2", 2)
	// One live claim against two tasks: 2/1 under lambda, uptake stalled.
	f.claim(t1.ID, "w3")

	if err := f.controller.RunHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != 5 {
		t.Fatalf("bar must follow the best candidate's score 5, got %v", got.MinRating)
	}
	if got.PreviousMinRating != 3 {
		t.Fatalf("previous bar %v, want 3", got.PreviousMinRating)
	}

	var projectLog *domain.BoomerangLog
	for i := range f.logs() {
		l := f.logs()[i]
		if l.ObjectType == "project" {
			projectLog = &l
		}
	}
	if projectLog == nil {
		t.Fatal("expected a project boomerang log")
	}
	if projectLog.ObjectID != p.GroupID || projectLog.Reason != ReasonDefault || projectLog.MinRating != 5 {
		t.Fatalf("project log %+v", projectLog)
	}
}

func TestHeartbeatSnapsToMidpoint(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w3")
	p := f.project(4, 0, 3)
	t1 := f.task(p.ID, 4)
	t2 := f.task(p.ID, 4)
	// The best candidate scores below the midpoint while the bar sits above
	// it: snap to the midpoint instead of hovering just over it.
	f.rate(t1.ID, "w1", 2)
	f.claim(t2.ID, "w3")

	if err := f.controller.RunHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != f.controller.Config.Midpoint {
		t.Fatalf("bar should snap to midpoint, got %v", got.MinRating)
	}
}

func TestHeartbeatPropagatesTaskBars(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w2")
	f.worker("w3")
	p := f.project(3, 0, 3)
	t1 := f.task(p.ID, 3)
	t2 := f.task(p.ID, 3)
	f.rate(t1.ID, "w1", 5)
	f.rate(t2.ID, "w2", 4)
	f.claim(t2.ID, "w3")

	if err := f.controller.RunHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Each task ranks only workers who can still take it: w1 already worked
	// t1, leaving w2's score 4 as t1's bar, and vice versa.
	got1, err := f.repo.GetTask(context.Background(), t1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got1.MinRating != 4 {
		t.Fatalf("task bar %v, want 4", got1.MinRating)
	}
	got2, err := f.repo.GetTask(context.Background(), t2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got2.MinRating != 5 {
		t.Fatalf("task bar %v, want 5", got2.MinRating)
	}
	var taskLogs int
	for _, l := range f.logs() {
		if l.ObjectType == "task" {
			taskLogs++
			if l.Reason != ReasonDefault {
				t.Fatalf("task log reason %q", l.Reason)
			}
		}
	}
	if taskLogs != 2 {
		t.Fatalf("task boomerang logs %d, want 2", taskLogs)
	}
}

func TestTaskPassSkipsFullTasks(t *testing.T) {
	f := newFixture(t)
	f.worker("w1")
	f.worker("w2")
	f.worker("w3")
	f.worker("w4")
	p := f.project(3, 0, 2)
	full := f.task(p.ID, 3)
	openTask := f.task(p.ID, 3)
	// Both of the full task's slots are claimed.
	f.claim(full.ID, "w3")
	f.claim(full.ID, "w4")
	f.rate(openTask.ID, "w2", 2)
	// A high score on another project reaches this one through the
	// requester scope.
	other := f.project(3, 0, 1)
	ot := f.task(other.ID, 3)
	f.rate(ot.ID, "w1", 5)

	if err := f.controller.RunHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetTask(context.Background(), full.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != 3 {
		t.Fatalf("fully claimed task was re-ranked to %v", got.MinRating)
	}
	gotOpen, err := f.repo.GetTask(context.Background(), openTask.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotOpen.MinRating != 5 {
		t.Fatalf("open task bar %v, want 5", gotOpen.MinRating)
	}
}

func TestResetProject(t *testing.T) {
	f := newFixture(t)
	p := f.project(4.7, 0, 1)

	if err := f.controller.ResetProject(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	got, err := f.repo.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinRating != f.controller.Config.Midpoint {
		t.Fatalf("reset bar %v, want midpoint", got.MinRating)
	}
	if got.PreviousMinRating != 4.7 {
		t.Fatalf("previous bar %v, want 4.7", got.PreviousMinRating)
	}
	logs := f.logs()
	if len(logs) != 1 || logs[0].Reason != ReasonReset {
		t.Fatalf("expected one RESET log, got %+v", logs)
	}
}

func TestNotificationSweepQueuesQualifiedExternalWorkers(t *testing.T) {
	f := newFixture(t)
	f.worker("mturk.a1")
	f.worker("w2")
	ctx := context.Background()

	// Both workers earned high ratings on an earlier project.
	past := f.project(3, 0, 1)
	pt := f.task(past.ID, 3)
	f.rate(pt.ID, "mturk.a1", 5)
	pt2 := f.task(past.ID, 3)
	f.rate(pt2.ID, "w2", 5)

	target := f.project(3, 0, 1)
	f.task(target.ID, 3)

	f.controller.sweepNotifications(ctx, target)
	pending := f.pending()
	if len(pending) != 1 || pending[0].WorkerID != "mturk.a1" || pending[0].ProjectGroupID != target.GroupID {
		t.Fatalf("only the external worker should be queued, got %+v", pending)
	}

	// The sweep is idempotent per worker per project group.
	f.controller.sweepNotifications(ctx, target)
	if got := f.pending(); len(got) != 1 {
		t.Fatalf("resweep must not re-queue, got %+v", got)
	}
}

func TestNotificationSweepSkipsAssignedWorkers(t *testing.T) {
	f := newFixture(t)
	f.worker("mturk.a1")
	ctx := context.Background()

	p := f.project(3, 0, 2)
	task := f.task(p.ID, 3)
	// The worker already worked this group; rating them marks the claim.
	f.rate(task.ID, "mturk.a1", 5)

	f.controller.sweepNotifications(ctx, p)
	if got := f.pending(); len(got) != 0 {
		t.Fatalf("worker already on the group must not be queued, got %+v", got)
	}
}

func TestNotificationSweepSkipsFullTasks(t *testing.T) {
	f := newFixture(t)
	f.worker("mturk.a1")
	f.worker("w2")
	ctx := context.Background()

	past := f.project(3, 0, 1)
	pt := f.task(past.ID, 3)
	f.rate(pt.ID, "mturk.a1", 5)

	target := f.project(3, 0, 1)
	task := f.task(target.ID, 3)
	// The only task is fully claimed; nobody should be invited to it.
	f.claim(task.ID, "w2")

	f.controller.sweepNotifications(ctx, target)
	if got := f.pending(); len(got) != 0 {
		t.Fatalf("fully claimed task must not trigger notices, got %+v", got)
	}
}
