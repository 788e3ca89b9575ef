package jobs

import (
	"context"
	"database/sql"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"crowdwork/internal/db"
	"crowdwork/internal/domain"
	"crowdwork/internal/migrate"
	"crowdwork/internal/repo"
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

// recordingNotifier captures delivered notices.
type recordingNotifier struct {
	targets  []string
	subjects []string
}

func (n *recordingNotifier) NotifyWorkers(ctx context.Context, workerIDs []string, subject, body string) error {
	n.targets = append(n.targets, workerIDs...)
	n.subjects = append(n.subjects, subject)
	return nil
}

func queueNotice(t *testing.T, r repo.Repo, workerID, subject string) {
	t.Helper()
	_, err := r.InsertNotification(context.Background(), domain.Notification{
		WorkerID:       workerID,
		ProjectGroupID: 1,
		Subject:        subject,
		Body:           "body",
		CreatedAt:      "2026-03-02T09:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDigestDeliversQueueOnce(t *testing.T) {
	conn := testDB(t)
	r := repo.Repo{DB: conn}
	notifier := &recordingNotifier{}
	job := DigestJob{
		Repo:     r,
		Notifier: notifier,
		Log:      zap.NewNop(),
		Now:      func() time.Time { return time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC) },
	}
	queueNotice(t, r, "mturk.a1b2", "first batch")
	queueNotice(t, r, "w2", "first batch")

	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	sort.Strings(notifier.targets)
	// External workers are addressed by the bare provider id.
	if len(notifier.targets) != 2 || notifier.targets[0] != "A1B2" || notifier.targets[1] != "w2" {
		t.Fatalf("digest targets %v", notifier.targets)
	}
	pending, err := r.PendingNotifications(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("delivered notices still pending: %+v", pending)
	}

	// A second cycle with nothing queued delivers nothing.
	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(notifier.targets) != 2 {
		t.Fatalf("drained queue re-delivered: %v", notifier.targets)
	}
}

func TestDigestCollapsesToLatestSubject(t *testing.T) {
	conn := testDB(t)
	r := repo.Repo{DB: conn}
	notifier := &recordingNotifier{}
	job := DigestJob{Repo: r, Notifier: notifier, Log: zap.NewNop()}
	queueNotice(t, r, "mturk.a1", "older project")
	queueNotice(t, r, "mturk.a1", "newer project")

	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(notifier.targets) != 1 {
		t.Fatalf("one worker, one delivery; got %v", notifier.targets)
	}
	if len(notifier.subjects) != 1 || notifier.subjects[0] != "newer project" {
		t.Fatalf("digest subject %v, want the latest", notifier.subjects)
	}
}
