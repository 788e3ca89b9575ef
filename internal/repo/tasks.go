package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"crowdwork/internal/domain"
)

const taskColumns = `id,project_id,group_id,row_number,data_json,hash,min_rating,rating_updated_at,exclude_at,deleted_at,created_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var groupID sql.NullInt64
	var dataJSON string
	var ratingUpdatedAt, excludeAt, deletedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &groupID, &t.RowNumber, &dataJSON, &t.Hash, &t.MinRating,
		&ratingUpdatedAt, &excludeAt, &deletedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if groupID.Valid {
		t.GroupID = groupID.Int64
	}
	t.RatingUpdatedAt = strPtr(ratingUpdatedAt)
	t.ExcludeAt = strPtr(excludeAt)
	t.DeletedAt = strPtr(deletedAt)
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &t.Data); err != nil {
			return t, fmt.Errorf("task %d data: %w", t.ID, err)
		}
	}
	return t, nil
}

// InsertTaskTx inserts a task within the caller's transaction. A nil GroupID
// pointer leaves the group unset for the post-insert backfill.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task, groupID *int64) (int64, error) {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return 0, fmt.Errorf("encode task data: %w", err)
	}
	var groupArg any
	if groupID != nil {
		groupArg = *groupID
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id,group_id,row_number,data_json,hash,min_rating,created_at)
VALUES (?,?,?,?,?,?,?)`,
		t.ProjectID, groupArg, t.RowNumber, string(data), t.Hash, t.MinRating, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteTasksForProjectTx removes the revision's task rows ahead of
// repopulation.
func (r Repo) DeleteTasksForProjectTx(ctx context.Context, tx *sql.Tx, projectID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=?`, projectID)
	return err
}

// BackfillTaskGroupsTx roots every task still missing a group as its own
// lineage.
func (r Repo) BackfillTaskGroupsTx(ctx context.Context, tx *sql.Tx, projectID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET group_id=id WHERE project_id=? AND group_id IS NULL`, projectID)
	return err
}

func (r Repo) SetTaskGroupTx(ctx context.Context, tx *sql.Tx, taskID, groupID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET group_id=? WHERE id=?`, groupID, taskID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// TasksByProject returns the revision's tasks in batch order.
func (r Repo) TasksByProject(ctx context.Context, projectID int64) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? ORDER BY row_number`, projectID)
}

// EligibleTasks returns the revision's tasks that are neither excluded nor
// deleted.
func (r Repo) EligibleTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE project_id=? AND exclude_at IS NULL AND deleted_at IS NULL ORDER BY row_number`, projectID)
}

func (r Repo) EligibleTaskCount(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks
WHERE project_id=? AND exclude_at IS NULL AND deleted_at IS NULL`, projectID).Scan(&n)
	return n, err
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTaskThreshold(ctx context.Context, taskID int64, minRating float64, ratingUpdatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET min_rating=?, rating_updated_at=? WHERE id=?`,
		minRating, ratingUpdatedAt, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTaskExcluded(ctx context.Context, taskID int64, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET exclude_at=? WHERE id=?`, at, taskID)
	return err
}

// RemainingAssignments computes repetition minus the claims that still count
// against the task's cross-revision group. Skipped, expired and rejected
// claims free their slot.
func (r Repo) RemainingAssignments(ctx context.Context, taskID int64) (int, error) {
	var repetition, existing int
	err := r.DB.QueryRowContext(ctx, `SELECT p.repetition,
(SELECT count(tw.id) FROM task_workers tw
  JOIN tasks t_rev ON t_rev.id = tw.task_id
  WHERE t_rev.group_id = t.group_id
    AND t_rev.exclude_at IS NULL AND t_rev.deleted_at IS NULL
    AND tw.status NOT IN (?,?,?))
FROM tasks t JOIN projects p ON p.id = t.project_id WHERE t.id=?`,
		domain.ClaimStatusSkipped, domain.ClaimStatusExpired, domain.ClaimStatusRejected, taskID).
		Scan(&repetition, &existing)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return repetition - existing, nil
}

// WorkerEverAssigned reports whether the worker holds or ever held a claim on
// any revision of the task group.
func (r Repo) WorkerEverAssigned(ctx context.Context, taskGroupID int64, workerID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(tw.id) FROM task_workers tw
JOIN tasks t ON t.id=tw.task_id WHERE t.group_id=? AND tw.worker_id=?`, taskGroupID, workerID).Scan(&n)
	return n > 0, err
}

// --- claims ---

const claimColumns = `id,task_id,worker_id,status,is_paid,created_at,updated_at`

func scanClaim(scan func(...any) error) (domain.TaskWorker, error) {
	var tw domain.TaskWorker
	err := scan(&tw.ID, &tw.TaskID, &tw.WorkerID, &tw.Status, &tw.IsPaid, &tw.CreatedAt, &tw.UpdatedAt)
	if err == sql.ErrNoRows {
		return tw, ErrNotFound
	}
	return tw, err
}

func (r Repo) InsertClaim(ctx context.Context, tw domain.TaskWorker) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO task_workers(task_id,worker_id,status,is_paid,created_at,updated_at)
VALUES (?,?,?,?,?,?)`,
		tw.TaskID, tw.WorkerID, tw.Status, tw.IsPaid, tw.CreatedAt, tw.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetClaim(ctx context.Context, id int64) (domain.TaskWorker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM task_workers WHERE id=?`, id)
	return scanClaim(row.Scan)
}

// UpdateClaimStatus transitions a claim only when it is still in the expected
// state; ErrNotFound means another writer got there first.
func (r Repo) UpdateClaimStatus(ctx context.Context, id int64, from, to, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_workers SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveClaim returns the single non-terminal claim for a (task, worker)
// pair, if any.
func (r Repo) ActiveClaim(ctx context.Context, taskID int64, workerID string) (domain.TaskWorker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM task_workers
WHERE task_id=? AND worker_id=? AND status IN (?,?)`,
		taskID, workerID, domain.ClaimStatusInProgress, domain.ClaimStatusSubmitted)
	return scanClaim(row.Scan)
}

// ActiveClaimCountSince counts non-terminal claims on a revision's tasks
// created in the controller's heartbeat window.
func (r Repo) ActiveClaimCountSince(ctx context.Context, projectID int64, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(tw.id) FROM task_workers tw
JOIN tasks t ON t.id=tw.task_id
WHERE t.project_id=? AND tw.status IN (?,?) AND tw.created_at >= ?`,
		projectID, domain.ClaimStatusInProgress, domain.ClaimStatusSubmitted, since).Scan(&n)
	return n, err
}

// ExpiredClaimCandidates selects in_progress claims older than their
// project's timeout (falling back to defaultTimeoutMinutes) as of now.
func (r Repo) ExpiredClaimCandidates(ctx context.Context, now string, defaultTimeoutMinutes int) ([]domain.TaskWorker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tw.id,tw.task_id,tw.worker_id,tw.status,tw.is_paid,tw.created_at,tw.updated_at
FROM task_workers tw
JOIN tasks t ON t.id=tw.task_id
JOIN projects p ON p.id=t.project_id
WHERE tw.status=? AND julianday(tw.created_at) + COALESCE(NULLIF(p.timeout_minutes,0),?)/1440.0 < julianday(?)`,
		domain.ClaimStatusInProgress, defaultTimeoutMinutes, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskWorker
	for rows.Next() {
		tw, err := scanClaim(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, tw)
	}
	return res, rows.Err()
}

// MarkClaimsExpired transitions the given claims in one statement; the status
// guard keeps the sweep safe against claims that moved on since selection.
func (r Repo) MarkClaimsExpired(ctx context.Context, ids []int64, updatedAt string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{domain.ClaimStatusExpired, updatedAt}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, domain.ClaimStatusInProgress)
	res, err := r.DB.ExecContext(ctx, `UPDATE task_workers SET status=?, updated_at=? WHERE id IN (`+
		strings.Join(placeholders, ",")+`) AND status=?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClaimStatusCounts returns the authoritative per-status claim counts for a
// worker, the source of truth the stat cache resyncs from.
func (r Repo) ClaimStatusCounts(ctx context.Context, workerID string) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM task_workers WHERE worker_id=? GROUP BY status`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
