package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"crowdwork/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func parseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse money %q: %w", s, err)
	}
	return d, nil
}

// --- workers ---

func (r Repo) UpsertWorker(ctx context.Context, w domain.Worker) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workers(id,payout_address,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET payout_address=excluded.payout_address`,
		w.ID, nullable(w.PayoutAddress), w.CreatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	var w domain.Worker
	var addr sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,payout_address,created_at FROM workers WHERE id=?`, id).
		Scan(&w.ID, &addr, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if addr.Valid {
		w.PayoutAddress = addr.String
	}
	return w, err
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,payout_address,created_at FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var addr sql.NullString
		if err := rows.Scan(&w.ID, &addr, &w.CreatedAt); err != nil {
			return nil, err
		}
		if addr.Valid {
			w.PayoutAddress = addr.String
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// --- projects ---

const projectColumns = `id,group_id,owner_id,name,status,price,repetition,COALESCE(timeout_minutes,0),deadline,
min_rating,previous_min_rating,rating_updated_at,tasks_in_progress,amount_due,created_at,deleted_at`

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var groupID sql.NullInt64
	var price, amountDue string
	var deadline, ratingUpdatedAt, deletedAt sql.NullString
	err := scan(&p.ID, &groupID, &p.OwnerID, &p.Name, &p.Status, &price, &p.Repetition, &p.TimeoutMinutes,
		&deadline, &p.MinRating, &p.PreviousMinRating, &ratingUpdatedAt, &p.TasksInProgress, &amountDue,
		&p.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if groupID.Valid {
		p.GroupID = groupID.Int64
	}
	p.Deadline = strPtr(deadline)
	p.RatingUpdatedAt = strPtr(ratingUpdatedAt)
	p.DeletedAt = strPtr(deletedAt)
	if p.Price, err = parseMoney(price); err != nil {
		return p, err
	}
	if p.AmountDue, err = parseMoney(amountDue); err != nil {
		return p, err
	}
	return p, nil
}

// InsertProject creates a project revision. A zero GroupID makes the new row
// its own group root (the first revision of a logical project).
func (r Repo) InsertProject(ctx context.Context, p domain.Project) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var groupArg any
	if p.GroupID != 0 {
		groupArg = p.GroupID
	}
	var timeoutArg any
	if p.TimeoutMinutes != 0 {
		timeoutArg = p.TimeoutMinutes
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(group_id,owner_id,name,status,price,repetition,timeout_minutes,deadline,
min_rating,previous_min_rating,rating_updated_at,tasks_in_progress,amount_due,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		groupArg, p.OwnerID, p.Name, p.Status, p.Price.String(), p.Repetition, timeoutArg, nullableStr(p.Deadline),
		p.MinRating, p.PreviousMinRating, nullableStr(p.RatingUpdatedAt), p.TasksInProgress, p.AmountDue.String(), p.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if p.GroupID == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET group_id=id WHERE id=?`, id); err != nil {
			return 0, fmt.Errorf("set project group: %w", err)
		}
	}
	return id, tx.Commit()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE deleted_at IS NULL ORDER BY id`)
}

// CurrentRevisions returns the current (max-id, in_progress, non-deleted)
// revision of every project group.
func (r Repo) CurrentRevisions(ctx context.Context) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE id IN (
SELECT max(id) FROM projects WHERE status=? AND deleted_at IS NULL GROUP BY group_id)`,
		domain.ProjectStatusInProgress)
}

// CurrentRevision returns the current revision of one project group.
func (r Repo) CurrentRevision(ctx context.Context, groupID int64) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects
WHERE group_id=? AND status=? AND deleted_at IS NULL ORDER BY id DESC LIMIT 1`,
		groupID, domain.ProjectStatusInProgress)
	return scanProject(row.Scan)
}

// LatestNonDraftRevision returns the max-id non-draft revision of a group,
// the revision that governs pricing for settlement.
func (r Repo) LatestNonDraftRevision(ctx context.Context, groupID int64) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects
WHERE group_id=? AND status<>? ORDER BY id DESC LIMIT 1`,
		groupID, domain.ProjectStatusDraft)
	return scanProject(row.Scan)
}

// PreviousRevision returns the newest revision of the group other than
// currentID, regardless of status.
func (r Repo) PreviousRevision(ctx context.Context, groupID, currentID int64) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects
WHERE group_id=? AND id<>? ORDER BY id DESC LIMIT 1`, groupID, currentID)
	return scanProject(row.Scan)
}

func (r Repo) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, id int64, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectThreshold applies one boomerang pass result.
func (r Repo) UpdateProjectThreshold(ctx context.Context, id int64, minRating, previousMinRating float64, ratingUpdatedAt string, tasksInProgress int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET min_rating=?, previous_min_rating=?, rating_updated_at=?, tasks_in_progress=? WHERE id=?`,
		minRating, previousMinRating, ratingUpdatedAt, tasksInProgress, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementAmountDueTx reduces a project's outstanding liability within the
// caller's transaction.
func (r Repo) DecrementAmountDueTx(ctx context.Context, tx *sql.Tx, projectID int64, amount decimal.Decimal) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT amount_due FROM projects WHERE id=?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	due, err := parseMoney(raw)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE projects SET amount_due=? WHERE id=?`, due.Sub(amount).String(), projectID)
	return err
}
