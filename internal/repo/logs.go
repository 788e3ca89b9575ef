package repo

import (
	"context"
	"database/sql"
	"strings"

	"crowdwork/internal/domain"
)

func (r Repo) InsertBoomerangLog(ctx context.Context, l domain.BoomerangLog) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO boomerang_logs(object_id,object_type,min_rating,rating_updated_at,reason,created_at)
VALUES (?,?,?,?,?,?)`,
		l.ObjectID, l.ObjectType, l.MinRating, nullableStr(l.RatingUpdatedAt), l.Reason, l.CreatedAt)
	return err
}

func (r Repo) ListBoomerangLogs(ctx context.Context, limit int) ([]domain.BoomerangLog, error) {
	query := `SELECT id,object_id,object_type,min_rating,rating_updated_at,reason,created_at
FROM boomerang_logs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BoomerangLog
	for rows.Next() {
		var l domain.BoomerangLog
		var updatedAt sql.NullString
		if err := rows.Scan(&l.ID, &l.ObjectID, &l.ObjectType, &l.MinRating, &updatedAt, &l.Reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.RatingUpdatedAt = strPtr(updatedAt)
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- notifications ---

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(worker_id,project_group_id,subject,body,created_at)
VALUES (?,?,?,?,?)`,
		n.WorkerID, n.ProjectGroupID, n.Subject, n.Body, n.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NotificationExists dedupes the sweep: one notice per (worker, project
// group), delivered or not.
func (r Repo) NotificationExists(ctx context.Context, workerID string, projectGroupID int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM notifications WHERE worker_id=? AND project_group_id=?`,
		workerID, projectGroupID).Scan(&n)
	return n > 0, err
}

func (r Repo) PendingNotifications(ctx context.Context) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,worker_id,project_group_id,subject,body,delivered_at,created_at
FROM notifications WHERE delivered_at IS NULL ORDER BY worker_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var delivered sql.NullString
		if err := rows.Scan(&n.ID, &n.WorkerID, &n.ProjectGroupID, &n.Subject, &n.Body, &delivered, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.DeliveredAt = strPtr(delivered)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationsDelivered(ctx context.Context, ids []int64, at string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := []any{at}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=? WHERE id IN (`+
		strings.Join(placeholders, ",")+`)`, args...)
	return err
}
