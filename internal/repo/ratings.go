package repo

import (
	"context"

	"crowdwork/internal/domain"
)

func (r Repo) InsertRating(ctx context.Context, rating domain.Rating) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO ratings(origin_type,origin_id,target_id,task_id,weight,created_at)
VALUES (?,?,?,?,?,?)`,
		rating.OriginType, rating.OriginID, rating.TargetID, rating.TaskID, rating.Weight, rating.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Rating events are recency-ranked by the rated claim's creation time, most
// recent first, matching how the rating was earned rather than when it was
// recorded.
const ratingOrderJoin = ` JOIN task_workers tw ON tw.task_id = r.task_id AND tw.worker_id = r.target_id`

// PlatformWeights returns all rating weights targeting the worker, any
// origin, most recent first.
func (r Repo) PlatformWeights(ctx context.Context, workerID string) ([]float64, error) {
	return r.queryWeights(ctx, `SELECT r.weight FROM ratings r`+ratingOrderJoin+`
WHERE r.target_id=? ORDER BY tw.created_at DESC, r.id DESC`, workerID)
}

// RequesterWeights returns the worker's weights from one requester's ratings.
func (r Repo) RequesterWeights(ctx context.Context, workerID, requesterID string) ([]float64, error) {
	return r.queryWeights(ctx, `SELECT r.weight FROM ratings r`+ratingOrderJoin+`
WHERE r.target_id=? AND r.origin_type=? AND r.origin_id=?
ORDER BY tw.created_at DESC, r.id DESC`, workerID, domain.RatingOriginRequester, requesterID)
}

// TaskScopeWeights narrows requester ratings to one project revision's tasks.
func (r Repo) TaskScopeWeights(ctx context.Context, workerID, requesterID string, projectID int64) ([]float64, error) {
	return r.queryWeights(ctx, `SELECT r.weight FROM ratings r`+ratingOrderJoin+`
JOIN tasks t ON t.id = r.task_id
WHERE r.target_id=? AND r.origin_type=? AND r.origin_id=? AND t.project_id=?
ORDER BY tw.created_at DESC, r.id DESC`, workerID, domain.RatingOriginRequester, requesterID, projectID)
}

func (r Repo) queryWeights(ctx context.Context, query string, args ...any) ([]float64, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var weights []float64
	for rows.Next() {
		var w float64
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		weights = append(weights, w)
	}
	return weights, rows.Err()
}

// RatedWorkerIDs returns the distinct workers whose claims have attracted at
// least one rating; these are the threshold controller's candidate pool.
func (r Repo) RatedWorkerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT r.target_id FROM ratings r`+ratingOrderJoin+` ORDER BY r.target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
