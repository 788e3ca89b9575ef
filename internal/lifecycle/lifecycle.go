// Package lifecycle drives the assignment state machine. Every transition is
// guarded by an explicit from-state check so a racing duplicate request loses
// cleanly, and side effects (counters, settlement, refunds) ride the async
// pool so the authoritative state change never waits on them.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crowdwork/internal/async"
	"crowdwork/internal/config"
	"crowdwork/internal/domain"
	"crowdwork/internal/ledger"
	"crowdwork/internal/repo"
	"crowdwork/internal/statcache"
)

var (
	ErrNoAssignmentsLeft = errors.New("no assignments remaining for task")
	ErrAlreadyAssigned   = errors.New("worker already holds a claim on this task")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Cache  statcache.Cache
	Pool   *async.Pool
	Ledger *ledger.Engine
	Config config.LifecycleConfig
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg config.LifecycleConfig, cache statcache.Cache, pool *async.Pool, led *ledger.Engine, log *zap.Logger) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Cache:  cache,
		Pool:   pool,
		Ledger: led,
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func ensureClaimTransition(from, to string) error {
	ok := false
	switch from {
	case domain.ClaimStatusInProgress:
		switch to {
		case domain.ClaimStatusSubmitted, domain.ClaimStatusSkipped, domain.ClaimStatusExpired:
			ok = true
		}
	case domain.ClaimStatusSubmitted:
		switch to {
		case domain.ClaimStatusApproved, domain.ClaimStatusRejected, domain.ClaimStatusReturned:
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("invalid claim transition %s -> %s", from, to)
	}
	return nil
}

// Accept claims a task slot for a worker. One live claim per worker per task
// group, and no more claims than the group has repetition slots remaining.
func (e *Engine) Accept(ctx context.Context, taskID int64, workerID string) (domain.TaskWorker, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.TaskWorker{}, err
	}
	_, err = e.Repo.ActiveClaim(ctx, taskID, workerID)
	if err == nil {
		return domain.TaskWorker{}, ErrAlreadyAssigned
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.TaskWorker{}, err
	}
	assigned, err := e.Repo.WorkerEverAssigned(ctx, task.GroupID, workerID)
	if err != nil {
		return domain.TaskWorker{}, err
	}
	if assigned {
		return domain.TaskWorker{}, ErrAlreadyAssigned
	}
	remaining, err := e.Repo.RemainingAssignments(ctx, taskID)
	if err != nil {
		return domain.TaskWorker{}, err
	}
	if remaining <= 0 {
		return domain.TaskWorker{}, ErrNoAssignmentsLeft
	}

	now := e.nowString()
	claim := domain.TaskWorker{
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    domain.ClaimStatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := e.Repo.InsertClaim(ctx, claim)
	if err != nil {
		return domain.TaskWorker{}, fmt.Errorf("insert claim: %w", err)
	}
	claim.ID = id
	e.applyStat([]string{workerID}, statcache.OpAccepted)
	return claim, nil
}

// Submit moves an in-progress claim to submitted.
func (e *Engine) Submit(ctx context.Context, claimID int64) error {
	return e.transition(ctx, claimID, domain.ClaimStatusSubmitted, statcache.OpSubmitted)
}

// Reject moves a submitted claim to rejected.
func (e *Engine) Reject(ctx context.Context, claimID int64) error {
	return e.transition(ctx, claimID, domain.ClaimStatusRejected, statcache.OpRejected)
}

// Return hands a submitted claim back to the worker for rework.
func (e *Engine) Return(ctx context.Context, claimID int64) error {
	return e.transition(ctx, claimID, domain.ClaimStatusReturned, statcache.OpReturned)
}

// Skip voids an in-progress claim at the worker's request and queues the
// requester's refund.
func (e *Engine) Skip(ctx context.Context, claimID int64) error {
	if err := e.transition(ctx, claimID, domain.ClaimStatusSkipped, statcache.OpSkipped); err != nil {
		return err
	}
	e.submitRefund([]int64{claimID})
	return nil
}

// Approve accepts a batch of submitted claims grouped by task, then books the
// settlement for each task batch asynchronously.
func (e *Engine) Approve(ctx context.Context, claimIDs []int64) error {
	perTask := make(map[int64]int)
	for _, id := range claimIDs {
		claim, err := e.Repo.GetClaim(ctx, id)
		if err != nil {
			return fmt.Errorf("load claim %d: %w", id, err)
		}
		if err := e.transition(ctx, id, domain.ClaimStatusApproved, statcache.OpApproved); err != nil {
			return err
		}
		perTask[claim.TaskID]++
	}
	for taskID, count := range perTask {
		taskID, count := taskID, count
		e.Pool.Submit("post-approve", func() {
			if err := e.Ledger.PostApprove(context.Background(), taskID, count); err != nil {
				e.Log.Error("approval settlement failed",
					zap.Int64("task", taskID),
					zap.Error(err))
			}
		})
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, claimID int64, to string, op statcache.Operation) error {
	claim, err := e.Repo.GetClaim(ctx, claimID)
	if err != nil {
		return err
	}
	if err := ensureClaimTransition(claim.Status, to); err != nil {
		return err
	}
	if err := e.Repo.UpdateClaimStatus(ctx, claimID, claim.Status, to, e.nowString()); err != nil {
		return fmt.Errorf("transition claim %d to %s: %w", claimID, to, err)
	}
	e.applyStat([]string{claim.WorkerID}, op)
	return nil
}

// ExpireSweep expires every in-progress claim older than its project timeout
// and queues refunds for the affected claims. Returns how many claims the
// guarded update actually flipped.
func (e *Engine) ExpireSweep(ctx context.Context) (int64, error) {
	now := e.nowString()
	candidates, err := e.Repo.ExpiredClaimCandidates(ctx, now, e.Config.DefaultTimeoutMinutes)
	if err != nil {
		return 0, fmt.Errorf("find expired claims: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(candidates))
	workers := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
		workers = append(workers, c.WorkerID)
	}
	affected, err := e.Repo.MarkClaimsExpired(ctx, ids, now)
	if err != nil {
		return 0, fmt.Errorf("mark claims expired: %w", err)
	}
	if affected == 0 {
		return 0, nil
	}
	e.applyStat(workers, statcache.OpExpired)
	e.submitRefund(ids)
	e.Log.Info("expired stale claims", zap.Int64("count", affected))
	return affected, nil
}

// ResyncWorker rebuilds a worker's cached counters from the claim table.
func (e *Engine) ResyncWorker(ctx context.Context, workerID string) error {
	counts, err := e.Repo.ClaimStatusCounts(ctx, workerID)
	if err != nil {
		return err
	}
	return statcache.Resync(ctx, e.Cache, workerID, counts)
}

func (e *Engine) applyStat(workerIDs []string, op statcache.Operation) {
	ids := append([]string(nil), workerIDs...)
	e.Pool.Submit("stat-cache", func() {
		if err := statcache.Apply(context.Background(), e.Cache, ids, op); err != nil {
			e.Log.Warn("stat cache update failed",
				zap.String("op", string(op)),
				zap.Error(err))
		}
	})
}

func (e *Engine) submitRefund(claimIDs []int64) {
	ids := append([]int64(nil), claimIDs...)
	e.Pool.Submit("refund-claims", func() {
		if err := e.Ledger.RefundClaims(context.Background(), ids); err != nil {
			e.Log.Error("refund failed", zap.Error(err))
		}
	})
}
