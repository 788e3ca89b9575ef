package boomerang

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"crowdwork/internal/domain"
	"crowdwork/internal/notify"
)

// sweepNotifications queues a qualification notice for every external worker
// who now clears the bar of a task with open slots, has never worked the
// task's group, and has not been notified for this project group before. The
// queue is drained by the digest job; nothing is delivered inline. Everything
// here is best effort: errors are logged and the heartbeat moves on.
func (c *Controller) sweepNotifications(ctx context.Context, p domain.Project) {
	tasks, err := c.Repo.EligibleTasks(ctx, p.ID)
	if err != nil {
		c.Log.Warn("notification sweep: load tasks", zap.Int64("project", p.ID), zap.Error(err))
		return
	}
	open, err := c.openTasks(ctx, tasks)
	if err != nil {
		c.Log.Warn("notification sweep: remaining assignments", zap.Int64("project", p.ID), zap.Error(err))
		return
	}
	if len(open) == 0 {
		return
	}
	workers, err := c.Repo.RatedWorkerIDs(ctx)
	if err != nil {
		c.Log.Warn("notification sweep: load workers", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("New tasks for %s posted for you", p.Name)
	body := fmt.Sprintf("Tasks in project %q now match your qualifications.", p.Name)
	now := c.nowString()

	for _, w := range workers {
		if !notify.IsExternal(w) {
			continue
		}
		already, err := c.Repo.NotificationExists(ctx, w, p.GroupID)
		if err != nil || already {
			continue
		}
		qualifies, err := c.workerQualifies(ctx, p, open, w)
		if err != nil {
			c.Log.Warn("notification sweep: qualify", zap.String("worker", w), zap.Error(err))
			continue
		}
		if !qualifies {
			continue
		}
		if _, err := c.Repo.InsertNotification(ctx, domain.Notification{
			WorkerID:       w,
			ProjectGroupID: p.GroupID,
			Subject:        subject,
			Body:           body,
			CreatedAt:      now,
		}); err != nil {
			c.Log.Warn("notification sweep: insert", zap.String("worker", w), zap.Error(err))
		}
	}
}

// openTasks keeps the tasks that still have assignment slots left.
func (c *Controller) openTasks(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	open := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		remaining, err := c.Repo.RemainingAssignments(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			open = append(open, t)
		}
	}
	return open, nil
}

// workerQualifies reports whether the worker clears at least one open task
// bar in the revision without having touched that task's group before.
func (c *Controller) workerQualifies(ctx context.Context, p domain.Project, tasks []domain.Task, workerID string) (bool, error) {
	score, err := c.Aggregator.TaskTypeScore(ctx, workerID, p.OwnerID, p.ID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if score < t.MinRating {
			continue
		}
		assigned, err := c.Repo.WorkerEverAssigned(ctx, t.GroupID, workerID)
		if err != nil {
			return false, err
		}
		if !assigned {
			return true, nil
		}
	}
	return false, nil
}
