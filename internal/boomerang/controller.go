// Package boomerang adjusts qualification thresholds on a heartbeat. The
// controller lowers a project's bar when demand outstrips the pool of
// admitted workers and raises it toward the best candidate the requester can
// still attract, then propagates per-task bars and queues notices for newly
// qualified external workers.
package boomerang

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crowdwork/internal/config"
	"crowdwork/internal/domain"
	"crowdwork/internal/repo"
	"crowdwork/internal/reputation"
)

// Audit reasons recorded with every threshold change.
const (
	ReasonDefault = "DEFAULT"
	ReasonReset   = "RESET"
)

type Controller struct {
	Repo       repo.Repo
	Aggregator reputation.Aggregator
	Config     config.BoomerangConfig
	Log        *zap.Logger
	Now        func() time.Time
}

func New(r repo.Repo, agg reputation.Aggregator, cfg config.BoomerangConfig, log *zap.Logger) *Controller {
	return &Controller{
		Repo:       r,
		Aggregator: agg,
		Config:     cfg,
		Log:        log,
		Now:        time.Now,
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) nowString() string {
	return c.now().UTC().Format(time.RFC3339)
}

func (c *Controller) heartbeat() time.Duration {
	return time.Duration(c.Config.HeartbeatMinutes) * time.Minute
}

// RunHeartbeat executes one controller cycle over every current project
// revision: the project pass first, then the per-task pass for projects
// whose bar moved, then the best-effort notification sweep.
func (c *Controller) RunHeartbeat(ctx context.Context) error {
	projects, err := c.Repo.CurrentRevisions(ctx)
	if err != nil {
		return fmt.Errorf("load current revisions: %w", err)
	}
	for _, p := range projects {
		if !c.due(p) {
			continue
		}
		updated, err := c.runProject(ctx, p)
		if err != nil {
			return fmt.Errorf("boomerang project %d: %w", p.ID, err)
		}
		if err := c.runTasks(ctx, updated); err != nil {
			return fmt.Errorf("boomerang tasks of project %d: %w", p.ID, err)
		}
		c.sweepNotifications(ctx, updated)
	}
	return nil
}

// due gates the project pass: revisions with filtering disabled
// (min_rating 0) never participate, and revisions adjusted within the
// current heartbeat window wait for the next one.
func (c *Controller) due(p domain.Project) bool {
	if p.MinRating <= 0 {
		return false
	}
	if p.RatingUpdatedAt == nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, *p.RatingUpdatedAt)
	if err != nil {
		return true
	}
	return c.now().Sub(last) >= c.heartbeat()
}

// runProject applies the project pass and returns the revision with its
// possibly updated threshold fields. rating_updated_at advances on every
// evaluation so the staleness gate holds the revision until the next
// heartbeat window, change or not.
func (c *Controller) runProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	taskCount, err := c.Repo.EligibleTaskCount(ctx, p.ID)
	if err != nil {
		return p, err
	}
	windowStart := c.now().UTC().Add(-c.heartbeat()).Format(time.RFC3339)
	claimed, err := c.Repo.ActiveClaimCountSince(ctx, p.ID, windowStart)
	if err != nil {
		return p, err
	}
	newMin, err := c.decideProjectThreshold(ctx, p, taskCount, claimed)
	if err != nil {
		return p, err
	}

	changed := newMin != p.MinRating
	tasksInProgress := p.TasksInProgress
	if changed || taskCount > tasksInProgress {
		tasksInProgress = taskCount
	}

	now := c.nowString()
	previous := p.MinRating
	if err := c.Repo.UpdateProjectThreshold(ctx, p.ID, newMin, previous, now, tasksInProgress); err != nil {
		return p, err
	}
	if changed {
		if err := c.Repo.InsertBoomerangLog(ctx, domain.BoomerangLog{
			ObjectID:        p.GroupID,
			ObjectType:      "project",
			MinRating:       newMin,
			RatingUpdatedAt: &now,
			Reason:          ReasonDefault,
			CreatedAt:       now,
		}); err != nil {
			return p, err
		}
		c.Log.Info("project threshold adjusted",
			zap.Int64("project", p.ID),
			zap.Float64("from", previous),
			zap.Float64("to", newMin))
	}
	p.PreviousMinRating = previous
	p.MinRating = newMin
	p.RatingUpdatedAt = &now
	p.TasksInProgress = tasksInProgress
	return p, nil
}

// decideProjectThreshold picks the revision's next bar. While the claim
// uptake in the heartbeat window keeps pace with supply the bar holds; once
// uptake stalls it moves to the best available candidate's task-type score,
// snapping down to the midpoint instead of hovering just above it.
func (c *Controller) decideProjectThreshold(ctx context.Context, p domain.Project, taskCount, claimed int) (float64, error) {
	if taskCount > 0 {
		if claimed == 0 || float64(taskCount)/float64(claimed) >= c.Config.Lambda {
			return p.MinRating, nil
		}
	}
	workers, err := c.Repo.RatedWorkerIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(workers) == 0 {
		return c.Config.Midpoint, nil
	}
	best := 0.0
	for _, w := range workers {
		score, err := c.Aggregator.TaskTypeScore(ctx, w, p.OwnerID, p.ID)
		if err != nil {
			return 0, err
		}
		if score > best {
			best = score
		}
	}
	if best <= c.Config.Midpoint && p.MinRating > c.Config.Midpoint {
		return c.Config.Midpoint, nil
	}
	return best, nil
}

// runTasks recomputes per-task bars when the project pass moved the bar or
// pinned it at the ceiling. Only tasks that still have open assignment slots
// are re-ranked.
func (c *Controller) runTasks(ctx context.Context, p domain.Project) error {
	if p.MinRating == p.PreviousMinRating && p.MinRating != c.Config.MaxRating {
		return nil
	}
	tasks, err := c.Repo.EligibleTasks(ctx, p.ID)
	if err != nil {
		return err
	}
	workers, err := c.Repo.RatedWorkerIDs(ctx)
	if err != nil {
		return err
	}
	now := c.nowString()
	for _, t := range tasks {
		remaining, err := c.Repo.RemainingAssignments(ctx, t.ID)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			continue
		}
		bar, err := c.taskBar(ctx, p, t, workers)
		if err != nil {
			return err
		}
		if bar == t.MinRating {
			continue
		}
		if err := c.Repo.SetTaskThreshold(ctx, t.ID, bar, now); err != nil {
			return err
		}
		if err := c.Repo.InsertBoomerangLog(ctx, domain.BoomerangLog{
			ObjectID:        t.GroupID,
			ObjectType:      "task",
			MinRating:       bar,
			RatingUpdatedAt: &now,
			Reason:          ReasonDefault,
			CreatedAt:       now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// taskBar is the lowest task-type score among the top WorkersNeeded workers
// still able to take the task, so exactly the best N available candidates
// clear it. Midpoint when nobody is left, and never parked just above the
// midpoint.
func (c *Controller) taskBar(ctx context.Context, p domain.Project, t domain.Task, workers []string) (float64, error) {
	scores := make([]float64, 0, len(workers))
	for _, w := range workers {
		assigned, err := c.Repo.WorkerEverAssigned(ctx, t.GroupID, w)
		if err != nil {
			return 0, err
		}
		if assigned {
			continue
		}
		score, err := c.Aggregator.TaskTypeScore(ctx, w, p.OwnerID, p.ID)
		if err != nil {
			return 0, err
		}
		scores = append(scores, score)
	}
	if len(scores) == 0 {
		return c.Config.Midpoint, nil
	}
	bar := topNMin(scores, c.Config.WorkersNeeded)
	if bar <= c.Config.Midpoint && t.MinRating > c.Config.Midpoint {
		return c.Config.Midpoint, nil
	}
	if bar < c.Config.Midpoint {
		bar = c.Config.Midpoint
	}
	return bar, nil
}

// topNMin returns the smallest of the n largest values.
func topNMin(scores []float64, n int) float64 {
	top := make([]float64, 0, n)
	for _, s := range scores {
		if len(top) < n {
			top = append(top, s)
			continue
		}
		lowest := 0
		for i := 1; i < len(top); i++ {
			if top[i] < top[lowest] {
				lowest = i
			}
		}
		if s > top[lowest] {
			top[lowest] = s
		}
	}
	min := top[0]
	for _, s := range top[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

// ResetProject forces a project group's bar back to the midpoint, recorded
// with the RESET reason so operators can tell it apart from controller moves.
func (c *Controller) ResetProject(ctx context.Context, projectID int64) error {
	p, err := c.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	now := c.nowString()
	if err := c.Repo.UpdateProjectThreshold(ctx, p.ID, c.Config.Midpoint, p.MinRating, now, p.TasksInProgress); err != nil {
		return err
	}
	return c.Repo.InsertBoomerangLog(ctx, domain.BoomerangLog{
		ObjectID:        p.GroupID,
		ObjectType:      "project",
		MinRating:       c.Config.Midpoint,
		RatingUpdatedAt: &now,
		Reason:          ReasonReset,
		CreatedAt:       now,
	})
}
