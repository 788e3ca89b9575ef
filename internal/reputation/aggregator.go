package reputation

import (
	"context"

	"crowdwork/internal/config"
	"crowdwork/internal/repo"
)

// Aggregator computes a worker's reputation at the three nested scopes.
// Each scope reads its own ordered slice of rating events from the repo and
// applies its own decay constant.
type Aggregator struct {
	Repo   repo.Repo
	Config config.BoomerangConfig
}

func NewAggregator(r repo.Repo, cfg config.BoomerangConfig) Aggregator {
	return Aggregator{Repo: r, Config: cfg}
}

// PlatformScore is the worker's reputation across all ratings, any origin.
// Midpoint when the worker has never been rated.
func (a Aggregator) PlatformScore(ctx context.Context, workerID string) (float64, error) {
	weights, err := a.Repo.PlatformWeights(ctx, workerID)
	if err != nil {
		return 0, err
	}
	return a.scoreOrMidpoint(weights, a.Config.PlatformAlpha)
}

// RequesterScore is the worker's reputation in one requester's eyes.
func (a Aggregator) RequesterScore(ctx context.Context, workerID, requesterID string) (float64, error) {
	weights, err := a.Repo.RequesterWeights(ctx, workerID, requesterID)
	if err != nil {
		return 0, err
	}
	return a.scoreOrMidpoint(weights, a.Config.RequesterAlpha)
}

// TaskTypeScore is the worker's reputation for one project's kind of work.
// Cold start falls back through the wider scopes: task-scoped ratings, then
// the requester's ratings, then platform-wide, then the midpoint constant.
func (a Aggregator) TaskTypeScore(ctx context.Context, workerID, requesterID string, projectID int64) (float64, error) {
	weights, err := a.Repo.TaskScopeWeights(ctx, workerID, requesterID, projectID)
	if err != nil {
		return 0, err
	}
	if score, ok, err := WeightedScore(weights, a.Config.TaskAlpha); err != nil {
		return 0, err
	} else if ok {
		return score, nil
	}
	weights, err = a.Repo.RequesterWeights(ctx, workerID, requesterID)
	if err != nil {
		return 0, err
	}
	if score, ok, err := WeightedScore(weights, a.Config.RequesterAlpha); err != nil {
		return 0, err
	} else if ok {
		return score, nil
	}
	return a.PlatformScore(ctx, workerID)
}

func (a Aggregator) scoreOrMidpoint(weights []float64, alpha float64) (float64, error) {
	score, ok, err := WeightedScore(weights, alpha)
	if err != nil {
		return 0, err
	}
	if !ok {
		return a.Config.Midpoint, nil
	}
	return score, nil
}
