package jobs

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"crowdwork/internal/boomerang"
	"crowdwork/internal/config"
	"crowdwork/internal/ledger"
	"crowdwork/internal/lifecycle"
	"crowdwork/internal/notify"
	"crowdwork/internal/repo"
)

func every(minutes int) gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(minutes) * time.Minute)
}

// BoomerangJob runs one threshold controller heartbeat.
type BoomerangJob struct {
	Controller *boomerang.Controller
	Config     config.BoomerangConfig
}

func (j BoomerangJob) Name() string { return "boomerang" }
func (j BoomerangJob) Schedule() gocron.JobDefinition { return every(j.Config.HeartbeatMinutes) }
func (j BoomerangJob) Run(ctx context.Context) error {
	return j.Controller.RunHeartbeat(ctx)
}

// ExpireJob sweeps stale in-progress claims.
type ExpireJob struct {
	Engine *lifecycle.Engine
	Config config.LifecycleConfig
}

func (j ExpireJob) Name() string { return "expire" }
func (j ExpireJob) Schedule() gocron.JobDefinition { return every(j.Config.ExpireSweepMinutes) }
func (j ExpireJob) Run(ctx context.Context) error {
	_, err := j.Engine.ExpireSweep(ctx)
	return err
}

// PayoutJob settles approved unpaid work through the payment provider.
type PayoutJob struct {
	Ledger *ledger.Engine
	Config config.PayoutConfig
}

func (j PayoutJob) Name() string { return "payout" }
func (j PayoutJob) Schedule() gocron.JobDefinition { return every(j.Config.IntervalMinutes) }
func (j PayoutJob) Run(ctx context.Context) error {
	return j.Ledger.PayWorkers(ctx)
}

// DigestJob flushes queued notifications, one delivery per worker per cycle.
type DigestJob struct {
	Repo     repo.Repo
	Notifier notify.Notifier
	Config   config.NotifyConfig
	Log      *zap.Logger
	Now      func() time.Time
}

func (j DigestJob) Name() string { return "digest" }
func (j DigestJob) Schedule() gocron.JobDefinition { return every(j.Config.DigestMinutes) }

func (j DigestJob) Run(ctx context.Context) error {
	pending, err := j.Repo.PendingNotifications(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	byWorker := make(map[string][]int64)
	subjects := make(map[string]string)
	bodies := make(map[string]string)
	for _, n := range pending {
		byWorker[n.WorkerID] = append(byWorker[n.WorkerID], n.ID)
		// The latest pending notice wins the digest's subject line.
		subjects[n.WorkerID] = n.Subject
		bodies[n.WorkerID] = n.Body
	}
	at := now().UTC().Format(time.RFC3339)
	for worker, ids := range byWorker {
		// Providers address external workers by the bare upper-cased id,
		// not the prefixed form stored locally.
		target := worker
		if notify.IsExternal(worker) {
			target = notify.ExternalID(worker)
		}
		if err := j.Notifier.NotifyWorkers(ctx, []string{target}, subjects[worker], bodies[worker]); err != nil {
			j.Log.Warn("digest delivery failed", zap.String("worker", worker), zap.Error(err))
			continue
		}
		if err := j.Repo.MarkNotificationsDelivered(ctx, ids, at); err != nil {
			return err
		}
	}
	return nil
}
