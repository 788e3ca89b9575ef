// Package jobs runs the periodic background work: the boomerang heartbeat,
// the claim expiry sweep, the payout batch and the notification digest.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Job is one schedulable unit of background work.
type Job interface {
	Name() string
	Schedule() gocron.JobDefinition
	Run(ctx context.Context) error
}

// Manager owns the scheduler and the registered jobs.
type Manager struct {
	scheduler gocron.Scheduler
	jobs      []Job
	log       *zap.Logger
}

func NewManager(log *zap.Logger, jobs ...Job) (*Manager, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Manager{scheduler: s, jobs: jobs, log: log}, nil
}

// Start registers every job and begins the scheduler. Each job runs in
// singleton mode so a slow cycle is never overlapped by the next tick.
func (m *Manager) Start(ctx context.Context) error {
	for _, job := range m.jobs {
		job := job
		_, err := m.scheduler.NewJob(
			job.Schedule(),
			gocron.NewTask(func() {
				if err := job.Run(ctx); err != nil {
					m.log.Error("job failed",
						zap.String("job", job.Name()),
						zap.Error(err))
				}
			}),
			gocron.WithName(job.Name()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", job.Name(), err)
		}
	}
	m.scheduler.Start()
	m.log.Info("scheduler started", zap.Int("jobs", len(m.jobs)))
	return nil
}

func (m *Manager) Stop() error {
	return m.scheduler.Shutdown()
}

// RunOnce triggers a single registered job by name, outside its schedule.
func (m *Manager) RunOnce(ctx context.Context, name string) error {
	for _, job := range m.jobs {
		if job.Name() == name {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

// Names lists the registered job names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.jobs))
	for _, job := range m.jobs {
		names = append(names, job.Name())
	}
	return names
}
