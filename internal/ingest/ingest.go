// Package ingest materializes a project revision's task rows while keeping
// work-item identity stable across revisions. Two tasks in consecutive
// revisions that carry positionally equal content share a group id, so
// assignment history and repetition accounting survive a re-upload.
package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"crowdwork/internal/config"
	"crowdwork/internal/domain"
	"crowdwork/internal/repo"
)

type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config config.IngestConfig
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg config.IngestConfig, log *zap.Logger) *Manager {
	return &Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// HashRecord derives the content fingerprint of one task row. Keys are
// sorted so two maps with the same pairs always hash the same.
func HashRecord(rec domain.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(rec[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CreateTasksForRevision replaces the task rows of one project revision with
// the given batch, inheriting group ids from the previous revision at
// matching positions with equal content. fileRemoved means the requester
// detached the data source; the revision then carries a single placeholder
// row, which inherits the prior first task's group only when the prior
// revision actually had a batch.
//
// The whole replacement runs in one transaction and is retried on transient
// failure; a missing project is a no-op.
func (m *Manager) CreateTasksForRevision(ctx context.Context, projectID int64, records []domain.Record, fileRemoved bool) error {
	var lastErr error
	for attempt := 0; attempt <= m.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			m.Log.Warn("task ingest retrying",
				zap.Int64("project", projectID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(m.Config.RetryBackoffSeconds) * time.Second):
			}
		}
		lastErr = m.createTasks(ctx, projectID, records, fileRemoved)
		if lastErr == nil || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
	}
	return fmt.Errorf("ingest tasks for project %d: %w", projectID, lastErr)
}

func (m *Manager) createTasks(ctx context.Context, projectID int64, records []domain.Record, fileRemoved bool) error {
	project, err := m.Repo.GetProject(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var prior []domain.Task
	priorHadBatch := false
	previous, err := m.Repo.PreviousRevision(ctx, project.GroupID, project.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return err
	default:
		prior, err = m.Repo.TasksByProject(ctx, previous.ID)
		if err != nil {
			return err
		}
		for _, t := range prior {
			if t.Hash != "" {
				priorHadBatch = true
				break
			}
		}
	}

	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.Repo.DeleteTasksForProjectTx(ctx, tx, project.ID); err != nil {
		return fmt.Errorf("clear revision tasks: %w", err)
	}

	if fileRemoved {
		task := domain.Task{
			ProjectID: project.ID,
			RowNumber: 1,
			Data:      domain.Record{},
			Hash:      "",
			MinRating: project.MinRating,
			CreatedAt: now,
		}
		var group *int64
		if priorHadBatch && len(prior) > 0 {
			group = &prior[0].GroupID
		}
		if _, err := m.Repo.InsertTaskTx(ctx, tx, task, group); err != nil {
			return fmt.Errorf("insert placeholder task: %w", err)
		}
	} else {
		for i, rec := range records {
			task := domain.Task{
				ProjectID: project.ID,
				RowNumber: i + 1,
				Data:      rec,
				Hash:      HashRecord(rec),
				MinRating: project.MinRating,
				CreatedAt: now,
			}
			var group *int64
			if i < len(prior) && prior[i].Hash == task.Hash {
				group = &prior[i].GroupID
			}
			if _, err := m.Repo.InsertTaskTx(ctx, tx, task, group); err != nil {
				return fmt.Errorf("insert task row %d: %w", i+1, err)
			}
		}
	}

	// Rows with no inherited identity become the roots of new groups.
	if err := m.Repo.BackfillTaskGroupsTx(ctx, tx, project.ID); err != nil {
		return fmt.Errorf("assign task groups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.Log.Info("revision tasks ingested",
		zap.Int64("project", project.ID),
		zap.Int("rows", len(records)),
		zap.Bool("file_removed", fileRemoved))
	return nil
}
