// Package statcache mirrors lifecycle transitions into denormalized
// per-worker counters consumed by UI/API surfaces. The cache is a best-effort
// read optimization updated over a fire-and-forget side channel; the claim
// table stays authoritative and the counters are periodically resynced from
// it.
package statcache

import (
	"context"
	"fmt"
	"strconv"

	"crowdwork/internal/domain"
)

// Cache is the hash-field collaborator: per-worker increment/decrement and
// field set.
type Cache interface {
	HIncrBy(ctx context.Context, key, field string, delta int64) error
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Operation names a lifecycle transition as seen by the cache.
type Operation string

const (
	OpAccepted  Operation = "accepted"
	OpSubmitted Operation = "submitted"
	OpApproved  Operation = "approved"
	OpRejected  Operation = "rejected"
	OpReturned  Operation = "returned"
	OpExpired   Operation = "expired"
	OpSkipped   Operation = "skipped"
)

// Key builds the per-worker hash key.
func Key(workerID string) string {
	return "worker:" + workerID
}

// Apply mirrors one lifecycle transition for the given workers. Deltas are
// commutative but not idempotent: duplicate delivery double-counts, which the
// periodic resync repairs.
func Apply(ctx context.Context, c Cache, workerIDs []string, op Operation) error {
	for _, w := range workerIDs {
		key := Key(w)
		var err error
		switch op {
		case OpAccepted:
			err = c.HIncrBy(ctx, key, "in_progress", 1)
		case OpSubmitted:
			if err = c.HIncrBy(ctx, key, "in_progress", -1); err == nil {
				err = c.HIncrBy(ctx, key, "submitted", 1)
			}
		case OpApproved:
			if err = c.HIncrBy(ctx, key, "submitted", -1); err == nil {
				err = c.HIncrBy(ctx, key, "approved", 1)
			}
		case OpRejected:
			if err = c.HIncrBy(ctx, key, "submitted", -1); err == nil {
				err = c.HIncrBy(ctx, key, "rejected", 1)
			}
		case OpReturned:
			if err = c.HIncrBy(ctx, key, "submitted", -1); err == nil {
				err = c.HIncrBy(ctx, key, "returned", 1)
			}
		case OpExpired, OpSkipped:
			err = c.HIncrBy(ctx, key, "in_progress", -1)
		default:
			return fmt.Errorf("unknown stat cache operation %q", op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Resync overwrites one worker's counters from authoritative claim counts.
func Resync(ctx context.Context, c Cache, workerID string, counts map[string]int64) error {
	key := Key(workerID)
	for _, field := range []string{
		domain.ClaimStatusInProgress,
		domain.ClaimStatusSubmitted,
		domain.ClaimStatusApproved,
		domain.ClaimStatusRejected,
		domain.ClaimStatusReturned,
	} {
		if err := c.HSet(ctx, key, field, strconv.FormatInt(counts[field], 10)); err != nil {
			return err
		}
	}
	return nil
}

// Stats reads one worker's counters into the API shape.
func Stats(ctx context.Context, c Cache, workerID string) (domain.WorkerStats, error) {
	fields, err := c.HGetAll(ctx, Key(workerID))
	if err != nil {
		return domain.WorkerStats{}, err
	}
	get := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	return domain.WorkerStats{
		WorkerID:   workerID,
		InProgress: get("in_progress"),
		Submitted:  get("submitted"),
		Approved:   get("approved"),
		Rejected:   get("rejected"),
		Returned:   get("returned"),
	}, nil
}
