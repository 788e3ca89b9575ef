package async

import (
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Pool dispatches fire-and-forget units of work. Callers never block on
// completion; a unit that fails logs and is otherwise dropped (each unit is
// responsible for its own persistence-level retries).
type Pool struct {
	inner *ants.Pool
	log   *zap.Logger
}

func NewPool(size int, log *zap.Logger) (*Pool, error) {
	if size <= 0 {
		size = 16
	}
	inner, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner, log: log}, nil
}

// Submit schedules fn on the pool. A nil pool runs fn inline, which keeps
// tests deterministic. Submission failure falls back to inline execution so
// a saturated pool degrades rather than losing work.
func (p *Pool) Submit(name string, fn func()) {
	if p == nil || p.inner == nil {
		fn()
		return
	}
	if err := p.inner.Submit(fn); err != nil {
		p.log.Warn("pool submit failed, running inline", zap.String("unit", name), zap.Error(err))
		fn()
	}
}

// Release stops the pool; queued units still run.
func (p *Pool) Release() {
	if p != nil && p.inner != nil {
		p.inner.Release()
	}
}
