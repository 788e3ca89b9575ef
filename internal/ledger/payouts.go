package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdwork/internal/domain"
)

// PayWorkers settles each worker's approved and unpaid claims through the
// payment provider. Payouts are keyed by a deterministic batch id per worker
// per ISO week so a retried run cannot pay the same work twice, and claims
// are flagged paid only after the provider accepts the batch.
func (e *Engine) PayWorkers(ctx context.Context) error {
	workers, err := e.Repo.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	year, week := e.now().UTC().ISOWeek()
	for _, w := range workers {
		if err := e.payWorker(ctx, w, year, week); err != nil {
			return fmt.Errorf("pay worker %s: %w", w.ID, err)
		}
	}
	return nil
}

func (e *Engine) payWorker(ctx context.Context, w domain.Worker, year, week int) error {
	claims, err := e.Repo.UnpaidApprovedClaims(ctx, w.ID)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		return nil
	}
	total := decimal.Zero
	ids := make([]int64, 0, len(claims))
	for _, c := range claims {
		total = total.Add(c.Price)
		ids = append(ids, c.ClaimID)
	}
	if total.Sign() <= 0 {
		return nil
	}
	if w.PayoutAddress == "" {
		e.Log.Warn("worker has no payout address, skipping",
			zap.String("worker", w.ID),
			zap.String("owed", total.String()))
		return nil
	}

	batchID := fmt.Sprintf("batch_worker_%s_week_%d_%d", w.ID, year, week)
	result, payErr := e.Provider.CreatePayout(ctx, w.PayoutAddress, total, e.Config.Payout.Currency, batchID)

	log := domain.PayoutLog{
		WorkerID:  w.ID,
		BatchID:   batchID,
		Amount:    total,
		IsValid:   payErr == nil,
		Response:  result.TransactionStatus,
		CreatedAt: e.nowString(),
	}
	if payErr != nil {
		log.Response = payErr.Error()
		if insertErr := e.Repo.InsertPayoutLog(ctx, log); insertErr != nil {
			return fmt.Errorf("record failed payout: %w", insertErr)
		}
		e.Log.Error("payout failed",
			zap.String("worker", w.ID),
			zap.String("batch", batchID),
			zap.Error(payErr))
		return nil
	}

	if err := e.Repo.MarkClaimsPaid(ctx, ids); err != nil {
		return fmt.Errorf("mark claims paid: %w", err)
	}
	if err := e.Repo.InsertPayoutLog(ctx, log); err != nil {
		return fmt.Errorf("record payout: %w", err)
	}
	e.Log.Info("payout issued",
		zap.String("worker", w.ID),
		zap.String("batch", batchID),
		zap.String("amount", total.String()),
		zap.Int("claims", len(ids)))
	return nil
}
