// Package ledger is the settlement core: double-entry transaction posting,
// versioned-price refund computation, idempotent payout issuance and
// approval liability updates.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdwork/internal/config"
	"crowdwork/internal/domain"
	"crowdwork/internal/payments"
	"crowdwork/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Provider payments.Provider
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, provider payments.Provider, log *zap.Logger) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Provider: provider,
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
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

// PostTransaction atomically records a ledger entry and applies it to the
// account balances. The recipient is always credited; the sender is debited
// unless it is a pass-through account type (worker or requester); escrow is
// the only account that really holds funds.
func (e *Engine) PostTransaction(ctx context.Context, senderID, recipientID int64, amount decimal.Decimal, reference string) (domain.Transaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()
	t, err := e.postTransactionTx(ctx, tx, senderID, recipientID, amount, reference)
	if err != nil {
		return domain.Transaction{}, err
	}
	return t, tx.Commit()
}

func (e *Engine) postTransactionTx(ctx context.Context, tx *sql.Tx, senderID, recipientID int64, amount decimal.Decimal, reference string) (domain.Transaction, error) {
	if amount.Sign() <= 0 {
		return domain.Transaction{}, fmt.Errorf("transaction amount must be positive, got %s", amount)
	}
	t := domain.Transaction{
		SenderID:    senderID,
		RecipientID: recipientID,
		Amount:      amount,
		Reference:   reference,
		CreatedAt:   e.nowString(),
	}
	id, err := e.Repo.InsertTransactionTx(ctx, tx, t)
	if err != nil {
		return t, fmt.Errorf("insert transaction: %w", err)
	}
	t.ID = id

	recipient, err := e.Repo.GetAccountTx(ctx, tx, recipientID)
	if err != nil {
		return t, fmt.Errorf("load recipient account: %w", err)
	}
	if err := e.Repo.SetAccountBalanceTx(ctx, tx, recipientID, recipient.Balance.Add(amount)); err != nil {
		return t, fmt.Errorf("credit recipient: %w", err)
	}
	sender, err := e.Repo.GetAccountTx(ctx, tx, senderID)
	if err != nil {
		return t, fmt.Errorf("load sender account: %w", err)
	}
	if sender.Type != domain.AccountTypeWorker && sender.Type != domain.AccountTypeRequester {
		if err := e.Repo.SetAccountBalanceTx(ctx, tx, senderID, sender.Balance.Sub(amount)); err != nil {
			return t, fmt.Errorf("debit sender: %w", err)
		}
	}
	return t, nil
}

// RefundClaims evaluates the versioned-price refund for each expired or
// skipped claim and, for positive refunds, posts an escrow-to-requester
// transaction and reduces the governing revision's outstanding liability in
// the same atomic unit. Claims whose project group no longer resolves are
// no-ops.
func (e *Engine) RefundClaims(ctx context.Context, claimIDs []int64) error {
	if len(claimIDs) == 0 {
		return nil
	}
	escrow, err := e.Repo.EscrowAccount(ctx)
	if err != nil {
		return fmt.Errorf("escrow account: %w", err)
	}
	for _, claimID := range claimIDs {
		if err := e.refundClaim(ctx, escrow, claimID); err != nil {
			return fmt.Errorf("refund claim %d: %w", claimID, err)
		}
	}
	return nil
}

func (e *Engine) refundClaim(ctx context.Context, escrow domain.FinancialAccount, claimID int64) error {
	claim, err := e.Repo.GetClaim(ctx, claimID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// Only voided work is refundable. A claim that moved on since it was
	// selected, say an expiry candidate the worker submitted in time, keeps
	// its money in escrow.
	if claim.Status != domain.ClaimStatusExpired && claim.Status != domain.ClaimStatusSkipped {
		return nil
	}
	task, err := e.Repo.GetTask(ctx, claim.TaskID)
	if err != nil {
		return err
	}
	original, err := e.Repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	latest, err := e.Repo.LatestNonDraftRevision(ctx, original.GroupID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	amount := e.refundAmount(task, original, latest)
	if amount.Sign() <= 0 {
		return nil
	}
	requesterAccount, err := e.Repo.EnsureAccount(ctx, original.OwnerID, domain.AccountTypeRequester, e.nowString())
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	reference := fmt.Sprintf("TW#%d", claim.ID)
	if _, err := e.postTransactionTx(ctx, tx, escrow.ID, requesterAccount.ID, amount, reference); err != nil {
		return err
	}
	if err := e.Repo.DecrementAmountDueTx(ctx, tx, latest.ID, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info("refund posted",
		zap.Int64("claim", claim.ID),
		zap.Int64("project", latest.ID),
		zap.String("amount", amount.String()))
	return nil
}

// refundAmount reconciles what the requester overpaid for one voided claim
// against the project group's current pricing.
func (e *Engine) refundAmount(task domain.Task, original, latest domain.Project) decimal.Decimal {
	if task.ProjectID == latest.ID {
		// The claim was made against the current revision; nothing to
		// reconcile.
		return decimal.Zero
	}
	if task.ExcludeAt != nil {
		// The work item was voided outright; make the requester whole.
		return original.Price
	}
	running := latest.Deadline == nil
	if latest.Deadline != nil {
		if deadline, err := time.Parse(time.RFC3339, *latest.Deadline); err == nil {
			running = deadline.After(e.now())
		}
	}
	switch {
	case running && latest.Price.GreaterThanOrEqual(original.Price):
		return decimal.Zero
	case running:
		return original.Price.Sub(latest.Price)
	default:
		return latest.Price
	}
}

// PostApprove books the approval batch against the group's governing
// revision: amount_due -= price × workers. A vanished project is a no-op.
func (e *Engine) PostApprove(ctx context.Context, taskID int64, workerCount int) error {
	if workerCount <= 0 {
		return fmt.Errorf("approval worker count must be positive, got %d", workerCount)
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	project, err := e.Repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	latest, err := e.Repo.LatestNonDraftRevision(ctx, project.GroupID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	amount := project.Price.Mul(decimal.NewFromInt(int64(workerCount)))
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DecrementAmountDueTx(ctx, tx, latest.ID, amount); err != nil {
		return err
	}
	return tx.Commit()
}
