package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"crowdwork/internal/domain"
)

const accountColumns = `id,owner_id,type,balance,is_system,created_at`

func scanAccount(scan func(...any) error) (domain.FinancialAccount, error) {
	var a domain.FinancialAccount
	var owner sql.NullString
	var balance string
	err := scan(&a.ID, &owner, &a.Type, &balance, &a.IsSystem, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.OwnerID = strPtr(owner)
	a.Balance, err = parseMoney(balance)
	return a, err
}

// EscrowAccount returns the system escrow account seeded by migrations.
func (r Repo) EscrowAccount(ctx context.Context) (domain.FinancialAccount, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_system=1 AND type=?`,
		domain.AccountTypeEscrow)
	return scanAccount(row.Scan)
}

// EnsureAccount returns the pass-through account for (owner, type), creating
// it on first use.
func (r Repo) EnsureAccount(ctx context.Context, ownerID, accountType, createdAt string) (domain.FinancialAccount, error) {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(owner_id,type,balance,is_system,created_at) VALUES (?,?,'0',0,?)
ON CONFLICT(owner_id,type) DO NOTHING`, ownerID, accountType, createdAt)
	if err != nil {
		return domain.FinancialAccount{}, err
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id=? AND type=? AND is_system=0`,
		ownerID, accountType)
	return scanAccount(row.Scan)
}

func (r Repo) GetAccount(ctx context.Context, id int64) (domain.FinancialAccount, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id)
	return scanAccount(row.Scan)
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id int64) (domain.FinancialAccount, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id)
	return scanAccount(row.Scan)
}

func (r Repo) SetAccountBalanceTx(ctx context.Context, tx *sql.Tx, id int64, balance decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=? WHERE id=?`, balance.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.Transaction) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO transactions(sender_id,recipient_id,amount,reference,created_at)
VALUES (?,?,?,?,?)`,
		t.SenderID, t.RecipientID, t.Amount.String(), t.Reference, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sender_id,recipient_id,amount,reference,created_at FROM transactions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.SenderID, &t.RecipientID, &amount, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Amount, err = parseMoney(amount); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- payouts ---

// ClaimPrice pairs an unpaid approved claim with the price its project
// revision promised.
type ClaimPrice struct {
	ClaimID int64
	Price   decimal.Decimal
}

// UnpaidApprovedClaims lists the worker's approved, not-yet-paid claims with
// their prices.
func (r Repo) UnpaidApprovedClaims(ctx context.Context, workerID string) ([]ClaimPrice, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tw.id, p.price FROM task_workers tw
JOIN tasks t ON t.id=tw.task_id
JOIN projects p ON p.id=t.project_id
WHERE tw.worker_id=? AND tw.status=? AND tw.is_paid=0 ORDER BY tw.id`,
		workerID, domain.ClaimStatusApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ClaimPrice
	for rows.Next() {
		var cp ClaimPrice
		var price string
		if err := rows.Scan(&cp.ClaimID, &price); err != nil {
			return nil, err
		}
		if cp.Price, err = parseMoney(price); err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

// MarkClaimsPaid flags the summed claims after the provider confirmed; the
// is_paid guard keeps already-paid rows out of any later batch.
func (r Repo) MarkClaimsPaid(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE task_workers SET is_paid=1 WHERE id IN (`+
		strings.Join(placeholders, ",")+`) AND is_paid=0`, args...)
	return err
}

func (r Repo) InsertPayoutLog(ctx context.Context, l domain.PayoutLog) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payout_logs(worker_id,batch_id,amount,is_valid,response,created_at)
VALUES (?,?,?,?,?,?)`,
		l.WorkerID, l.BatchID, l.Amount.String(), l.IsValid, nullable(l.Response), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payout log: %w", err)
	}
	return nil
}

func (r Repo) ListPayoutLogs(ctx context.Context, workerID string) ([]domain.PayoutLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,worker_id,batch_id,amount,is_valid,response,created_at
FROM payout_logs WHERE worker_id=? ORDER BY id`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PayoutLog
	for rows.Next() {
		var l domain.PayoutLog
		var amount string
		var response sql.NullString
		if err := rows.Scan(&l.ID, &l.WorkerID, &l.BatchID, &amount, &l.IsValid, &response, &l.CreatedAt); err != nil {
			return nil, err
		}
		if l.Amount, err = parseMoney(amount); err != nil {
			return nil, err
		}
		if response.Valid {
			l.Response = response.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
