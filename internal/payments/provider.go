// Package payments wraps the external payment provider collaborator: create
// a batch payout to a destination for an amount, synchronously, returning
// success or an error payload for the payout log.
package payments

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result reports a confirmed provider payout.
type Result struct {
	BatchID           string
	TransactionStatus string
}

// Provider is the payout collaborator. Calls run to completion or failure;
// there is no cancellation of an in-flight payout.
type Provider interface {
	CreatePayout(ctx context.Context, destination string, amount decimal.Decimal, currency, batchID string) (Result, error)
}

// Sandbox confirms every payout without moving money; the default provider
// outside production.
type Sandbox struct {
	Log *zap.Logger
}

func (s Sandbox) CreatePayout(ctx context.Context, destination string, amount decimal.Decimal, currency, batchID string) (Result, error) {
	s.Log.Info("sandbox payout",
		zap.String("destination", destination),
		zap.String("amount", amount.String()),
		zap.String("currency", currency),
		zap.String("batch_id", batchID))
	return Result{BatchID: batchID, TransactionStatus: "SUCCESS"}, nil
}
