package ledger

import (
	"context"
)

// =============================================================================
// AGGREGATION - Read-side totals
// =============================================================================

// AccountStats is computed on every read and never stored.
//
// AmountDue is the sum of stored AmountRemaining values, not a figure
// derived from payment history.
type AccountStats struct {
	TotalPurchases Money
	TotalPayments  Money
	AmountDue      Money
	PurchaseCount  int
	PaymentCount   int
}

// ComputeStats sums the given rows.
func ComputeStats(purchases []Purchase, payments []Payment) AccountStats {
	stats := AccountStats{
		TotalPurchases: Zero,
		TotalPayments:  Zero,
		AmountDue:      Zero,
		PurchaseCount:  len(purchases),
		PaymentCount:   len(payments),
	}
	for _, p := range purchases {
		stats.TotalPurchases = stats.TotalPurchases.Add(p.Amount)
		stats.AmountDue = stats.AmountDue.Add(p.AmountRemaining)
	}
	for _, p := range payments {
		stats.TotalPayments = stats.TotalPayments.Add(p.Amount)
	}
	return stats
}

// Stats reads both tables inside one transaction so the snapshot is
// consistent with the last completed allocation or reconciliation.
func Stats(ctx context.Context, store TxStore, accountID AccountID) (AccountStats, error) {
	var stats AccountStats
	err := store.WithTx(ctx, func(s Store) error {
		purchases, payments, err := loadAccount(ctx, s, accountID)
		if err != nil {
			return err
		}
		stats = ComputeStats(purchases, payments)
		return nil
	})
	return stats, err
}
