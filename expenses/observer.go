package expenses

import "github.com/warp/debt-engine/ledger"

// Observer receives engine outcomes, typically to export metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	PaymentAllocated(result ledger.AllocationResult)
	Reconciled(result ledger.ReconcileResult)
	DriftDetected(report ledger.DriftReport)
	ConflictRetried(op string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) PaymentAllocated(ledger.AllocationResult) {}
func (NopObserver) Reconciled(ledger.ReconcileResult)        {}
func (NopObserver) DriftDetected(ledger.DriftReport)         {}
func (NopObserver) ConflictRetried(string)                   {}
