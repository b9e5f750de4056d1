/*
sweeper.go - Periodic consistency sweep

PURPOSE:
  Walks every account on a timer, replays it without writing and reports
  accounts whose stored balances disagree with their payment history.
  Drift should never happen through the service; it shows up after manual
  database edits or a crash from an older binary.

DESIGN:
  - One background goroutine, ticker driven, first sweep runs immediately
  - Each account is checked under its own lock, so the sweep never blocks
    more than one account at a time
  - With Repair enabled a drifting account is reconciled on the spot

CONFIGURATION:
  - Interval: How often to sweep (ledger.sweep_interval, 0 disables)
  - Repair:   Reconcile drifting accounts (ledger.sweep_repair)

USAGE:
  sweeper := expenses.NewSweeper(svc, accounts, time.Hour, false)
  sweeper.Start()
  defer sweeper.Stop()
*/
package expenses

import (
	"context"
	"sync"
	"time"

	"github.com/warp/debt-engine/ledger"
)

// Sweeper checks all accounts for balance drift in the background.
type Sweeper struct {
	Service  *Service
	Accounts ledger.AccountStore
	Interval time.Duration
	Repair   bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepSummary counts what one pass saw.
type SweepSummary struct {
	Checked  int
	Drifting int
	Repaired int
	Failed   int
}

func NewSweeper(svc *Service, accounts ledger.AccountStore, interval time.Duration, repair bool) *Sweeper {
	return &Sweeper{
		Service:  svc,
		Accounts: accounts,
		Interval: interval,
		Repair:   repair,
	}
}

// Start begins sweeping. A non-positive interval leaves the sweeper off.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	log := sw.Service.logger
	if sw.Interval <= 0 {
		log.Info("consistency sweeper disabled")
		return
	}
	if sw.ticker != nil {
		return
	}

	ticker := time.NewTicker(sw.Interval)
	stop := make(chan struct{})
	sw.ticker = ticker
	sw.stop = stop
	sw.wg.Add(1)
	go sw.run(ticker, stop)

	log.Info("consistency sweeper started", "interval", sw.Interval, "repair", sw.Repair)
}

// Stop halts the sweeper and waits for an in-flight pass to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker == nil {
		return
	}
	sw.ticker.Stop()
	close(sw.stop)
	sw.wg.Wait()
	sw.ticker = nil
	sw.Service.logger.Info("consistency sweeper stopped")
}

// run owns ticker and stop for one Start/Stop cycle; it never reads the
// Sweeper's fields, which a later Start replaces.
func (sw *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sw.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	sw.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			sw.Sweep(ctx)
		case <-stop:
			return
		}
	}
}

// Sweep checks every account once. Exported for admin triggers and tests.
func (sw *Sweeper) Sweep(ctx context.Context) SweepSummary {
	var summary SweepSummary
	log := sw.Service.logger

	accounts, err := sw.Accounts.ListAccounts(ctx)
	if err != nil {
		log.Error("sweep: list accounts", "error", err)
		return summary
	}

	for _, a := range accounts {
		if ctx.Err() != nil {
			break
		}
		summary.Checked++

		report, err := sw.Service.check(ctx, a.ID)
		if err != nil {
			summary.Failed++
			log.Error("sweep: check account", "account_id", a.ID, "error", err)
			continue
		}
		if report.Consistent() {
			continue
		}
		summary.Drifting++

		if !sw.Repair {
			continue
		}
		if _, err := sw.Service.reconcile(ctx, a.ID); err != nil {
			summary.Failed++
			log.Error("sweep: repair account", "account_id", a.ID, "error", err)
			continue
		}
		summary.Repaired++
	}

	if summary.Drifting > 0 || summary.Failed > 0 {
		log.Warn("sweep completed", "checked", summary.Checked, "drifting", summary.Drifting,
			"repaired", summary.Repaired, "failed", summary.Failed)
	} else {
		log.Debug("sweep completed", "checked", summary.Checked)
	}
	return summary
}
