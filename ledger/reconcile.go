/*
reconcile.go - Background aggregate reconciliation

PURPOSE:
  A partial failure can leave a Contract or Account drifted from the
  authoritative Payment set (for example a crash after the payment write in
  a store that cannot commit atomically, or historical data imported from
  elsewhere). The Reconciler rebuilds every contract's summary list and
  totals from its payments and corrects whatever drifted.

IDEMPOTENCE:
  Reconciliation only ever performs a full recompute from the source of
  truth, so running it twice, or concurrently with live traffic (version
  checks guard the writes), converges to the same state.

SCHEDULING:
  Run() loops on a ticker until the context is canceled. ReconcileAll() is
  also callable on demand from the admin endpoint.

SEE ALSO:
  - synchronizer.go: The writes being healed
  - store.go: ListPaymentsByContract, ListContractIDs
*/
package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler heals drifted aggregates from the authoritative payment set.
type Reconciler struct {
	store    Store
	log      *zap.Logger
	interval time.Duration
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	ContractsChecked int `json:"contracts_checked"`
	Repaired         int `json:"repaired"`
	Failed           int `json:"failed"`
}

func NewReconciler(store Store, log *zap.Logger, interval time.Duration) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{store: store, log: log, interval: interval}
}

// Run sweeps periodically until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.ReconcileAll(ctx)
			if err != nil {
				r.log.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if report.Repaired > 0 || report.Failed > 0 {
				r.log.Info("reconciliation sweep",
					zap.Int("checked", report.ContractsChecked),
					zap.Int("repaired", report.Repaired),
					zap.Int("failed", report.Failed))
			}
		}
	}
}

// ReconcileAll rebuilds aggregates for every contract.
func (r *Reconciler) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	ids, err := r.store.ListContractIDs(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	var report ReconcileReport
	for _, id := range ids {
		report.ContractsChecked++
		repaired, err := r.ReconcileContract(ctx, id)
		if err != nil {
			report.Failed++
			r.log.Warn("contract reconciliation failed",
				zap.String("contract_id", string(id)), zap.Error(err))
			continue
		}
		if repaired {
			report.Repaired++
		}
	}
	return report, nil
}

// ReconcileContract rebuilds one contract's summaries and totals, and its
// account's, from the payment set. Returns true when a repair was written.
func (r *Reconciler) ReconcileContract(ctx context.Context, id ContractID) (bool, error) {
	payments, err := r.store.ListPaymentsByContract(ctx, id)
	if err != nil {
		return false, err
	}
	authoritative := make([]PaymentSummary, 0, len(payments))
	for i := range payments {
		authoritative = append(authoritative, payments[i].Summary())
	}

	contract, err := r.store.GetContract(ctx, id)
	if err != nil {
		return false, err
	}
	repaired := false
	if drifted(contract.Payments, authoritative) ||
		!contract.TotalPaid.Equal(SumActive(authoritative)) {
		contract.Payments = authoritative
		contract.Resum()
		contract.UpdatedAt = time.Now().UTC()
		if err := r.store.PutContract(ctx, contract, contract.Version); err != nil {
			return false, err
		}
		repaired = true
		r.log.Info("repaired contract aggregates",
			zap.String("contract_id", string(id)),
			zap.String("total_paid", contract.TotalPaid.String()))
	}

	account, err := r.store.GetAccountByContract(ctx, id)
	if err != nil {
		// A contract without an account takes no payments, so there is
		// nothing further to heal.
		if IsNotFound(err) {
			return repaired, nil
		}
		return repaired, err
	}
	if drifted(account.Payments, authoritative) ||
		!account.TotalPaid.Equal(SumActive(authoritative)) {
		account.Payments = authoritative
		account.TotalAmount = contract.TotalAmount
		account.Resum()
		account.UpdatedAt = time.Now().UTC()
		if err := r.store.PutAccount(ctx, account, account.Version); err != nil {
			return repaired, err
		}
		repaired = true
		r.log.Info("repaired account aggregates",
			zap.String("contract_id", string(id)),
			zap.String("total_paid", account.TotalPaid.String()))
	}
	return repaired, nil
}

// drifted reports whether the embedded summaries disagree with the
// authoritative set. Order-insensitive: summaries are compared by payment id.
func drifted(embedded, authoritative []PaymentSummary) bool {
	if len(embedded) != len(authoritative) {
		return true
	}
	byID := make(map[PaymentID]PaymentSummary, len(embedded))
	for _, s := range embedded {
		byID[s.PaymentID] = s
	}
	for _, want := range authoritative {
		got, ok := byID[want.PaymentID]
		if !ok {
			return true
		}
		if !got.Amount.Equal(want.Amount) ||
			!got.Date.Equal(want.Date) ||
			got.Kind != want.Kind ||
			got.Reference != want.Reference ||
			got.Deleted != want.Deleted {
			return true
		}
	}
	return false
}
