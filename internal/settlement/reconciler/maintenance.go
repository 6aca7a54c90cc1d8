package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	"github.com/vietddude/settler/internal/metrics"
)

// BalanceReader reads on-chain token balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error)
}

// SweepResult summarizes a receipt sweep.
type SweepResult struct {
	Checked  int
	Reverted int
	Pending  int
	Stale    int
	Errors   int
}

// SweepReceipts checks PROCESSING transactions older than minAge. Reverted ones have
// their credits marked FAILED and the amounts returned to the owners' virtual balances.
// Mined and pending transactions are left for the listener, unless they have been
// PROCESSING for longer than the stale threshold: those get a stale_submission conflict.
func (r *Reconciler) SweepReceipts(
	ctx context.Context,
	receipts chain.ReceiptReader,
	minAge time.Duration,
) (SweepResult, error) {
	var res SweepResult
	hashes, err := r.store.Credits().ListProcessingTxs(ctx, r.now().Add(-minAge))
	if err != nil {
		return res, fmt.Errorf("failed to list processing txs: %w", err)
	}
	stale, err := r.staleTxs(ctx)
	if err != nil {
		return res, err
	}

	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		status, err := r.lookupReceipt(ctx, receipts, hash)
		if err != nil {
			res.Errors++
			r.log.Warn("Receipt lookup failed", "tx", hash, "error", err)
			continue
		}
		if status == chain.ReceiptReverted {
			if err := r.failTx(ctx, hash); err != nil {
				res.Errors++
				r.log.Error("Failed to release reverted batch", "tx", hash, "error", err)
				continue
			}
			res.Reverted++
			continue
		}

		if status == chain.ReceiptPending {
			res.Pending++
		}
		if _, ok := stale[hash]; ok {
			raised, err := r.raiseStale(ctx, hash, status)
			if err != nil {
				res.Errors++
				r.log.Error("Failed to record stale submission", "tx", hash, "error", err)
				continue
			}
			if raised {
				res.Stale++
			}
		}
	}

	if res.Checked > 0 {
		r.log.Info("Receipt sweep finished",
			"checked", res.Checked,
			"reverted", res.Reverted,
			"pending", res.Pending,
			"stale", res.Stale,
			"errors", res.Errors,
		)
	}
	return res, nil
}

func (r *Reconciler) lookupReceipt(ctx context.Context, receipts chain.ReceiptReader, hash string) (chain.ReceiptStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()
	start := time.Now()
	status, _, err := chain.LookupReceipt(cctx, receipts, common.HexToHash(hash))
	metrics.RPCLatency.WithLabelValues("eth_getTransactionReceipt").Observe(time.Since(start).Seconds())
	return status, err
}

func (r *Reconciler) staleTxs(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if r.staleAfter <= 0 {
		return out, nil
	}
	hashes, err := r.store.Credits().ListProcessingTxs(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale txs: %w", err)
	}
	for _, h := range hashes {
		out[h] = struct{}{}
	}
	return out, nil
}

// raiseStale records a stale_submission conflict for txHash unless one is already open.
func (r *Reconciler) raiseStale(ctx context.Context, txHash string, status chain.ReceiptStatus) (bool, error) {
	open, err := r.store.Conflicts().ListOpen(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range open {
		if c.Kind == domain.ConflictStaleSubmission && c.TxHash != nil && strings.EqualFold(*c.TxHash, txHash) {
			return false, nil
		}
	}

	credits, err := r.store.Credits().ListByTx(ctx, txHash)
	if err != nil {
		return false, err
	}
	total := decimal.Zero
	ids := make([]int64, 0, len(credits))
	for _, c := range credits {
		if c.Status != domain.CreditStatusProcessing {
			continue
		}
		total = total.Add(c.Amount)
		ids = append(ids, c.ID)
	}

	hash := txHash
	conflict := &domain.Conflict{
		Kind:   domain.ConflictStaleSubmission,
		TxHash: &hash,
		Amount: &total,
		Detail: fmt.Sprintf("receipt %s, credits %v still processing after %s", status, ids, r.staleAfter),
	}
	if err := r.store.Conflicts().Add(ctx, conflict); err != nil {
		return false, err
	}
	metrics.ConflictsTotal.WithLabelValues(string(domain.ConflictStaleSubmission)).Inc()
	r.log.Error("Submission stuck in processing", "tx", txHash, "receipt", status, "conflict", conflict.ID)
	return true, nil
}

func (r *Reconciler) failTx(ctx context.Context, txHash string) error {
	uow, err := r.store.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	totals, err := uow.FailCredits(ctx, txHash, r.now())
	if err != nil {
		return err
	}
	for _, ownerID := range sortedOwners(totals) {
		if _, err := uow.LockProfileByOwner(ctx, ownerID); err != nil {
			return fmt.Errorf("lock profile %d: %w", ownerID, err)
		}
		if err := uow.AdjustBalances(ctx, ownerID, totals[ownerID], decimal.Zero); err != nil {
			return fmt.Errorf("restore profile %d: %w", ownerID, err)
		}
	}
	if err := uow.Commit(); err != nil {
		return err
	}
	r.log.Warn("Batch reverted, credits failed", "tx", txHash, "owners", len(totals))
	return nil
}

// Drift is a profile whose local blockchain balance disagrees with the chain.
type Drift struct {
	OwnerID int64
	Address string
	Local   decimal.Decimal
	OnChain decimal.Decimal
}

// CheckDrift compares every wallet's balanceOf with the stored blockchain balance and
// records a balance_drift conflict for each new mismatch. It never writes balances.
func (r *Reconciler) CheckDrift(ctx context.Context, balances BalanceReader) ([]Drift, error) {
	profiles, err := r.store.Profiles().ListWithWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	var (
		mu     sync.Mutex
		drifts []Drift
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, p := range profiles {
		addr, err := evm.ParseAddress(*p.WalletAddress)
		if err != nil {
			r.log.Warn("Skipping drift check", "owner", p.OwnerID, "error", err)
			continue
		}
		g.Go(func() error {
			onChain, err := balances.BalanceOf(gctx, addr)
			if err != nil {
				return fmt.Errorf("balanceOf %s: %w", addr.Hex(), err)
			}
			if onChain.Equal(p.BlockchainBalance) {
				return nil
			}
			mu.Lock()
			drifts = append(drifts, Drift{
				OwnerID: p.OwnerID,
				Address: addr.Hex(),
				Local:   p.BlockchainBalance,
				OnChain: onChain,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range drifts {
		open, err := r.store.Conflicts().HasOpen(ctx, domain.ConflictBalanceDrift, d.Address)
		if err != nil {
			return drifts, err
		}
		if open {
			continue
		}
		addr, diff := d.Address, d.OnChain.Sub(d.Local)
		c := &domain.Conflict{
			Kind:    domain.ConflictBalanceDrift,
			Address: &addr,
			Amount:  &diff,
			Detail:  fmt.Sprintf("owner %d local %s on-chain %s", d.OwnerID, d.Local, d.OnChain),
		}
		if err := r.store.Conflicts().Add(ctx, c); err != nil {
			return drifts, err
		}
		metrics.ConflictsTotal.WithLabelValues(string(domain.ConflictBalanceDrift)).Inc()
		r.log.Warn("Balance drift", "owner", d.OwnerID, "address", d.Address,
			"local", d.Local, "on_chain", d.OnChain)
	}
	return drifts, nil
}
