// Package aggregator turns pending reward credits into a settlement batch.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/amount"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/metrics"
)

// Entry is one recipient of a batch.
type Entry struct {
	Address   common.Address
	Amount    decimal.Decimal
	CreditIDs []int64
}

// Skip records a credit left PENDING and why.
type Skip struct {
	CreditID int64
	OwnerID  int64
	Err      error
}

// Batch is the aggregation result. Entries are ordered by first appearance.
type Batch struct {
	Entries     []Entry
	OwnerTotals map[int64]decimal.Decimal
	CreditIDs   []int64
	Skipped     []Skip
}

// Empty reports whether there is nothing to settle.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Entries) == 0
}

// Addresses returns the recipients in entry order.
func (b *Batch) Addresses() []common.Address {
	out := make([]common.Address, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Address
	}
	return out
}

// Amounts returns the amounts in entry order, parallel to Addresses.
func (b *Batch) Amounts() []decimal.Decimal {
	out := make([]decimal.Decimal, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Amount
	}
	return out
}

// Total is the sum of all entries.
func (b *Batch) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range b.Entries {
		total = total.Add(e.Amount)
	}
	return total
}

// BaseUnits converts the entry amounts for the contract call.
func (b *Batch) BaseUnits() ([]*big.Int, error) {
	out := make([]*big.Int, len(b.Entries))
	for i, e := range b.Entries {
		v, err := amount.Token.ToBaseUnits(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Address.Hex(), err)
		}
		out[i] = v
	}
	return out, nil
}

// Aggregator reads pending credits and groups them by wallet.
type Aggregator struct {
	credits  storage.CreditRepository
	profiles storage.ProfileRepository
	log      *slog.Logger
}

// New creates an aggregator over the credit repository. When profiles is set, wallets
// shared with profiles that have no pending credits are also refused.
func New(credits storage.CreditRepository, profiles storage.ProfileRepository, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{credits: credits, profiles: profiles, log: log}
}

// Aggregate builds a batch from every settleable credit. Bad credits are skipped and
// logged; only a store failure is returned as an error.
func (a *Aggregator) Aggregate(ctx context.Context) (*Batch, error) {
	credits, err := a.credits.ListPendingRewards(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending credits: %w", err)
	}

	owners := make(walletOwners)
	if a.profiles != nil {
		profiles, err := a.profiles.ListWithWallet(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load wallet owners: %w", err)
		}
		for _, p := range profiles {
			if addr, err := evm.ParseAddress(*p.WalletAddress); err == nil {
				owners.add(addr, p.OwnerID)
			}
		}
	}
	return build(credits, owners, a.log), nil
}

// Build groups credits by checksummed wallet and sums amounts exactly. A wallet that
// belongs to more than one owner is refused: its mint could only be credited to one.
func Build(credits []*domain.RewardCredit, log *slog.Logger) *Batch {
	return build(credits, make(walletOwners), log)
}

func build(credits []*domain.RewardCredit, owners walletOwners, log *slog.Logger) *Batch {
	if log == nil {
		log = slog.Default()
	}

	type candidate struct {
		credit *domain.RewardCredit
		addr   common.Address
		err    error
	}
	var candidates []candidate
	for _, c := range credits {
		if c.Status != domain.CreditStatusPending || c.Kind != domain.CreditKindReward {
			continue
		}
		addr, err := validate(c)
		if err == nil {
			owners.add(addr, c.OwnerID)
		}
		candidates = append(candidates, candidate{credit: c, addr: addr, err: err})
	}

	batch := &Batch{OwnerTotals: make(map[int64]decimal.Decimal)}
	index := make(map[common.Address]int)

	for _, cand := range candidates {
		c, addr, err := cand.credit, cand.addr, cand.err
		reason := ""
		switch {
		case errors.Is(err, domain.ErrInvalidAddress):
			reason = "invalid_address"
		case err != nil:
			reason = "invalid_amount"
		case len(owners[addr]) > 1:
			reason = "shared_wallet"
			err = fmt.Errorf("%w: wallet %s shared by owners %v", domain.ErrInvalidAddress, addr.Hex(), owners.ids(addr))
		}
		if err != nil {
			log.Warn("Skipping credit", "credit", c.ID, "owner", c.OwnerID, "reason", reason, "error", err)
			metrics.CreditsSkippedTotal.WithLabelValues(reason).Inc()
			batch.Skipped = append(batch.Skipped, Skip{CreditID: c.ID, OwnerID: c.OwnerID, Err: err})
			continue
		}

		i, ok := index[addr]
		if !ok {
			i = len(batch.Entries)
			index[addr] = i
			batch.Entries = append(batch.Entries, Entry{Address: addr, Amount: decimal.Zero})
		}
		batch.Entries[i].Amount = batch.Entries[i].Amount.Add(c.Amount)
		batch.Entries[i].CreditIDs = append(batch.Entries[i].CreditIDs, c.ID)
		batch.OwnerTotals[c.OwnerID] = batch.OwnerTotals[c.OwnerID].Add(c.Amount)
		batch.CreditIDs = append(batch.CreditIDs, c.ID)
	}
	return batch
}

// walletOwners maps a checksummed wallet to the owners using it.
type walletOwners map[common.Address]map[int64]struct{}

func (w walletOwners) add(addr common.Address, ownerID int64) {
	if w[addr] == nil {
		w[addr] = make(map[int64]struct{})
	}
	w[addr][ownerID] = struct{}{}
}

func (w walletOwners) ids(addr common.Address) []int64 {
	ids := make([]int64, 0, len(w[addr]))
	for id := range w[addr] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func validate(c *domain.RewardCredit) (common.Address, error) {
	if c.WalletAddress == nil {
		return common.Address{}, fmt.Errorf("%w: owner %d has no wallet", domain.ErrInvalidAddress, c.OwnerID)
	}
	addr, err := evm.ParseAddress(*c.WalletAddress)
	if err != nil {
		return common.Address{}, err
	}
	if err := amount.Token.Validate(c.Amount); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}
