package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage/memory"
)

const (
	walletA = "0x000000000000000000000000000000000000aaaa"
	walletB = "0x000000000000000000000000000000000000bbbb"
)

func strPtr(s string) *string { return &s }

func credit(id, owner int64, amt string, wallet *string) *domain.RewardCredit {
	return &domain.RewardCredit{
		ID:            id,
		OwnerID:       owner,
		Amount:        decimal.RequireFromString(amt),
		Kind:          domain.CreditKindReward,
		Status:        domain.CreditStatusPending,
		WalletAddress: wallet,
	}
}

func TestBuild_GroupsByAddress(t *testing.T) {
	batch := Build([]*domain.RewardCredit{
		credit(1, 1, "1.5", strPtr(walletA)),
		credit(2, 1, "2.25", strPtr(" "+walletA+" ")),
		credit(3, 2, "3.0", strPtr(walletB)),
	}, nil)

	require.Len(t, batch.Entries, 2)
	assert.Equal(t, common.HexToAddress(walletA), batch.Entries[0].Address)
	assert.True(t, batch.Entries[0].Amount.Equal(decimal.RequireFromString("3.75")))
	assert.Equal(t, []int64{1, 2}, batch.Entries[0].CreditIDs)
	assert.Equal(t, common.HexToAddress(walletB), batch.Entries[1].Address)
	assert.True(t, batch.Entries[1].Amount.Equal(decimal.RequireFromString("3")))

	assert.ElementsMatch(t, []int64{1, 2, 3}, batch.CreditIDs)
	assert.True(t, batch.OwnerTotals[1].Equal(decimal.RequireFromString("3.75")))
	assert.True(t, batch.Total().Equal(decimal.RequireFromString("6.75")))

	units, err := batch.BaseUnits()
	require.NoError(t, err)
	assert.Equal(t, "3750000000000000000", units[0].String())
	assert.Equal(t, "3000000000000000000", units[1].String())
	assert.Len(t, batch.Addresses(), 2)
	assert.Len(t, batch.Amounts(), 2)
}

func TestBuild_SkipsInvalid(t *testing.T) {
	batch := Build([]*domain.RewardCredit{
		credit(1, 1, "1", nil),
		credit(2, 2, "1", strPtr("")),
		credit(3, 3, "1", strPtr("not-an-address")),
		credit(4, 4, "1", strPtr("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")),
		credit(5, 5, "0", strPtr(walletA)),
		credit(6, 6, "-2", strPtr(walletA)),
		credit(7, 7, "0.0000000000000000001", strPtr(walletA)),
		credit(8, 8, "5", strPtr(walletB)),
	}, nil)

	require.Len(t, batch.Entries, 1)
	assert.Equal(t, []int64{8}, batch.CreditIDs)
	require.Len(t, batch.Skipped, 7)
	for _, s := range batch.Skipped[:4] {
		assert.True(t, errors.Is(s.Err, domain.ErrInvalidAddress), "credit %d: %v", s.CreditID, s.Err)
	}
	for _, s := range batch.Skipped[4:] {
		assert.True(t, errors.Is(s.Err, domain.ErrInvalidAmount), "credit %d: %v", s.CreditID, s.Err)
	}
}

func TestBuild_Empty(t *testing.T) {
	batch := Build(nil, nil)
	assert.True(t, batch.Empty())
	assert.Empty(t, batch.CreditIDs)
}

func TestAggregator_LeavesSkippedPending(t *testing.T) {
	store := memory.NewStore()
	store.PutProfile(domain.LedgerProfile{OwnerID: 1, WalletAddress: strPtr("0xbad")})
	store.PutProfile(domain.LedgerProfile{OwnerID: 2, WalletAddress: strPtr(walletB)})
	store.PutProfile(domain.LedgerProfile{OwnerID: 3})
	bad := store.AddCredit(domain.RewardCredit{OwnerID: 1, Amount: decimal.NewFromInt(1)})
	good := store.AddCredit(domain.RewardCredit{OwnerID: 2, Amount: decimal.NewFromInt(2)})
	store.AddCredit(domain.RewardCredit{OwnerID: 3, Amount: decimal.NewFromInt(3)})

	batch, err := New(store.Credits(), store.Profiles(), nil).Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{good}, batch.CreditIDs)
	require.Len(t, batch.Skipped, 1)
	assert.Equal(t, bad, batch.Skipped[0].CreditID)
	assert.Equal(t, domain.CreditStatusPending, store.Credit(bad).Status)
}

func TestBuild_SkipsSharedWallet(t *testing.T) {
	upper := "0x000000000000000000000000000000000000AAAA"
	batch := Build([]*domain.RewardCredit{
		credit(1, 1, "1.5", strPtr(walletA)),
		credit(2, 2, "2", strPtr(upper)),
		credit(3, 3, "3", strPtr(walletB)),
	}, nil)

	assert.Equal(t, []int64{3}, batch.CreditIDs)
	require.Len(t, batch.Skipped, 2)
	for _, s := range batch.Skipped {
		assert.ErrorIs(t, s.Err, domain.ErrInvalidAddress)
		assert.Contains(t, s.Err.Error(), "shared by owners [1 2]")
	}
	_, ok := batch.OwnerTotals[1]
	assert.False(t, ok)
}

func TestAggregator_SkipsWalletSharedWithIdleProfile(t *testing.T) {
	store := memory.NewStore()
	store.PutProfile(domain.LedgerProfile{OwnerID: 1, WalletAddress: strPtr(walletA)})
	store.PutProfile(domain.LedgerProfile{OwnerID: 2, WalletAddress: strPtr(" " + walletA + " ")})
	store.PutProfile(domain.LedgerProfile{OwnerID: 3, WalletAddress: strPtr(walletB)})
	shared := store.AddCredit(domain.RewardCredit{OwnerID: 2, Amount: decimal.NewFromInt(3)})
	good := store.AddCredit(domain.RewardCredit{OwnerID: 3, Amount: decimal.NewFromInt(1)})

	batch, err := New(store.Credits(), store.Profiles(), nil).Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{good}, batch.CreditIDs)
	require.Len(t, batch.Skipped, 1)
	assert.Equal(t, shared, batch.Skipped[0].CreditID)
	assert.ErrorIs(t, batch.Skipped[0].Err, domain.ErrInvalidAddress)
	assert.Equal(t, domain.CreditStatusPending, store.Credit(shared).Status)
}
