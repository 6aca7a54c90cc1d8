package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
)

func strPtr(s string) *string { return &s }

func seed(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	s.PutProfile(domain.LedgerProfile{
		OwnerID:        1,
		WalletAddress:  strPtr("0xAbC0000000000000000000000000000000000001"),
		VirtualBalance: decimal.NewFromInt(10),
	})
	s.PutProfile(domain.LedgerProfile{OwnerID: 2})
	s.AddCredit(domain.RewardCredit{OwnerID: 1, Amount: decimal.NewFromInt(4)})
	s.AddCredit(domain.RewardCredit{OwnerID: 2, Amount: decimal.NewFromInt(5)})
	s.AddCredit(domain.RewardCredit{
		OwnerID: 1,
		Amount:  decimal.NewFromInt(6),
		Kind:    domain.CreditKindWithdrawal,
	})
	return s
}

func TestListPendingRewards_FiltersWalletAndKind(t *testing.T) {
	s := seed(t)
	credits, err := s.Credits().ListPendingRewards(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 1 {
		t.Fatalf("expected 1 credit, got %d", len(credits))
	}
	if credits[0].WalletAddress == nil || *credits[0].WalletAddress == "" {
		t.Error("expected wallet to be joined onto the credit")
	}
}

func TestUnitOfWork_RollbackDiscardsChanges(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	uow, err := s.NewUnitOfWork(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := uow.AdjustBalances(ctx, 1, decimal.NewFromInt(-4), decimal.Zero); err != nil {
		t.Fatal(err)
	}
	n, err := uow.MarkCreditsProcessing(ctx, []int64{1}, "0xtx", time.Now())
	if err != nil || n != 1 {
		t.Fatalf("MarkCreditsProcessing = %d, %v", n, err)
	}
	if err := uow.Rollback(); err != nil {
		t.Fatal(err)
	}

	if got := s.Profile(1).VirtualBalance; !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("virtual balance changed after rollback: %s", got)
	}
	if got := s.Credit(1).Status; got != domain.CreditStatusPending {
		t.Errorf("credit status changed after rollback: %s", got)
	}
}

func TestUnitOfWork_CommitAppliesChanges(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	uow, err := s.NewUnitOfWork(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer uow.Rollback()

	if _, err := uow.MarkCreditsProcessing(ctx, []int64{1}, "0xtx", time.Now()); err != nil {
		t.Fatal(err)
	}
	sum, count, err := uow.ConfirmCredits(ctx, 1, "0xTX", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || !sum.Equal(decimal.NewFromInt(4)) {
		t.Errorf("ConfirmCredits = %s, %d", sum, count)
	}
	if err := uow.AdvanceCheckpoint(ctx, "mint", 50); err != nil {
		t.Fatal(err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := uow.Commit(); err == nil {
		t.Error("second commit should fail")
	}

	if got := s.Credit(1).Status; got != domain.CreditStatusConfirmed {
		t.Errorf("expected CONFIRMED, got %s", got)
	}
	cp, _ := s.Checkpoints().Get(ctx, "mint")
	if cp == nil || cp.NextBlock != 50 {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestUnitOfWork_RecordEventOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	ev := domain.MintEvent{BlockNumber: 100, LogIndex: 1, Position: 0, Amount: big.NewInt(1)}

	for i, want := range []bool{true, false} {
		uow, err := s.NewUnitOfWork(ctx)
		if err != nil {
			t.Fatal(err)
		}
		inserted, err := uow.RecordEvent(ctx, ev, domain.EventOutcomeApplied)
		if err != nil {
			t.Fatal(err)
		}
		if inserted != want {
			t.Errorf("attempt %d: inserted = %v, want %v", i, inserted, want)
		}
		if err := uow.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	if s.EventCount() != 1 {
		t.Errorf("expected 1 event, got %d", s.EventCount())
	}
}

func TestCheckpointAdvance_NeverRegresses(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if got, _ := s.Checkpoints().Advance(ctx, "mint", 101); got != 101 {
		t.Errorf("Advance = %d, want 101", got)
	}
	if got, _ := s.Checkpoints().Advance(ctx, "mint", 90); got != 101 {
		t.Errorf("Advance backwards = %d, want 101", got)
	}
}

func TestProfileByWallet_CaseInsensitive(t *testing.T) {
	s := seed(t)
	p, err := s.Profiles().GetByWallet(context.Background(), "0xabc0000000000000000000000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if p.OwnerID != 1 {
		t.Errorf("expected owner 1, got %d", p.OwnerID)
	}
	_, err = s.Profiles().GetByWallet(context.Background(), "0x0000000000000000000000000000000000000009")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConflicts_ResolveAndBlocking(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	addr := "0xabc"

	rf := &domain.Conflict{Kind: domain.ConflictRecordFailed, TxHash: strPtr("0x1")}
	drift := &domain.Conflict{Kind: domain.ConflictBalanceDrift, Address: &addr}
	if err := s.Conflicts().Add(ctx, rf); err != nil {
		t.Fatal(err)
	}
	if err := s.Conflicts().Add(ctx, drift); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.Conflicts().CountBlocking(ctx); n != 1 {
		t.Errorf("CountBlocking = %d, want 1", n)
	}
	if ok, _ := s.Conflicts().HasOpen(ctx, domain.ConflictBalanceDrift, "0xABC"); !ok {
		t.Error("expected open drift conflict")
	}

	if err := s.Conflicts().Resolve(ctx, rf.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Conflicts().Resolve(ctx, rf.ID, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second resolve error = %v, want ErrNotFound", err)
	}
	if n, _ := s.Conflicts().CountBlocking(ctx); n != 0 {
		t.Errorf("CountBlocking after resolve = %d", n)
	}
	open, _ := s.Conflicts().ListOpen(ctx)
	if len(open) != 1 || open[0].ID != drift.ID {
		t.Errorf("ListOpen = %+v", open)
	}
}

func TestFailCredits_ReturnsOwnerTotals(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	uow, _ := s.NewUnitOfWork(ctx)
	_, _ = uow.MarkCreditsProcessing(ctx, []int64{1, 2}, "0xtx", time.Now())
	totals, err := uow.FailCredits(ctx, "0xtx", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	_ = uow.Commit()

	if !totals[1].Equal(decimal.NewFromInt(4)) || !totals[2].Equal(decimal.NewFromInt(5)) {
		t.Errorf("totals = %v", totals)
	}
	if s.Credit(2).Status != domain.CreditStatusFailed {
		t.Errorf("credit 2 status = %s", s.Credit(2).Status)
	}
}
