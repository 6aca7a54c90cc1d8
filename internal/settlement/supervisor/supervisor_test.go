package supervisor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/settler/internal/core/checkpoint"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain"
	"github.com/vietddude/settler/internal/infra/chain/chaintest"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/infra/storage/memory"
	"github.com/vietddude/settler/internal/settlement/aggregator"
	"github.com/vietddude/settler/internal/settlement/confirm"
	"github.com/vietddude/settler/internal/settlement/reconciler"
)

var (
	addrA = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	addrB = common.HexToAddress("0x0000000000000000000000000000000000000bbb")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeSubmitter struct {
	mu         sync.Mutex
	calls      int
	recipients []common.Address
	amounts    []decimal.Decimal
	err        error
	hook       func()
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, r []common.Address, a []decimal.Decimal) (string, error) {
	if f.hook != nil {
		f.hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.recipients, f.amounts = r, a
	return "0x00000000000000000000000000000000000000000000000000000000000000f1", nil
}

type fakeLock struct {
	err      error
	locked   atomic.Int32
	unlocked atomic.Int32
	extended atomic.Int32
}

func (l *fakeLock) TryLock(context.Context) error {
	if l.err != nil {
		return l.err
	}
	l.locked.Add(1)
	return nil
}

func (l *fakeLock) Extend(context.Context) error {
	l.extended.Add(1)
	return nil
}

func (l *fakeLock) Unlock(context.Context) error {
	l.unlocked.Add(1)
	return nil
}

func seedStore() *memory.Store {
	st := memory.NewStore()
	a, b := addrA.Hex(), addrB.Hex()
	st.PutProfile(domain.LedgerProfile{OwnerID: 1, WalletAddress: &a, VirtualBalance: dec("3.75")})
	st.PutProfile(domain.LedgerProfile{OwnerID: 2, WalletAddress: &b, VirtualBalance: dec("3")})
	st.AddCredit(domain.RewardCredit{OwnerID: 1, Amount: dec("1.5")})
	st.AddCredit(domain.RewardCredit{OwnerID: 1, Amount: dec("2.25")})
	st.AddCredit(domain.RewardCredit{OwnerID: 2, Amount: dec("3.0")})
	return st
}

func newBatch(st *memory.Store, sub BatchSubmitter, cfg BatchConfig) *BatchSupervisor {
	return NewBatchSupervisor(
		aggregator.New(st.Credits(), st.Profiles(), nil),
		sub,
		reconciler.New(st, reconciler.Config{}),
		cfg,
	)
}

func TestRunBatchCycle(t *testing.T) {
	st := seedStore()
	sub := &fakeSubmitter{}
	lock := &fakeLock{}
	s := newBatch(st, sub, BatchConfig{Lock: lock})

	report, err := s.RunBatchCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []common.Address{addrA, addrB}, sub.recipients)
	require.Len(t, sub.amounts, 2)
	assert.True(t, dec("3.75").Equal(sub.amounts[0]))
	assert.True(t, dec("3").Equal(sub.amounts[1]))

	assert.Equal(t, CycleIdle, report.State)
	assert.Equal(t, 3, report.Credits)
	assert.Equal(t, 2, report.Recipients)
	assert.True(t, dec("6.75").Equal(report.Total))
	assert.NotEmpty(t, report.ID)

	for id := int64(1); id <= 3; id++ {
		assert.Equal(t, domain.CreditStatusProcessing, st.Credit(id).Status)
	}
	assert.True(t, st.Profile(1).VirtualBalance.IsZero())
	assert.Equal(t, int32(1), lock.locked.Load())
	assert.Equal(t, int32(1), lock.extended.Load())
	assert.Equal(t, int32(1), lock.unlocked.Load())

	// nothing left to settle
	report, err = s.RunBatchCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.TxHash)
	assert.Equal(t, 1, sub.calls)
}

func TestRunBatchCycle_SubmitFailureLeavesPending(t *testing.T) {
	st := seedStore()
	sub := &fakeSubmitter{err: domain.ErrSubmission}
	s := newBatch(st, sub, BatchConfig{})

	_, err := s.RunBatchCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrSubmission)
	assert.Equal(t, CycleFailed, s.State())
	assert.Equal(t, domain.CreditStatusPending, st.Credit(1).Status)
	assert.True(t, dec("3.75").Equal(st.Profile(1).VirtualBalance))

	sub.err = nil
	_, err = s.RunBatchCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleIdle, s.State())
	assert.Equal(t, domain.CreditStatusProcessing, st.Credit(1).Status)
}

func TestRunBatchCycle_Overlap(t *testing.T) {
	st := seedStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &fakeSubmitter{hook: func() {
		close(entered)
		<-release
	}}
	s := newBatch(st, sub, BatchConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunBatchCycle(context.Background())
		done <- err
	}()
	<-entered

	_, err := s.RunBatchCycle(context.Background())
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, sub.calls)
}

func TestRunBatchCycle_DistributedLockHeld(t *testing.T) {
	st := seedStore()
	sub := &fakeSubmitter{}
	s := newBatch(st, sub, BatchConfig{Lock: &fakeLock{err: domain.ErrCycleInProgress}})

	_, err := s.RunBatchCycle(context.Background())
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)
	assert.Zero(t, sub.calls)
}

func TestRunBatchCycle_BlockedByConflict(t *testing.T) {
	st := seedStore()
	hash := "0xdead"
	require.NoError(t, st.Conflicts().Add(context.Background(), &domain.Conflict{
		Kind:   domain.ConflictRecordFailed,
		TxHash: &hash,
	}))
	sub := &fakeSubmitter{}
	s := newBatch(st, sub, BatchConfig{})

	_, err := s.RunBatchCycle(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnresolvedConflicts)
	assert.Zero(t, sub.calls)
	assert.Equal(t, domain.CreditStatusPending, st.Credit(1).Status)
}

// downStore rejects writes while down is set. Reads pass through.
type downStore struct {
	storage.Store
	down atomic.Bool
}

var errStoreDown = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

func (s *downStore) NewUnitOfWork(ctx context.Context) (storage.UnitOfWork, error) {
	if s.down.Load() {
		return nil, errStoreDown
	}
	return s.Store.NewUnitOfWork(ctx)
}

func (s *downStore) Conflicts() storage.ConflictRepository {
	return downConflicts{ConflictRepository: s.Store.Conflicts(), s: s}
}

type downConflicts struct {
	storage.ConflictRepository
	s *downStore
}

func (c downConflicts) Add(ctx context.Context, conflict *domain.Conflict) error {
	if c.s.down.Load() {
		return errStoreDown
	}
	return c.ConflictRepository.Add(ctx, conflict)
}

func TestRunBatchCycle_UnrecordedBroadcastBlocksCycles(t *testing.T) {
	st := seedStore()
	ds := &downStore{Store: st}
	ledger := reconciler.New(ds, reconciler.Config{RetryDelay: time.Millisecond})
	sub := &fakeSubmitter{hook: func() { ds.down.Store(true) }}
	s := NewBatchSupervisor(aggregator.New(st.Credits(), st.Profiles(), nil), sub, ledger, BatchConfig{})

	_, err := s.RunBatchCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrReconciliationConflict)
	require.NotNil(t, s.Unrecorded())
	assert.Equal(t, domain.CreditStatusPending, st.Credit(1).Status)

	// the store is still down: no second broadcast
	sub.hook = nil
	_, err = s.RunBatchCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrUnresolvedConflicts)
	assert.Equal(t, 1, sub.calls)
	require.NotNil(t, s.Unrecorded())

	// the store is back: the held conflict is written and blocks durably
	ds.down.Store(false)
	_, err = s.RunBatchCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrUnresolvedConflicts)
	assert.Nil(t, s.Unrecorded())
	assert.Equal(t, 1, sub.calls)

	open, err := ledger.ListConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.ConflictRecordFailed, open[0].Kind)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000f1", *open[0].TxHash)
}

func TestRunBatchCycle_RecordsAfterCancel(t *testing.T) {
	st := seedStore()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSubmitter{hook: cancel}
	s := newBatch(st, sub, BatchConfig{})

	_, err := s.RunBatchCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CreditStatusProcessing, st.Credit(1).Status)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to CycleState
		want     bool
	}{
		{CycleIdle, CycleAggregating, true},
		{CycleIdle, CycleSubmitting, false},
		{CycleAggregating, CycleIdle, true},
		{CycleSubmitting, CycleRecording, true},
		{CycleSubmitting, CycleIdle, false},
		{CycleRecording, CycleIdle, true},
		{CycleFailed, CycleAggregating, true},
		{CycleFailed, CycleRecording, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	assert.True(t, ListenerIdleWait.CanTransition(ListenerScanning))
	assert.True(t, ListenerScanning.CanTransition(ListenerDisconnected))
	assert.False(t, ListenerDisconnected.CanTransition(ListenerScanning))
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i), "attempt %d", i)
	}
}

func TestRunListener(t *testing.T) {
	tok, err := evm.NewToken(common.HexToAddress("0x00000000000000000000000000000000000c0de0"))
	require.NoError(t, err)
	fake := chaintest.New(tok, 50)
	require.NoError(t, fake.AddMint(45, common.HexToHash("0xf1"), []common.Address{addrA}, []*big.Int{big.NewInt(1e18)}))

	// the first filter call fails like a dropped connection
	var failed atomic.Bool
	fake.FilterErr = func(ethereum.FilterQuery) error {
		if failed.CompareAndSwap(false, true) {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	st := seedStore()
	ledger := reconciler.New(st, reconciler.Config{CheckpointName: "mint"})
	cp := checkpoint.NewManager(st.Checkpoints(), "mint")
	scanner := confirm.NewScanner(tok, ledger, cp, confirm.Config{StartBlock: 40, Confirmations: 2})

	var dials atomic.Int32
	dial := func(context.Context) (chain.Client, error) {
		dials.Add(1)
		return fake, nil
	}
	l := NewListenerSupervisor(dial, scanner, ListenerConfig{
		PollInterval: 10 * time.Millisecond,
		Backoff:      Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.RunListener(ctx) }()

	require.Eventually(t, func() bool {
		c, err := st.Checkpoints().Get(context.Background(), "mint")
		return err == nil && c != nil && c.NextBlock == 49
	}, 2*time.Second, 5*time.Millisecond)

	status := l.Status()
	assert.Equal(t, 1, status.Reconnects)
	assert.Equal(t, int32(2), dials.Load())
	assert.True(t, dec("1").Equal(st.Profile(1).BlockchainBalance))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, ListenerDisconnected, l.Status().State)
}
