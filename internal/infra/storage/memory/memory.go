// Package memory is an in-process ledger store. Units of work run one at a time
// against a private copy of the state that is swapped in on Commit.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
)

type appliedEvent struct {
	event   domain.MintEvent
	outcome domain.EventOutcome
}

type state struct {
	credits     map[int64]*domain.RewardCredit
	profiles    map[int64]*domain.LedgerProfile
	checkpoints map[string]*domain.Checkpoint
	events      map[string]appliedEvent
	conflicts   []*domain.Conflict
	nextCredit  int64
	nextConfl   int64
}

func newState() *state {
	return &state{
		credits:     make(map[int64]*domain.RewardCredit),
		profiles:    make(map[int64]*domain.LedgerProfile),
		checkpoints: make(map[string]*domain.Checkpoint),
		events:      make(map[string]appliedEvent),
		nextCredit:  1,
		nextConfl:   1,
	}
}

func (s *state) clone() *state {
	c := &state{
		credits:     make(map[int64]*domain.RewardCredit, len(s.credits)),
		profiles:    make(map[int64]*domain.LedgerProfile, len(s.profiles)),
		checkpoints: make(map[string]*domain.Checkpoint, len(s.checkpoints)),
		events:      make(map[string]appliedEvent, len(s.events)),
		conflicts:   make([]*domain.Conflict, len(s.conflicts)),
		nextCredit:  s.nextCredit,
		nextConfl:   s.nextConfl,
	}
	for id, cr := range s.credits {
		cp := *cr
		c.credits[id] = &cp
	}
	for id, p := range s.profiles {
		cp := *p
		c.profiles[id] = &cp
	}
	for name, cp := range s.checkpoints {
		v := *cp
		c.checkpoints[name] = &v
	}
	for k, ev := range s.events {
		c.events[k] = ev
	}
	for i, cf := range s.conflicts {
		v := *cf
		c.conflicts[i] = &v
	}
	return c
}

// Store implements storage.Store in memory.
type Store struct {
	// writeMu serializes units of work and direct repository writes.
	writeMu sync.Mutex
	mu      sync.RWMutex
	st      *state
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{st: newState()}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Credits() storage.CreditRepository         { return creditRepo{s} }
func (s *Store) Profiles() storage.ProfileRepository       { return profileRepo{s} }
func (s *Store) Checkpoints() storage.CheckpointRepository { return checkpointRepo{s} }
func (s *Store) Conflicts() storage.ConflictRepository     { return conflictRepo{s} }

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// write runs fn against the live state under both locks.
func (s *Store) write(fn func(st *state) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) read(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.st)
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(p domain.LedgerProfile) {
	_ = s.write(func(st *state) error {
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = time.Now()
		}
		st.profiles[p.OwnerID] = &p
		return nil
	})
}

// AddCredit inserts a credit and returns its id. Zero Status and Kind default to PENDING and REWARD.
func (s *Store) AddCredit(c domain.RewardCredit) int64 {
	var id int64
	_ = s.write(func(st *state) error {
		if c.ID == 0 {
			c.ID = st.nextCredit
		}
		if c.ID >= st.nextCredit {
			st.nextCredit = c.ID + 1
		}
		if c.Status == "" {
			c.Status = domain.CreditStatusPending
		}
		if c.Kind == "" {
			c.Kind = domain.CreditKindReward
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		st.credits[c.ID] = &c
		id = c.ID
		return nil
	})
	return id
}

// Credit returns a copy of the credit, or nil.
func (s *Store) Credit(id int64) *domain.RewardCredit {
	var out *domain.RewardCredit
	s.read(func(st *state) {
		if c, ok := st.credits[id]; ok {
			cp := *c
			out = &cp
		}
	})
	return out
}

// Profile returns a copy of the profile, or nil.
func (s *Store) Profile(ownerID int64) *domain.LedgerProfile {
	var out *domain.LedgerProfile
	s.read(func(st *state) {
		if p, ok := st.profiles[ownerID]; ok {
			cp := *p
			out = &cp
		}
	})
	return out
}

// EventCount returns how many event keys have been recorded.
func (s *Store) EventCount() int {
	var n int
	s.read(func(st *state) { n = len(st.events) })
	return n
}

// -----------------------------------------------------------------------------
// Repositories
// -----------------------------------------------------------------------------

type creditRepo struct{ s *Store }

func (r creditRepo) ListPendingRewards(context.Context) ([]*domain.RewardCredit, error) {
	var out []*domain.RewardCredit
	r.s.read(func(st *state) {
		for _, c := range st.credits {
			if c.Status != domain.CreditStatusPending || c.Kind != domain.CreditKindReward {
				continue
			}
			p, ok := st.profiles[c.OwnerID]
			if !ok || p.WalletAddress == nil {
				continue
			}
			cp := *c
			wallet := *p.WalletAddress
			cp.WalletAddress = &wallet
			out = append(out, &cp)
		}
	})
	sortCredits(out)
	return out, nil
}

func (r creditRepo) ListProcessingTxs(_ context.Context, olderThan time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	r.s.read(func(st *state) {
		for _, c := range st.credits {
			if c.Status != domain.CreditStatusProcessing || c.TxHash == nil {
				continue
			}
			if c.ProcessedAt != nil && !c.ProcessedAt.Before(olderThan) {
				continue
			}
			if _, ok := seen[*c.TxHash]; ok {
				continue
			}
			seen[*c.TxHash] = struct{}{}
			out = append(out, *c.TxHash)
		}
	})
	sort.Strings(out)
	return out, nil
}

func (r creditRepo) ListByTx(_ context.Context, txHash string) ([]*domain.RewardCredit, error) {
	var out []*domain.RewardCredit
	r.s.read(func(st *state) {
		for _, c := range st.credits {
			if c.TxHash != nil && strings.EqualFold(*c.TxHash, txHash) {
				cp := *c
				out = append(out, &cp)
			}
		}
	})
	sortCredits(out)
	return out, nil
}

func sortCredits(cs []*domain.RewardCredit) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

type profileRepo struct{ s *Store }

func (r profileRepo) GetByOwner(_ context.Context, ownerID int64) (*domain.LedgerProfile, error) {
	if p := r.s.Profile(ownerID); p != nil {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (r profileRepo) GetByWallet(_ context.Context, address string) (*domain.LedgerProfile, error) {
	var out *domain.LedgerProfile
	r.s.read(func(st *state) {
		if p := findByWallet(st, address); p != nil {
			cp := *p
			out = &cp
		}
	})
	if out == nil {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func (r profileRepo) ListWithWallet(context.Context) ([]*domain.LedgerProfile, error) {
	var out []*domain.LedgerProfile
	r.s.read(func(st *state) {
		for _, p := range st.profiles {
			if p.HasWallet() {
				cp := *p
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

// findByWallet picks the lowest owner id whose trimmed wallet matches address ignoring case.
func findByWallet(st *state, address string) *domain.LedgerProfile {
	address = strings.TrimSpace(address)
	var found *domain.LedgerProfile
	for _, p := range st.profiles {
		if p.WalletAddress == nil || !strings.EqualFold(strings.TrimSpace(*p.WalletAddress), address) {
			continue
		}
		if found == nil || p.OwnerID < found.OwnerID {
			found = p
		}
	}
	return found
}

type checkpointRepo struct{ s *Store }

func (r checkpointRepo) Get(_ context.Context, name string) (*domain.Checkpoint, error) {
	var out *domain.Checkpoint
	r.s.read(func(st *state) {
		if cp, ok := st.checkpoints[name]; ok {
			v := *cp
			out = &v
		}
	})
	return out, nil
}

func (r checkpointRepo) Save(_ context.Context, cp *domain.Checkpoint) error {
	return r.s.write(func(st *state) error {
		v := *cp
		v.UpdatedAt = time.Now()
		st.checkpoints[cp.Name] = &v
		return nil
	})
}

func (r checkpointRepo) Advance(_ context.Context, name string, next uint64) (uint64, error) {
	var stored uint64
	err := r.s.write(func(st *state) error {
		stored = advance(st, name, next)
		return nil
	})
	return stored, err
}

func advance(st *state, name string, next uint64) uint64 {
	cp, ok := st.checkpoints[name]
	if !ok {
		cp = &domain.Checkpoint{Name: name}
		st.checkpoints[name] = cp
	}
	if next > cp.NextBlock {
		cp.NextBlock = next
	}
	cp.UpdatedAt = time.Now()
	return cp.NextBlock
}

type conflictRepo struct{ s *Store }

func (r conflictRepo) Add(_ context.Context, c *domain.Conflict) error {
	return r.s.write(func(st *state) error {
		addConflict(st, c)
		return nil
	})
}

func addConflict(st *state, c *domain.Conflict) {
	c.ID = st.nextConfl
	st.nextConfl++
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	v := *c
	st.conflicts = append(st.conflicts, &v)
}

func (r conflictRepo) ListOpen(context.Context) ([]*domain.Conflict, error) {
	var out []*domain.Conflict
	r.s.read(func(st *state) {
		for _, c := range st.conflicts {
			if c.ResolvedAt == nil {
				v := *c
				out = append(out, &v)
			}
		}
	})
	return out, nil
}

func (r conflictRepo) HasOpen(_ context.Context, kind domain.ConflictKind, address string) (bool, error) {
	var found bool
	r.s.read(func(st *state) {
		for _, c := range st.conflicts {
			if c.ResolvedAt == nil && c.Kind == kind && c.Address != nil &&
				strings.EqualFold(*c.Address, address) {
				found = true
				return
			}
		}
	})
	return found, nil
}

func (r conflictRepo) CountBlocking(context.Context) (int, error) {
	var n int
	r.s.read(func(st *state) {
		for _, c := range st.conflicts {
			if c.Blocking() {
				n++
			}
		}
	})
	return n, nil
}

func (r conflictRepo) Resolve(_ context.Context, id int64, at time.Time) error {
	return r.s.write(func(st *state) error {
		for _, c := range st.conflicts {
			if c.ID == id && c.ResolvedAt == nil {
				t := at
				c.ResolvedAt = &t
				return nil
			}
		}
		return domain.ErrNotFound
	})
}

// -----------------------------------------------------------------------------
// Unit of work
// -----------------------------------------------------------------------------

var errCompleted = errors.New("transaction already completed")

type unitOfWork struct {
	store *Store
	st    *state
	done  bool
}

// NewUnitOfWork blocks until no other unit of work is open, then snapshots the state.
func (s *Store) NewUnitOfWork(ctx context.Context) (storage.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()
	return &unitOfWork{store: s, st: snapshot}, nil
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return errCompleted
	}
	u.store.mu.Lock()
	u.store.st = u.st
	u.store.mu.Unlock()
	u.finish()
	return nil
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.finish()
	return nil
}

func (u *unitOfWork) finish() {
	u.done = true
	u.st = nil
	u.store.writeMu.Unlock()
}

func (u *unitOfWork) check() error {
	if u.done {
		return errCompleted
	}
	return nil
}

func (u *unitOfWork) LockProfileByOwner(_ context.Context, ownerID int64) (*domain.LedgerProfile, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	p, ok := u.st.profiles[ownerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (u *unitOfWork) LockProfileByWallet(_ context.Context, address string) (*domain.LedgerProfile, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	p := findByWallet(u.st, address)
	if p == nil {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (u *unitOfWork) AdjustBalances(
	_ context.Context,
	ownerID int64,
	virtualDelta, blockchainDelta decimal.Decimal,
) error {
	if err := u.check(); err != nil {
		return err
	}
	p, ok := u.st.profiles[ownerID]
	if !ok {
		return domain.ErrNotFound
	}
	p.VirtualBalance = p.VirtualBalance.Add(virtualDelta)
	p.BlockchainBalance = p.BlockchainBalance.Add(blockchainDelta)
	p.UpdatedAt = time.Now()
	return nil
}

func (u *unitOfWork) MarkCreditsProcessing(
	_ context.Context,
	ids []int64,
	txHash string,
	at time.Time,
) (int64, error) {
	if err := u.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		c, ok := u.st.credits[id]
		if !ok || c.Status != domain.CreditStatusPending {
			continue
		}
		hash, t := txHash, at
		c.Status = domain.CreditStatusProcessing
		c.TxHash = &hash
		c.ProcessedAt = &t
		n++
	}
	return n, nil
}

func (u *unitOfWork) ConfirmCredits(
	_ context.Context,
	ownerID int64,
	txHash string,
	at time.Time,
) (decimal.Decimal, int, error) {
	if err := u.check(); err != nil {
		return decimal.Zero, 0, err
	}
	sum, count := decimal.Zero, 0
	for _, c := range u.st.credits {
		if c.OwnerID != ownerID || c.Status != domain.CreditStatusProcessing ||
			c.TxHash == nil || !strings.EqualFold(*c.TxHash, txHash) {
			continue
		}
		t := at
		c.Status = domain.CreditStatusConfirmed
		c.ProcessedAt = &t
		sum = sum.Add(c.Amount)
		count++
	}
	return sum, count, nil
}

func (u *unitOfWork) FailCredits(
	_ context.Context,
	txHash string,
	at time.Time,
) (map[int64]decimal.Decimal, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	totals := make(map[int64]decimal.Decimal)
	for _, c := range u.st.credits {
		if c.Status != domain.CreditStatusProcessing || c.TxHash == nil ||
			!strings.EqualFold(*c.TxHash, txHash) {
			continue
		}
		t := at
		c.Status = domain.CreditStatusFailed
		c.ProcessedAt = &t
		totals[c.OwnerID] = totals[c.OwnerID].Add(c.Amount)
	}
	return totals, nil
}

func (u *unitOfWork) RecordEvent(
	_ context.Context,
	ev domain.MintEvent,
	outcome domain.EventOutcome,
) (bool, error) {
	if err := u.check(); err != nil {
		return false, err
	}
	if _, ok := u.st.events[ev.Key()]; ok {
		return false, nil
	}
	u.st.events[ev.Key()] = appliedEvent{event: ev, outcome: outcome}
	return true, nil
}

func (u *unitOfWork) AdvanceCheckpoint(_ context.Context, name string, next uint64) error {
	if err := u.check(); err != nil {
		return err
	}
	advance(u.st, name, next)
	return nil
}

func (u *unitOfWork) AddConflict(_ context.Context, c *domain.Conflict) error {
	if err := u.check(); err != nil {
		return err
	}
	addConflict(u.st, c)
	return nil
}
