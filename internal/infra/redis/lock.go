package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/settler/internal/core/domain"
)

// DefaultLockTTL bounds how long a crashed holder keeps the lease.
const DefaultLockTTL = 10 * time.Minute

// DefaultNonceTTL bounds one signing round trip of a crashed holder.
const DefaultNonceTTL = 2 * time.Minute

const noncePoll = 100 * time.Millisecond

// ErrLockHeld is returned when another process holds the lease.
var ErrLockHeld = fmt.Errorf("%w: lock held by another process", domain.ErrCycleInProgress)

// Only the holder of the token may release or extend the lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lease is a held lock.
type Lease struct {
	c     *Client
	key   string
	token string
}

func lockKey(name string) string {
	return fmt.Sprintf("settler:lock:%s", name)
}

// Acquire takes the named lease for ttl. It returns ErrLockHeld if another token holds it.
func (c *Client) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := lockKey(name)
	token := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	return &Lease{c: c, key: key, token: token}, nil
}

// Token identifies this holder.
func (l *Lease) Token() string {
	return l.token
}

// Refresh extends the lease. It fails if the lease was lost.
func (l *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.c.rdb, []string{l.key}, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lease %s lost", l.key)
	}
	return nil
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}

// Mutex is a named lease held by at most one process at a time.
type Mutex struct {
	c    *Client
	name string
	ttl  time.Duration

	mu    sync.Mutex
	lease *Lease
}

// NewMutex returns a mutex over the lease called name.
func (c *Client) NewMutex(name string, ttl time.Duration) *Mutex {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Mutex{c: c, name: name, ttl: ttl}
}

// TryLock acquires the lease without waiting.
func (m *Mutex) TryLock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease != nil {
		return fmt.Errorf("%w: %s", ErrLockHeld, m.name)
	}
	lease, err := m.c.Acquire(ctx, m.name, m.ttl)
	if err != nil {
		return err
	}
	m.lease = lease
	return nil
}

// Extend resets the lease TTL.
func (m *Mutex) Extend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return fmt.Errorf("lease %s not held", m.name)
	}
	return m.lease.Refresh(ctx, m.ttl)
}

// Unlock releases the lease. Unlocking an unheld mutex is a no-op.
func (m *Mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return nil
	}
	err := m.lease.Release(ctx)
	m.lease = nil
	return err
}

// NonceLock serializes transaction signing per signer across processes.
type NonceLock struct {
	c    *Client
	ttl  time.Duration
	poll time.Duration
}

// NewNonceLock returns a NonceLock whose leases expire after ttl.
func (c *Client) NewNonceLock(ttl time.Duration) *NonceLock {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceLock{c: c, ttl: ttl, poll: noncePoll}
}

// LockNonce waits until the signer's lease is free or ctx is done.
func (n *NonceLock) LockNonce(ctx context.Context, signer common.Address) (func(context.Context) error, error) {
	name := "nonce:" + strings.ToLower(signer.Hex())
	for {
		lease, err := n.c.Acquire(ctx, name, n.ttl)
		if err == nil {
			return lease.Release, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", name, ctx.Err())
		case <-time.After(n.poll):
		}
	}
}
