package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	"github.com/vietddude/settler/internal/metrics"
	"github.com/vietddude/settler/internal/settlement/confirm"
)

const DefaultPollInterval = 5 * time.Second

type ListenerConfig struct {
	PollInterval time.Duration
	Backoff      Backoff
}

// ListenerStatus is a snapshot for health reporting.
type ListenerStatus struct {
	State      ListenerState
	LastScan   time.Time
	Head       uint64
	Reconnects int
	LastError  string
}

// ListenerSupervisor keeps the event scanner running across connection failures.
type ListenerSupervisor struct {
	dial    chain.Dialer
	scanner *confirm.Scanner
	cfg     ListenerConfig

	mu     sync.RWMutex
	status ListenerStatus

	log *slog.Logger
}

func NewListenerSupervisor(dial chain.Dialer, scanner *confirm.Scanner, cfg ListenerConfig) *ListenerSupervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Backoff.InitialDelay <= 0 || cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &ListenerSupervisor{
		dial:    dial,
		scanner: scanner,
		cfg:     cfg,
		status:  ListenerStatus{State: ListenerDisconnected},
		log:     slog.Default().With("component", "listener", "listener", scanner.Checkpoint().Name()),
	}
}

// Status returns the current listener status.
func (l *ListenerSupervisor) Status() ListenerStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// RunListener connects, scans until caught up, waits for new blocks and reconnects on
// transport errors. It returns nil once ctx is cancelled.
func (l *ListenerSupervisor) RunListener(ctx context.Context) error {
	l.log.Info("Listener started", "poll_interval", l.cfg.PollInterval)
	defer l.log.Info("Listener stopped")

	for attempt := 0; ; {
		client, err := evm.DialWithBackoff(ctx, l.dial, l.cfg.Backoff.InitialDelay, l.cfg.Backoff.MaxDelay)
		if err != nil {
			return nil
		}
		l.setState(ListenerConnected)
		l.log.Info("Chain connected")

		scanned, err := l.session(ctx, client)
		client.Close()
		l.setState(ListenerDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if scanned {
			attempt = 0
		}

		metrics.ListenerReconnects.Inc()
		l.mu.Lock()
		l.status.Reconnects++
		l.mu.Unlock()

		delay := l.cfg.Backoff.Delay(attempt)
		attempt++
		l.log.Warn("Chain connection lost, reconnecting", "wait", delay, "error", err)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// session scans on one connection until a transport error or cancellation. It reports
// whether at least one scan succeeded.
func (l *ListenerSupervisor) session(ctx context.Context, client chain.Client) (bool, error) {
	scanned := false
	failures := 0
	for {
		l.setState(ListenerScanning)
		res, err := l.scanner.ScanOnce(ctx, client)
		switch {
		case ctx.Err() != nil:
			return scanned, ctx.Err()
		case errors.Is(err, domain.ErrTransport):
			l.recordError(err)
			return scanned, err
		case err != nil:
			// store or ledger failure; the connection is fine
			l.recordError(err)
			delay := l.cfg.Backoff.Delay(failures)
			failures++
			l.log.Error("Scan failed", "wait", delay, "error", err)
			if !sleep(ctx, delay) {
				return scanned, ctx.Err()
			}
			continue
		}

		scanned = true
		failures = 0
		l.mu.Lock()
		l.status.LastScan = time.Now()
		l.status.Head = res.Head
		l.status.LastError = ""
		l.mu.Unlock()

		l.setState(ListenerIdleWait)
		if !sleep(ctx, l.cfg.PollInterval) {
			return scanned, ctx.Err()
		}
	}
}

func (l *ListenerSupervisor) setState(to ListenerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.State == to {
		return
	}
	if !l.status.State.CanTransition(to) {
		l.log.Warn("Unexpected listener transition", "from", l.status.State, "to", to)
	}
	l.status.State = to
}

func (l *ListenerSupervisor) recordError(err error) {
	l.mu.Lock()
	l.status.LastError = err.Error()
	l.mu.Unlock()
}
