package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/settler/internal/core/checkpoint"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/settlement/supervisor"
)

// ListenerSource reports the listener status.
type ListenerSource interface {
	Status() supervisor.ListenerStatus
}

// BatchSource reports the batch cycle state.
type BatchSource interface {
	State() supervisor.CycleState
	LastCycle() *supervisor.CycleReport
	Unrecorded() *domain.Conflict
}

// Pinger is an external dependency the settler can run degraded without.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor aggregates health status from the settlement components. Listener and batch
// are optional.
type Monitor struct {
	store      storage.Store
	checkpoint *checkpoint.Manager
	listener   ListenerSource
	batch      BatchSource
	deps       map[string]Pinger
	cacheFor   time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	store storage.Store,
	cp *checkpoint.Manager,
	listener ListenerSource,
	batch BatchSource,
) *Monitor {
	return &Monitor{
		store:      store,
		checkpoint: cp,
		listener:   listener,
		batch:      batch,
		cacheFor:   5 * time.Second,
	}
}

// AddDependency adds a named dependency whose failure degrades the report.
func (m *Monitor) AddDependency(name string, p Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deps == nil {
		m.deps = make(map[string]Pinger)
	}
	m.deps[name] = p
	m.lastReport = nil
}

// CheckHealth builds a report, reusing the previous one for a few seconds.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := &Report{Status: StatusHealthy, Database: "ok", CheckedAt: time.Now()}

	if err := m.store.Ping(ctx); err != nil {
		report.Database = err.Error()
		report.raise(StatusCritical)
	} else if conflicts, err := m.store.Conflicts().ListOpen(ctx); err == nil {
		report.OpenConflicts = len(conflicts)
		for _, c := range conflicts {
			if c.Blocking() {
				report.BlockingConflicts++
			}
		}
	}
	switch {
	case report.BlockingConflicts > 0:
		report.raise(StatusCritical)
	case report.OpenConflicts > 0:
		report.raise(StatusDegraded)
	}

	if len(m.deps) > 0 {
		report.Dependencies = make(map[string]string, len(m.deps))
		for name, p := range m.deps {
			if err := p.Ping(ctx); err != nil {
				report.Dependencies[name] = err.Error()
				report.raise(StatusDegraded)
				continue
			}
			report.Dependencies[name] = "ok"
		}
	}

	if m.listener != nil {
		report.Listener = m.listenerHealth(ctx)
		switch {
		case report.Listener.BlockLag > CriticalLag:
			report.raise(StatusCritical)
		case report.Listener.BlockLag > DegradedLag,
			report.Listener.State == string(supervisor.ListenerDisconnected):
			report.raise(StatusDegraded)
		}
	}

	if m.batch != nil {
		report.Batch = &BatchHealth{State: string(m.batch.State())}
		if last := m.batch.LastCycle(); last != nil {
			report.Batch.LastCycle = last.ID
			report.Batch.LastTx = last.TxHash
			report.Batch.FinishedAt = last.FinishedAt
			if last.Err != nil {
				report.Batch.LastError = last.Err.Error()
			}
		}
		if c := m.batch.Unrecorded(); c != nil && c.TxHash != nil {
			report.Batch.UnrecordedTx = *c.TxHash
			report.raise(StatusCritical)
		}
		if m.batch.State() == supervisor.CycleFailed {
			report.raise(StatusDegraded)
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) listenerHealth(ctx context.Context) *ListenerHealth {
	st := m.listener.Status()
	lh := &ListenerHealth{
		State:     string(st.State),
		Head:      st.Head,
		LastScan:  st.LastScan,
		LastError: st.LastError,
	}
	if m.checkpoint == nil {
		return lh
	}
	cp, err := m.checkpoint.Get(ctx)
	if err != nil {
		return lh
	}
	lh.NextBlock = cp.NextBlock
	if st.Head > 0 {
		lh.BlockLag = max(int64(st.Head)-int64(cp.LastProcessed()), 0)
	}
	return lh
}

func (r *Report) raise(s SystemStatus) {
	if r.Status == StatusCritical || s == r.Status {
		return
	}
	if s == StatusCritical || r.Status == StatusHealthy {
		r.Status = s
	}
}
