package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/settler/internal/core/checkpoint"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage/memory"
	"github.com/vietddude/settler/internal/settlement/supervisor"
)

// =============================================================================
// Stubs
// =============================================================================

type stubListener struct {
	status supervisor.ListenerStatus
}

func (s *stubListener) Status() supervisor.ListenerStatus { return s.status }

type stubBatch struct {
	state      supervisor.CycleState
	last       *supervisor.CycleReport
	unrecorded *domain.Conflict
}

func (s *stubBatch) State() supervisor.CycleState       { return s.state }
func (s *stubBatch) LastCycle() *supervisor.CycleReport { return s.last }
func (s *stubBatch) Unrecorded() *domain.Conflict       { return s.unrecorded }

func newMonitor(t *testing.T, next, head uint64) (*Monitor, *memory.Store, *stubListener, *stubBatch) {
	t.Helper()
	store := memory.NewStore()
	cp := checkpoint.NewManager(store.Checkpoints(), "mint")
	if _, err := cp.Initialize(context.Background(), next, 0); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	l := &stubListener{status: supervisor.ListenerStatus{State: supervisor.ListenerIdleWait, Head: head}}
	b := &stubBatch{state: supervisor.CycleIdle}
	m := NewMonitor(store, cp, l, b)
	m.cacheFor = 0
	return m, store, l, b
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Status(t *testing.T) {
	tests := []struct {
		name     string
		next     uint64
		head     uint64
		setup    func(*memory.Store, *stubListener, *stubBatch)
		expected SystemStatus
	}{
		{name: "caught up", next: 101, head: 105, expected: StatusHealthy},
		{name: "lagging", next: 101, head: 150, expected: StatusDegraded},
		{name: "far behind", next: 101, head: 500, expected: StatusCritical},
		{
			name: "disconnected",
			next: 101, head: 101,
			setup: func(_ *memory.Store, l *stubListener, _ *stubBatch) {
				l.status.State = supervisor.ListenerDisconnected
			},
			expected: StatusDegraded,
		},
		{
			name: "failed cycle",
			next: 101, head: 101,
			setup: func(_ *memory.Store, _ *stubListener, b *stubBatch) {
				b.state = supervisor.CycleFailed
				b.last = &supervisor.CycleReport{ID: "c1", Err: errors.New("boom"), FinishedAt: time.Now()}
			},
			expected: StatusDegraded,
		},
		{
			name: "drift conflict",
			next: 101, head: 101,
			setup: func(s *memory.Store, _ *stubListener, _ *stubBatch) {
				addr := "0xabc"
				_ = s.Conflicts().Add(context.Background(), &domain.Conflict{Kind: domain.ConflictBalanceDrift, Address: &addr})
			},
			expected: StatusDegraded,
		},
		{
			name: "record failed conflict",
			next: 101, head: 101,
			setup: func(s *memory.Store, _ *stubListener, _ *stubBatch) {
				_ = s.Conflicts().Add(context.Background(), &domain.Conflict{Kind: domain.ConflictRecordFailed})
			},
			expected: StatusCritical,
		},
		{
			name: "unrecorded broadcast",
			next: 101, head: 101,
			setup: func(_ *memory.Store, _ *stubListener, b *stubBatch) {
				tx := "0xf1"
				b.state = supervisor.CycleFailed
				b.unrecorded = &domain.Conflict{Kind: domain.ConflictRecordFailed, TxHash: &tx}
			},
			expected: StatusCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, l, b := newMonitor(t, tt.next, tt.head)
			if tt.setup != nil {
				tt.setup(store, l, b)
			}
			report := m.CheckHealth(context.Background())
			if report.Status != tt.expected {
				t.Errorf("expected %s, got %s (%+v)", tt.expected, report.Status, report)
			}
		})
	}
}

type stubPinger struct{ err error }

func (p *stubPinger) Ping(context.Context) error { return p.err }

func TestMonitor_Dependencies(t *testing.T) {
	m, _, _, _ := newMonitor(t, 101, 101)
	redis := &stubPinger{}
	m.AddDependency("redis", redis)

	report := m.CheckHealth(context.Background())
	if report.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.Status)
	}
	if report.Dependencies["redis"] != "ok" {
		t.Errorf("expected redis ok, got %q", report.Dependencies["redis"])
	}

	redis.err = errors.New("dial tcp: connection refused")
	report = m.CheckHealth(context.Background())
	if report.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.Status)
	}
	if report.Dependencies["redis"] != "dial tcp: connection refused" {
		t.Errorf("unexpected redis status %q", report.Dependencies["redis"])
	}
}

func TestMonitor_Lag(t *testing.T) {
	m, _, _, _ := newMonitor(t, 101, 130)
	report := m.CheckHealth(context.Background())
	if report.Listener == nil {
		t.Fatal("expected listener section")
	}
	if report.Listener.BlockLag != 30 {
		t.Errorf("expected lag 30, got %d", report.Listener.BlockLag)
	}
	if report.Listener.NextBlock != 101 {
		t.Errorf("expected next block 101, got %d", report.Listener.NextBlock)
	}
}

func TestServer_Endpoints(t *testing.T) {
	m, store, _, _ := newMonitor(t, 101, 101)
	srv := NewServer(m, 0)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(StatusHealthy) {
		t.Errorf("expected healthy, got %s", body["status"])
	}

	_ = store.Conflicts().Add(context.Background(), &domain.Conflict{Kind: domain.ConflictRecordFailed})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.BlockingConflicts != 1 {
		t.Errorf("expected 1 blocking conflict, got %d", report.BlockingConflicts)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected metrics 200, got %d", rec.Code)
	}
}
