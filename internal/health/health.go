// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Lag thresholds in blocks behind the confirmed head.
const (
	DegradedLag = 10
	CriticalLag = 100
)

// ListenerHealth describes the event listener.
type ListenerHealth struct {
	State     string    `json:"state"`
	Head      uint64    `json:"head"`
	NextBlock uint64    `json:"next_block"`
	BlockLag  int64     `json:"block_lag"`
	LastScan  time.Time `json:"last_scan,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// BatchHealth describes the batch cycle.
type BatchHealth struct {
	State      string    `json:"state"`
	LastCycle  string    `json:"last_cycle,omitempty"`
	LastTx     string    `json:"last_tx,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	// UnrecordedTx is a broadcast whose conflict row is not yet stored.
	UnrecordedTx string `json:"unrecorded_tx,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	Status            SystemStatus      `json:"status"`
	Database          string            `json:"database"`
	Listener          *ListenerHealth   `json:"listener,omitempty"`
	Batch             *BatchHealth      `json:"batch,omitempty"`
	OpenConflicts     int               `json:"open_conflicts"`
	BlockingConflicts int               `json:"blocking_conflicts"`
	Dependencies      map[string]string `json:"dependencies,omitempty"`
	CheckedAt         time.Time         `json:"checked_at"`
}
