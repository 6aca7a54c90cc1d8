package supervisor

import (
	"errors"
	"slices"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// CycleState is the phase of the batch cycle.
type CycleState string

const (
	CycleIdle        CycleState = "IDLE"
	CycleAggregating CycleState = "AGGREGATING"
	CycleSubmitting  CycleState = "SUBMITTING"
	CycleRecording   CycleState = "RECORDING"
	CycleFailed      CycleState = "FAILED"
)

// CycleTransitions lists the allowed next states for each cycle state.
var CycleTransitions = map[CycleState][]CycleState{
	CycleIdle:        {CycleAggregating},
	CycleAggregating: {CycleSubmitting, CycleIdle, CycleFailed},
	CycleSubmitting:  {CycleRecording, CycleFailed},
	CycleRecording:   {CycleIdle, CycleFailed},
	CycleFailed:      {CycleAggregating},
}

// CanTransition checks if a cycle may move from one state to another.
func (s CycleState) CanTransition(to CycleState) bool {
	return slices.Contains(CycleTransitions[s], to)
}

// ListenerState is the connection phase of the event listener.
type ListenerState string

const (
	ListenerDisconnected ListenerState = "DISCONNECTED"
	ListenerConnected    ListenerState = "CONNECTED"
	ListenerScanning     ListenerState = "SCANNING"
	ListenerIdleWait     ListenerState = "IDLE_WAIT"
)

// ListenerTransitions lists the allowed next states for each listener state.
var ListenerTransitions = map[ListenerState][]ListenerState{
	ListenerDisconnected: {ListenerConnected},
	ListenerConnected:    {ListenerScanning, ListenerDisconnected},
	ListenerScanning:     {ListenerIdleWait, ListenerDisconnected},
	ListenerIdleWait:     {ListenerScanning, ListenerDisconnected},
}

// CanTransition checks if the listener may move from one state to another.
func (s ListenerState) CanTransition(to ListenerState) bool {
	return slices.Contains(ListenerTransitions[s], to)
}
