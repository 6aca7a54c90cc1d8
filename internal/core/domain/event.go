package domain

import (
	"fmt"
	"math/big"
)

// MintEvent is one recipient entry of a BatchMinted log.
type MintEvent struct {
	BlockNumber uint64
	LogIndex    uint
	// Position is the recipient index inside the log's arrays.
	Position  int
	TxHash    string
	Recipient string
	Amount    *big.Int
}

// Key identifies the event for idempotent application.
func (e MintEvent) Key() string {
	return fmt.Sprintf("%d:%d:%d", e.BlockNumber, e.LogIndex, e.Position)
}

type EventOutcome string

const (
	EventOutcomeApplied   EventOutcome = "applied"
	EventOutcomeOrphan    EventOutcome = "orphan"
	EventOutcomeDuplicate EventOutcome = "duplicate"
)
