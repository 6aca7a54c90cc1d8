package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreditStatus string

const (
	CreditStatusPending    CreditStatus = "PENDING"
	CreditStatusProcessing CreditStatus = "PROCESSING"
	CreditStatusConfirmed  CreditStatus = "CONFIRMED"
	CreditStatusFailed     CreditStatus = "FAILED"
)

type CreditKind string

const (
	CreditKindReward     CreditKind = "REWARD"
	CreditKindWithdrawal CreditKind = "WITHDRAWAL"
)

// creditTransitions lists the forward moves a credit may make. Nothing moves backwards.
var creditTransitions = map[CreditStatus][]CreditStatus{
	CreditStatusPending:    {CreditStatusProcessing},
	CreditStatusProcessing: {CreditStatusConfirmed, CreditStatusFailed},
}

// CanTransition reports whether a credit in status s may move to next.
func (s CreditStatus) CanTransition(next CreditStatus) bool {
	for _, target := range creditTransitions[s] {
		if target == next {
			return true
		}
	}
	return false
}

// RewardCredit is one off-chain credit waiting to be settled on-chain.
type RewardCredit struct {
	ID          int64           `db:"id"`
	OwnerID     int64           `db:"owner_id"`
	Amount      decimal.Decimal `db:"amount"`
	Kind        CreditKind      `db:"kind"`
	Status      CreditStatus    `db:"status"`
	TxHash      *string         `db:"tx_hash"`
	CreatedAt   time.Time       `db:"created_at"`
	ProcessedAt *time.Time      `db:"processed_at"`

	// WalletAddress is the owner's wallet as stored on the profile, loaded with the credit.
	WalletAddress *string `db:"wallet_address"`
}
