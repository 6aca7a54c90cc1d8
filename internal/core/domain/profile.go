package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerProfile holds the two balances the engine keeps for an owner.
type LedgerProfile struct {
	OwnerID           int64           `db:"owner_id"`
	WalletAddress     *string         `db:"wallet_address"`
	VirtualBalance    decimal.Decimal `db:"virtual_balance"`
	BlockchainBalance decimal.Decimal `db:"blockchain_balance"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// HasWallet reports whether the profile can receive settlements.
func (p *LedgerProfile) HasWallet() bool {
	return p.WalletAddress != nil && *p.WalletAddress != ""
}
