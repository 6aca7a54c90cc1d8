package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/settler/internal/core/domain"
)

const creditColumns = `c.id, c.owner_id, c.amount, c.kind, c.status, c.tx_hash, c.created_at, c.processed_at`

// CreditRepo implements storage.CreditRepository using PostgreSQL.
type CreditRepo struct {
	db *sqlx.DB
}

// NewCreditRepo creates a new PostgreSQL credit repository.
func NewCreditRepo(db *DB) *CreditRepo {
	return &CreditRepo{db: db.DB}
}

// ListPendingRewards returns settleable credits with the owner's wallet joined on.
func (r *CreditRepo) ListPendingRewards(ctx context.Context) ([]*domain.RewardCredit, error) {
	query := `SELECT ` + creditColumns + `, p.wallet_address
		FROM reward_credits c
		JOIN ledger_profiles p ON p.owner_id = c.owner_id
		WHERE c.status = 'PENDING' AND c.kind = 'REWARD' AND p.wallet_address IS NOT NULL
		ORDER BY c.id`

	var credits []*domain.RewardCredit
	if err := sqlx.SelectContext(ctx, r.db, &credits, query); err != nil {
		return nil, fmt.Errorf("failed to list pending credits: %w", err)
	}
	return credits, nil
}

// ListProcessingTxs returns tx hashes still PROCESSING since before olderThan.
func (r *CreditRepo) ListProcessingTxs(ctx context.Context, olderThan time.Time) ([]string, error) {
	query := `SELECT DISTINCT tx_hash FROM reward_credits
		WHERE status = 'PROCESSING' AND tx_hash IS NOT NULL AND processed_at < $1
		ORDER BY tx_hash`

	var hashes []string
	if err := sqlx.SelectContext(ctx, r.db, &hashes, query, olderThan); err != nil {
		return nil, fmt.Errorf("failed to list processing txs: %w", err)
	}
	return hashes, nil
}

// ListByTx returns the credits recorded against txHash.
func (r *CreditRepo) ListByTx(ctx context.Context, txHash string) ([]*domain.RewardCredit, error) {
	query := `SELECT ` + creditColumns + ` FROM reward_credits c
		WHERE lower(c.tx_hash) = lower($1)
		ORDER BY c.id`

	var credits []*domain.RewardCredit
	if err := sqlx.SelectContext(ctx, r.db, &credits, query, txHash); err != nil {
		return nil, fmt.Errorf("failed to list credits by tx: %w", err)
	}
	return credits, nil
}
