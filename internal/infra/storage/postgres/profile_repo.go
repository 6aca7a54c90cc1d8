package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/settler/internal/core/domain"
)

const profileColumns = `owner_id, wallet_address, virtual_balance, blockchain_balance, updated_at`

// walletMatch compares wallets ignoring case and stray whitespace.
const walletMatch = `lower(trim(wallet_address)) = lower(trim($1))`

// ProfileRepo implements storage.ProfileRepository using PostgreSQL.
type ProfileRepo struct {
	db *sqlx.DB
}

// NewProfileRepo creates a new PostgreSQL profile repository.
func NewProfileRepo(db *DB) *ProfileRepo {
	return &ProfileRepo{db: db.DB}
}

func (r *ProfileRepo) GetByOwner(ctx context.Context, ownerID int64) (*domain.LedgerProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM ledger_profiles WHERE owner_id = $1`
	return getProfile(ctx, r.db, query, ownerID)
}

func (r *ProfileRepo) GetByWallet(ctx context.Context, address string) (*domain.LedgerProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM ledger_profiles
		WHERE ` + walletMatch + ` ORDER BY owner_id LIMIT 1`
	return getProfile(ctx, r.db, query, address)
}

func (r *ProfileRepo) ListWithWallet(ctx context.Context) ([]*domain.LedgerProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM ledger_profiles
		WHERE wallet_address IS NOT NULL AND trim(wallet_address) <> ''
		ORDER BY owner_id`

	var profiles []*domain.LedgerProfile
	if err := sqlx.SelectContext(ctx, r.db, &profiles, query); err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return profiles, nil
}

func getProfile(ctx context.Context, q sqlx.QueryerContext, query string, arg any) (*domain.LedgerProfile, error) {
	var p domain.LedgerProfile
	err := sqlx.GetContext(ctx, q, &p, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}
