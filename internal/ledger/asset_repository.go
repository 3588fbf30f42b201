package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
)

// AssetRepository handles all database operations for assets.
type AssetRepository struct {
	db *pgxpool.Pool
}

func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{db: db.pool}
}

func (r *AssetRepository) Create(ctx context.Context, a *Asset) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal asset metadata: %w", err)
	}

	query := `INSERT INTO assets (id, display_name, ticker, decimals, total_supply, active, metadata, rgb_contract_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.db.Exec(ctx, query, a.ID, a.DisplayName, a.Ticker, a.Decimals, a.TotalSupply, a.Active, metadata, a.RGBContract, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (r *AssetRepository) GetByID(ctx context.Context, id string) (*Asset, error) {
	query := `SELECT id, display_name, ticker, decimals, total_supply, active, metadata, rgb_contract_id, created_at
		FROM assets WHERE id = $1`

	var a Asset
	var metadata []byte
	err := r.db.QueryRow(ctx, query, id).Scan(&a.ID, &a.DisplayName, &a.Ticker, &a.Decimals, &a.TotalSupply, &a.Active, &metadata, &a.RGBContract, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", id, err)
	}
	if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asset metadata: %w", err)
	}
	return &a, nil
}

func (r *AssetRepository) ListActive(ctx context.Context) ([]*Asset, error) {
	query := `SELECT id, display_name, ticker, decimals, total_supply, active, metadata, rgb_contract_id, created_at
		FROM assets WHERE active = TRUE ORDER BY id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active assets: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		var a Asset
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Ticker, &a.Decimals, &a.TotalSupply, &a.Active, &metadata, &a.RGBContract, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal asset metadata: %w", err)
		}
		assets = append(assets, &a)
	}
	return assets, rows.Err()
}

// UpdateTotalSupply overwrites an asset's total supply. It runs directly on
// the pool, not inside a caller's transaction.
func (r *AssetRepository) UpdateTotalSupply(ctx context.Context, id string, totalSupply int64) error {
	commandTag, err := r.db.Exec(ctx, `UPDATE assets SET total_supply = $2 WHERE id = $1`, id, totalSupply)
	if err != nil {
		return fmt.Errorf("failed to update asset %s total supply: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

// BalanceRepository handles all database operations for per-user asset balances.
type BalanceRepository struct {
	db *pgxpool.Pool
}

func NewBalanceRepository(db *DB) *BalanceRepository {
	return &BalanceRepository{db: db.pool}
}

// Get returns the balance row for (userPubkey, assetID), or a zero-value row
// (not an error) if the user has never held the asset; first credit creates
// the row.
func (r *BalanceRepository) Get(ctx context.Context, userPubkey, assetID string) (*AssetBalance, error) {
	query := `SELECT user_pubkey, asset_id, balance, reserved_balance, updated_at
		FROM asset_balances WHERE user_pubkey = $1 AND asset_id = $2`

	var b AssetBalance
	err := r.db.QueryRow(ctx, query, userPubkey, assetID).Scan(&b.UserPubkey, &b.AssetID, &b.Balance, &b.ReservedBalance, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &AssetBalance{UserPubkey: userPubkey, AssetID: assetID}, nil
		}
		return nil, fmt.Errorf("failed to get balance for %s/%s: %w", userPubkey, assetID, err)
	}
	return &b, nil
}

func (r *BalanceRepository) ListByUser(ctx context.Context, userPubkey string) ([]*AssetBalance, error) {
	query := `SELECT user_pubkey, asset_id, balance, reserved_balance, updated_at
		FROM asset_balances WHERE user_pubkey = $1 ORDER BY asset_id`

	rows, err := r.db.Query(ctx, query, userPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances for %s: %w", userPubkey, err)
	}
	defer rows.Close()

	var balances []*AssetBalance
	for rows.Next() {
		var b AssetBalance
		if err := rows.Scan(&b.UserPubkey, &b.AssetID, &b.Balance, &b.ReservedBalance, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		balances = append(balances, &b)
	}
	return balances, rows.Err()
}

// Upsert writes an absolute (balance, reserved_balance) for (userPubkey,
// assetID), creating the row on first credit. Callers are expected to run
// this inside a transaction alongside whatever counterpart mutation (debit,
// transaction status change) must be atomic with it.
func (r *BalanceRepository) Upsert(ctx context.Context, tx pgx.Tx, userPubkey, assetID string, balance, reserved int64) error {
	query := `INSERT INTO asset_balances (user_pubkey, asset_id, balance, reserved_balance, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_pubkey, asset_id) DO UPDATE SET balance = $3, reserved_balance = $4, updated_at = NOW()`
	_, err := tx.Exec(ctx, query, userPubkey, assetID, balance, reserved)
	if err != nil {
		return fmt.Errorf("failed to upsert balance for %s/%s: %w", userPubkey, assetID, err)
	}
	return nil
}

// Begin starts a transaction for callers (asset manager, tx processor) that
// need to serialize multiple balance mutations atomically.
func (r *BalanceRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

// GetForUpdate loads a balance row within tx, locking it for the duration of
// the transaction so concurrent callers on the same (user, asset) serialize.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, userPubkey, assetID string) (*AssetBalance, error) {
	query := `SELECT user_pubkey, asset_id, balance, reserved_balance, updated_at
		FROM asset_balances WHERE user_pubkey = $1 AND asset_id = $2 FOR UPDATE`

	var b AssetBalance
	err := tx.QueryRow(ctx, query, userPubkey, assetID).Scan(&b.UserPubkey, &b.AssetID, &b.Balance, &b.ReservedBalance, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &AssetBalance{UserPubkey: userPubkey, AssetID: assetID}, nil
		}
		return nil, fmt.Errorf("failed to lock balance for %s/%s: %w", userPubkey, assetID, err)
	}
	return &b, nil
}

// circulation sums all balances for an asset, used for the reserve
// ratio calculation.
func (r *AssetRepository) circulation(ctx context.Context, assetID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM asset_balances WHERE asset_id = $1`, assetID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum circulation for %s: %w", assetID, err)
	}
	return total, nil
}

// Circulation returns the total balance outstanding for an asset.
func (r *AssetRepository) Circulation(ctx context.Context, assetID string) (int64, error) {
	return r.circulation(ctx, assetID)
}
