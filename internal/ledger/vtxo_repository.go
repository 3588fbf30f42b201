package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrVtxoNotFound = errors.New("vtxo not found")

// VtxoRepository handles all database operations for vtxos.
type VtxoRepository struct {
	db *pgxpool.Pool
}

func NewVtxoRepository(db *DB) *VtxoRepository {
	return &VtxoRepository{db: db.pool}
}

func (r *VtxoRepository) Create(ctx context.Context, v *Vtxo) error {
	query := `INSERT INTO vtxos (vtxo_id, txid, vout, amount, script_pubkey_hex, asset_id, user_pubkey, status, created_at, expires_at, spending_txid, rgb_allocation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.Exec(ctx, query, v.ID, v.Txid, v.Vout, v.Amount, v.ScriptPubkeyHex, v.AssetID, v.UserPubkey, v.Status.String(), v.CreatedAt, v.ExpiresAt, v.SpendingTxid, v.RGBAllocationID)
	if err != nil {
		return fmt.Errorf("failed to create vtxo: %w", err)
	}
	return nil
}

func (r *VtxoRepository) scan(row pgx.Row) (*Vtxo, error) {
	var v Vtxo
	var status string
	err := row.Scan(&v.ID, &v.Txid, &v.Vout, &v.Amount, &v.ScriptPubkeyHex, &v.AssetID, &v.UserPubkey, &status, &v.CreatedAt, &v.ExpiresAt, &v.SpendingTxid, &v.RGBAllocationID)
	if err != nil {
		return nil, err
	}
	v.Status, err = ParseVtxoStatus(status)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

const vtxoColumns = `vtxo_id, txid, vout, amount, script_pubkey_hex, asset_id, user_pubkey, status, created_at, expires_at, spending_txid, rgb_allocation_id`

func (r *VtxoRepository) GetByID(ctx context.Context, id string) (*Vtxo, error) {
	row := r.db.QueryRow(ctx, `SELECT `+vtxoColumns+` FROM vtxos WHERE vtxo_id = $1`, id)
	v, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVtxoNotFound
		}
		return nil, fmt.Errorf("failed to get vtxo %s: %w", id, err)
	}
	return v, nil
}

// AssignSmallestFit atomically selects the smallest available vtxo with
// amount >= amountNeeded and a non-expired expiry, and transitions it to
// assigned under the given user. The SELECT ... FOR UPDATE SKIP LOCKED +
// UPDATE happen in one transaction so two concurrent callers never receive
// the same row.
func (r *VtxoRepository) AssignSmallestFit(ctx context.Context, assetID, userPubkey string, amountNeeded int64, now time.Time) (*Vtxo, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin vtxo assignment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+vtxoColumns+` FROM vtxos
		WHERE asset_id = $1 AND status = $2 AND amount >= $3 AND expires_at > $4
		ORDER BY amount ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		assetID, VtxoAvailable.String(), amountNeeded, now)

	v, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVtxoNotFound
		}
		return nil, fmt.Errorf("failed to select vtxo for assignment: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE vtxos SET status = $2, user_pubkey = $3 WHERE vtxo_id = $1`, v.ID, VtxoAssigned.String(), userPubkey); err != nil {
		return nil, fmt.Errorf("failed to assign vtxo %s: %w", v.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit vtxo assignment: %w", err)
	}

	v.Status = VtxoAssigned
	v.UserPubkey = userPubkey
	return v, nil
}

// MarkSpent transitions assigned -> spent. Idempotent for an identical
// spendingTxid: calling it twice with the same txid is a no-op success.
func (r *VtxoRepository) MarkSpent(ctx context.Context, vtxoID, spendingTxid string) error {
	existing, err := r.GetByID(ctx, vtxoID)
	if err != nil {
		return err
	}
	if existing.Status == VtxoSpent {
		if existing.SpendingTxid != nil && *existing.SpendingTxid == spendingTxid {
			return nil
		}
	}

	commandTag, err := r.db.Exec(ctx, `UPDATE vtxos SET status = $2, spending_txid = $3 WHERE vtxo_id = $1 AND status = $4`,
		vtxoID, VtxoSpent.String(), spendingTxid, VtxoAssigned.String())
	if err != nil {
		return fmt.Errorf("failed to mark vtxo %s spent: %w", vtxoID, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("vtxo %s not in assigned state", vtxoID)
	}
	return nil
}

// SetRGBAllocation pins an RGB allocation id onto a vtxo row once the
// allocation has been created.
func (r *VtxoRepository) SetRGBAllocation(ctx context.Context, vtxoID, allocationID string) error {
	commandTag, err := r.db.Exec(ctx, `UPDATE vtxos SET rgb_allocation_id = $2 WHERE vtxo_id = $1`, vtxoID, allocationID)
	if err != nil {
		return fmt.Errorf("failed to set rgb allocation on vtxo %s: %w", vtxoID, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrVtxoNotFound
	}
	return nil
}

// ExpireAvailable flips available rows with expires_at <= now to expired.
// Assigned rows are never expired: a pending ceremony keeps them alive.
func (r *VtxoRepository) ExpireAvailable(ctx context.Context, now time.Time) (int64, error) {
	commandTag, err := r.db.Exec(ctx, `UPDATE vtxos SET status = $1 WHERE status = $2 AND expires_at <= $3`,
		VtxoExpired.String(), VtxoAvailable.String(), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire vtxos: %w", err)
	}
	return commandTag.RowsAffected(), nil
}

// Inventory is the per-asset snapshot the inventory monitor evaluates.
type Inventory struct {
	AssetID   string
	Available int
	Assigned  int
	Total     int
}

func (i Inventory) Utilization() float64 {
	if i.Total == 0 {
		return 0
	}
	return float64(i.Assigned) / float64(i.Total)
}

func (r *VtxoRepository) InventoryFor(ctx context.Context, assetID string) (Inventory, error) {
	inv := Inventory{AssetID: assetID}
	query := `SELECT
		COUNT(*) FILTER (WHERE status = $2),
		COUNT(*) FILTER (WHERE status = $3),
		COUNT(*)
		FROM vtxos WHERE asset_id = $1`
	err := r.db.QueryRow(ctx, query, assetID, VtxoAvailable.String(), VtxoAssigned.String()).Scan(&inv.Available, &inv.Assigned, &inv.Total)
	if err != nil {
		return inv, fmt.Errorf("failed to compute inventory for %s: %w", assetID, err)
	}
	return inv, nil
}

// SpentByAsset lists vtxo ids currently spent for assetID, the input to
// settlement's per-asset Merkle commitment.
func (r *VtxoRepository) SpentByAsset(ctx context.Context, assetID string) ([]*Vtxo, error) {
	rows, err := r.db.Query(ctx, `SELECT `+vtxoColumns+` FROM vtxos WHERE asset_id = $1 AND status = $2 ORDER BY vtxo_id`, assetID, VtxoSpent.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list spent vtxos for %s: %w", assetID, err)
	}
	defer rows.Close()

	var result []*Vtxo
	for rows.Next() {
		v, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vtxo row: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// DistinctSpentAssets lists asset ids with at least one spent vtxo.
func (r *VtxoRepository) DistinctSpentAssets(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT asset_id FROM vtxos WHERE status = $1`, VtxoSpent.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list assets with spent vtxos: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan asset id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SettleBatch moves a list of spent vtxos to settled, used after a
// commitment transaction broadcasts successfully.
func (r *VtxoRepository) SettleBatch(ctx context.Context, vtxoIDs []string) error {
	if len(vtxoIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE vtxos SET status = $1 WHERE vtxo_id = ANY($2) AND status = $3`,
		VtxoSettled.String(), vtxoIDs, VtxoSpent.String())
	if err != nil {
		return fmt.Errorf("failed to settle vtxo batch: %w", err)
	}
	return nil
}

// CreateSplit persists the children and optional change vtxo of a split,
// and transitions the parent assigned -> spent, atomically.
func (r *VtxoRepository) CreateSplit(ctx context.Context, parentID, spendingTxid string, children []*Vtxo) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin split tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `UPDATE vtxos SET status = $2, spending_txid = $3 WHERE vtxo_id = $1 AND status = $4`,
		parentID, VtxoSpent.String(), spendingTxid, VtxoAssigned.String())
	if err != nil {
		return fmt.Errorf("failed to spend parent vtxo %s: %w", parentID, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("parent vtxo %s not in assigned state", parentID)
	}

	for _, child := range children {
		_, err := tx.Exec(ctx, `INSERT INTO vtxos (vtxo_id, txid, vout, amount, script_pubkey_hex, asset_id, user_pubkey, status, created_at, expires_at, spending_txid, rgb_allocation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			child.ID, child.Txid, child.Vout, child.Amount, child.ScriptPubkeyHex, child.AssetID, child.UserPubkey, child.Status.String(), child.CreatedAt, child.ExpiresAt, child.SpendingTxid, child.RGBAllocationID)
		if err != nil {
			return fmt.Errorf("failed to create child vtxo %s: %w", child.ID, err)
		}
	}

	return tx.Commit(ctx)
}
