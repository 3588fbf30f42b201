package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrRGBContractNotFound   = errors.New("rgb contract not found")
	ErrRGBAllocationNotFound = errors.New("rgb allocation not found")
)

// RGBRepository handles all database operations for RGB contracts and
// allocations; the optional extension pinning asset state to vtxos.
type RGBRepository struct {
	db *pgxpool.Pool
}

func NewRGBRepository(db *DB) *RGBRepository {
	return &RGBRepository{db: db.pool}
}

func (r *RGBRepository) CreateContract(ctx context.Context, c *RGBContract) error {
	query := `INSERT INTO rgb_contracts (contract_id, schema_type, genesis_proof, state_root, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Exec(ctx, query, c.ID, c.SchemaType.String(), c.GenesisProof, c.StateRoot, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rgb contract: %w", err)
	}
	return nil
}

func (r *RGBRepository) GetContract(ctx context.Context, id string) (*RGBContract, error) {
	var c RGBContract
	var schemaStr string
	err := r.db.QueryRow(ctx, `SELECT contract_id, schema_type, genesis_proof, state_root, created_at FROM rgb_contracts WHERE contract_id = $1`, id).
		Scan(&c.ID, &schemaStr, &c.GenesisProof, &c.StateRoot, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRGBContractNotFound
		}
		return nil, fmt.Errorf("failed to get rgb contract %s: %w", id, err)
	}
	if c.SchemaType, err = ParseRGBSchemaType(schemaStr); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *RGBRepository) UpdateStateRoot(ctx context.Context, id, stateRoot string) error {
	commandTag, err := r.db.Exec(ctx, `UPDATE rgb_contracts SET state_root = $2 WHERE contract_id = $1`, id, stateRoot)
	if err != nil {
		return fmt.Errorf("failed to update rgb contract %s state root: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrRGBContractNotFound
	}
	return nil
}

func (r *RGBRepository) CreateAllocation(ctx context.Context, a *RGBAllocation) error {
	query := `INSERT INTO rgb_allocations (allocation_id, contract_id, vtxo_id, owner_pubkey, amount, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, query, a.ID, a.ContractID, a.VtxoID, a.OwnerPubkey, a.Amount, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rgb allocation: %w", err)
	}
	return nil
}

func (r *RGBRepository) GetAllocationByVtxo(ctx context.Context, vtxoID string) (*RGBAllocation, error) {
	var a RGBAllocation
	err := r.db.QueryRow(ctx, `SELECT allocation_id, contract_id, vtxo_id, owner_pubkey, amount, created_at FROM rgb_allocations WHERE vtxo_id = $1`, vtxoID).
		Scan(&a.ID, &a.ContractID, &a.VtxoID, &a.OwnerPubkey, &a.Amount, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRGBAllocationNotFound
		}
		return nil, fmt.Errorf("failed to get rgb allocation for vtxo %s: %w", vtxoID, err)
	}
	return &a, nil
}

func (r *RGBRepository) ListAllocationsByContract(ctx context.Context, contractID string) ([]*RGBAllocation, error) {
	rows, err := r.db.Query(ctx, `SELECT allocation_id, contract_id, vtxo_id, owner_pubkey, amount, created_at FROM rgb_allocations WHERE contract_id = $1`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rgb allocations for contract %s: %w", contractID, err)
	}
	defer rows.Close()

	var result []*RGBAllocation
	for rows.Next() {
		var a RGBAllocation
		if err := rows.Scan(&a.ID, &a.ContractID, &a.VtxoID, &a.OwnerPubkey, &a.Amount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rgb allocation row: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
