package vtxo

import (
	"context"
	"fmt"
	"time"

	"arkgw/internal/ledger"
	"arkgw/internal/taxonomy"
	"arkgw/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ValidationResult is the ValidateRGBVtxoState outcome.
type ValidationResult struct {
	Valid           bool
	VtxoID          string
	ContractID      string
	Amount          int64
	AllocationID    string
	OwnerPubkey     string
	ProofConsistent bool
	StateConsistent bool
	Reason          string
}

// Split breaks vtxoID into len(amounts) new vtxos plus an optional change
// vtxo, and transitions the parent assigned -> spent. Sum(amounts) must not
// exceed the parent's amount; a remainder below the dust limit is dropped
// rather than kept as unspendable change.
func (m *Manager) Split(ctx context.Context, vtxoID string, amounts []int64) ([]*ledger.Vtxo, error) {
	parent, err := m.vtxos.GetByID(ctx, vtxoID)
	if err != nil {
		return nil, err
	}
	if parent.Status != ledger.VtxoAssigned {
		return nil, taxonomy.New(taxonomy.KindValidationError, "vtxo %s is not assigned", vtxoID)
	}

	var total int64
	for _, a := range amounts {
		total += a
	}
	if total > parent.Amount {
		return nil, taxonomy.New(taxonomy.KindValidationError, "split amounts (%d) exceed vtxo amount (%d)", total, parent.Amount)
	}

	now := time.Now()
	children := make([]*ledger.Vtxo, 0, len(amounts)+1)
	for i, amount := range amounts {
		children = append(children, &ledger.Vtxo{
			ID:              fmt.Sprintf("%s_split_%d", parent.ID, i),
			Txid:            parent.Txid,
			Vout:            parent.Vout + uint32(i),
			Amount:          amount,
			ScriptPubkeyHex: parent.ScriptPubkeyHex,
			AssetID:         parent.AssetID,
			UserPubkey:      parent.UserPubkey,
			Status:          ledger.VtxoAvailable,
			CreatedAt:       now,
			ExpiresAt:       parent.ExpiresAt,
		})
	}

	if change := parent.Amount - total; change >= m.policy.DustLimit {
		children = append(children, &ledger.Vtxo{
			ID:              parent.ID + "_change",
			Txid:            parent.Txid,
			Vout:            parent.Vout + uint32(len(amounts)),
			Amount:          change,
			ScriptPubkeyHex: parent.ScriptPubkeyHex,
			AssetID:         parent.AssetID,
			UserPubkey:      parent.UserPubkey,
			Status:          ledger.VtxoAvailable,
			CreatedAt:       now,
			ExpiresAt:       parent.ExpiresAt,
		})
	}

	spendingTxid := "split:" + parent.ID
	if err := m.vtxos.CreateSplit(ctx, parent.ID, spendingTxid, children); err != nil {
		return nil, err
	}

	if parent.RGBAllocationID != nil {
		if err := m.splitRGBAllocations(ctx, parent, children); err != nil {
			return children, err
		}
	}

	logger.Info("split vtxo",
		zap.String("vtxo_id", parent.ID),
		zap.Int("children", len(children)),
	)
	return children, nil
}

// splitRGBAllocations creates one allocation per child vtxo, each carrying
// the child's share of the parent contract.
func (m *Manager) splitRGBAllocations(ctx context.Context, parent *ledger.Vtxo, children []*ledger.Vtxo) error {
	parentAlloc, err := m.rgb.GetAllocationByVtxo(ctx, parent.ID)
	if err != nil {
		return err
	}

	for _, child := range children {
		alloc := &ledger.RGBAllocation{
			ID:          uuid.NewString(),
			ContractID:  parentAlloc.ContractID,
			VtxoID:      child.ID,
			OwnerPubkey: child.UserPubkey,
			Amount:      child.Amount,
			CreatedAt:   time.Now(),
		}
		if err := m.rgb.CreateAllocation(ctx, alloc); err != nil {
			return fmt.Errorf("failed to create rgb allocation for split vtxo %s: %w", child.ID, err)
		}
		if err := m.vtxos.SetRGBAllocation(ctx, child.ID, alloc.ID); err != nil {
			return err
		}
		child.RGBAllocationID = &alloc.ID
	}
	return nil
}

// CreateRGBVtxo assigns a vtxo to userPubkey and pins an RGB allocation to
// it against an existing contract.
func (m *Manager) CreateRGBVtxo(ctx context.Context, userPubkey, assetID string, amount int64, contractID string) (*ledger.Vtxo, error) {
	if _, err := m.rgb.GetContract(ctx, contractID); err != nil {
		return nil, err
	}

	v, err := m.AssignVtxo(ctx, userPubkey, assetID, amount)
	if err != nil {
		return nil, err
	}

	alloc := &ledger.RGBAllocation{
		ID:          uuid.NewString(),
		ContractID:  contractID,
		VtxoID:      v.ID,
		OwnerPubkey: userPubkey,
		Amount:      amount,
		CreatedAt:   time.Now(),
	}
	if err := m.rgb.CreateAllocation(ctx, alloc); err != nil {
		return nil, fmt.Errorf("failed to create rgb allocation for vtxo %s: %w", v.ID, err)
	}
	if err := m.vtxos.SetRGBAllocation(ctx, v.ID, alloc.ID); err != nil {
		return nil, err
	}

	v.RGBAllocationID = &alloc.ID
	logger.Info("created rgb vtxo", zap.String("vtxo_id", v.ID), zap.String("contract_id", contractID))
	return v, nil
}

// ValidateRGBVtxoState checks that a vtxo's RGB allocation exists and that
// its contract's state root is consistent with the allocation.
func (m *Manager) ValidateRGBVtxoState(ctx context.Context, vtxoID string) (*ValidationResult, error) {
	v, err := m.vtxos.GetByID(ctx, vtxoID)
	if err != nil {
		return nil, err
	}
	if v.RGBAllocationID == nil {
		return &ValidationResult{VtxoID: vtxoID, Valid: false, Reason: "vtxo is not RGB-enabled"}, nil
	}

	alloc, err := m.rgb.GetAllocationByVtxo(ctx, vtxoID)
	if err != nil {
		return &ValidationResult{VtxoID: vtxoID, Valid: false, Reason: "rgb allocation not found"}, nil
	}

	contract, err := m.rgb.GetContract(ctx, alloc.ContractID)
	if err != nil {
		return &ValidationResult{VtxoID: vtxoID, Valid: false, Reason: "rgb contract not found"}, nil
	}

	stateConsistent := contract.StateRoot != ""
	result := &ValidationResult{
		Valid:           stateConsistent,
		VtxoID:          vtxoID,
		ContractID:      alloc.ContractID,
		Amount:          alloc.Amount,
		AllocationID:    alloc.ID,
		OwnerPubkey:     alloc.OwnerPubkey,
		ProofConsistent: true,
		StateConsistent: stateConsistent,
	}
	if !stateConsistent {
		result.Reason = "contract state root is empty"
	}
	return result, nil
}
