// Package vtxo implements the lifecycle of virtual off-chain outputs: pool
// creation, smallest-fit assignment, spend/expiry transitions, splitting, and
// the settlement loop that anchors spent vtxos on-chain via a commitment
// transaction. A vtxo pool is a pool of pre-provisioned units handed out to
// users on demand, with a fail-fast, repository-backed concurrency shape.
package vtxo

import (
	"context"
	"time"

	"arkgw/internal/adapters/arkd"
	"arkgw/internal/ledger"
	"arkgw/internal/retry"
	"arkgw/internal/taxonomy"
	"arkgw/pkg/logger"

	"go.uber.org/zap"
)

// Policy bounds the inventory monitor, vtxo expiry and the split dust limit;
// the batch and settlement fee formulas are fixed in code. Defaults match the
// values named in the pool-sizing rules.
type Policy struct {
	MinPerAsset    int
	MaxPerAsset    int
	ReplenishRatio float64
	VtxoTTL        time.Duration
	DustLimit      int64
}

// DefaultPolicy returns the pool-sizing policy used when no override is given.
func DefaultPolicy() Policy {
	return Policy{
		MinPerAsset:    10,
		MaxPerAsset:    100,
		ReplenishRatio: 0.3,
		VtxoTTL:        24 * time.Hour,
		DustLimit:      546,
	}
}

// Manager is the VTXO Lifecycle Manager.
type Manager struct {
	vtxos  *ledger.VtxoRepository
	rgb    *ledger.RGBRepository
	assets *ledger.AssetRepository
	chain  arkd.ChainAdapter
	policy Policy
}

func NewManager(vtxos *ledger.VtxoRepository, rgb *ledger.RGBRepository, assets *ledger.AssetRepository, chain arkd.ChainAdapter, policy Policy) *Manager {
	return &Manager{vtxos: vtxos, rgb: rgb, assets: assets, chain: chain, policy: policy}
}

// CreateVtxoBatch mints count fresh vtxos of amount each for assetID via the
// chain adapter and persists them as available, each expiring after the
// configured TTL. The per-batch fee follows the flat-plus-marginal formula
// named for pool replenishment.
func (m *Manager) CreateVtxoBatch(ctx context.Context, assetID string, count int, amount int64) ([]*ledger.Vtxo, error) {
	fee := int64(1000) + int64(count)*500

	var result *arkd.VtxoBatchResult
	err := retry.Do(ctx, func() error {
		var rerr error
		result, rerr = m.chain.CreateVtxoBatch(ctx, assetID, count, amount, fee)
		return rerr
	})
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindAdapterUnavailable, err, "create vtxo batch for %s", assetID)
	}

	now := time.Now()
	expiresAt := now.Add(m.policy.VtxoTTL)

	created := make([]*ledger.Vtxo, 0, len(result.Vtxos))
	for _, entry := range result.Vtxos {
		v := &ledger.Vtxo{
			ID:              entry.VtxoID,
			Txid:            entry.Txid,
			Vout:            entry.Vout,
			Amount:          amount,
			ScriptPubkeyHex: entry.ScriptPubkeyHex,
			AssetID:         assetID,
			Status:          ledger.VtxoAvailable,
			CreatedAt:       now,
			ExpiresAt:       expiresAt,
		}
		if err := m.vtxos.Create(ctx, v); err != nil {
			return created, err
		}
		created = append(created, v)
	}

	logger.Info("created vtxo batch",
		zap.String("asset_id", assetID),
		zap.Int("count", len(created)),
		zap.Int64("amount", amount),
		zap.Int64("fee", fee),
	)
	return created, nil
}

// AssignVtxo hands the smallest available vtxo covering amountNeeded to
// userPubkey, or a NoAvailableVtxo error if the pool has nothing that fits.
func (m *Manager) AssignVtxo(ctx context.Context, userPubkey, assetID string, amountNeeded int64) (*ledger.Vtxo, error) {
	v, err := m.vtxos.AssignSmallestFit(ctx, assetID, userPubkey, amountNeeded, time.Now())
	if err != nil {
		if err == ledger.ErrVtxoNotFound {
			return nil, taxonomy.New(taxonomy.KindNoAvailableVtxo, "no vtxo available for asset %s covering %d", assetID, amountNeeded)
		}
		return nil, err
	}
	return v, nil
}

// MarkVtxoSpent transitions an assigned vtxo to spent once its spending
// transaction is known. Idempotent for a repeated identical spendingTxid.
func (m *Manager) MarkVtxoSpent(ctx context.Context, vtxoID, spendingTxid string) error {
	return m.vtxos.MarkSpent(ctx, vtxoID, spendingTxid)
}

// ExpireAvailable flips every available vtxo past its expiry to expired and
// returns the count affected. Assigned vtxos are untouched; a ceremony in
// flight keeps its vtxo alive regardless of the original expiry.
func (m *Manager) ExpireAvailable(ctx context.Context) (int64, error) {
	return m.vtxos.ExpireAvailable(ctx, time.Now())
}

// GetVtxo fetches a single vtxo by id.
func (m *Manager) GetVtxo(ctx context.Context, vtxoID string) (*ledger.Vtxo, error) {
	return m.vtxos.GetByID(ctx, vtxoID)
}

// Inventory returns the current pool snapshot for assetID.
func (m *Manager) Inventory(ctx context.Context, assetID string) (ledger.Inventory, error) {
	return m.vtxos.InventoryFor(ctx, assetID)
}
