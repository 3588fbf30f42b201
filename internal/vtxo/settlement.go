package vtxo

import (
	"context"
	"time"

	"arkgw/internal/ledger"
	"arkgw/internal/merkle"
	internalqueue "arkgw/internal/queue"
	"arkgw/pkg/logger"
	pkgqueue "arkgw/pkg/queue"

	"go.uber.org/zap"
)

// ReplenishJobTimeoutSec and ReplenishJobResultTTLSec bound the replenishment
// job descriptor enqueued onto the job stream.
const (
	ReplenishJobTimeoutSec   = 120
	ReplenishJobResultTTLSec = 3600
)

// CheckInventory evaluates every active asset's pool against Policy and
// enqueues a replenishment job for each asset that needs one. It never
// creates vtxos directly; that is the worker's job, dispatched off the
// enqueued job descriptor.
func (m *Manager) CheckInventory(ctx context.Context, stream string, jobQueue *pkgqueue.StreamQueue) error {
	assets, err := m.assets.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, asset := range assets {
		inv, err := m.vtxos.InventoryFor(ctx, asset.ID)
		if err != nil {
			logger.Error("failed to compute vtxo inventory", zap.String("asset_id", asset.ID), zap.Error(err))
			continue
		}

		if !m.needsReplenishment(inv) {
			continue
		}

		count := m.replenishmentCount(inv)
		if count <= 0 {
			continue
		}

		amount := defaultVtxoAmount(asset)
		job, err := internalqueue.NewReplenishJob(
			internalqueue.ReplenishArgs{AssetID: asset.ID, Count: count, Amount: amount},
			ReplenishJobTimeoutSec, ReplenishJobResultTTLSec,
		)
		if err != nil {
			logger.Error("failed to build replenish job", zap.String("asset_id", asset.ID), zap.Error(err))
			continue
		}

		payload, err := job.ToJSON()
		if err != nil {
			logger.Error("failed to marshal replenish job", zap.String("asset_id", asset.ID), zap.Error(err))
			continue
		}

		if _, err := jobQueue.Publish(ctx, stream, payload); err != nil {
			logger.Error("failed to enqueue replenish job", zap.String("asset_id", asset.ID), zap.Error(err))
			continue
		}

		logger.Info("triggered vtxo replenishment",
			zap.String("asset_id", asset.ID),
			zap.Int("count", count),
			zap.Int("available", inv.Available),
			zap.Int("assigned", inv.Assigned),
			zap.Float64("utilization", inv.Utilization()),
		)
	}
	return nil
}

func (m *Manager) needsReplenishment(inv ledger.Inventory) bool {
	return inv.Available < m.policy.MinPerAsset ||
		inv.Utilization() > m.policy.ReplenishRatio ||
		inv.Total < m.policy.MinPerAsset
}

// replenishmentCount computes how many vtxos to mint: enough to close the
// deficit to the minimum, plus a 20% buffer over the current pool size,
// capped at MaxPerAsset (or at MinPerAsset when the pool is empty).
func (m *Manager) replenishmentCount(inv ledger.Inventory) int {
	deficit := m.policy.MinPerAsset - inv.Available
	if deficit < 0 {
		deficit = 0
	}

	buffer := int(float64(inv.Total) * 0.2)

	limit := m.policy.MaxPerAsset
	if inv.Total <= 0 {
		limit = m.policy.MinPerAsset
	}

	count := deficit + buffer
	if count > limit {
		count = limit
	}
	return count
}

// defaultVtxoAmount picks the per-vtxo face value for replenishment: the
// asset's total supply divided across a full pool when capped, otherwise a
// flat round-number unit.
func defaultVtxoAmount(asset *ledger.Asset) int64 {
	const flatUnit = 100000
	if asset.TotalSupply <= 0 {
		return flatUnit
	}
	perVtxo := asset.TotalSupply / int64(DefaultPolicy().MaxPerAsset)
	if perVtxo <= 0 {
		return flatUnit
	}
	return perVtxo
}

// RunSettlement processes the hourly L1 anchoring pass: every asset with
// spent vtxos gets its own Merkle-rooted commitment transaction, broadcast,
// and (on success) its vtxos flipped to settled. A broadcast failure leaves
// the vtxos spent for the next pass to retry.
func (m *Manager) RunSettlement(ctx context.Context, transactions *ledger.TransactionRepository) error {
	assetIDs, err := m.vtxos.DistinctSpentAssets(ctx)
	if err != nil {
		return err
	}
	if len(assetIDs) == 0 {
		logger.Info("no vtxos to settle")
		return nil
	}

	for _, assetID := range assetIDs {
		if err := m.settleAsset(ctx, assetID, transactions); err != nil {
			logger.Error("asset settlement failed", zap.String("asset_id", assetID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) settleAsset(ctx context.Context, assetID string, transactions *ledger.TransactionRepository) error {
	spent, err := m.vtxos.SpentByAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if len(spent) == 0 {
		return nil
	}

	vtxoIDs := make([]string, len(spent))
	var total int64
	for i, v := range spent {
		vtxoIDs[i] = v.ID
		total += v.Amount
	}

	root := merkle.Root(vtxoIDs)
	fee := int64(2000) + int64(len(spent))*100

	commitment, err := m.chain.CreateCommitmentTransaction(ctx, assetID, vtxoIDs, root, total, fee)
	if err != nil {
		return err
	}

	now := time.Now()
	tx := &ledger.Transaction{
		ID:        commitment.Txid,
		Type:      ledger.TxSettlement,
		Raw:       []byte(commitment.RawTx),
		Status:    ledger.TxPending,
		Amount:    total,
		Fee:       fee,
		AssetID:   assetID,
		CreatedAt: now,
	}
	if err := transactions.Create(ctx, tx); err != nil {
		return err
	}

	broadcast, err := m.chain.BroadcastTransaction(ctx, commitment.RawTx)
	if err != nil {
		return transactions.UpdateStatus(ctx, tx.ID, ledger.TxFailed, errMsgPtr(err.Error()))
	}
	if !broadcast.Success {
		return transactions.UpdateStatus(ctx, tx.ID, ledger.TxFailed, errMsgPtr(broadcast.Error))
	}

	if err := transactions.UpdateStatus(ctx, tx.ID, ledger.TxBroadcast, nil); err != nil {
		return err
	}

	logger.Info("settlement transaction broadcast",
		zap.String("asset_id", assetID),
		zap.String("txid", tx.ID),
		zap.Int("vtxo_count", len(spent)),
	)

	return m.vtxos.SettleBatch(ctx, vtxoIDs)
}

// WatchConfirmation advances a settlement transaction broadcast -> confirmed
// once the chain adapter reports it confirmed.
func (m *Manager) WatchConfirmation(ctx context.Context, transactions *ledger.TransactionRepository, txid string) error {
	status, err := m.chain.GetTransactionStatus(ctx, txid)
	if err != nil {
		return err
	}
	if !status.Confirmed {
		return nil
	}
	return transactions.Confirm(ctx, txid, time.Now(), status.BlockHeight)
}

func errMsgPtr(s string) *string {
	if s == "" {
		s = "broadcast failed"
	}
	return &s
}
