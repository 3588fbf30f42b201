// Package asset implements the Asset/Balance Manager: asset lifecycle,
// per-user balances, mint/transfer, reserve/release, and
// reserve-ratio/statistics reporting. Balance mutations are single-writer
// per (user, asset) pair: a fail-fast Redis lock rejects a concurrent
// request for the same pair outright, and the Postgres row lock taken
// inside the transaction (ledger.BalanceRepository.GetForUpdate) is what
// actually makes the mutation atomic.
package asset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"arkgw/internal/ledger"
	"arkgw/internal/taxonomy"
	"arkgw/pkg/cache"
	"arkgw/pkg/logger"

	"go.uber.org/zap"
)

const (
	balanceLockPrefix = "balance:"
	balanceLockTTL    = 5 * time.Second

	// DefaultReserveRatio is the fraction of circulation that must be backed
	// by reserves, absent an asset-specific override.
	DefaultReserveRatio = 0.1
)

// Manager enforces balance invariants on top of the ledger's asset and
// balance repositories.
type Manager struct {
	assets   *ledger.AssetRepository
	balances *ledger.BalanceRepository
	cache    *cache.Cache
}

func NewManager(assets *ledger.AssetRepository, balances *ledger.BalanceRepository, c *cache.Cache) *Manager {
	return &Manager{assets: assets, balances: balances, cache: c}
}

// CreateAsset registers a new asset. TotalSupply of 0 means uncapped.
func (m *Manager) CreateAsset(ctx context.Context, a *ledger.Asset) error {
	if a.ID == "" {
		return taxonomy.New(taxonomy.KindValidationError, "asset id is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := m.assets.Create(ctx, a); err != nil {
		return fmt.Errorf("create asset %s: %w", a.ID, err)
	}
	return nil
}

func (m *Manager) GetAsset(ctx context.Context, assetID string) (*ledger.Asset, error) {
	a, err := m.assets.GetByID(ctx, assetID)
	if err != nil {
		if errors.Is(err, ledger.ErrAssetNotFound) {
			return nil, taxonomy.Wrap(taxonomy.KindValidationError, err, "asset %s not found", assetID)
		}
		return nil, err
	}
	return a, nil
}

func (m *Manager) ListActiveAssets(ctx context.Context) ([]*ledger.Asset, error) {
	return m.assets.ListActive(ctx)
}

// GetBalance returns the (user, asset) balance row, or a zero-value row if
// the user has never held the asset.
func (m *Manager) GetBalance(ctx context.Context, userPubkey, assetID string) (*ledger.AssetBalance, error) {
	return m.balances.Get(ctx, userPubkey, assetID)
}

// ListUserBalances reports every asset a user holds a balance in.
func (m *Manager) ListUserBalances(ctx context.Context, userPubkey string) ([]*ledger.AssetBalance, error) {
	return m.balances.ListByUser(ctx, userPubkey)
}

// EnsureMintable checks that assetID can absorb a future credit of amount:
// the asset exists, is active, and (when capped) has supply headroom left.
// The Lightning bridge calls this before issuing a lift invoice, so an
// invoice the gateway could never honor with a mint is rejected up front
// instead of failing after the user has already paid it.
func (m *Manager) EnsureMintable(ctx context.Context, assetID string, amount int64) error {
	if amount <= 0 {
		return taxonomy.New(taxonomy.KindValidationError, "amount must be positive")
	}
	a, err := m.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if !a.Active {
		return taxonomy.New(taxonomy.KindValidationError, "asset %s is inactive", assetID)
	}
	if a.TotalSupply > 0 {
		circulation, err := m.assets.Circulation(ctx, assetID)
		if err != nil {
			return err
		}
		if circulation+amount > a.TotalSupply {
			return taxonomy.New(taxonomy.KindInsufficientFunds,
				"asset %s has %d supply headroom, needs %d", assetID, a.TotalSupply-circulation, amount)
		}
	}
	return nil
}

// Mint grants amount of assetID to userPubkey. Fails if the asset is
// inactive, unknown, or would push circulation over a capped total supply.
func (m *Manager) Mint(ctx context.Context, assetID, userPubkey string, amount int64) error {
	if amount <= 0 {
		return taxonomy.New(taxonomy.KindValidationError, "mint amount must be positive")
	}

	a, err := m.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if !a.Active {
		return taxonomy.New(taxonomy.KindValidationError, "asset %s is inactive", assetID)
	}

	return m.withBalanceLock(ctx, userPubkey, assetID, func() error {
		if a.TotalSupply > 0 {
			circulation, err := m.assets.Circulation(ctx, assetID)
			if err != nil {
				return err
			}
			if circulation+amount > a.TotalSupply {
				return taxonomy.New(taxonomy.KindValidationError,
					"mint of %d would push circulation to %d, over total supply %d", amount, circulation+amount, a.TotalSupply)
			}
		}

		tx, err := m.balances.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin mint tx: %w", err)
		}
		defer tx.Rollback(ctx)

		bal, err := m.balances.GetForUpdate(ctx, tx, userPubkey, assetID)
		if err != nil {
			return err
		}
		bal.Balance += amount
		if err := m.balances.Upsert(ctx, tx, userPubkey, assetID, bal.Balance, bal.ReservedBalance); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Transfer atomically debits from and credits to within the same asset.
// Fails with InsufficientFunds unless available(from) >= amount. Locks are
// acquired in a fixed lexicographic order on (user, asset) key so that two
// transfers touching the same pair of users never deadlock each other.
func (m *Manager) Transfer(ctx context.Context, assetID, from, to string, amount int64) error {
	if amount <= 0 {
		return taxonomy.New(taxonomy.KindValidationError, "transfer amount must be positive")
	}
	if from == to {
		return taxonomy.New(taxonomy.KindValidationError, "sender and recipient must differ")
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}

	return m.withBalanceLock(ctx, first, assetID, func() error {
		return m.withBalanceLock(ctx, second, assetID, func() error {
			tx, err := m.balances.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin transfer tx: %w", err)
			}
			defer tx.Rollback(ctx)

			sender, err := m.balances.GetForUpdate(ctx, tx, from, assetID)
			if err != nil {
				return err
			}
			if sender.Available() < amount {
				return taxonomy.New(taxonomy.KindInsufficientFunds,
					"sender %s has %d available, needs %d", from, sender.Available(), amount)
			}
			recipient, err := m.balances.GetForUpdate(ctx, tx, to, assetID)
			if err != nil {
				return err
			}

			sender.Balance -= amount
			recipient.Balance += amount

			if err := m.balances.Upsert(ctx, tx, from, assetID, sender.Balance, sender.ReservedBalance); err != nil {
				return err
			}
			if err := m.balances.Upsert(ctx, tx, to, assetID, recipient.Balance, recipient.ReservedBalance); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
	})
}

// Reserve moves amount from balance to reserved for userPubkey, without
// altering the total. Used by the transaction processor while a
// transfer is in flight.
func (m *Manager) Reserve(ctx context.Context, assetID, userPubkey string, amount int64) error {
	if amount <= 0 {
		return taxonomy.New(taxonomy.KindValidationError, "reserve amount must be positive")
	}
	return m.withBalanceLock(ctx, userPubkey, assetID, func() error {
		tx, err := m.balances.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin reserve tx: %w", err)
		}
		defer tx.Rollback(ctx)

		bal, err := m.balances.GetForUpdate(ctx, tx, userPubkey, assetID)
		if err != nil {
			return err
		}
		if bal.Available() < amount {
			return taxonomy.New(taxonomy.KindInsufficientFunds,
				"user %s has %d available, needs %d to reserve", userPubkey, bal.Available(), amount)
		}
		bal.ReservedBalance += amount
		if err := m.balances.Upsert(ctx, tx, userPubkey, assetID, bal.Balance, bal.ReservedBalance); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Release reverses a prior Reserve, moving amount from reserved back to
// available balance.
func (m *Manager) Release(ctx context.Context, assetID, userPubkey string, amount int64) error {
	if amount <= 0 {
		return taxonomy.New(taxonomy.KindValidationError, "release amount must be positive")
	}
	return m.withBalanceLock(ctx, userPubkey, assetID, func() error {
		tx, err := m.balances.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer tx.Rollback(ctx)

		bal, err := m.balances.GetForUpdate(ctx, tx, userPubkey, assetID)
		if err != nil {
			return err
		}
		if bal.ReservedBalance < amount {
			return taxonomy.New(taxonomy.KindValidationError,
				"user %s has only %d reserved, cannot release %d", userPubkey, bal.ReservedBalance, amount)
		}
		bal.ReservedBalance -= amount
		if err := m.balances.Upsert(ctx, tx, userPubkey, assetID, bal.Balance, bal.ReservedBalance); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// FinalizeTransfer is called after on-chain/off-chain confirmation: it
// debits the sender's reserved balance (consuming the earlier Reserve) and
// credits the recipient's spendable balance.
func (m *Manager) FinalizeTransfer(ctx context.Context, assetID, senderPubkey, recipientPubkey string, amount int64) error {
	if amount <= 0 {
		return taxonomy.New(taxonomy.KindValidationError, "finalize amount must be positive")
	}

	first, second := senderPubkey, recipientPubkey
	if second < first {
		first, second = second, first
	}

	return m.withBalanceLock(ctx, first, assetID, func() error {
		return m.withBalanceLock(ctx, second, assetID, func() error {
			tx, err := m.balances.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin finalize tx: %w", err)
			}
			defer tx.Rollback(ctx)

			sender, err := m.balances.GetForUpdate(ctx, tx, senderPubkey, assetID)
			if err != nil {
				return err
			}
			if sender.ReservedBalance < amount {
				return taxonomy.New(taxonomy.KindValidationError,
					"sender %s has only %d reserved, cannot finalize %d", senderPubkey, sender.ReservedBalance, amount)
			}
			sender.Balance -= amount
			sender.ReservedBalance -= amount

			recipient, err := m.balances.GetForUpdate(ctx, tx, recipientPubkey, assetID)
			if err != nil {
				return err
			}
			recipient.Balance += amount

			if err := m.balances.Upsert(ctx, tx, senderPubkey, assetID, sender.Balance, sender.ReservedBalance); err != nil {
				return err
			}
			if err := m.balances.Upsert(ctx, tx, recipientPubkey, assetID, recipient.Balance, recipient.ReservedBalance); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
	})
}

// BurnReserved permanently removes amount from userPubkey's balance and
// reserved balance together, for value that left the ledger entirely rather
// than moving to another user's balance (the Lightning bridge's land flow:
// sats already reserved against a pending payout are extinguished once the
// Lightning payment settles, with no on-ledger recipient).
func (m *Manager) BurnReserved(ctx context.Context, assetID, userPubkey string, amount int64) error {
	if amount <= 0 {
		return taxonomy.New(taxonomy.KindValidationError, "burn amount must be positive")
	}
	return m.withBalanceLock(ctx, userPubkey, assetID, func() error {
		tx, err := m.balances.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin burn tx: %w", err)
		}
		defer tx.Rollback(ctx)

		bal, err := m.balances.GetForUpdate(ctx, tx, userPubkey, assetID)
		if err != nil {
			return err
		}
		if bal.ReservedBalance < amount {
			return taxonomy.New(taxonomy.KindValidationError,
				"user %s has only %d reserved, cannot burn %d", userPubkey, bal.ReservedBalance, amount)
		}
		bal.ReservedBalance -= amount
		bal.Balance -= amount
		if err := m.balances.Upsert(ctx, tx, userPubkey, assetID, bal.Balance, bal.ReservedBalance); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// ReserveRequirement is the reserve-ratio calculation for an asset:
// required = floor(circulation * ratio).
type ReserveRequirement struct {
	AssetID     string
	Circulation int64
	Ratio       float64
	Required    int64
}

// GetReserveRequirements computes the reserve requirement for assetID using
// DefaultReserveRatio.
func (m *Manager) GetReserveRequirements(ctx context.Context, assetID string) (*ReserveRequirement, error) {
	circulation, err := m.assets.Circulation(ctx, assetID)
	if err != nil {
		return nil, err
	}
	required := int64(float64(circulation) * DefaultReserveRatio)
	return &ReserveRequirement{
		AssetID:     assetID,
		Circulation: circulation,
		Ratio:       DefaultReserveRatio,
		Required:    required,
	}, nil
}

// AssetStats is an asset-wide reporting snapshot.
type AssetStats struct {
	AssetID     string
	Active      bool
	TotalSupply int64
	Circulation int64
	Required    int64
}

// GetAssetStats reports circulation and reserve requirement for an asset.
func (m *Manager) GetAssetStats(ctx context.Context, assetID string) (*AssetStats, error) {
	a, err := m.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	req, err := m.GetReserveRequirements(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return &AssetStats{
		AssetID:     assetID,
		Active:      a.Active,
		TotalSupply: a.TotalSupply,
		Circulation: req.Circulation,
		Required:    req.Required,
	}, nil
}

// withBalanceLock fails fast (does not retry) if a concurrent caller already
// holds the lock for this (user, asset) pair.
func (m *Manager) withBalanceLock(ctx context.Context, userPubkey, assetID string, fn func() error) error {
	key := balanceLockPrefix + userPubkey + ":" + assetID
	token := uuid.NewString()

	acquired, err := m.cache.Lock(ctx, key, token, balanceLockTTL)
	if err != nil {
		return fmt.Errorf("acquire balance lock for %s/%s: %w", userPubkey, assetID, err)
	}
	if !acquired {
		return taxonomy.New(taxonomy.KindValidationError, "balance for %s/%s is being updated by another request", userPubkey, assetID)
	}
	defer func() {
		if err := m.cache.Unlock(ctx, key, token); err != nil {
			logger.Warn("failed to release balance lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn()
}
