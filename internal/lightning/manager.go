// Package lightning implements the Lightning Bridge: lift (on-ramp,
// invoice paid by the user credits an off-chain balance) and land (off-ramp,
// an off-chain balance pays a Lightning invoice on the user's behalf), fee
// estimation, and the activity/status read paths, built on the gateway's
// repository/Manager shape (asset.Manager, internal/txprocessor.Manager)
// rather than direct database calls.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arkgw/internal/ledger"
	"arkgw/internal/lnd"
	"arkgw/internal/retry"
	"arkgw/internal/taxonomy"
	"arkgw/pkg/logger"
	"arkgw/pkg/queue"

	"go.uber.org/zap"
)

// Policy bounds invoice lifetime and the monitor loop's poll cadence.
type Policy struct {
	InvoiceExpiry   time.Duration
	MonitorInterval time.Duration
}

// DefaultPolicy matches config.LightningConfig's defaults.
func DefaultPolicy() Policy {
	return Policy{InvoiceExpiry: time.Hour, MonitorInterval: 5 * time.Second}
}

// BalanceCredit is the balance side of the bridge (asset.Manager), named as
// an interface so the lightning package does not import asset directly and
// tests can substitute a fake.
type BalanceCredit interface {
	EnsureMintable(ctx context.Context, assetID string, amount int64) error
	Mint(ctx context.Context, assetID, userPubkey string, amount int64) error
	Reserve(ctx context.Context, assetID, userPubkey string, amount int64) error
	Release(ctx context.Context, assetID, userPubkey string, amount int64) error
	BurnReserved(ctx context.Context, assetID, userPubkey string, amount int64) error
}

// Manager is the Lightning Bridge.
type Manager struct {
	invoices *ledger.InvoiceRepository
	balances BalanceCredit
	ln       lnd.LightningClient
	events   *queue.EventBus
	policy   Policy
}

func NewManager(invoices *ledger.InvoiceRepository, balances BalanceCredit, ln lnd.LightningClient, events *queue.EventBus, policy Policy) *Manager {
	return &Manager{invoices: invoices, balances: balances, ln: ln, events: events, policy: policy}
}

// channelBalances reports the node's current local/remote Lightning
// liquidity, attached to every balance_update event. A node failure
// degrades to zeros rather than suppressing the event.
func (m *Manager) channelBalances(ctx context.Context) (local, remote int64) {
	bal, err := m.ln.GetLightningBalance(ctx)
	if err != nil || bal == nil {
		return 0, 0
	}
	return bal.LocalSats, bal.RemoteSats
}

// lookupSettlement polls the node for paymentHash's current settlement
// state. Used by Monitor, which has no node handle of its own.
func (m *Manager) lookupSettlement(ctx context.Context, paymentHash string) (settled bool, preimage string, err error) {
	rec, err := m.ln.LookupInvoice(ctx, paymentHash)
	if err != nil {
		return false, "", err
	}
	return rec.Settled, "", nil
}

// LiftResult is what CreateLift hands back to the caller: enough to show the
// user a BOLT11 invoice to pay.
type LiftResult struct {
	PaymentHash string
	Bolt11      string
	Amount      int64
	ExpiresAt   time.Time
}

// CreateLift issues a fresh BOLT11 invoice for amount sats of assetID, bound
// to sessionID, in status pending. Paying it (observed by the monitor loop)
// credits the user's balance. Every invoice here is session-bound: the
// ledger's invoice row has no user_pubkey column of its own, so user-scoped
// activity reads join through signing_sessions.
func (m *Manager) CreateLift(ctx context.Context, sessionID, assetID string, amount int64) (*LiftResult, error) {
	if amount <= 0 {
		return nil, taxonomy.New(taxonomy.KindValidationError, "lift amount must be positive")
	}
	if err := m.balances.EnsureMintable(ctx, assetID, amount); err != nil {
		return nil, err
	}

	var rec *lnd.InvoiceRecord
	err := retry.Do(ctx, func() error {
		var rerr error
		rec, rerr = m.ln.AddInvoice(ctx, amount, "arkgw lift "+sessionID, int64(m.policy.InvoiceExpiry.Seconds()))
		return rerr
	})
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindAdapterUnavailable, err, "issue lift invoice for session %s", sessionID)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(m.policy.InvoiceExpiry)
	inv := &ledger.LightningInvoice{
		PaymentHash: rec.PaymentHash,
		Bolt11:      rec.PaymentRequest,
		SessionID:   &sessionID,
		Amount:      amount,
		AssetID:     assetID,
		Status:      ledger.InvoicePending,
		Type:        ledger.InvoiceLift,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	if err := m.invoices.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("persist lift invoice: %w", err)
	}

	logger.Info("created lightning lift invoice",
		zap.String("session_id", sessionID),
		zap.String("payment_hash", rec.PaymentHash),
		zap.Int64("amount", amount),
	)
	return &LiftResult{PaymentHash: rec.PaymentHash, Bolt11: rec.PaymentRequest, Amount: amount, ExpiresAt: expiresAt}, nil
}

// LandResult is what ProcessLand hands back: the invoice is staged and
// awaiting a call to Pay.
type LandResult struct {
	PaymentHash string
	Amount      int64
}

// ProcessLand validates bolt11 against the requested amount and reserves the
// user's balance against it, leaving the invoice in pending_payment. Pay
// must be called separately to actually send the Lightning payment, keeping
// validation/reservation and the network call as two distinct steps.
func (m *Manager) ProcessLand(ctx context.Context, sessionID, userPubkey, assetID, bolt11 string, amount int64) (*LandResult, error) {
	if amount <= 0 {
		return nil, taxonomy.New(taxonomy.KindValidationError, "land amount must be positive")
	}

	var decoded *lnd.Invoice
	err := retry.Do(ctx, func() error {
		var rerr error
		decoded, rerr = m.ln.DecodeInvoice(ctx, bolt11)
		return rerr
	})
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindValidationError, err, "decode land invoice for session %s", sessionID)
	}
	if decoded.IsExpired {
		return nil, taxonomy.New(taxonomy.KindValidationError, "land invoice is expired")
	}
	if decoded.AmountSats != amount {
		return nil, taxonomy.New(taxonomy.KindValidationError,
			"land invoice amount %d does not match requested amount %d", decoded.AmountSats, amount)
	}

	if err := m.balances.Reserve(ctx, assetID, userPubkey, amount); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inv := &ledger.LightningInvoice{
		PaymentHash: decoded.PaymentHash,
		Bolt11:      bolt11,
		SessionID:   &sessionID,
		Amount:      amount,
		AssetID:     assetID,
		Status:      ledger.InvoicePendingPayment,
		Type:        ledger.InvoiceLand,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.policy.InvoiceExpiry),
	}
	if err := m.invoices.Create(ctx, inv); err != nil {
		_ = m.balances.Release(ctx, assetID, userPubkey, amount)
		return nil, fmt.Errorf("persist land invoice: %w", err)
	}

	logger.Info("staged lightning land payment",
		zap.String("session_id", sessionID),
		zap.String("payment_hash", decoded.PaymentHash),
		zap.Int64("amount", amount),
	)
	return &LandResult{PaymentHash: decoded.PaymentHash, Amount: amount}, nil
}

// Pay sends the Lightning payment for a pending_payment land invoice and
// burns userPubkey's reserved balance once the payment succeeds.
// maxFeeSats bounds the routing fee the node may spend. userPubkey is the
// same user ProcessLand reserved the balance against; the invoice row
// itself carries no user pubkey, only a session id, so the caller (which
// already knows who initiated the land) supplies it rather than this
// package re-deriving it via a session lookup.
func (m *Manager) Pay(ctx context.Context, paymentHash, userPubkey string, maxFeeSats int64) (*lnd.PaymentResult, error) {
	inv, err := m.invoices.GetByPaymentHash(ctx, paymentHash)
	if err != nil {
		if errors.Is(err, ledger.ErrInvoiceNotFound) {
			return nil, taxonomy.Wrap(taxonomy.KindInvoiceNotFound, err, "invoice %s not found", paymentHash)
		}
		return nil, err
	}
	if inv.Status != ledger.InvoicePendingPayment {
		return nil, taxonomy.New(taxonomy.KindValidationError, "invoice %s is not pending payment (status %s)", paymentHash, inv.Status)
	}

	var result *lnd.PaymentResult
	payErr := retry.Do(ctx, func() error {
		var rerr error
		result, rerr = m.ln.PayInvoice(ctx, inv.Bolt11, maxFeeSats)
		return rerr
	})
	if payErr != nil {
		return nil, taxonomy.Wrap(taxonomy.KindPaymentFailed, payErr, "pay invoice %s", paymentHash)
	}

	now := time.Now().UTC()
	preimage := result.PaymentPreimage
	if _, err := m.invoices.MarkPaid(ctx, paymentHash, now, &preimage); err != nil {
		return nil, err
	}
	if err := m.balances.BurnReserved(ctx, inv.AssetID, userPubkey, inv.Amount); err != nil {
		logger.Error("failed to burn reserved land balance after payment", zap.String("payment_hash", paymentHash), zap.Error(err))
	}

	if m.events != nil {
		m.events.Publish(ctx, ChannelPaymentEvents, map[string]any{
			"event_type":   "payment_sent",
			"payment_hash": paymentHash,
			"timestamp":    now,
			"amount_sats":  inv.Amount,
			"asset_id":     inv.AssetID,
			"fee_sats":     result.FeeSats,
			"user_pubkey":  userPubkey,
		})
		local, remote := m.channelBalances(ctx)
		m.events.Publish(ctx, ChannelBalanceEvents, map[string]any{
			"event_type":          "balance_update",
			"user_pubkey":         userPubkey,
			"asset_id":            inv.AssetID,
			"local_balance_sats":  local,
			"remote_balance_sats": remote,
			"timestamp":           now,
		})
	}

	logger.Info("paid lightning land invoice", zap.String("payment_hash", paymentHash), zap.Int64("fee_sats", result.FeeSats))
	return result, nil
}

// FeeEstimate is the fee schedule's output.
type FeeEstimate struct {
	AmountSats    int64
	BaseFeeSats   int64
	RoutingFee    int64
	TotalFeeSats  int64
	TotalAmount   int64
	FeePercentage float64
}

// EstimateFee computes the flat base fee plus a routing fee, both floored:
// base = max(1, amount/1000), routing = max(10, amount/5000).
func EstimateFee(amountSats int64) (*FeeEstimate, error) {
	if amountSats <= 0 {
		return nil, taxonomy.New(taxonomy.KindValidationError, "amount must be positive")
	}

	base := amountSats / 1000
	if base < 1 {
		base = 1
	}
	routing := amountSats / 5000
	if routing < 10 {
		routing = 10
	}
	total := base + routing

	pct := float64(total) / float64(amountSats) * 100
	pct = float64(int64(pct*10000+0.5)) / 10000 // round to 4 decimal places

	return &FeeEstimate{
		AmountSats:    amountSats,
		BaseFeeSats:   base,
		RoutingFee:    routing,
		TotalFeeSats:  total,
		TotalAmount:   amountSats + total,
		FeePercentage: pct,
	}, nil
}

// CheckInvoiceStatus is a direct lookup, bypassing the monitor loop, used by
// the API's poll-for-status read path.
func (m *Manager) CheckInvoiceStatus(ctx context.Context, paymentHash string) (*ledger.LightningInvoice, error) {
	inv, err := m.invoices.GetByPaymentHash(ctx, paymentHash)
	if err != nil {
		if errors.Is(err, ledger.ErrInvoiceNotFound) {
			return nil, taxonomy.Wrap(taxonomy.KindInvoiceNotFound, err, "invoice %s not found", paymentHash)
		}
		return nil, err
	}
	return inv, nil
}

// GetUserLightningActivity lists all of a user's Lightning invoices
// (lift and land), most recent first.
func (m *Manager) GetUserLightningActivity(ctx context.Context, userPubkey string) ([]*ledger.LightningInvoice, error) {
	return m.invoices.ListByUser(ctx, userPubkey)
}

// ExpirePendingInvoices sweeps invoices still pending past their expiry and
// marks them expired, returning how many were swept.
func (m *Manager) ExpirePendingInvoices(ctx context.Context) (int64, error) {
	count, err := m.invoices.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logger.Info("expired pending lightning invoices", zap.Int64("count", count))
	}
	return count, nil
}
