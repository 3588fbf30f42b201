package lightning

import (
	"context"
	"time"

	"arkgw/internal/ledger"
	"arkgw/internal/session"
	"arkgw/pkg/logger"
	"arkgw/pkg/queue"

	"go.uber.org/zap"
)

// Redis channels the monitor publishes to.
const (
	ChannelInvoiceEvents = "lightning:invoice_events"
	ChannelPaymentEvents = "lightning:payment_events"
	ChannelBalanceEvents = "lightning:balance_events"
)

// Monitor periodically sweeps in-flight invoices against the node's
// settlement state, credits lift balances as they're paid, and publishes
// events for each observed change over a ticker goroutine publishing
// directly to Redis; nothing in this codebase subscribes in-process.
type Monitor struct {
	manager  *Manager
	invoices *ledger.InvoiceRepository
	sessions *session.Manager
	events   *queue.EventBus
	policy   Policy

	lastPaymentCheck time.Time
}

func NewMonitor(manager *Manager, invoices *ledger.InvoiceRepository, sessions *session.Manager, events *queue.EventBus, policy Policy) *Monitor {
	return &Monitor{manager: manager, invoices: invoices, sessions: sessions, events: events, policy: policy, lastPaymentCheck: time.Now().UTC()}
}

// Run ticks every policy.MonitorInterval until ctx is cancelled, checking
// invoice statuses and sweeping expired invoices on each tick.
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mon.policy.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Tick(ctx)
		}
	}
}

// Tick runs one sweep. Exported so callers (and tests) can drive the
// monitor deterministically instead of waiting on the ticker.
func (mon *Monitor) Tick(ctx context.Context) {
	mon.checkInvoiceStatuses(ctx)
	mon.cleanupExpiredInvoices(ctx)
}

// checkInvoiceStatuses polls every pending (lift) and pending_payment (land)
// invoice against the node and reacts to newly settled ones.
func (mon *Monitor) checkInvoiceStatuses(ctx context.Context) {
	invs, err := mon.invoices.ListByStatuses(ctx, ledger.InvoicePending, ledger.InvoicePendingPayment)
	if err != nil {
		logger.Error("lightning monitor: failed to list in-flight invoices", zap.Error(err))
		return
	}

	for _, inv := range invs {
		if inv.Type != ledger.InvoiceLift {
			// Land invoices settle synchronously inside Manager.Pay, not via
			// node polling; nothing to observe here.
			continue
		}
		mon.pollLiftInvoice(ctx, inv)
	}
}

func (mon *Monitor) pollLiftInvoice(ctx context.Context, inv *ledger.LightningInvoice) {
	// manager.ln is unexported; route the lookup through CheckInvoiceStatus's
	// sibling so the monitor never needs direct node access of its own.
	settled, preimage, err := mon.manager.lookupSettlement(ctx, inv.PaymentHash)
	if err != nil {
		logger.Warn("lightning monitor: failed to look up invoice", zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
		return
	}
	if !settled {
		return
	}
	mon.handleInvoicePaid(ctx, inv, preimage)
}

// handleInvoicePaid marks the invoice paid, credits the user's balance, and
// publishes invoice_paid then balance_update.
func (mon *Monitor) handleInvoicePaid(ctx context.Context, inv *ledger.LightningInvoice, preimage string) {
	now := time.Now().UTC()
	paid, err := mon.invoices.MarkPaid(ctx, inv.PaymentHash, now, &preimage)
	if err != nil {
		logger.Error("lightning monitor: failed to mark invoice paid", zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
		return
	}
	if !paid {
		// Already observed by a concurrent tick or a direct status check.
		return
	}

	userPubkey := mon.userOf(ctx, inv)
	if userPubkey != "" {
		if err := mon.manager.balances.Mint(ctx, inv.AssetID, userPubkey, inv.Amount); err != nil {
			logger.Error("lightning monitor: failed to credit lift balance", zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
		}
	}

	logger.Info("lightning invoice paid", zap.String("payment_hash", inv.PaymentHash), zap.Int64("amount", inv.Amount))
	mon.events.Publish(ctx, ChannelInvoiceEvents, map[string]any{
		"event_type":   "invoice_paid",
		"payment_hash": inv.PaymentHash,
		"timestamp":    now,
		"amount_sats":  inv.Amount,
		"asset_id":     inv.AssetID,
		"invoice_type": inv.Type.String(),
		"user_pubkey":  userPubkey,
		"paid_at":      now,
	})
	local, remote := mon.manager.channelBalances(ctx)
	mon.events.Publish(ctx, ChannelBalanceEvents, map[string]any{
		"event_type":          "balance_update",
		"user_pubkey":         userPubkey,
		"asset_id":            inv.AssetID,
		"local_balance_sats":  local,
		"remote_balance_sats": remote,
		"timestamp":           now,
	})
}

// userOf resolves the user pubkey behind an invoice via its bound session,
// since the invoice row itself only carries a session id.
func (mon *Monitor) userOf(ctx context.Context, inv *ledger.LightningInvoice) string {
	if inv.SessionID == nil {
		return ""
	}
	s, err := mon.sessions.Get(ctx, *inv.SessionID)
	if err != nil {
		logger.Warn("lightning monitor: failed to resolve session for invoice", zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
		return ""
	}
	return s.UserPubkey
}

// cleanupExpiredInvoices sweeps pending invoices past expiry. It publishes
// no event; expiry is silent bookkeeping, not an activity a subscriber needs.
func (mon *Monitor) cleanupExpiredInvoices(ctx context.Context) {
	if _, err := mon.manager.ExpirePendingInvoices(ctx); err != nil {
		logger.Error("lightning monitor: failed to expire pending invoices", zap.Error(err))
	}
}
