package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
)

// InvoiceRecord is the adapter-level view of an invoice's settlement state,
// used for both freshly-issued invoices (AddInvoice) and lookups
// (LookupInvoice / LookupInvoiceByRequest / ListInvoices).
type InvoiceRecord struct {
	PaymentHash    string
	PaymentRequest string // BOLT11 string as reported by the node
	AmountSats     int64
	Memo           string
	Settled        bool
	CreationDate   time.Time
	ExpirySeconds  int64
}

// PaymentRecord is the adapter-level view of a single outbound payment
// (ListPayments).
type PaymentRecord struct {
	PaymentHash string
	FeeSats     int64
	Status      PaymentResultStatus
	ValueSats   int64
}

// ChannelRecord describes a single open Lightning channel (ListChannels).
type ChannelRecord struct {
	ChannelPoint string
	RemotePubkey string
	CapacitySats int64
	LocalSats    int64
	RemoteSats   int64
	Active       bool
}

// AddInvoice issues a new BOLT11 invoice for amountSats with the given memo
// and expiry. Used by the Lightning bridge's lift flow to mint an invoice
// the user pays to credit their off-chain balance.
func (c *Client) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*InvoiceRecord, error) {
	req := &lnrpc.Invoice{
		Value:  amountSats,
		Memo:   memo,
		Expiry: expirySeconds,
	}
	resp, err := c.lnClient.AddInvoice(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to add invoice: %w", err)
	}

	return &InvoiceRecord{
		PaymentHash:    hex.EncodeToString(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		AmountSats:     amountSats,
		Memo:           memo,
		ExpirySeconds:  expirySeconds,
		CreationDate:   time.Now(),
	}, nil
}

// LookupInvoice checks the current settlement state of an invoice by its
// payment hash. Used by the Lightning monitor loop to poll pending lift
// invoices.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceRecord, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("payment hash must be hex-encoded: %w", err)
	}

	resp, err := c.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hashBytes})
	if err != nil {
		return nil, fmt.Errorf("failed to look up invoice %s: %w", paymentHash, err)
	}

	return invoiceFromLookup(resp), nil
}

// LookupInvoiceByRequest decodes a BOLT11 string and then looks up its
// current settlement state; unlike DecodeInvoice, which only parses the
// invoice without consulting LND's settlement ledger.
func (c *Client) LookupInvoiceByRequest(ctx context.Context, bolt11 string) (*InvoiceRecord, error) {
	decoded, err := c.DecodeInvoice(ctx, bolt11)
	if err != nil {
		return nil, fmt.Errorf("failed to decode invoice for lookup: %w", err)
	}
	return c.LookupInvoice(ctx, decoded.PaymentHash)
}

// ListInvoices lists invoices known to the node, optionally restricted to
// unsettled ones.
func (c *Client) ListInvoices(ctx context.Context, pendingOnly bool) ([]*InvoiceRecord, error) {
	resp, err := c.lnClient.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{PendingOnly: pendingOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	records := make([]*InvoiceRecord, 0, len(resp.Invoices))
	for _, inv := range resp.Invoices {
		records = append(records, invoiceFromLnrpc(inv))
	}
	return records, nil
}

// ListPayments lists outbound Lightning payments known to the node.
func (c *Client) ListPayments(ctx context.Context) ([]*PaymentRecord, error) {
	resp, err := c.lnClient.ListPayments(ctx, &lnrpc.ListPaymentsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	records := make([]*PaymentRecord, 0, len(resp.Payments))
	for _, p := range resp.Payments {
		records = append(records, &PaymentRecord{
			PaymentHash: p.PaymentHash,
			FeeSats:     p.FeeSat,
			ValueSats:   p.ValueSat,
			Status:      statusFromLnrpcPayment(p.Status),
		})
	}
	return records, nil
}

// ListChannels lists the node's open Lightning channels with per-channel
// capacity and local/remote balances. GetLightningBalance does not use it.
func (c *Client) ListChannels(ctx context.Context) ([]*ChannelRecord, error) {
	resp, err := c.lnClient.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	records := make([]*ChannelRecord, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		records = append(records, &ChannelRecord{
			ChannelPoint: ch.ChannelPoint,
			RemotePubkey: ch.RemotePubkey,
			CapacitySats: ch.Capacity,
			LocalSats:    ch.LocalBalance,
			RemoteSats:   ch.RemoteBalance,
			Active:       ch.Active,
		})
	}
	return records, nil
}

// GetLightningBalance aliases GetChannelBalance: total spendable and
// receivable liquidity across open channels.
func (c *Client) GetLightningBalance(ctx context.Context) (*ChannelBalance, error) {
	return c.GetChannelBalance(ctx)
}

// GetOnchainBalance aliases GetWalletBalance: the node's confirmed/
// unconfirmed on-chain wallet balance.
func (c *Client) GetOnchainBalance(ctx context.Context) (*WalletBalance, error) {
	return c.GetWalletBalance(ctx)
}

func invoiceFromLookup(inv *lnrpc.Invoice) *InvoiceRecord {
	return invoiceFromLnrpc(inv)
}

func invoiceFromLnrpc(inv *lnrpc.Invoice) *InvoiceRecord {
	return &InvoiceRecord{
		PaymentHash:    hex.EncodeToString(inv.RHash),
		PaymentRequest: inv.PaymentRequest,
		AmountSats:     inv.Value,
		Memo:           inv.Memo,
		Settled:        inv.Settled,
		CreationDate:   time.Unix(inv.CreationDate, 0),
		ExpirySeconds:  inv.Expiry,
	}
}

func statusFromLnrpcPayment(s lnrpc.Payment_PaymentStatus) PaymentResultStatus {
	switch s {
	case lnrpc.Payment_SUCCEEDED:
		return Succeeded
	case lnrpc.Payment_FAILED:
		return Failed
	default:
		return InFlight
	}
}
