// Package txprocessor implements the Transaction Processor: preparing a P2P
// transfer for signing, validating and fee-estimating raw transactions
// against the chain adapter, broadcasting, and confirming with balance
// finalization.
package txprocessor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"arkgw/internal/adapters/arkd"
	"arkgw/internal/asset"
	"arkgw/internal/ledger"
	"arkgw/internal/retry"
	"arkgw/internal/session"
	"arkgw/internal/taxonomy"
	"arkgw/pkg/logger"

	"go.uber.org/zap"
)

// Policy bounds fee floors and output dust.
type Policy struct {
	MinFeeSats    int64
	DustLimitSats int64
}

func DefaultPolicy() Policy {
	return Policy{MinFeeSats: 100, DustLimitSats: 546}
}

// Manager is the Transaction Processor.
type Manager struct {
	txs      *ledger.TransactionRepository
	sessions *session.Manager
	assets   *asset.Manager
	chain    arkd.ChainAdapter
	policy   Policy
}

func NewManager(txs *ledger.TransactionRepository, sessions *session.Manager, assets *asset.Manager, chain arkd.ChainAdapter, policy Policy) *Manager {
	return &Manager{txs: txs, sessions: sessions, assets: assets, chain: chain, policy: policy}
}

// TransferResult is what a caller gets back from ProcessP2PTransfer.
type TransferResult struct {
	TxID      string
	Amount    int64
	AssetID   string
	FeeSats   int64
	Sender    string
	Recipient string
	Status    string
}

// ProcessP2PTransfer prepares a p2p_transfer session for signing: it checks
// the sender has enough available balance, reserves the debit, records a
// pending transaction, and moves the session to signing. The recipient is
// not pre-reserved; FinalizeTransfer credits their spendable balance
// directly once the transaction confirms, so there is nothing on their side
// to release if the ceremony never completes.
func (m *Manager) ProcessP2PTransfer(ctx context.Context, sessionID string) (*TransferResult, error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Type != ledger.SessionTypeP2PTransfer {
		return nil, taxonomy.New(taxonomy.KindValidationError, "session %s is not a p2p transfer", sessionID)
	}
	if s.Status != ledger.SessionAwaitingSignature {
		return nil, taxonomy.New(taxonomy.KindInvalidTransition, "session %s is not ready for transfer processing (status %s)", sessionID, s.Status)
	}

	recipient, _ := s.Intent["recipient_pubkey"].(string)
	amount := intentAmount(s.Intent)
	assetID, _ := s.Intent["asset_id"].(string)
	if assetID == "" {
		assetID = "BTC"
	}
	if recipient == "" || amount <= 0 {
		return nil, taxonomy.New(taxonomy.KindValidationError, "invalid transfer parameters for session %s", sessionID)
	}

	fee := m.policy.MinFeeSats
	if assetID != "BTC" {
		fee += 50
	}

	if err := m.assets.Reserve(ctx, assetID, s.UserPubkey, amount); err != nil {
		return nil, err
	}

	txid := generateTxID()
	record := &ledger.Transaction{
		ID:        txid,
		SessionID: sessionID,
		Type:      ledger.TxP2PTransfer,
		Status:    ledger.TxPending,
		Amount:    amount,
		Fee:       fee,
		AssetID:   assetID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.txs.Create(ctx, record); err != nil {
		_ = m.assets.Release(ctx, assetID, s.UserPubkey, amount)
		return nil, fmt.Errorf("create p2p transfer transaction: %w", err)
	}

	if err := m.sessions.Transition(ctx, sessionID, ledger.SessionSigning, "transaction prepared, awaiting signatures"); err != nil {
		return nil, err
	}

	logger.Info("processed p2p transfer",
		zap.String("session_id", sessionID), zap.String("txid", txid),
		zap.Int64("amount", amount), zap.String("asset_id", assetID))

	return &TransferResult{
		TxID:      txid,
		Amount:    amount,
		AssetID:   assetID,
		FeeSats:   fee,
		Sender:    truncatePubkey(s.UserPubkey),
		Recipient: truncatePubkey(recipient),
		Status:    "pending_signatures",
	}, nil
}

// CreateArkTransaction synthesizes a minimal ark_tx row for ceremony types
// that have no transaction-processor preparation step of their own
// (Lightning lift/land): amount from intent, the configured minimum fee,
// and a one-byte raw placeholder, since there is no real transaction to
// assemble yet but Broadcast requires non-empty Raw.
func (m *Manager) CreateArkTransaction(ctx context.Context, sessionID, assetID string, amount int64) (string, error) {
	txid := generateTxID()
	record := &ledger.Transaction{
		ID:        txid,
		SessionID: sessionID,
		Type:      ledger.TxArk,
		Status:    ledger.TxPending,
		Amount:    amount,
		Fee:       m.policy.MinFeeSats,
		AssetID:   assetID,
		Raw:       []byte{0x00},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.txs.Create(ctx, record); err != nil {
		return "", fmt.Errorf("create ark transaction: %w", err)
	}
	return txid, nil
}

// txOutput is one parsed output from the simplified wire format below.
type txOutput struct {
	amount int64
	script string
}

// ValidateTransaction reports whether rawTx carries an output paying at
// least expectedAmount to a script matching recipientPubkey. The parser is
// deliberately minimal; a one-byte-length framing rather than real Bitcoin
// CompactSize; because the gateway never constructs these transactions
// itself; they arrive pre-built from the chain adapter and this check only
// guards against a malformed or mismatched response before broadcast.
func (m *Manager) ValidateTransaction(rawTx string, expectedAmount int64, recipientPubkey string) (bool, error) {
	if rawTx == "" || recipientPubkey == "" {
		return false, taxonomy.New(taxonomy.KindValidationError, "raw transaction and recipient pubkey are required")
	}
	if expectedAmount < 0 {
		return false, taxonomy.New(taxonomy.KindValidationError, "expected amount must not be negative")
	}

	data, err := hex.DecodeString(rawTx)
	if err != nil {
		return false, nil
	}
	if len(data) < 10 {
		return false, nil
	}

	outputs, err := parseTransactionOutputs(data)
	if err != nil {
		return false, nil
	}

	for _, o := range outputs {
		if o.amount >= expectedAmount && verifyOutputScript(o.script, recipientPubkey) {
			return true, nil
		}
	}
	return false, nil
}

// CalculateTransactionFee estimates the fee for rawTx from its size and the
// chain adapter's current fee rate, falling back to the configured minimum
// when the adapter is unavailable.
func (m *Manager) CalculateTransactionFee(ctx context.Context, rawTx string) (int64, error) {
	if rawTx == "" {
		return 0, taxonomy.New(taxonomy.KindValidationError, "raw transaction is required")
	}

	txSize := int64(len(rawTx)) / 2
	feeRate, err := m.chain.GetFeeRate(ctx)
	if err != nil {
		return m.policy.MinFeeSats, nil
	}

	fee := txSize * feeRate
	if fee < m.policy.MinFeeSats {
		fee = m.policy.MinFeeSats
	}
	return fee, nil
}

// AttachRawTransaction stages the raw bytes a signing ceremony produced for
// a pending transaction, ahead of Broadcast.
func (m *Manager) AttachRawTransaction(ctx context.Context, txid string, raw []byte) error {
	return m.txs.SetRaw(ctx, txid, raw)
}

// Broadcast sends a pending transaction's raw bytes to the chain adapter.
func (m *Manager) Broadcast(ctx context.Context, txid string) error {
	tx, err := m.txs.GetByID(ctx, txid)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return taxonomy.Wrap(taxonomy.KindValidationError, err, "transaction %s not found", txid)
		}
		return err
	}
	if tx.Status != ledger.TxPending {
		return taxonomy.New(taxonomy.KindValidationError, "transaction %s is not pending (status %s)", txid, tx.Status)
	}
	if len(tx.Raw) == 0 {
		return taxonomy.New(taxonomy.KindValidationError, "transaction %s has no raw data", txid)
	}

	var result *arkd.BroadcastResult
	err = retry.Do(ctx, func() error {
		var rerr error
		result, rerr = m.chain.BroadcastTransaction(ctx, hex.EncodeToString(tx.Raw))
		return rerr
	})
	if err != nil {
		msg := err.Error()
		_ = m.txs.UpdateStatus(ctx, txid, ledger.TxFailed, &msg)
		return taxonomy.Wrap(taxonomy.KindAdapterUnavailable, err, "broadcast transaction %s", txid)
	}
	if !result.Success {
		_ = m.txs.UpdateStatus(ctx, txid, ledger.TxFailed, &result.Error)
		return taxonomy.New(taxonomy.KindAdapterProtocolError, "broadcast of %s rejected: %s", txid, result.Error)
	}

	if err := m.txs.UpdateStatus(ctx, txid, ledger.TxBroadcast, nil); err != nil {
		return err
	}
	logger.Info("broadcast transaction", zap.String("txid", txid))
	return nil
}

// Confirm polls the chain adapter for a broadcast transaction's depth. Once
// it reaches minDepth confirmations the transaction is marked confirmed and
// balances are finalized: the sender's reserved balance is released and the
// recipient's spendable balance is credited. Returns false, nil while the
// transaction is broadcast but not yet deep enough; that is not an error.
func (m *Manager) Confirm(ctx context.Context, txid string, minDepth int64) (bool, error) {
	if minDepth <= 0 {
		minDepth = 1
	}

	tx, err := m.txs.GetByID(ctx, txid)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return false, taxonomy.Wrap(taxonomy.KindValidationError, err, "transaction %s not found", txid)
		}
		return false, err
	}
	if tx.Status != ledger.TxBroadcast {
		return false, nil
	}

	var status *arkd.TransactionStatus
	err = retry.Do(ctx, func() error {
		var rerr error
		status, rerr = m.chain.GetTransactionStatus(ctx, txid)
		return rerr
	})
	if err != nil {
		return false, taxonomy.Wrap(taxonomy.KindAdapterUnavailable, err, "get status of %s", txid)
	}
	if status.Confirmations < minDepth {
		return false, nil
	}

	if err := m.txs.Confirm(ctx, txid, time.Now().UTC(), status.BlockHeight); err != nil {
		return false, err
	}

	if err := m.finalizeBalances(ctx, tx); err != nil {
		return false, err
	}

	logger.Info("confirmed transaction", zap.String("txid", txid), zap.Int64("block_height", status.BlockHeight))
	return true, nil
}

func (m *Manager) finalizeBalances(ctx context.Context, tx *ledger.Transaction) error {
	if tx.Type != ledger.TxP2PTransfer {
		return nil
	}
	s, err := m.sessions.Get(ctx, tx.SessionID)
	if err != nil {
		return err
	}
	recipient, _ := s.Intent["recipient_pubkey"].(string)
	if recipient == "" {
		return nil
	}
	return m.assets.FinalizeTransfer(ctx, tx.AssetID, s.UserPubkey, recipient, tx.Amount)
}

// Cancel reverses a pending transaction's balance reservation and marks it
// failed; the compensation path invoked when a signing ceremony fails or
// times out after ProcessP2PTransfer already reserved the sender's funds.
// A no-op if the transaction is not pending (idempotent, and safe to call
// on transactions that never reserved anything, e.g. Lightning ark_tx rows).
func (m *Manager) Cancel(ctx context.Context, txid, reason string) error {
	tx, err := m.txs.GetByID(ctx, txid)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return nil
		}
		return err
	}
	if tx.Status != ledger.TxPending {
		return nil
	}

	if tx.Type == ledger.TxP2PTransfer {
		if s, err := m.sessions.Get(ctx, tx.SessionID); err == nil {
			if err := m.assets.Release(ctx, tx.AssetID, s.UserPubkey, tx.Amount); err != nil {
				return fmt.Errorf("release reservation for cancelled transaction %s: %w", txid, err)
			}
		}
	}

	logger.Info("cancelled transaction", zap.String("txid", txid), zap.String("reason", reason))
	return m.txs.UpdateStatus(ctx, txid, ledger.TxFailed, &reason)
}

// Status returns a transaction's row, opportunistically confirming it first
// if it is broadcast and the chain adapter now reports enough depth.
func (m *Manager) Status(ctx context.Context, txid string) (*ledger.Transaction, error) {
	tx, err := m.txs.GetByID(ctx, txid)
	if err != nil {
		return nil, err
	}
	if tx.Status == ledger.TxBroadcast {
		if confirmed, err := m.Confirm(ctx, txid, 1); err == nil && confirmed {
			return m.txs.GetByID(ctx, txid)
		}
	}
	return tx, nil
}

// UserTransactions lists every transaction belonging to a user's sessions,
// newest first.
func (m *Manager) UserTransactions(ctx context.Context, userPubkey string) ([]*ledger.Transaction, error) {
	return m.txs.ListByUser(ctx, userPubkey)
}

func intentAmount(intent map[string]any) int64 {
	switch v := intent["amount"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// generateTxID derives a fresh staging txid the way chain txids are formed
// (double SHA-256, rendered in chainhash's byte-reversed convention); the
// real txid replaces it only conceptually, since the chain adapter returns
// pre-built transactions keyed by the ids we hand it.
func generateTxID() string {
	payload := uuid.NewString() + time.Now().UTC().Format(time.RFC3339Nano)
	return chainhash.DoubleHashH([]byte(payload)).String()
}

func truncatePubkey(s string) string {
	if len(s) <= 8 {
		return s + "..."
	}
	return s[:8] + "..."
}

// parseTransactionOutputs walks the simplified wire format: 4-byte version,
// 1-byte input count, then per input a 36-byte prevout + 1-byte script
// length + script + 4-byte sequence, 1-byte output count, then per output an
// 8-byte little-endian amount + 1-byte script length + script.
func parseTransactionOutputs(data []byte) ([]txOutput, error) {
	pos := 4
	if pos >= len(data) {
		return nil, fmt.Errorf("truncated before input count")
	}
	inputCount := int(data[pos])
	pos++

	for i := 0; i < inputCount; i++ {
		pos += 36
		if pos >= len(data) {
			return nil, fmt.Errorf("truncated input %d", i)
		}
		scriptLen := int(data[pos])
		pos += 1 + scriptLen + 4
		if pos > len(data) {
			return nil, fmt.Errorf("truncated input %d script", i)
		}
	}

	if pos >= len(data) {
		return nil, fmt.Errorf("truncated before output count")
	}
	outputCount := int(data[pos])
	pos++

	outputs := make([]txOutput, 0, outputCount)
	for i := 0; i < outputCount; i++ {
		if pos+8 > len(data) {
			return nil, fmt.Errorf("truncated output %d amount", i)
		}
		amount := int64(0)
		for b := 7; b >= 0; b-- {
			amount = amount<<8 | int64(data[pos+b])
		}
		pos += 8

		if pos >= len(data) {
			return nil, fmt.Errorf("truncated output %d script length", i)
		}
		scriptLen := int(data[pos])
		pos++
		if pos+scriptLen > len(data) {
			return nil, fmt.Errorf("truncated output %d script", i)
		}
		script := data[pos : pos+scriptLen]
		pos += scriptLen

		outputs = append(outputs, txOutput{amount: amount, script: hex.EncodeToString(script)})
	}
	return outputs, nil
}

// verifyOutputScript checks that an output script is the P2WPKH script
// (OP_0 <20-byte-hash>) derived from recipientPubkey's hash160. A pubkey
// that doesn't parse as secp256k1 fails closed.
func verifyOutputScript(scriptHex, recipientPubkey string) bool {
	if scriptHex == "" || recipientPubkey == "" {
		return false
	}
	recipientPubkey = strings.TrimPrefix(recipientPubkey, "0x")
	pubkeyBytes, err := hex.DecodeString(recipientPubkey)
	if err != nil {
		return false
	}
	if _, err := btcec.ParsePubKey(pubkeyBytes); err != nil {
		return false
	}

	hash := btcutil.Hash160(pubkeyBytes)
	expected := append([]byte{0x00, 0x14}, hash...)
	return scriptHex == hex.EncodeToString(expected)
}
