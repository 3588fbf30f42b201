// Package ledger is the durable record of assets, balances, vtxos, sessions,
// challenges, transactions, Lightning invoices, and RGB contracts/allocations.
// Every row is exclusively owned by its component of record; this package
// only stores and retrieves rows, it does not enforce cross-entity business
// invariants (that's asset/vtxo/session/challenge/txprocessor/lightning).
package ledger

import (
	"fmt"
	"time"
)

// VtxoStatus is the closed set of states a Vtxo row can be in.
type VtxoStatus int

const (
	VtxoAvailable VtxoStatus = iota
	VtxoAssigned
	VtxoSpent
	VtxoExpired
	VtxoSettled
)

func (s VtxoStatus) String() string {
	switch s {
	case VtxoAvailable:
		return "available"
	case VtxoAssigned:
		return "assigned"
	case VtxoSpent:
		return "spent"
	case VtxoExpired:
		return "expired"
	case VtxoSettled:
		return "settled"
	default:
		return "unknown"
	}
}

func ParseVtxoStatus(s string) (VtxoStatus, error) {
	switch s {
	case "available":
		return VtxoAvailable, nil
	case "assigned":
		return VtxoAssigned, nil
	case "spent":
		return VtxoSpent, nil
	case "expired":
		return VtxoExpired, nil
	case "settled":
		return VtxoSettled, nil
	default:
		return 0, fmt.Errorf("ledger: unknown vtxo status %q", s)
	}
}

// SessionStatus is the closed set of states a SigningSession can be in.
type SessionStatus int

const (
	SessionInitiated SessionStatus = iota
	SessionChallengeSent
	SessionAwaitingSignature
	SessionSigning
	SessionCompleted
	SessionFailed
	SessionExpired
)

func (s SessionStatus) String() string {
	switch s {
	case SessionInitiated:
		return "initiated"
	case SessionChallengeSent:
		return "challenge_sent"
	case SessionAwaitingSignature:
		return "awaiting_signature"
	case SessionSigning:
		return "signing"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch s {
	case "initiated":
		return SessionInitiated, nil
	case "challenge_sent":
		return SessionChallengeSent, nil
	case "awaiting_signature":
		return SessionAwaitingSignature, nil
	case "signing":
		return SessionSigning, nil
	case "completed":
		return SessionCompleted, nil
	case "failed":
		return SessionFailed, nil
	case "expired":
		return SessionExpired, nil
	default:
		return 0, fmt.Errorf("ledger: unknown session status %q", s)
	}
}

// IsTerminal reports whether no further transition is permitted from s.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionExpired
}

// SessionType identifies the kind of ceremony a session carries out.
type SessionType int

const (
	SessionTypeP2PTransfer SessionType = iota
	SessionTypeLightningLift
	SessionTypeLightningLand
)

func (t SessionType) String() string {
	switch t {
	case SessionTypeP2PTransfer:
		return "p2p_transfer"
	case SessionTypeLightningLift:
		return "lightning_lift"
	case SessionTypeLightningLand:
		return "lightning_land"
	default:
		return "unknown"
	}
}

func ParseSessionType(s string) (SessionType, error) {
	switch s {
	case "p2p_transfer":
		return SessionTypeP2PTransfer, nil
	case "lightning_lift":
		return SessionTypeLightningLift, nil
	case "lightning_land":
		return SessionTypeLightningLand, nil
	default:
		return 0, fmt.Errorf("ledger: unknown session type %q", s)
	}
}

// TxType identifies the kind of transaction a Transaction row represents.
type TxType int

const (
	TxArk TxType = iota
	TxCheckpoint
	TxSettlement
	TxP2PTransfer
)

func (t TxType) String() string {
	switch t {
	case TxArk:
		return "ark_tx"
	case TxCheckpoint:
		return "checkpoint_tx"
	case TxSettlement:
		return "settlement_tx"
	case TxP2PTransfer:
		return "p2p_transfer"
	default:
		return "unknown"
	}
}

func ParseTxType(s string) (TxType, error) {
	switch s {
	case "ark_tx":
		return TxArk, nil
	case "checkpoint_tx":
		return TxCheckpoint, nil
	case "settlement_tx":
		return TxSettlement, nil
	case "p2p_transfer":
		return TxP2PTransfer, nil
	default:
		return 0, fmt.Errorf("ledger: unknown tx type %q", s)
	}
}

// TxStatus is the closed set of states a Transaction row can be in.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxBroadcast
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxBroadcast:
		return "broadcast"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func ParseTxStatus(s string) (TxStatus, error) {
	switch s {
	case "pending":
		return TxPending, nil
	case "broadcast":
		return TxBroadcast, nil
	case "confirmed":
		return TxConfirmed, nil
	case "failed":
		return TxFailed, nil
	default:
		return 0, fmt.Errorf("ledger: unknown tx status %q", s)
	}
}

// InvoiceStatus is the closed set of states a LightningInvoice row can be in.
type InvoiceStatus int

const (
	InvoicePending InvoiceStatus = iota
	InvoicePendingPayment
	InvoicePaid
	InvoiceExpired
	InvoiceCancelled
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoicePending:
		return "pending"
	case InvoicePendingPayment:
		return "pending_payment"
	case InvoicePaid:
		return "paid"
	case InvoiceExpired:
		return "expired"
	case InvoiceCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	switch s {
	case "pending":
		return InvoicePending, nil
	case "pending_payment":
		return InvoicePendingPayment, nil
	case "paid":
		return InvoicePaid, nil
	case "expired":
		return InvoiceExpired, nil
	case "cancelled":
		return InvoiceCancelled, nil
	default:
		return 0, fmt.Errorf("ledger: unknown invoice status %q", s)
	}
}

// InvoiceType distinguishes on-ramp (lift) from off-ramp (land) invoices.
type InvoiceType int

const (
	InvoiceLift InvoiceType = iota
	InvoiceLand
)

func (t InvoiceType) String() string {
	switch t {
	case InvoiceLift:
		return "lift"
	case InvoiceLand:
		return "land"
	default:
		return "unknown"
	}
}

func ParseInvoiceType(s string) (InvoiceType, error) {
	switch s {
	case "lift":
		return InvoiceLift, nil
	case "land":
		return InvoiceLand, nil
	default:
		return 0, fmt.Errorf("ledger: unknown invoice type %q", s)
	}
}

// RGBSchemaType is the closed set of RGB contract schemas the ledger tracks.
type RGBSchemaType int

const (
	RGBSchemaCFA RGBSchemaType = iota
	RGBSchemaNIA
	RGBSchemaRIA
	RGBSchemaUDA
)

func (t RGBSchemaType) String() string {
	switch t {
	case RGBSchemaCFA:
		return "CFA"
	case RGBSchemaNIA:
		return "NIA"
	case RGBSchemaRIA:
		return "RIA"
	case RGBSchemaUDA:
		return "UDA"
	default:
		return "unknown"
	}
}

func ParseRGBSchemaType(s string) (RGBSchemaType, error) {
	switch s {
	case "CFA":
		return RGBSchemaCFA, nil
	case "NIA":
		return RGBSchemaNIA, nil
	case "RIA":
		return RGBSchemaRIA, nil
	case "UDA":
		return RGBSchemaUDA, nil
	default:
		return 0, fmt.Errorf("ledger: unknown rgb schema type %q", s)
	}
}

// Asset is a unit of value the gateway tracks balances in.
type Asset struct {
	ID          string
	DisplayName string
	Ticker      string
	Decimals    int
	TotalSupply int64 // 0 = uncapped
	Active      bool
	Metadata    map[string]any
	RGBContract *string // optional RGBContract.ID linkage
	CreatedAt   time.Time
}

// AssetBalance is a (user_pubkey, asset_id) row. Invariant:
// 0 <= ReservedBalance <= Balance.
type AssetBalance struct {
	UserPubkey      string
	AssetID         string
	Balance         int64
	ReservedBalance int64
	UpdatedAt       time.Time
}

// Available returns the spendable balance: Balance - ReservedBalance.
func (b AssetBalance) Available() int64 {
	return b.Balance - b.ReservedBalance
}

// Vtxo is a virtual off-chain output.
type Vtxo struct {
	ID              string
	Txid            string
	Vout            uint32
	Amount          int64
	ScriptPubkeyHex string
	AssetID         string
	UserPubkey      string // empty when pooled (unassigned)
	Status          VtxoStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
	SpendingTxid    *string
	RGBAllocationID *string
}

// SigningSession is a single ceremony instance.
type SigningSession struct {
	ID            string
	UserPubkey    string
	Type          SessionType
	Status        SessionStatus
	Intent        map[string]any
	ChallengeID   *string // one-way reference; never Session<->Challenge cyclic
	Context       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	Result        map[string]any
	SignedTx      []byte
	ErrorMessage  *string
	CeremonyState map[string]any // current_step, signatures_collected, transactions, ...
}

// SigningChallenge is a single-use, time-bounded byte string the user signs
// to prove control of the session's intent.
type SigningChallenge struct {
	ID            string
	SessionID     string
	ChallengeData []byte
	Context       string
	ExpiresAt     time.Time
	Used          bool
	Signature     []byte
	CreatedAt     time.Time
}

// Transaction is a row in the Transaction Processor's ledger of txs.
type Transaction struct {
	ID           string // txid
	SessionID    string
	Type         TxType
	Raw          []byte // optional during staging
	Status       TxStatus
	Amount       int64
	Fee          int64
	AssetID      string
	CreatedAt    time.Time
	ConfirmedAt  *time.Time
	BlockHeight  *int64
	ErrorMessage *string
}

// LightningInvoice bridges off-chain balance to the Lightning network.
type LightningInvoice struct {
	PaymentHash string
	Bolt11      string
	SessionID   *string
	Amount      int64
	AssetID     string
	Status      InvoiceStatus
	Type        InvoiceType
	CreatedAt   time.Time
	ExpiresAt   time.Time
	PaidAt      *time.Time
	Preimage    *string
}

// RGBContract pins a contract's schema and genesis/state commitments.
type RGBContract struct {
	ID           string
	SchemaType   RGBSchemaType
	GenesisProof []byte
	StateRoot    string
	CreatedAt    time.Time
}

// RGBAllocation pins an (amount, contract) pair to a vtxo and owner.
type RGBAllocation struct {
	ID          string
	ContractID  string
	VtxoID      string
	OwnerPubkey string
	Amount      int64
	CreatedAt   time.Time
}
