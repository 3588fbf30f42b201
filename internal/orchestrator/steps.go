package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"arkgw/internal/crypto"
	"arkgw/internal/ledger"
)

// Step identifies one stage of the six-step signing ceremony.
type Step string

const (
	StepIntentVerification        Step = "intent_verification"
	StepArkTransactionPrep        Step = "ark_transaction_prep"
	StepCheckpointTransactionPrep Step = "checkpoint_transaction_prep"
	StepSignatureCollection       Step = "signature_collection"
	StepArkProtocolExecution      Step = "ark_protocol_execution"
	StepFinalization              Step = "finalization"
)

var stepOrder = []Step{
	StepIntentVerification,
	StepArkTransactionPrep,
	StepCheckpointTransactionPrep,
	StepSignatureCollection,
	StepArkProtocolExecution,
	StepFinalization,
}

// stepIndex returns step's 1-based position in stepOrder, or 0 if unknown.
func stepIndex(step Step) int {
	for i, s := range stepOrder {
		if s == step {
			return i + 1
		}
	}
	return 0
}

func (s Step) valid() bool { return stepIndex(s) > 0 }

// nextStepIndex clamps to min(current_index+1, len(step_order)): current_step
// never advances past the last step.
func nextStepIndex(step Step) int {
	next := stepIndex(step) + 1
	if next > len(stepOrder) {
		next = len(stepOrder)
	}
	return next
}

// ceremonyState is the JSON shape persisted on SigningSession.CeremonyState.
type ceremonyState struct {
	SessionID           string            `json:"session_id"`
	CurrentStep         int               `json:"current_step"`
	StartTime           time.Time         `json:"start_time"`
	StepStartTime       time.Time         `json:"step_start_time"`
	CompletedSteps      []string          `json:"completed_steps"`
	SignaturesCollected map[string]string `json:"signatures_collected"`
	Transactions        map[string]string `json:"transactions"`
}

func newCeremonyState(sessionID string, now time.Time) *ceremonyState {
	return &ceremonyState{
		SessionID:           sessionID,
		CurrentStep:         1,
		StartTime:           now,
		StepStartTime:       now,
		CompletedSteps:      []string{},
		SignaturesCollected: map[string]string{},
		Transactions:        map[string]string{},
	}
}

// stateFromMap decodes a session's persisted ceremony state, or returns
// (nil, nil) if no ceremony has been started yet.
func stateFromMap(m map[string]any) (*ceremonyState, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cs ceremonyState
	if err := json.Unmarshal(b, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (cs *ceremonyState) toMap() (map[string]any, error) {
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// arkTxID returns whichever of the two compatibility keys prepareArkTransaction
// recorded the ark transaction id under.
func (cs *ceremonyState) arkTxID() string {
	if id := cs.Transactions["ark_tx_id"]; id != "" {
		return id
	}
	return cs.Transactions["ark_tx"]
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

// verifyIntent is step 1: validate the session's intent fields for its type.
func (m *Manager) verifyIntent(s *ledger.SigningSession) (map[string]any, error) {
	switch s.Type {
	case ledger.SessionTypeP2PTransfer:
		for _, field := range []string{"recipient_pubkey", "amount", "asset_id"} {
			if _, ok := s.Intent[field]; !ok {
				return nil, fmt.Errorf("missing required field: %s", field)
			}
		}
		if intentAmount(s.Intent) <= 0 {
			return nil, fmt.Errorf("invalid amount: must be positive")
		}
		recipient, _ := s.Intent["recipient_pubkey"].(string)
		if !crypto.ValidatePubkeyFormat(recipient) {
			return nil, fmt.Errorf("invalid recipient public key")
		}
	case ledger.SessionTypeLightningLift, ledger.SessionTypeLightningLand:
		for _, field := range []string{"amount", "asset_id"} {
			if _, ok := s.Intent[field]; !ok {
				return nil, fmt.Errorf("missing required field: %s", field)
			}
		}
		if intentAmount(s.Intent) <= 0 {
			return nil, fmt.Errorf("invalid amount: must be positive")
		}
	}

	return map[string]any{
		"session_type":     s.Type.String(),
		"intent_validated": true,
	}, nil
}

// prepareArkTransaction is step 2: for p2p_transfer delegate to the transaction processor, for
// Lightning types synthesize a standalone ark_tx row.
func (m *Manager) prepareArkTransaction(ctx context.Context, s *ledger.SigningSession, cs *ceremonyState) (map[string]any, error) {
	var arkTxID string
	if s.Type == ledger.SessionTypeP2PTransfer {
		result, err := m.txp.ProcessP2PTransfer(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("prepare ark transaction: %w", err)
		}
		arkTxID = result.TxID
	} else {
		assetID, _ := s.Intent["asset_id"].(string)
		if assetID == "" {
			assetID = "BTC"
		}
		id, err := m.txp.CreateArkTransaction(ctx, s.ID, assetID, intentAmount(s.Intent))
		if err != nil {
			return nil, fmt.Errorf("prepare ark transaction: %w", err)
		}
		arkTxID = id
	}

	cs.Transactions["ark_tx"] = arkTxID
	cs.Transactions["ark_tx_id"] = arkTxID
	return map[string]any{"ark_tx_id": arkTxID}, nil
}

// prepareCheckpointTransaction is step 3: anchor the ark transaction via the
// chain adapter's checkpoint construction.
func (m *Manager) prepareCheckpointTransaction(ctx context.Context, cs *ceremonyState) (map[string]any, error) {
	result, err := m.chain.CreateCheckpointTransaction(ctx, cs.arkTxID())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint transaction: %w", err)
	}
	if result == nil || !result.Success {
		errMsg := ""
		if result != nil {
			errMsg = result.Error
		}
		return nil, fmt.Errorf("failed to create checkpoint transaction: %s", errMsg)
	}

	cs.Transactions["checkpoint_tx"] = result.Txid
	return map[string]any{"checkpoint_tx_id": result.Txid}, nil
}

// lookupUserSignature recovers the user's challenge-response signature
// bound to the session, falling back to a stable synthetic value if none
// was persisted (e.g. the challenge row predates signature capture).
func (m *Manager) lookupUserSignature(ctx context.Context, s *ledger.SigningSession) string {
	if s.ChallengeID != nil {
		if c, err := m.challenges.GetByID(ctx, *s.ChallengeID); err == nil && len(c.Signature) > 0 {
			return hex.EncodeToString(c.Signature)
		}
	}
	sum := sha256.Sum256([]byte(s.ID + "-user"))
	return hex.EncodeToString(sum[:])
}

// signGatewayPlaceholder is a placeholder gateway signature: a real deployment
// signs the ark transaction with the gateway's own private key instead.
func signGatewayPlaceholder(sessionID string) string {
	payload := sessionID + time.Now().UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// requestRecipientSignature asks the recipient to co-sign out-of-band. Not
// wired to a transport yet, so it always reports no signature available.
func requestRecipientSignature(sessionID string) string { return "" }

// collectSignatures is step 4: gather user, gateway, and (for p2p) optional
// recipient signatures.
func (m *Manager) collectSignatures(ctx context.Context, s *ledger.SigningSession, cs *ceremonyState, signatureData map[string]string) (map[string]any, error) {
	userSig := signatureData["user_signature"]
	if userSig == "" {
		userSig = m.lookupUserSignature(ctx, s)
	}
	cs.SignaturesCollected["user"] = userSig
	cs.SignaturesCollected["gateway"] = signGatewayPlaceholder(s.ID)

	if s.Type == ledger.SessionTypeP2PTransfer {
		if sig := requestRecipientSignature(s.ID); sig != "" {
			cs.SignaturesCollected["recipient"] = sig
		}
	}

	roles := make([]string, 0, len(cs.SignaturesCollected))
	for role := range cs.SignaturesCollected {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	return map[string]any{"signatures_collected": roles}, nil
}

// executeArkProtocol is step 5: submit the collected signatures to the
// chain adapter for off-chain protocol execution. A successful execution is
// what actually produces the final signed transaction bytes, so this step
// also stages them on the ark_tx row ahead of the finalize step's broadcast.
func (m *Manager) executeArkProtocol(ctx context.Context, cs *ceremonyState) (map[string]any, error) {
	sigs := make(map[string][]byte, len(cs.SignaturesCollected))
	for role, sigHex := range cs.SignaturesCollected {
		b, err := hex.DecodeString(sigHex)
		if err != nil {
			b = []byte(sigHex)
		}
		sigs[role] = b
	}

	txid := cs.arkTxID()
	result, err := m.chain.ExecuteArkProtocol(ctx, txid, sigs)
	if err != nil {
		return nil, fmt.Errorf("ark protocol execution failed: %w", err)
	}
	if result == nil || !result.Success {
		errMsg := ""
		if result != nil {
			errMsg = result.Error
		}
		return nil, fmt.Errorf("ark protocol execution failed: %s", errMsg)
	}

	if result.RawTx != "" {
		raw, err := hex.DecodeString(result.RawTx)
		if err != nil {
			return nil, fmt.Errorf("decode protocol raw transaction: %w", err)
		}
		if err := m.txp.AttachRawTransaction(ctx, txid, raw); err != nil {
			return nil, fmt.Errorf("attach final raw transaction: %w", err)
		}
	}

	return map[string]any{"protocol_success": true}, nil
}

// finalize is step 6: broadcast the final ark transaction and build the
// ceremony's terminal result. completed_steps reflects the state as of
// entering this step, matching how the step's own completion is recorded by
// the caller after it returns.
func (m *Manager) finalize(ctx context.Context, s *ledger.SigningSession, cs *ceremonyState) (map[string]any, error) {
	txid := cs.arkTxID()
	if txid == "" {
		return nil, fmt.Errorf("no final transaction id available")
	}

	if err := m.txp.Broadcast(ctx, txid); err != nil {
		return nil, fmt.Errorf("failed to broadcast final transaction: %w", err)
	}

	completed := make([]string, len(cs.CompletedSteps))
	copy(completed, cs.CompletedSteps)

	return map[string]any{
		"txid":              txid,
		"session_type":      s.Type.String(),
		"status":            "completed",
		"completed_steps":   completed,
		"transactions":      cs.Transactions,
		"broadcast_success": true,
	}, nil
}
