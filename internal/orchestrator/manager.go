// Package orchestrator implements the Signing Orchestrator: the six-step
// ceremony that turns an awaiting_signature session into a broadcast,
// confirmed transaction, with per-step and total timeouts, cancellation, and
// a status query.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arkgw/internal/adapters/arkd"
	"arkgw/internal/ledger"
	"arkgw/internal/session"
	"arkgw/internal/taxonomy"
	"arkgw/internal/txprocessor"
	"arkgw/pkg/logger"

	"go.uber.org/zap"
)

// Policy bounds ceremony and per-step duration.
type Policy struct {
	CeremonyTimeout time.Duration
	StepTimeout     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{CeremonyTimeout: 300 * time.Second, StepTimeout: 60 * time.Second}
}

// Manager is the Signing Orchestrator.
type Manager struct {
	sessions   *session.Manager
	challenges *ledger.ChallengeRepository
	txp        *txprocessor.Manager
	chain      arkd.ChainAdapter
	policy     Policy
}

func NewManager(sessions *session.Manager, challenges *ledger.ChallengeRepository, txp *txprocessor.Manager, chain arkd.ChainAdapter, policy Policy) *Manager {
	return &Manager{sessions: sessions, challenges: challenges, txp: txp, chain: chain, policy: policy}
}

// StepResult is what a caller gets back from StartCeremony and ExecuteStep.
type StepResult struct {
	Step      Step
	Status    string
	Data      map[string]any
	Timestamp time.Time
}

// StartCeremony begins the ceremony for a session in awaiting_signature and
// immediately runs step 1.
func (m *Manager) StartCeremony(ctx context.Context, sessionID string) (*StepResult, error) {
	if sessionID == "" {
		return nil, taxonomy.New(taxonomy.KindSigningCeremonyError, "invalid session id")
	}

	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			return nil, taxonomy.Wrap(taxonomy.KindSigningCeremonyError, err, "session not found")
		}
		return nil, err
	}
	if s.Status != ledger.SessionAwaitingSignature {
		return nil, taxonomy.New(taxonomy.KindSigningCeremonyError, "session %s is not ready for signing (status %s)", sessionID, s.Status)
	}

	now := time.Now().UTC()
	cs := newCeremonyState(sessionID, now)
	stateMap, err := cs.toMap()
	if err != nil {
		return nil, fmt.Errorf("marshal ceremony state: %w", err)
	}
	if err := m.sessions.UpdateCeremonyState(ctx, sessionID, stateMap); err != nil {
		return nil, err
	}

	logger.Info("started signing ceremony", zap.String("session_id", sessionID))
	return m.ExecuteStep(ctx, sessionID, StepIntentVerification, nil)
}

// ExecuteStep runs one step of the ceremony, persisting progress and
// advancing current_step on success, or failing the session on error or
// timeout. signatureData carries an optional externally supplied user
// signature for StepSignatureCollection.
func (m *Manager) ExecuteStep(ctx context.Context, sessionID string, step Step, signatureData map[string]string) (*StepResult, error) {
	if sessionID == "" {
		return nil, taxonomy.New(taxonomy.KindSigningCeremonyError, "invalid session id")
	}
	if !step.valid() {
		return nil, taxonomy.New(taxonomy.KindSigningCeremonyError, "invalid signing step %q", step)
	}

	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			return nil, taxonomy.Wrap(taxonomy.KindSigningCeremonyError, err, "session not found")
		}
		return nil, err
	}

	cs, err := stateFromMap(s.CeremonyState)
	if err != nil {
		return nil, fmt.Errorf("parse ceremony state for session %s: %w", sessionID, err)
	}
	if cs == nil {
		return nil, taxonomy.New(taxonomy.KindSigningCeremonyError, "no ceremony state found for session %s", sessionID)
	}

	now := time.Now().UTC()
	if now.Sub(cs.StartTime) >= m.policy.CeremonyTimeout {
		reason := fmt.Sprintf("signing ceremony for session %s has timed out", sessionID)
		_ = m.sessions.Fail(ctx, sessionID, reason)
		m.compensate(ctx, cs, reason)
		return nil, taxonomy.New(taxonomy.KindSigningTimeoutError, "signing ceremony for session %s has timed out", sessionID)
	}
	if now.Sub(cs.StepStartTime) >= m.policy.StepTimeout {
		reason := fmt.Sprintf("step %s for session %s has timed out", step, sessionID)
		_ = m.sessions.Fail(ctx, sessionID, reason)
		m.compensate(ctx, cs, reason)
		return nil, taxonomy.New(taxonomy.KindSigningTimeoutError, "step %s for session %s has timed out", step, sessionID)
	}

	data, err := m.runStep(ctx, s, step, cs, signatureData)
	if err != nil {
		reason := fmt.Sprintf("step %s failed: %s", step, err)
		_ = m.sessions.Fail(ctx, sessionID, reason)
		m.compensate(ctx, cs, reason)
		return nil, taxonomy.Wrap(taxonomy.KindSigningCeremonyError, err, "step %s failed for session %s", step, sessionID)
	}

	// Lightning ceremonies never route through the transaction processor's own awaiting_signature ->
	// signing transition, so the orchestrator performs it once intent is
	// verified. p2p_transfer gets this transition from ProcessP2PTransfer in
	// step 2 instead; doing it here too would make that call see a session
	// already out of awaiting_signature.
	if step == StepIntentVerification && s.Type != ledger.SessionTypeP2PTransfer {
		if err := m.sessions.Transition(ctx, sessionID, ledger.SessionSigning, "intent verified"); err != nil {
			reason := fmt.Sprintf("step %s failed: %s", step, err)
			_ = m.sessions.Fail(ctx, sessionID, reason)
			m.compensate(ctx, cs, reason)
			return nil, taxonomy.Wrap(taxonomy.KindSigningCeremonyError, err, "step %s failed for session %s", step, sessionID)
		}
	}

	cs.CompletedSteps = append(cs.CompletedSteps, string(step))
	cs.CurrentStep = nextStepIndex(step)
	cs.StepStartTime = now

	stateMap, err := cs.toMap()
	if err != nil {
		return nil, fmt.Errorf("marshal ceremony state: %w", err)
	}

	if step == StepFinalization {
		if err := m.sessions.UpdateCeremonyState(ctx, sessionID, stateMap); err != nil {
			return nil, err
		}
		if err := m.sessions.Complete(ctx, sessionID, data, nil); err != nil {
			return nil, err
		}
		logger.Info("signing ceremony completed", zap.String("session_id", sessionID))
	} else {
		if err := m.sessions.UpdateCeremonyState(ctx, sessionID, stateMap); err != nil {
			return nil, err
		}
	}

	return &StepResult{Step: step, Status: "completed", Data: data, Timestamp: now}, nil
}

func (m *Manager) runStep(ctx context.Context, s *ledger.SigningSession, step Step, cs *ceremonyState, signatureData map[string]string) (map[string]any, error) {
	switch step {
	case StepIntentVerification:
		return m.verifyIntent(s)
	case StepArkTransactionPrep:
		return m.prepareArkTransaction(ctx, s, cs)
	case StepCheckpointTransactionPrep:
		return m.prepareCheckpointTransaction(ctx, cs)
	case StepSignatureCollection:
		return m.collectSignatures(ctx, s, cs, signatureData)
	case StepArkProtocolExecution:
		return m.executeArkProtocol(ctx, cs)
	case StepFinalization:
		return m.finalize(ctx, s, cs)
	default:
		return nil, fmt.Errorf("unknown signing step: %s", step)
	}
}

// CancelCeremony fails the session regardless of its current ceremony step.
// Returns false (no error) if the session does not exist.
func (m *Manager) CancelCeremony(ctx context.Context, sessionID, reason string) (bool, error) {
	if sessionID == "" {
		return false, taxonomy.New(taxonomy.KindSigningCeremonyError, "invalid session id")
	}
	if reason == "" {
		reason = "User cancelled"
	}

	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := m.sessions.Fail(ctx, sessionID, fmt.Sprintf("ceremony cancelled: %s", reason)); err != nil {
		return false, err
	}

	if cs, err := stateFromMap(s.CeremonyState); err == nil {
		m.compensate(ctx, cs, fmt.Sprintf("ceremony cancelled: %s", reason))
	}

	logger.Info("signing ceremony cancelled", zap.String("session_id", sessionID), zap.String("reason", reason))
	return true, nil
}

// compensate releases any balance a ceremony reserved before it failed. Only
// ProcessP2PTransfer's ark_tx reserves a sender balance (Lightning types have
// nothing to release), and it is a no-op once the transaction is no longer
// pending (broadcast already happened, or an earlier failure already
// compensated it).
func (m *Manager) compensate(ctx context.Context, cs *ceremonyState, reason string) {
	if cs == nil {
		return
	}
	txid := cs.arkTxID()
	if txid == "" {
		return
	}
	if err := m.txp.Cancel(ctx, txid, reason); err != nil {
		logger.Error("failed to release reserved balance for cancelled ceremony", zap.String("txid", txid), zap.Error(err))
	}
}

// CeremonyStatus is the result of GetCeremonyStatus.
type CeremonyStatus struct {
	SessionID           string
	SessionStatus       string
	CeremonyStatus      string // not_started | in_progress
	CurrentStep         int
	CompletedSteps      []string
	Transactions        map[string]string
	SignaturesCollected map[string]string
	StartTime           *time.Time
	LastUpdated         time.Time
	TimeElapsed         float64
	TimeRemaining       float64
}

// GetCeremonyStatus reports a session's current ceremony progress.
func (m *Manager) GetCeremonyStatus(ctx context.Context, sessionID string) (*CeremonyStatus, error) {
	if sessionID == "" {
		return nil, taxonomy.New(taxonomy.KindSigningCeremonyError, "invalid session id")
	}

	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cs, err := stateFromMap(s.CeremonyState)
	if err != nil {
		return nil, fmt.Errorf("parse ceremony state for session %s: %w", sessionID, err)
	}

	status := &CeremonyStatus{
		SessionID:     sessionID,
		SessionStatus: s.Status.String(),
		LastUpdated:   s.UpdatedAt,
	}
	if cs == nil {
		status.CeremonyStatus = "not_started"
		status.Transactions = map[string]string{}
		status.SignaturesCollected = map[string]string{}
		return status, nil
	}

	status.CeremonyStatus = "in_progress"
	status.CurrentStep = cs.CurrentStep
	status.CompletedSteps = cs.CompletedSteps
	status.Transactions = cs.Transactions
	status.SignaturesCollected = cs.SignaturesCollected
	startTime := cs.StartTime
	status.StartTime = &startTime

	elapsed := time.Since(cs.StartTime).Seconds()
	status.TimeElapsed = elapsed
	remaining := m.policy.CeremonyTimeout.Seconds() - elapsed
	if remaining < 0 {
		remaining = 0
	}
	status.TimeRemaining = remaining
	return status, nil
}
