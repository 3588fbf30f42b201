// Package session implements the Signing Session Manager: session creation,
// the state-machine transition table, expiry-on-read, and cleanup sweeps.
package session

import (
	"context"
	"fmt"
	"time"

	"arkgw/internal/idgen"
	"arkgw/internal/ledger"
	"arkgw/internal/taxonomy"
	"arkgw/pkg/logger"
	"arkgw/pkg/queue"

	"go.uber.org/zap"
)

// ChannelSessionStatus is the pub/sub channel session lifecycle changes are
// announced on.
const ChannelSessionStatus = "session_status"

// Policy bounds session lifetime. Challenge lifetime is owned by the
// challenge package, not here; the two have independent TTLs.
type Policy struct {
	SessionTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{SessionTTL: 300 * time.Second}
}

// validTransitions is the session state table: any (from, to) pair absent
// here fails with InvalidTransition. Terminal states have no entry at all.
var validTransitions = map[ledger.SessionStatus][]ledger.SessionStatus{
	ledger.SessionInitiated:         {ledger.SessionChallengeSent, ledger.SessionFailed, ledger.SessionExpired},
	ledger.SessionChallengeSent:     {ledger.SessionAwaitingSignature, ledger.SessionFailed, ledger.SessionExpired},
	ledger.SessionAwaitingSignature: {ledger.SessionSigning, ledger.SessionFailed, ledger.SessionExpired},
	ledger.SessionSigning:           {ledger.SessionCompleted, ledger.SessionFailed, ledger.SessionExpired},
}

func isValidTransition(from, to ledger.SessionStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager owns the signing_sessions state machine.
type Manager struct {
	sessions *ledger.SessionRepository
	events   *queue.EventBus
	policy   Policy
}

func NewManager(sessions *ledger.SessionRepository, policy Policy) *Manager {
	return &Manager{sessions: sessions, policy: policy}
}

// AttachEventBus wires status announcements onto b. Without one, status
// changes are still persisted, just not broadcast.
func (m *Manager) AttachEventBus(b *queue.EventBus) { m.events = b }

func (m *Manager) publishStatus(ctx context.Context, id string, sessionType ledger.SessionType, status ledger.SessionStatus) {
	if m.events == nil {
		return
	}
	m.events.Publish(ctx, ChannelSessionStatus, map[string]any{
		"session_id": id,
		"type":       sessionType.String(),
		"status":     status.String(),
		"timestamp":  time.Now().UTC(),
	})
}

// Create derives a content-addressed session id and persists a new session
// in state initiated.
func (m *Manager) Create(ctx context.Context, userPubkey string, sessionType ledger.SessionType, intent map[string]any) (*ledger.SigningSession, error) {
	now := time.Now().UTC()
	id := idgen.SessionID(userPubkey, sessionType.String(), intent, now)

	s := &ledger.SigningSession{
		ID:         id,
		UserPubkey: userPubkey,
		Type:       sessionType,
		Status:     ledger.SessionInitiated,
		Intent:     intent,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(m.policy.SessionTTL),
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.Info("created signing session",
		zap.String("session_id", id),
		zap.String("type", sessionType.String()),
	)
	m.publishStatus(ctx, id, sessionType, ledger.SessionInitiated)
	return s, nil
}

// Get loads a session, auto-transitioning a non-terminal expired session to
// expired before returning it.
func (m *Manager) Get(ctx context.Context, id string) (*ledger.SigningSession, error) {
	s, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() || !time.Now().After(s.ExpiresAt) {
		return s, nil
	}

	if err := m.forceExpire(ctx, id); err != nil {
		return nil, err
	}
	return m.sessions.GetByID(ctx, id)
}

// Transition moves a session to newStatus per the state table. An expired,
// non-terminal session is forced to expired first and the caller's
// requested transition is rejected with SessionExpired.
func (m *Manager) Transition(ctx context.Context, id string, newStatus ledger.SessionStatus, message string) error {
	tx, err := m.sessions.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := m.sessions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if !s.Status.IsTerminal() && now.After(s.ExpiresAt) {
		s.Status = ledger.SessionExpired
		s.UpdatedAt = now
		errMsg := "session expired"
		s.ErrorMessage = &errMsg
		if err := m.sessions.Update(ctx, tx, s); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit expiry: %w", err)
		}
		m.publishStatus(ctx, id, s.Type, ledger.SessionExpired)
		return taxonomy.New(taxonomy.KindSessionExpired, "session %s expired", id)
	}

	if !isValidTransition(s.Status, newStatus) {
		return taxonomy.New(taxonomy.KindInvalidTransition, "invalid transition %s -> %s for session %s", s.Status, newStatus, id)
	}

	s.Status = newStatus
	s.UpdatedAt = now
	if message != "" {
		s.ErrorMessage = &message
	}
	if err := m.sessions.Update(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}

	logger.Info("session transitioned", zap.String("session_id", id), zap.String("status", newStatus.String()))
	m.publishStatus(ctx, id, s.Type, newStatus)
	return nil
}

// AttachChallenge links a freshly created challenge to the session and
// transitions it to challenge_sent. Used by the challenge manager, which
// owns challenge creation itself.
func (m *Manager) AttachChallenge(ctx context.Context, id, challengeID, humanContext string) error {
	tx, err := m.sessions.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin attach-challenge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := m.sessions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !isValidTransition(s.Status, ledger.SessionChallengeSent) {
		return taxonomy.New(taxonomy.KindInvalidTransition, "invalid transition %s -> challenge_sent for session %s", s.Status, id)
	}

	s.ChallengeID = &challengeID
	s.Context = humanContext
	s.Status = ledger.SessionChallengeSent
	s.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Update(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	m.publishStatus(ctx, id, s.Type, ledger.SessionChallengeSent)
	return nil
}

// Complete marks a session completed with its final result payload.
func (m *Manager) Complete(ctx context.Context, id string, result map[string]any, signedTx []byte) error {
	tx, err := m.sessions.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := m.sessions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if !isValidTransition(s.Status, ledger.SessionCompleted) {
		return taxonomy.New(taxonomy.KindInvalidTransition, "invalid transition %s -> completed for session %s", s.Status, id)
	}

	s.Status = ledger.SessionCompleted
	s.Result = result
	s.SignedTx = signedTx
	s.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Update(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	m.publishStatus(ctx, id, s.Type, ledger.SessionCompleted)
	return nil
}

// Fail marks a session failed with reason, regardless of current non-terminal
// step (used directly by ceremony cancellation).
func (m *Manager) Fail(ctx context.Context, id, reason string) error {
	return m.Transition(ctx, id, ledger.SessionFailed, reason)
}

// UpdateCeremonyState persists signing-ceremony progress without touching
// the session's lifecycle status, so the orchestrator can checkpoint
// completed steps between transitions and survive process restarts.
func (m *Manager) UpdateCeremonyState(ctx context.Context, id string, state map[string]any) error {
	tx, err := m.sessions.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update-ceremony-state tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := m.sessions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	s.CeremonyState = state
	s.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Update(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ActiveSessions lists non-terminal, unexpired sessions, optionally scoped to
// one user.
func (m *Manager) ActiveSessions(ctx context.Context, userPubkey string) ([]*ledger.SigningSession, error) {
	return m.sessions.ListActive(ctx, userPubkey, time.Now().UTC())
}

// CleanupExpiredSessions batch-expires overdue sessions, complementing the
// lazy expiry performed by Get.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	count, err := m.sessions.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logger.Info("cleaned up expired sessions", zap.Int64("count", count))
	}
	return count, nil
}

func (m *Manager) forceExpire(ctx context.Context, id string) error {
	tx, err := m.sessions.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin force-expire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := m.sessions.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return tx.Commit(ctx)
	}

	s.Status = ledger.SessionExpired
	s.UpdatedAt = time.Now().UTC()
	errMsg := "session expired"
	s.ErrorMessage = &errMsg
	if err := m.sessions.Update(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	m.publishStatus(ctx, id, s.Type, ledger.SessionExpired)
	return nil
}
