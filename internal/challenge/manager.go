// Package challenge implements the Signing Challenge Manager: challenge
// issuance, human-readable context rendering, ECDSA-SHA256 response
// verification, and cleanup sweeps.
package challenge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arkgw/internal/crypto"
	"arkgw/internal/idgen"
	"arkgw/internal/ledger"
	"arkgw/internal/session"
	"arkgw/internal/taxonomy"
	"arkgw/pkg/logger"

	"go.uber.org/zap"
)

// Policy bounds challenge lifetime.
type Policy struct {
	ChallengeTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{ChallengeTTL: 180 * time.Second}
}

// Manager owns the signing_challenges table and the session's
// initiated -> challenge_sent -> awaiting_signature transitions that
// bracket a challenge's lifecycle.
type Manager struct {
	challenges *ledger.ChallengeRepository
	sessions   *session.Manager
	policy     Policy
}

func NewManager(challenges *ledger.ChallengeRepository, sessions *session.Manager, policy Policy) *Manager {
	return &Manager{challenges: challenges, sessions: sessions, policy: policy}
}

// Create issues a challenge for a session in state initiated, persists it,
// and transitions the session to challenge_sent.
func (m *Manager) Create(ctx context.Context, sessionID string, contextData map[string]any) (*ledger.SigningChallenge, error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != ledger.SessionInitiated {
		return nil, taxonomy.New(taxonomy.KindInvalidTransition, "cannot create challenge for session %s in state %s", sessionID, s.Status)
	}

	now := time.Now().UTC()
	nonce, err := idgen.Nonce()
	if err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	data := idgen.ChallengeData(sessionID, now, nonce, contextData)
	id := idgen.ChallengeID(sessionID, data, now)
	humanContext := renderContext(s, contextData)

	c := &ledger.SigningChallenge{
		ID:            id,
		SessionID:     sessionID,
		ChallengeData: data,
		Context:       humanContext,
		ExpiresAt:     now.Add(m.policy.ChallengeTTL),
		CreatedAt:     now,
	}
	if err := m.challenges.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	if err := m.sessions.AttachChallenge(ctx, sessionID, id, humanContext); err != nil {
		return nil, err
	}

	logger.Info("created signing challenge", zap.String("session_id", sessionID), zap.String("challenge_id", id))
	return c, nil
}

// ValidateResponse verifies a user's signature over the session's bound
// challenge. On success the challenge is marked used and the session
// transitions to awaiting_signature. On failure the state is left untouched,
// logged and returned without mutation, except for the one case where the
// challenge itself has expired, which transitions the session to expired per
// the standard expiry rule.
func (m *Manager) ValidateResponse(ctx context.Context, sessionID string, signature []byte, userPubkey string) error {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.ChallengeID == nil {
		return taxonomy.New(taxonomy.KindValidationError, "session %s has no bound challenge", sessionID)
	}

	c, err := m.challenges.GetByID(ctx, *s.ChallengeID)
	if err != nil {
		return err
	}

	if time.Now().UTC().After(c.ExpiresAt) {
		_ = m.sessions.Transition(ctx, sessionID, ledger.SessionExpired, "challenge expired")
		return taxonomy.New(taxonomy.KindChallengeExpired, "challenge %s expired", c.ID)
	}
	if c.Used {
		return taxonomy.New(taxonomy.KindValidationError, "challenge %s already used", c.ID)
	}

	valid, err := crypto.VerifyChallengeSignature(c.ChallengeData, signature, userPubkey)
	if err != nil {
		return fmt.Errorf("verify challenge signature: %w", err)
	}
	if !valid {
		logger.Warn("invalid challenge signature", zap.String("session_id", sessionID), zap.String("challenge_id", c.ID))
		return taxonomy.New(taxonomy.KindValidationError, "invalid signature for session %s", sessionID)
	}

	if err := m.challenges.MarkUsed(ctx, c.ID, signature); err != nil {
		return err
	}
	if err := m.sessions.Transition(ctx, sessionID, ledger.SessionAwaitingSignature, ""); err != nil {
		return err
	}

	logger.Info("validated challenge response", zap.String("session_id", sessionID))
	return nil
}

// Context returns the human-readable context bound to a session's challenge
// (or the session's own context if the challenge lookup fails).
func (m *Manager) Context(ctx context.Context, sessionID string) (string, error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.ChallengeID != nil {
		if c, err := m.challenges.GetByID(ctx, *s.ChallengeID); err == nil {
			return c.Context, nil
		}
	}
	return s.Context, nil
}

// CleanupExpiredChallenges deletes unused challenges past their expiry.
func (m *Manager) CleanupExpiredChallenges(ctx context.Context) (int64, error) {
	count, err := m.challenges.DeleteExpiredUnused(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logger.Info("cleaned up expired challenges", zap.Int64("count", count))
	}
	return count, nil
}

// renderContext builds the human-readable summary the user signs against.
func renderContext(s *ledger.SigningSession, contextData map[string]any) string {
	lines := []string{"Ark Relay Gateway - " + titleCase(s.Type.String())}

	amount := s.Intent["amount"]
	assetID, _ := s.Intent["asset_id"].(string)
	if assetID == "" {
		assetID = "BTC"
	}

	switch s.Type {
	case ledger.SessionTypeP2PTransfer:
		recipient, _ := s.Intent["recipient_pubkey"].(string)
		lines = append(lines,
			fmt.Sprintf("Amount: %v %s", amount, assetID),
			fmt.Sprintf("Recipient: %s", truncate(recipient, 8)),
			fmt.Sprintf("Session: %s", truncate(s.ID, 8)),
		)
	case ledger.SessionTypeLightningLift:
		lines = append(lines,
			"Lightning Lift (On-ramp)",
			fmt.Sprintf("Amount: %v %s", amount, assetID),
			fmt.Sprintf("Session: %s", truncate(s.ID, 8)),
		)
	case ledger.SessionTypeLightningLand:
		lines = append(lines,
			"Lightning Land (Off-ramp)",
			fmt.Sprintf("Amount: %v %s", amount, assetID),
			fmt.Sprintf("Session: %s", truncate(s.ID, 8)),
		)
	}

	lines = append(lines,
		fmt.Sprintf("Created: %s", s.CreatedAt.Format("2006-01-02 15:04:05")),
		fmt.Sprintf("Expires: %s", s.ExpiresAt.Format("2006-01-02 15:04:05")),
	)
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) < n {
		n = len(s)
	}
	return s[:n] + "..."
}

func titleCase(s string) string {
	parts := strings.Split(s, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
