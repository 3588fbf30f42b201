package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionRepository handles all database operations for signing sessions.
type SessionRepository struct {
	db *pgxpool.Pool
}

func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db.pool}
}

const sessionColumns = `session_id, user_pubkey, type, status, intent, challenge_id, context, created_at, updated_at, expires_at, result, signed_tx, error_message, ceremony_state`

func (r *SessionRepository) Create(ctx context.Context, s *SigningSession) error {
	intent, err := json.Marshal(s.Intent)
	if err != nil {
		return fmt.Errorf("failed to marshal session intent: %w", err)
	}
	result, err := marshalNullable(s.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal session result: %w", err)
	}
	ceremonyState, err := marshalNullable(s.CeremonyState)
	if err != nil {
		return fmt.Errorf("failed to marshal ceremony state: %w", err)
	}

	query := `INSERT INTO signing_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = r.db.Exec(ctx, query,
		s.ID, s.UserPubkey, s.Type.String(), s.Status.String(), intent, s.ChallengeID, s.Context,
		s.CreatedAt, s.UpdatedAt, s.ExpiresAt, result, s.SignedTx, s.ErrorMessage, ceremonyState)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalNullable(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *SessionRepository) scan(row pgx.Row) (*SigningSession, error) {
	var s SigningSession
	var typeStr, statusStr string
	var intent, result, ceremonyState []byte

	err := row.Scan(&s.ID, &s.UserPubkey, &typeStr, &statusStr, &intent, &s.ChallengeID, &s.Context,
		&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &result, &s.SignedTx, &s.ErrorMessage, &ceremonyState)
	if err != nil {
		return nil, err
	}

	if s.Type, err = ParseSessionType(typeStr); err != nil {
		return nil, err
	}
	if s.Status, err = ParseSessionStatus(statusStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(intent, &s.Intent); err != nil {
		return nil, err
	}
	if s.Result, err = unmarshalNullable(result); err != nil {
		return nil, err
	}
	if s.CeremonyState, err = unmarshalNullable(ceremonyState); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByID loads a session row. It does not auto-expire; callers that need
// the auto-transition-on-expiry behavior should use the session manager's
// Get, which wraps this with the expiry check.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*SigningSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM signing_sessions WHERE session_id = $1`, id)
	s, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return s, nil
}

// GetForUpdate locks the session row for the duration of tx so concurrent
// transition attempts on the same session_id serialize.
func (r *SessionRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*SigningSession, error) {
	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM signing_sessions WHERE session_id = $1 FOR UPDATE`, id)
	s, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to lock session %s: %w", id, err)
	}
	return s, nil
}

func (r *SessionRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

// Update persists the full mutable state of a session (status, challenge
// link, result, ceremony state, error) within tx.
func (r *SessionRepository) Update(ctx context.Context, tx pgx.Tx, s *SigningSession) error {
	result, err := marshalNullable(s.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal session result: %w", err)
	}
	ceremonyState, err := marshalNullable(s.CeremonyState)
	if err != nil {
		return fmt.Errorf("failed to marshal ceremony state: %w", err)
	}

	query := `UPDATE signing_sessions SET
		status = $2, challenge_id = $3, context = $4, updated_at = $5,
		result = $6, signed_tx = $7, error_message = $8, ceremony_state = $9
		WHERE session_id = $1`
	commandTag, err := tx.Exec(ctx, query, s.ID, s.Status.String(), s.ChallengeID, s.Context, s.UpdatedAt, result, s.SignedTx, s.ErrorMessage, ceremonyState)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.ID, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListActive returns non-terminal, unexpired sessions ordered newest first,
// optionally filtered to one user (empty userPubkey returns every user's).
func (r *SessionRepository) ListActive(ctx context.Context, userPubkey string, now time.Time) ([]*SigningSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM signing_sessions
		WHERE status IN ($1, $2, $3, $4) AND expires_at > $5`
	args := []any{
		SessionInitiated.String(), SessionChallengeSent.String(),
		SessionAwaitingSignature.String(), SessionSigning.String(), now,
	}
	if userPubkey != "" {
		query += ` AND user_pubkey = $6`
		args = append(args, userPubkey)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SigningSession
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ExpireOverdue batch-expires every non-terminal session whose expires_at
// has passed; the sweep complementing per-row lazy expiry-on-read.
func (r *SessionRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	commandTag, err := r.db.Exec(ctx, `UPDATE signing_sessions SET status = $1, updated_at = $2
		WHERE status NOT IN ($3, $4, $1) AND expires_at <= $2`,
		SessionExpired.String(), now, SessionCompleted.String(), SessionFailed.String())
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue sessions: %w", err)
	}
	return commandTag.RowsAffected(), nil
}
