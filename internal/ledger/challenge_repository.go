package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrChallengeNotFound = errors.New("challenge not found")

// ChallengeRepository handles all database operations for signing challenges.
type ChallengeRepository struct {
	db *pgxpool.Pool
}

func NewChallengeRepository(db *DB) *ChallengeRepository {
	return &ChallengeRepository{db: db.pool}
}

const challengeColumns = `challenge_id, session_id, challenge_data, context, expires_at, used, signature, created_at`

func (r *ChallengeRepository) Create(ctx context.Context, c *SigningChallenge) error {
	query := `INSERT INTO signing_challenges (` + challengeColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, query, c.ID, c.SessionID, c.ChallengeData, c.Context, c.ExpiresAt, c.Used, c.Signature, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) scan(row pgx.Row) (*SigningChallenge, error) {
	var c SigningChallenge
	err := row.Scan(&c.ID, &c.SessionID, &c.ChallengeData, &c.Context, &c.ExpiresAt, &c.Used, &c.Signature, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChallengeRepository) GetByID(ctx context.Context, id string) (*SigningChallenge, error) {
	row := r.db.QueryRow(ctx, `SELECT `+challengeColumns+` FROM signing_challenges WHERE challenge_id = $1`, id)
	c, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge %s: %w", id, err)
	}
	return c, nil
}

// MarkUsed stores the verified signature and sets used=true. Once set, used
// is never cleared; callers must not call this on an already-used
// challenge (the challenge manager checks Used before calling).
func (r *ChallengeRepository) MarkUsed(ctx context.Context, id string, signature []byte) error {
	commandTag, err := r.db.Exec(ctx, `UPDATE signing_challenges SET used = TRUE, signature = $2 WHERE challenge_id = $1 AND used = FALSE`, id, signature)
	if err != nil {
		return fmt.Errorf("failed to mark challenge %s used: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s already used or missing", id)
	}
	return nil
}

// CountOverdueUnused reports how many unused challenges have passed their
// expiry; challenges expire lazily on read, this is for housekeeping
// visibility only; there's no status field to flip.
func (r *ChallengeRepository) CountOverdueUnused(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM signing_challenges WHERE used = FALSE AND expires_at <= $1`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count overdue challenges: %w", err)
	}
	return count, nil
}

// DeleteExpiredUnused removes unused challenges past their expiry, the
// maintenance sweep complementing lazy expiry-on-read.
func (r *ChallengeRepository) DeleteExpiredUnused(ctx context.Context, now time.Time) (int64, error) {
	commandTag, err := r.db.Exec(ctx, `DELETE FROM signing_challenges WHERE used = FALSE AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return commandTag.RowsAffected(), nil
}
