package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionRepository handles all database operations for transactions.
type TransactionRepository struct {
	db *pgxpool.Pool
}

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db.pool}
}

const txColumns = `txid, session_id, type, raw, status, amount, fee, asset_id, created_at, confirmed_at, block_height, error_message`

func (r *TransactionRepository) Create(ctx context.Context, tx *Transaction) error {
	query := `INSERT INTO transactions (` + txColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.Exec(ctx, query, tx.ID, tx.SessionID, tx.Type.String(), tx.Raw, tx.Status.String(), tx.Amount, tx.Fee, tx.AssetID, tx.CreatedAt, tx.ConfirmedAt, tx.BlockHeight, tx.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) scan(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var typeStr, statusStr string
	err := row.Scan(&t.ID, &t.SessionID, &typeStr, &t.Raw, &statusStr, &t.Amount, &t.Fee, &t.AssetID, &t.CreatedAt, &t.ConfirmedAt, &t.BlockHeight, &t.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if t.Type, err = ParseTxType(typeStr); err != nil {
		return nil, err
	}
	if t.Status, err = ParseTxStatus(statusStr); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE txid = $1`, id)
	t, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return t, nil
}

func (r *TransactionRepository) ListBySession(ctx context.Context, sessionID string) ([]*Transaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+txColumns+` FROM transactions WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ListByUser returns transactions whose session belongs to userPubkey,
// newest first, the user-facing activity read path.
func (r *TransactionRepository) ListByUser(ctx context.Context, userPubkey string) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions t
		JOIN signing_sessions s ON s.session_id = t.session_id
		WHERE s.user_pubkey = $1 ORDER BY t.created_at DESC`
	rows, err := r.db.Query(ctx, query, userPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for user %s: %w", userPubkey, err)
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// SetRaw attaches raw transaction bytes produced after a transaction row was
// staged (e.g. once the signing ceremony finishes assembling it), ahead of
// Broadcast, which requires Raw to be non-empty.
func (r *TransactionRepository) SetRaw(ctx context.Context, id string, raw []byte) error {
	commandTag, err := r.db.Exec(ctx, `UPDATE transactions SET raw = $2 WHERE txid = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to set raw tx for %s: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) UpdateStatus(ctx context.Context, id string, status TxStatus, errMsg *string) error {
	commandTag, err := r.db.Exec(ctx, `UPDATE transactions SET status = $2, error_message = $3 WHERE txid = $1`, id, status.String(), errMsg)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s status: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) Confirm(ctx context.Context, id string, confirmedAt time.Time, blockHeight int64) error {
	commandTag, err := r.db.Exec(ctx, `UPDATE transactions SET status = $2, confirmed_at = $3, block_height = $4 WHERE txid = $1`,
		id, TxConfirmed.String(), confirmedAt, blockHeight)
	if err != nil {
		return fmt.Errorf("failed to confirm transaction %s: %w", id, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
