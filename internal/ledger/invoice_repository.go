package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

// InvoiceRepository handles all database operations for Lightning invoices.
type InvoiceRepository struct {
	db *pgxpool.Pool
}

func NewInvoiceRepository(db *DB) *InvoiceRepository {
	return &InvoiceRepository{db: db.pool}
}

const invoiceColumns = `payment_hash, bolt11, session_id, amount, asset_id, status, type, created_at, expires_at, paid_at, preimage`

func (r *InvoiceRepository) Create(ctx context.Context, inv *LightningInvoice) error {
	query := `INSERT INTO lightning_invoices (` + invoiceColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.Exec(ctx, query, inv.PaymentHash, inv.Bolt11, inv.SessionID, inv.Amount, inv.AssetID, inv.Status.String(), inv.Type.String(), inv.CreatedAt, inv.ExpiresAt, inv.PaidAt, inv.Preimage)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) scan(row pgx.Row) (*LightningInvoice, error) {
	var inv LightningInvoice
	var statusStr, typeStr string
	err := row.Scan(&inv.PaymentHash, &inv.Bolt11, &inv.SessionID, &inv.Amount, &inv.AssetID, &statusStr, &typeStr, &inv.CreatedAt, &inv.ExpiresAt, &inv.PaidAt, &inv.Preimage)
	if err != nil {
		return nil, err
	}
	if inv.Status, err = ParseInvoiceStatus(statusStr); err != nil {
		return nil, err
	}
	if inv.Type, err = ParseInvoiceType(typeStr); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *InvoiceRepository) GetByPaymentHash(ctx context.Context, paymentHash string) (*LightningInvoice, error) {
	row := r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM lightning_invoices WHERE payment_hash = $1`, paymentHash)
	inv, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice %s: %w", paymentHash, err)
	}
	return inv, nil
}

// ListByStatuses is used by the monitor loop to sweep pending /
// pending_payment invoices each tick.
func (r *InvoiceRepository) ListByStatuses(ctx context.Context, statuses ...InvoiceStatus) ([]*LightningInvoice, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.String()
	}
	rows, err := r.db.Query(ctx, `SELECT `+invoiceColumns+` FROM lightning_invoices WHERE status = ANY($1)`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices by status: %w", err)
	}
	defer rows.Close()

	var result []*LightningInvoice
	for rows.Next() {
		inv, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (r *InvoiceRepository) ListByUser(ctx context.Context, userPubkey string) ([]*LightningInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM lightning_invoices inv
		JOIN signing_sessions s ON s.session_id = inv.session_id
		WHERE s.user_pubkey = $1 ORDER BY inv.created_at DESC`
	rows, err := r.db.Query(ctx, query, userPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices for user %s: %w", userPubkey, err)
	}
	defer rows.Close()

	var result []*LightningInvoice
	for rows.Next() {
		inv, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// TransitionStatus is idempotent: re-observing a settlement for an invoice
// already in the target status is a no-op success, not an error.
func (r *InvoiceRepository) TransitionStatus(ctx context.Context, paymentHash string, from, to InvoiceStatus) (bool, error) {
	commandTag, err := r.db.Exec(ctx, `UPDATE lightning_invoices SET status = $3 WHERE payment_hash = $1 AND status = $2`,
		paymentHash, from.String(), to.String())
	if err != nil {
		return false, fmt.Errorf("failed to transition invoice %s: %w", paymentHash, err)
	}
	return commandTag.RowsAffected() > 0, nil
}

func (r *InvoiceRepository) MarkPaid(ctx context.Context, paymentHash string, paidAt time.Time, preimage *string) (bool, error) {
	commandTag, err := r.db.Exec(ctx, `UPDATE lightning_invoices SET status = $2, paid_at = $3, preimage = $4
		WHERE payment_hash = $1 AND status IN ($5, $6)`,
		paymentHash, InvoicePaid.String(), paidAt, preimage, InvoicePending.String(), InvoicePendingPayment.String())
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice %s paid: %w", paymentHash, err)
	}
	return commandTag.RowsAffected() > 0, nil
}

func (r *InvoiceRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	commandTag, err := r.db.Exec(ctx, `UPDATE lightning_invoices SET status = $1 WHERE status = $2 AND expires_at < $3`,
		InvoiceExpired.String(), InvoicePending.String(), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending invoices: %w", err)
	}
	return commandTag.RowsAffected(), nil
}
