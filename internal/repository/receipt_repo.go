package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wakala/settlement/internal/domain"
)

const receiptColumns = `order_id, pay_status, pay_time, transaction_id, amount,
	actual_payment_amount, actual_collect_amount, payer_charge, payee_charge,
	pay_message, sign, processed, processed_at, received_at, deliveries, error_message`

type ReceiptRepo struct {
	db *DB
}

func NewReceiptRepo(db *DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

func (r *ReceiptRepo) GetByOrderID(ctx context.Context, orderID string) (*domain.WebhookReceipt, error) {
	return getReceipt(ctx, r.db, orderID, "")
}

// ListUnprocessedTerminal returns receipts carrying a final pay status whose
// ledger effects have not been applied yet, oldest first, starting after
// the cursor.
func (r *ReceiptRepo) ListUnprocessedTerminal(ctx context.Context, after *Cursor, limit int) ([]domain.WebhookReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	page, pageArgs := keyset(after, "received_at", "order_id")
	args := []any{int(domain.PaySuccess), int(domain.PayFailed)}
	args = append(append(args, pageArgs...), limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM webhook_receipts
		WHERE processed = 0 AND pay_status IN (?, ?)`+page+`
		ORDER BY received_at, order_id LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var receipts []domain.WebhookReceipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		receipts = append(receipts, *rec)
	}
	return receipts, rows.Err()
}

func (r *ReceiptRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM webhook_receipts").Scan(&n)
	return n, err
}

// --- helpers ---

func getReceipt(ctx context.Context, q querier, orderID, suffix string) (*domain.WebhookReceipt, error) {
	row := q.QueryRowContext(ctx, "SELECT "+receiptColumns+" FROM webhook_receipts WHERE order_id = ?"+suffix, orderID)
	rec, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", orderID, domain.ErrNotFound)
	}
	return rec, err
}

func scanReceipt(row rowScanner) (*domain.WebhookReceipt, error) {
	var rec domain.WebhookReceipt
	var payStatus, processed int
	var receivedAt string
	var processedAt sql.NullString

	err := row.Scan(
		&rec.OrderID, &payStatus, &rec.PayTime, &rec.TransactionID, &rec.Amount,
		&rec.ActualPaymentAmount, &rec.ActualCollectAmount, &rec.PayerCharge, &rec.PayeeCharge,
		&rec.PayMessage, &rec.Sign, &processed, &processedAt, &receivedAt, &rec.Deliveries,
		&rec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	rec.PayStatus = domain.PayStatus(payStatus)
	rec.Processed = processed == 1
	rec.ProcessedAt = parseNullableTime(processedAt)
	rec.ReceivedAt = parseTime(receivedAt)
	return &rec, nil
}
