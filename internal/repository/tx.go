package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
)

// Tx is one unit of work. Rows read through the Lock* methods stay locked
// until the transaction ends. Callers acquire locks in the order
// order, client, staff balance, admins, system ledger.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(q), args...)
}

func (t *Tx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.exec(ctx, q, args...)
}

func (t *Tx) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(q), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(q), args...)
}

// --- orders ---

func (t *Tx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return getOrder(ctx, t, orderID, t.dialect.ForUpdate())
}

func (t *Tx) TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderState, at time.Time) error {
	return transitionOrder(ctx, t, orderID, from, to, at)
}

// SettleOrder moves a settleable order to its terminal state and stores the
// final commission figures.
func (t *Tx) SettleOrder(ctx context.Context, o *domain.Order, to domain.OrderState, at time.Time) error {
	if !to.Terminal() || !o.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, o.State, to)
	}
	res, err := t.exec(ctx,
		`UPDATE orders SET state = ?, admin_commission = ?, platform_profit = ?,
			aggregator_txn_id = ?, updated_at = ?, settled_at = ?
		WHERE order_id = ? AND state = ?`,
		string(to), o.AdminCommission, o.PlatformProfit, o.AggregatorTxnID,
		formatTime(at), formatTime(at), o.OrderID, string(o.State),
	)
	if err != nil {
		return fmt.Errorf("settle order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: order %s not in %s", domain.ErrInvalidTransition, o.OrderID, o.State)
	}
	return nil
}

// --- balances ---

func (t *Tx) LockClient(ctx context.Context, id string) (*domain.Client, error) {
	return getClient(ctx, t, id, t.dialect.ForUpdate())
}

func (t *Tx) SetClientBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	_, err := t.exec(ctx, "UPDATE clients SET balance = ?, updated_at = ? WHERE id = ?",
		balance, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update client balance: %w", err)
	}
	return nil
}

// LockStaffBalance locks the staff member's balance row, creating it at zero
// when missing.
func (t *Tx) LockStaffBalance(ctx context.Context, staffID string, at time.Time) (*domain.StaffBalance, error) {
	if _, err := t.exec(ctx,
		`INSERT INTO staff_balances (staff_id, balance, updated_at) VALUES (?,?,?)
		ON CONFLICT (staff_id) DO NOTHING`,
		staffID, decimal.Zero, formatTime(at),
	); err != nil {
		return nil, fmt.Errorf("ensure staff balance: %w", err)
	}
	return getStaffBalance(ctx, t, staffID, t.dialect.ForUpdate())
}

func (t *Tx) SetStaffBalance(ctx context.Context, staffID string, balance decimal.Decimal, at time.Time) error {
	_, err := t.exec(ctx, "UPDATE staff_balances SET balance = ?, updated_at = ? WHERE staff_id = ?",
		balance, formatTime(at), staffID)
	if err != nil {
		return fmt.Errorf("update staff balance: %w", err)
	}
	return nil
}

// LockActiveAdmins locks every active admin account in one statement,
// ordered by id.
func (t *Tx) LockActiveAdmins(ctx context.Context) ([]domain.AdminAccount, error) {
	return listAdmins(ctx, t, true, t.dialect.ForUpdate())
}

// SetAdminBalances writes new balances for all given admins in a single
// UPDATE.
func (t *Tx) SetAdminBalances(ctx context.Context, balances map[string]decimal.Decimal, at time.Time) error {
	if len(balances) == 0 {
		return nil
	}
	var cases strings.Builder
	args := make([]any, 0, len(balances)*3+1)
	ids := make([]any, 0, len(balances))
	for id, bal := range balances {
		cases.WriteString(" WHEN ? THEN ?")
		args = append(args, id, bal)
		ids = append(ids, id)
	}
	args = append(args, formatTime(at))
	args = append(args, ids...)

	q := "UPDATE admin_accounts SET balance = CASE id" + cases.String() +
		" ELSE balance END, updated_at = ? WHERE id IN (" +
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"
	res, err := t.exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update admin balances: %w", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(balances) {
		return fmt.Errorf("update admin balances: %d of %d rows updated", n, len(balances))
	}
	return nil
}

// --- system ledger ---

const ledgerColumns = `total_transactions, successful_transactions, failed_transactions,
	total_volume, total_fees, total_staff_commission, total_admin_commission,
	total_platform_earnings, updated_at`

// LockSystemLedger locks the singleton ledger row, creating it lazily.
func (t *Tx) LockSystemLedger(ctx context.Context, at time.Time) (*domain.SystemLedger, error) {
	if _, err := t.exec(ctx,
		"INSERT INTO system_ledger (id, updated_at) VALUES (1, ?) ON CONFLICT (id) DO NOTHING",
		formatTime(at),
	); err != nil {
		return nil, fmt.Errorf("ensure system ledger: %w", err)
	}
	return getSystemLedger(ctx, t, t.dialect.ForUpdate())
}

func (t *Tx) SaveSystemLedger(ctx context.Context, l *domain.SystemLedger) error {
	_, err := t.exec(ctx,
		`UPDATE system_ledger SET total_transactions = ?, successful_transactions = ?,
			failed_transactions = ?, total_volume = ?, total_fees = ?,
			total_staff_commission = ?, total_admin_commission = ?,
			total_platform_earnings = ?, updated_at = ?
		WHERE id = 1`,
		l.TotalTransactions, l.SuccessfulTransactions, l.FailedTransactions,
		l.TotalVolume, l.TotalFees, l.TotalStaffCommission, l.TotalAdminCommission,
		l.TotalPlatformEarnings, formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update system ledger: %w", err)
	}
	return nil
}

// --- webhook receipts ---

// ClaimReceipt records a delivery for rec.OrderID and returns the locked
// stored receipt. The first delivery inserts the row; later deliveries
// refresh the notification fields only while the receipt is unprocessed.
func (t *Tx) ClaimReceipt(ctx context.Context, rec *domain.WebhookReceipt) (*domain.WebhookReceipt, error) {
	if _, err := t.exec(ctx,
		`INSERT INTO webhook_receipts (`+receiptColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,0,NULL,?,0,'')
		ON CONFLICT (order_id) DO NOTHING`,
		rec.OrderID, int(rec.PayStatus), rec.PayTime, rec.TransactionID, rec.Amount,
		rec.ActualPaymentAmount, rec.ActualCollectAmount, rec.PayerCharge, rec.PayeeCharge,
		rec.PayMessage, rec.Sign, formatTime(rec.ReceivedAt),
	); err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}

	stored, err := getReceipt(ctx, t, rec.OrderID, t.dialect.ForUpdate())
	if err != nil {
		return nil, err
	}
	stored.Deliveries++

	if !stored.Processed {
		stored.PayStatus = rec.PayStatus
		stored.PayTime = rec.PayTime
		stored.TransactionID = rec.TransactionID
		stored.Amount = rec.Amount
		stored.ActualPaymentAmount = rec.ActualPaymentAmount
		stored.ActualCollectAmount = rec.ActualCollectAmount
		stored.PayerCharge = rec.PayerCharge
		stored.PayeeCharge = rec.PayeeCharge
		stored.PayMessage = rec.PayMessage
		stored.Sign = rec.Sign
	}
	if err := t.SaveReceipt(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (t *Tx) LockReceipt(ctx context.Context, orderID string) (*domain.WebhookReceipt, error) {
	return getReceipt(ctx, t, orderID, t.dialect.ForUpdate())
}

func (t *Tx) SaveReceipt(ctx context.Context, rec *domain.WebhookReceipt) error {
	_, err := t.exec(ctx,
		`UPDATE webhook_receipts SET pay_status = ?, pay_time = ?, transaction_id = ?,
			amount = ?, actual_payment_amount = ?, actual_collect_amount = ?,
			payer_charge = ?, payee_charge = ?, pay_message = ?, sign = ?,
			processed = ?, processed_at = ?, deliveries = ?, error_message = ?
		WHERE order_id = ?`,
		int(rec.PayStatus), rec.PayTime, rec.TransactionID, rec.Amount,
		rec.ActualPaymentAmount, rec.ActualCollectAmount, rec.PayerCharge, rec.PayeeCharge,
		rec.PayMessage, rec.Sign, boolToInt(rec.Processed), formatNullableTime(rec.ProcessedAt),
		rec.Deliveries, rec.ErrorMessage, rec.OrderID,
	)
	if err != nil {
		return fmt.Errorf("update receipt: %w", err)
	}
	return nil
}

// --- discrepancies ---

func (t *Tx) InsertDiscrepancy(ctx context.Context, d *domain.Discrepancy) error {
	return insertDiscrepancy(ctx, t, d)
}

// --- helpers ---

func getSystemLedger(ctx context.Context, q querier, suffix string) (*domain.SystemLedger, error) {
	var l domain.SystemLedger
	var updatedAt string
	err := q.QueryRowContext(ctx, "SELECT "+ledgerColumns+" FROM system_ledger WHERE id = 1"+suffix).Scan(
		&l.TotalTransactions, &l.SuccessfulTransactions, &l.FailedTransactions,
		&l.TotalVolume, &l.TotalFees, &l.TotalStaffCommission, &l.TotalAdminCommission,
		&l.TotalPlatformEarnings, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.SystemLedger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("system ledger: %w", err)
	}
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}
