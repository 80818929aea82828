package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wakala/settlement/internal/domain"
)

const orderColumns = `order_id, channel, transaction_type, trader_id, trader_name, description,
	client_id, staff_id, base_amount, fee, staff_commission, admin_commission,
	platform_profit, total_amount, amount_minor, state, aggregator_txn_id,
	status_code, last_error, created_at, updated_at, settled_at`

type OrderRepo struct {
	db *DB
}

func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// Insert persists a new order. Order ids are unique; a second insert with
// the same id fails.
func (r *OrderRepo) Insert(ctx context.Context, o *domain.Order) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.OrderID, int(o.Channel), int(o.TransactionType), o.TraderID, o.TraderName,
		o.Description, o.ClientID, nullIfEmpty(o.StaffID), o.BaseAmount, o.Fee,
		o.StaffCommission, o.AdminCommission, o.PlatformProfit, o.TotalAmount,
		o.AmountMinor, string(o.State), o.AggregatorTxnID, o.StatusCode, o.LastError,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt), formatNullableTime(o.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Transition moves an order from one non-terminal state to another. It is a
// compare-and-set on the current state and returns ErrInvalidTransition when
// the order is no longer in from.
func (r *OrderRepo) Transition(ctx context.Context, orderID string, from, to domain.OrderState, at time.Time) error {
	return transitionOrder(ctx, r.db, orderID, from, to, at)
}

// RecordGatewayResult stores what the aggregator said about an order without
// touching its state.
func (r *OrderRepo) RecordGatewayResult(ctx context.Context, orderID, aggregatorTxnID string, statusCode int, lastError string, at time.Time) error {
	set := "status_code = ?, last_error = ?, updated_at = ?"
	args := []any{statusCode, lastError, formatTime(at)}
	if aggregatorTxnID != "" {
		set += ", aggregator_txn_id = ?"
		args = append(args, aggregatorTxnID)
	}
	args = append(args, orderID)
	_, err := r.db.ExecContext(ctx, "UPDATE orders SET "+set+" WHERE order_id = ?", args...)
	if err != nil {
		return fmt.Errorf("record gateway result: %w", err)
	}
	return nil
}

func (r *OrderRepo) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	return getOrder(ctx, r.db, orderID, "")
}

// Cursor is a keyset position in a listing ordered by (time, id). A nil
// cursor starts from the beginning.
type Cursor struct {
	At time.Time
	ID string
}

// keyset renders "(col, idCol) > cursor" for a cursor-paged listing.
func keyset(after *Cursor, col, idCol string) (string, []any) {
	if after == nil {
		return "", nil
	}
	at := formatTime(after.At)
	return " AND (" + col + " > ? OR (" + col + " = ? AND " + idCol + " > ?))", []any{at, at, after.ID}
}

// ListSettleable returns Submitted and PendingConfirmation orders last
// touched before cutoff, oldest first, starting after the cursor.
func (r *OrderRepo) ListSettleable(ctx context.Context, cutoff time.Time, after *Cursor, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	page, pageArgs := keyset(after, "updated_at", "order_id")
	args := []any{string(domain.StateSubmitted), string(domain.StatePendingConfirmation), formatTime(cutoff)}
	args = append(append(args, pageArgs...), limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		WHERE state IN (?, ?) AND updated_at < ?`+page+`
		ORDER BY updated_at, order_id LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListUnflaggedStale returns open orders created before cutoff that carry no
// STALE_PENDING discrepancy yet, oldest first, starting after the cursor.
func (r *OrderRepo) ListUnflaggedStale(ctx context.Context, cutoff time.Time, after *Cursor, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	page, pageArgs := keyset(after, "created_at", "order_id")
	args := []any{
		string(domain.StateSubmitted), string(domain.StatePendingConfirmation), formatTime(cutoff),
		string(domain.DiscrepancyStalePending),
	}
	args = append(append(args, pageArgs...), limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders o
		WHERE state IN (?, ?) AND created_at < ?
		AND NOT EXISTS (SELECT 1 FROM discrepancies d WHERE d.order_id = o.order_id AND d.type = ?)`+page+`
		ORDER BY created_at, order_id LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

type OrderFilter struct {
	State    string
	ClientID string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *OrderRepo) List(ctx context.Context, f OrderFilter) ([]domain.Order, int, error) {
	where, args := buildOrderWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT " + orderColumns + " FROM orders" + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	return orders, total, err
}

// CountByState returns how many orders sit in each state.
func (r *OrderRepo) CountByState(ctx context.Context) (map[domain.OrderState]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM orders GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.OrderState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.OrderState(state)] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

func transitionOrder(ctx context.Context, q querier, orderID string, from, to domain.OrderState, at time.Time) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	res, err := q.ExecContext(ctx,
		"UPDATE orders SET state = ?, updated_at = ? WHERE order_id = ? AND state = ?",
		string(to), formatTime(at), orderID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update order state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: order %s not in %s", domain.ErrInvalidTransition, orderID, from)
	}
	return nil
}

func getOrder(ctx context.Context, q querier, orderID, suffix string) (*domain.Order, error) {
	row := q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE order_id = ?"+suffix, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, err
}

func buildOrderWhere(f OrderFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, f.State)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var channel, txnType int
	var state, createdAt, updatedAt string
	var staffID, settledAt sql.NullString

	err := row.Scan(
		&o.OrderID, &channel, &txnType, &o.TraderID, &o.TraderName, &o.Description,
		&o.ClientID, &staffID, &o.BaseAmount, &o.Fee, &o.StaffCommission, &o.AdminCommission,
		&o.PlatformProfit, &o.TotalAmount, &o.AmountMinor, &state, &o.AggregatorTxnID,
		&o.StatusCode, &o.LastError, &createdAt, &updatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	o.Channel = domain.Channel(channel)
	o.TransactionType = domain.TransactionType(txnType)
	o.State = domain.OrderState(state)
	o.StaffID = staffID.String
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	o.SettledAt = parseNullableTime(settledAt)
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
