package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
)

const discrepancyColumns = `id, type, order_id, expected, actual, difference,
	severity, description, detected_at`

type DiscrepancyRepo struct {
	db *DB
}

func NewDiscrepancyRepo(db *DB) *DiscrepancyRepo {
	return &DiscrepancyRepo{db: db}
}

func (r *DiscrepancyRepo) Insert(ctx context.Context, d *domain.Discrepancy) error {
	return insertDiscrepancy(ctx, r.db, d)
}

// GetByOrderID returns all discrepancies raised for an order.
func (r *DiscrepancyRepo) GetByOrderID(ctx context.Context, orderID string) ([]domain.Discrepancy, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+discrepancyColumns+" FROM discrepancies WHERE order_id = ? ORDER BY detected_at DESC", orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDiscrepancies(rows)
}

// HasOpen reports whether a discrepancy of type t already exists for the
// order.
func (r *DiscrepancyRepo) HasOpen(ctx context.Context, orderID string, t domain.DiscrepancyType) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM discrepancies WHERE order_id = ? AND type = ?", orderID, string(t),
	).Scan(&count)
	return count > 0, err
}

type DiscrepancyFilter struct {
	Type     string
	Severity string
	OrderID  string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *DiscrepancyRepo) List(ctx context.Context, f DiscrepancyFilter) ([]domain.Discrepancy, int, error) {
	where, args := buildDiscrepancyWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM discrepancies"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT " + discrepancyColumns + " FROM discrepancies" + where + " ORDER BY detected_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	discs, err := scanDiscrepancies(rows)
	return discs, total, err
}

type DiscrepancySummary struct {
	TotalCount  int             `json:"total_count"`
	TotalImpact decimal.Decimal `json:"total_impact"`
	ByType      map[string]int  `json:"by_type"`
	BySeverity  map[string]int  `json:"by_severity"`
}

func (r *DiscrepancyRepo) GetSummary(ctx context.Context) (*DiscrepancySummary, error) {
	s := &DiscrepancySummary{
		TotalImpact: decimal.Zero,
		ByType:      make(map[string]int),
		BySeverity:  make(map[string]int),
	}

	rows, err := r.db.QueryContext(ctx, "SELECT type, severity, difference FROM discrepancies")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var dtype, sev string
		var diff decimal.Decimal
		if err := rows.Scan(&dtype, &sev, &diff); err != nil {
			return nil, err
		}
		s.TotalCount++
		s.TotalImpact = s.TotalImpact.Add(diff.Abs())
		s.ByType[dtype]++
		s.BySeverity[sev]++
	}
	return s, rows.Err()
}

// --- helpers ---

func insertDiscrepancy(ctx context.Context, q querier, d *domain.Discrepancy) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Severity == "" {
		d.Severity = domain.SeverityByAmount(d.Difference)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO discrepancies (`+discrepancyColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, string(d.Type), d.OrderID, d.Expected, d.Actual, d.Difference,
		string(d.Severity), d.Description, formatTime(d.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("insert discrepancy: %w", err)
	}
	return nil
}

func buildDiscrepancyWhere(f DiscrepancyFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.From != nil {
		clauses = append(clauses, "detected_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "detected_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanDiscrepancies(rows *sql.Rows) ([]domain.Discrepancy, error) {
	var discs []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var dtype, sev, detectedAt string

		err := rows.Scan(
			&d.ID, &dtype, &d.OrderID, &d.Expected, &d.Actual, &d.Difference,
			&sev, &d.Description, &detectedAt,
		)
		if err != nil {
			return nil, err
		}

		d.Type = domain.DiscrepancyType(dtype)
		d.Severity = domain.Severity(sev)
		d.DetectedAt = parseTime(detectedAt)
		discs = append(discs, d)
	}
	return discs, rows.Err()
}
