package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
)

// RateRepo stores commission rate history. Rows are append-only; the newest
// row of a kind is the rate in force.
type RateRepo struct {
	db *DB
}

func NewRateRepo(db *DB) *RateRepo {
	return &RateRepo{db: db}
}

func (r *RateRepo) Append(ctx context.Context, kind domain.RateKind, percent decimal.Decimal, at time.Time) (*domain.CommissionRate, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown rate kind %q", domain.ErrValidation, kind)
	}
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: percent %s out of range", domain.ErrValidation, percent)
	}
	rate := &domain.CommissionRate{
		ID:        uuid.NewString(),
		Kind:      kind,
		Percent:   percent,
		CreatedAt: at.UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO commission_rates (id, kind, percent, created_at) VALUES (?,?,?,?)",
		rate.ID, string(rate.Kind), rate.Percent, formatTime(rate.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rate: %w", err)
	}
	return rate, nil
}

// CurrentRate implements commission.RateSource.
func (r *RateRepo) CurrentRate(ctx context.Context, kind domain.RateKind) (decimal.Decimal, bool, error) {
	var percent decimal.Decimal
	err := r.db.QueryRowContext(ctx,
		"SELECT percent FROM commission_rates WHERE kind = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		string(kind),
	).Scan(&percent)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("current rate %s: %w", kind, err)
	}
	return percent, true, nil
}

// History returns every rate of kind, newest first. An empty kind returns
// all kinds.
func (r *RateRepo) History(ctx context.Context, kind domain.RateKind) ([]domain.CommissionRate, error) {
	q := "SELECT id, kind, percent, created_at FROM commission_rates"
	var args []any
	if kind != "" {
		q += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []domain.CommissionRate
	for rows.Next() {
		var c domain.CommissionRate
		var k, createdAt string
		if err := rows.Scan(&c.ID, &k, &c.Percent, &createdAt); err != nil {
			return nil, err
		}
		c.Kind = domain.RateKind(k)
		c.CreatedAt = parseTime(createdAt)
		rates = append(rates, c)
	}
	return rates, rows.Err()
}
