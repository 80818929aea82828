package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
)

type LedgerRepo struct {
	db *DB
}

func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// SystemLedger returns the platform totals. Before the first settlement it
// returns a zero ledger.
func (r *LedgerRepo) SystemLedger(ctx context.Context) (*domain.SystemLedger, error) {
	return getSystemLedger(ctx, r.db, "")
}

// BalanceTotals sums every balance held per party type.
type BalanceTotals struct {
	Clients decimal.Decimal `json:"clients"`
	Staff   decimal.Decimal `json:"staff"`
	Admins  decimal.Decimal `json:"admins"`
}

// Totals adds balances up in Go; balances are stored as decimal text and
// SQL SUM over text differs between dialects.
func (r *LedgerRepo) Totals(ctx context.Context) (*BalanceTotals, error) {
	t := &BalanceTotals{}
	for _, part := range []struct {
		query string
		dst   *decimal.Decimal
	}{
		{"SELECT balance FROM clients", &t.Clients},
		{"SELECT balance FROM staff_balances", &t.Staff},
		{"SELECT balance FROM admin_accounts", &t.Admins},
	} {
		sum, err := sumColumn(ctx, r.db, part.query)
		if err != nil {
			return nil, err
		}
		*part.dst = sum
	}
	return t, nil
}

func sumColumn(ctx context.Context, q querier, query string, args ...any) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(v)
	}
	return sum, rows.Err()
}
