// Package commission computes the fee charged on an order and how that fee
// is divided between the assigned staff member, the admin pool and the
// platform.
package commission

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
)

var (
	DefaultPlatformFeePercent     = decimal.RequireFromString("1.00")
	DefaultStaffCommissionPercent = decimal.RequireFromString("25.00")
	DefaultAdminCommissionPercent = decimal.RequireFromString("10.00")

	hundred = decimal.NewFromInt(100)
)

// RateSource returns the most recent rate of a kind. ok is false when no
// history row exists.
type RateSource interface {
	CurrentRate(ctx context.Context, kind domain.RateKind) (percent decimal.Decimal, ok bool, err error)
}

// Breakdown is the result of applying the commission schedule to one order.
type Breakdown struct {
	BaseAmount      decimal.Decimal `json:"base_amount"`
	Fee             decimal.Decimal `json:"fee"`
	StaffCommission decimal.Decimal `json:"staff_commission"`
	AdminCommission decimal.Decimal `json:"admin_commission_total"`
	PlatformProfit  decimal.Decimal `json:"platform_profit"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

// Balanced reports whether fee == staff + admin + platform.
func (b Breakdown) Balanced() bool {
	return b.Fee.Equal(b.StaffCommission.Add(b.AdminCommission).Add(b.PlatformProfit))
}

// Rates is a resolved commission schedule.
type Rates struct {
	PlatformFeePercent     decimal.Decimal `json:"platform_fee_percent"`
	StaffCommissionPercent decimal.Decimal `json:"staff_commission_percent"`
	AdminCommissionPercent decimal.Decimal `json:"admin_commission_percent"`
}

type Calculator struct {
	rates RateSource
}

func NewCalculator(rates RateSource) *Calculator {
	return &Calculator{rates: rates}
}

// CurrentRates resolves every rate kind, falling back to the defaults.
func (c *Calculator) CurrentRates(ctx context.Context) (Rates, error) {
	fee, err := c.rate(ctx, domain.RatePlatformFee, DefaultPlatformFeePercent)
	if err != nil {
		return Rates{}, err
	}
	staff, err := c.rate(ctx, domain.RateStaffCommission, DefaultStaffCommissionPercent)
	if err != nil {
		return Rates{}, err
	}
	admin, err := c.rate(ctx, domain.RateAdminCommission, DefaultAdminCommissionPercent)
	if err != nil {
		return Rates{}, err
	}
	return Rates{
		PlatformFeePercent:     fee,
		StaffCommissionPercent: staff,
		AdminCommissionPercent: admin,
	}, nil
}

// Compute applies the current schedule to baseAmount.
func (c *Calculator) Compute(ctx context.Context, baseAmount decimal.Decimal, hasAssignedStaff bool) (Breakdown, error) {
	rates, err := c.CurrentRates(ctx)
	if err != nil {
		return Breakdown{}, err
	}
	return Apply(rates, baseAmount, hasAssignedStaff)
}

// Apply is the pure arithmetic behind Compute.
func Apply(r Rates, baseAmount decimal.Decimal, hasAssignedStaff bool) (Breakdown, error) {
	fee := baseAmount.Mul(r.PlatformFeePercent).Div(hundred)

	staff := decimal.Zero
	if hasAssignedStaff {
		staff = fee.Mul(r.StaffCommissionPercent).Div(hundred)
	}
	admin := fee.Sub(staff).Mul(r.AdminCommissionPercent).Div(hundred)
	profit := fee.Sub(staff).Sub(admin)

	b := Breakdown{
		BaseAmount:      baseAmount,
		Fee:             fee,
		StaffCommission: staff,
		AdminCommission: admin,
		PlatformProfit:  profit,
		TotalAmount:     baseAmount.Add(fee),
	}
	if !b.TotalAmount.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: total amount must be greater than zero (got %s)", domain.ErrValidation, b.TotalAmount)
	}
	return b, nil
}

// WithoutAdmins folds the admin share into platform profit. Used when no
// active admin account exists at settlement time so no commission is lost.
func (b Breakdown) WithoutAdmins() Breakdown {
	b.PlatformProfit = b.PlatformProfit.Add(b.AdminCommission)
	b.AdminCommission = decimal.Zero
	return b
}

func (c *Calculator) rate(ctx context.Context, kind domain.RateKind, def decimal.Decimal) (decimal.Decimal, error) {
	if c.rates == nil {
		return def, nil
	}
	p, ok, err := c.rates.CurrentRate(ctx, kind)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load %s rate: %w", kind, err)
	}
	if !ok {
		return def, nil
	}
	return p, nil
}
