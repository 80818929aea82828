package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Client struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Staff struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type StaffBalance struct {
	StaffID   string          `json:"staff_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type AdminAccount struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Active    bool            `json:"active"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SystemLedger is the singleton row of platform-wide running totals.
type SystemLedger struct {
	TotalTransactions      int64           `json:"total_transactions"`
	SuccessfulTransactions int64           `json:"successful_transactions"`
	FailedTransactions     int64           `json:"failed_transactions"`
	TotalVolume            decimal.Decimal `json:"total_volume"`
	TotalFees              decimal.Decimal `json:"total_fees"`
	TotalStaffCommission   decimal.Decimal `json:"total_staff_commission"`
	TotalAdminCommission   decimal.Decimal `json:"total_admin_commission"`
	TotalPlatformEarnings  decimal.Decimal `json:"total_platform_earnings"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

type RateKind string

const (
	RatePlatformFee     RateKind = "platform_fee"
	RateStaffCommission RateKind = "staff_commission"
	RateAdminCommission RateKind = "admin_commission"
)

func (k RateKind) Valid() bool {
	switch k {
	case RatePlatformFee, RateStaffCommission, RateAdminCommission:
		return true
	}
	return false
}

// CommissionRate is one immutable row of rate history.
type CommissionRate struct {
	ID        string          `json:"id"`
	Kind      RateKind        `json:"kind"`
	Percent   decimal.Decimal `json:"percent"`
	CreatedAt time.Time       `json:"created_at"`
}
