package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscrepancyType string

const (
	DiscrepancyOrphanedNotification DiscrepancyType = "ORPHANED_NOTIFICATION"
	DiscrepancyAmountMismatch       DiscrepancyType = "AMOUNT_MISMATCH"
	DiscrepancyLedgerFailure        DiscrepancyType = "LEDGER_FAILURE"
	DiscrepancyStalePending         DiscrepancyType = "STALE_PENDING"
	DiscrepancyStatusConflict       DiscrepancyType = "STATUS_CONFLICT"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Discrepancy flags a condition that needs operator attention.
type Discrepancy struct {
	ID          string          `json:"id"`
	Type        DiscrepancyType `json:"type"`
	OrderID     string          `json:"order_id"`
	Expected    decimal.Decimal `json:"expected"`
	Actual      decimal.Decimal `json:"actual"`
	Difference  decimal.Decimal `json:"difference"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// SeverityByAmount grades a discrepancy by the money it involves.
func SeverityByAmount(amount decimal.Decimal) Severity {
	abs := amount.Abs()
	switch {
	case abs.GreaterThan(decimal.NewFromInt(500_000)):
		return SeverityCritical
	case abs.GreaterThan(decimal.NewFromInt(50_000)):
		return SeverityHigh
	case abs.GreaterThan(decimal.NewFromInt(5_000)):
		return SeverityMedium
	default:
		return SeverityLow
	}
}
