package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the mobile-money network an order is routed through.
type Channel int

const (
	ChannelPrimary   Channel = 1
	ChannelSecondary Channel = 2
)

func (c Channel) Valid() bool {
	return c == ChannelPrimary || c == ChannelSecondary
}

// TransactionType is the aggregator's direction code.
type TransactionType int

const (
	Collection   TransactionType = 1
	Disbursement TransactionType = 2
)

func (t TransactionType) Valid() bool {
	return t == Collection || t == Disbursement
}

func (t TransactionType) String() string {
	switch t {
	case Collection:
		return "collection"
	case Disbursement:
		return "disbursement"
	default:
		return fmt.Sprintf("transaction_type(%d)", int(t))
	}
}

type OrderState string

const (
	StateCreated             OrderState = "created"
	StateSubmitted           OrderState = "submitted"
	StatePendingConfirmation OrderState = "pending_confirmation"
	StateSettledSuccess      OrderState = "settled_success"
	StateSettledFailed       OrderState = "settled_failed"
)

var transitions = map[OrderState][]OrderState{
	StateCreated:             {StateSubmitted},
	StateSubmitted:           {StateSettledSuccess, StateSettledFailed, StatePendingConfirmation},
	StatePendingConfirmation: {StateSettledSuccess, StateSettledFailed},
}

// CanTransition reports whether the state machine allows s -> to.
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == StateSettledSuccess || s == StateSettledFailed
}

// Settleable reports whether a ledger-mutating transition may start from s.
func (s OrderState) Settleable() bool {
	return s == StateSubmitted || s == StatePendingConfirmation
}

// Order is the durable record of one settlement attempt. OrderID is the
// OutTradeNo shared with the aggregator.
type Order struct {
	OrderID         string          `json:"order_id"`
	Channel         Channel         `json:"channel"`
	TransactionType TransactionType `json:"transaction_type"`
	TraderID        string          `json:"trader_id"`
	TraderName      string          `json:"trader_name"`
	Description     string          `json:"description"`
	ClientID        string          `json:"client_id"`
	StaffID         string          `json:"staff_id,omitempty"`
	BaseAmount      decimal.Decimal `json:"base_amount"`
	Fee             decimal.Decimal `json:"fee"`
	StaffCommission decimal.Decimal `json:"staff_commission"`
	AdminCommission decimal.Decimal `json:"admin_commission"`
	PlatformProfit  decimal.Decimal `json:"platform_profit"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	AmountMinor     int64           `json:"amount_minor"`
	State           OrderState      `json:"state"`
	AggregatorTxnID string          `json:"aggregator_transaction_id,omitempty"`
	StatusCode      int             `json:"status_code,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
}

// Outcome is a conclusive aggregator verdict for an order.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailed
)

func (o Outcome) State() OrderState {
	if o == OutcomeSuccess {
		return StateSettledSuccess
	}
	return StateSettledFailed
}

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
