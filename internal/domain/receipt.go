package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayStatus is the aggregator's payment status code.
type PayStatus int

const (
	PayProcessing PayStatus = 0
	PaySuccess    PayStatus = 1
	PayFailed     PayStatus = 2
)

func (p PayStatus) Valid() bool {
	return p == PayProcessing || p == PaySuccess || p == PayFailed
}

// Outcome maps a terminal pay status to a settlement outcome. ok is false
// while the payment is still processing.
func (p PayStatus) Outcome() (Outcome, bool) {
	switch p {
	case PaySuccess:
		return OutcomeSuccess, true
	case PayFailed:
		return OutcomeFailed, true
	default:
		return 0, false
	}
}

// WebhookReceipt is the deduplication anchor for aggregator notifications.
// At most one row exists per order id.
type WebhookReceipt struct {
	OrderID             string          `json:"order_id"`
	PayStatus           PayStatus       `json:"pay_status"`
	PayTime             string          `json:"pay_time"`
	TransactionID       string          `json:"transaction_id"`
	Amount              decimal.Decimal `json:"amount"`
	ActualPaymentAmount decimal.Decimal `json:"actual_payment_amount"`
	ActualCollectAmount decimal.Decimal `json:"actual_collect_amount"`
	PayerCharge         decimal.Decimal `json:"payer_charge"`
	PayeeCharge         decimal.Decimal `json:"payee_charge"`
	PayMessage          string          `json:"pay_message,omitempty"`
	Sign                string          `json:"sign"`
	Processed           bool            `json:"processed"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	ReceivedAt          time.Time       `json:"received_at"`
	Deliveries          int             `json:"deliveries"`
	ErrorMessage        string          `json:"error_message,omitempty"`
}
