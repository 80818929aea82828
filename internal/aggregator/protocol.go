package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/signature"
)

const (
	DefaultVersion = "v1.0"

	PathUnifiedOrder = "/unifiedorder"
	PathOrderQuery   = "/orderquery"
	PathBill         = "/bill"
	PathBalance      = "/balance"
	PathStatement    = "/statement"

	// StatementDateLayout is the yyyyMMdd form of StartTime and EndTime.
	StatementDateLayout = "20060102"
)

// Reply bodies the aggregator expects from a notification endpoint.
const (
	ReplySuccess = "SUCCESS"
	ReplyFailed  = "FAILED"
)

// ToMinor converts a major-unit amount to the aggregator's integer minor
// units, rounding half away from zero.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// CreateOrderRequest is the caller's half of a /unifiedorder request. The
// client fills in Version, MchID, TimeStamp, NotifyUrl and Sign.
type CreateOrderRequest struct {
	OrderID         string
	Channel         domain.Channel
	AmountMinor     int64
	TransactionType domain.TransactionType
	TraderID        string
	TraderFullName  string
	Description     string
}

func (r CreateOrderRequest) validate() error {
	switch {
	case r.OrderID == "":
		return fmt.Errorf("%w: order id required", domain.ErrValidation)
	case !r.Channel.Valid():
		return fmt.Errorf("%w: channel %d", domain.ErrValidation, r.Channel)
	case !r.TransactionType.Valid():
		return fmt.Errorf("%w: transaction type %d", domain.ErrValidation, r.TransactionType)
	case r.AmountMinor <= 0:
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	case r.TraderID == "":
		return fmt.Errorf("%w: trader id required", domain.ErrValidation)
	}
	return nil
}

// BillRequest asks the aggregator to price a transaction before it is made.
type BillRequest struct {
	Channel         domain.Channel
	TransactionType domain.TransactionType
	TraderID        string
	AmountMinor     int64
}

// flexInt accepts both 200 and "200".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}

type envelope struct {
	StatusCode flexInt         `json:"StatusCode"`
	Succeeded  bool            `json:"Succeeded"`
	Errors     json.RawMessage `json:"Errors"`
	Extras     json.RawMessage `json:"Extras"`
	Timestamp  json.RawMessage `json:"Timestamp"`
	Data       json.RawMessage `json:"Data"`
}

func (e *envelope) errorText() string {
	raw := bytes.TrimSpace(e.Errors)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func (e *envelope) accepted() bool {
	return e.StatusCode == 200 && e.Succeeded
}

// OrderData is the Data object of /unifiedorder and /orderquery responses.
type OrderData struct {
	OutTradeNo          string          `json:"OutTradeNo"`
	TransactionID       string          `json:"TransactionId"`
	Amount              decimal.Decimal `json:"Amount"`
	ActualPaymentAmount decimal.Decimal `json:"ActualPaymentAmount"`
	ActualCollectAmount decimal.Decimal `json:"ActualCollectAmount"`
	PayerCharge         decimal.Decimal `json:"PayerCharge"`
	PayeeCharge         decimal.Decimal `json:"PayeeCharge"`
	ChannelCharge       decimal.Decimal `json:"ChannelCharge"`
	PayStatus           *flexInt        `json:"PayStatus"`
	PayTime             string          `json:"PayTime"`
	PayMessage          string          `json:"PayMessage"`
}

type OrderResponse struct {
	StatusCode int
	Succeeded  bool
	Errors     string
	Data       OrderData
}

// Accepted reports StatusCode 200 with Succeeded set.
func (r *OrderResponse) Accepted() bool {
	return r.StatusCode == 200 && r.Succeeded
}

// PayStatus returns the reported pay status. ok is false when the response
// carried none or an unknown code.
func (r *OrderResponse) PayStatus() (domain.PayStatus, bool) {
	if r.Data.PayStatus == nil {
		return 0, false
	}
	ps := domain.PayStatus(*r.Data.PayStatus)
	return ps, ps.Valid()
}

// QueryOutcome is the conclusive verdict of an /orderquery response. ok is
// false while the payment is still processing or the answer is unusable.
func (r *OrderResponse) QueryOutcome() (domain.Outcome, bool) {
	if !r.Accepted() {
		return 0, false
	}
	ps, ok := r.PayStatus()
	if !ok {
		return 0, false
	}
	return ps.Outcome()
}

type BillData struct {
	TraderID          string          `json:"trader_id"`
	GivenName         string          `json:"given_name"`
	FamilyName        string          `json:"family_name"`
	FullName          string          `json:"full_name"`
	Amount            decimal.Decimal `json:"amount"`
	ServiceCharge     decimal.Decimal `json:"service_charge"`
	ServiceChargeRate decimal.Decimal `json:"service_charge_rate"`
}

type BillResponse struct {
	StatusCode int      `json:"status_code"`
	Succeeded  bool     `json:"succeeded"`
	Errors     string   `json:"errors,omitempty"`
	Data       BillData `json:"data"`
}

type BalanceResponse struct {
	StatusCode int             `json:"status_code"`
	Succeeded  bool            `json:"succeeded"`
	Errors     string          `json:"errors,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
}

// StatementResponse passes the statement entries through untouched; their
// layout is owned by the aggregator.
type StatementResponse struct {
	StatusCode int             `json:"status_code"`
	Succeeded  bool            `json:"succeeded"`
	Errors     string          `json:"errors,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Field orders of every signed message. Sign is never part of its own
// signing string.
func createOrderFields(version, mchID string, ts int64, r CreateOrderRequest, notifyURL string) []signature.Field {
	return []signature.Field{
		signature.F("Version", version),
		signature.F("MchID", mchID),
		signature.F("TimeStamp", ts),
		signature.F("Channel", int(r.Channel)),
		signature.F("OutTradeNo", r.OrderID),
		signature.F("Amount", r.AmountMinor),
		signature.F("TransactionType", int(r.TransactionType)),
		signature.F("TraderID", r.TraderID),
		signature.F("TraderFullName", r.TraderFullName),
		signature.F("Description", r.Description),
		signature.F("NotifyUrl", notifyURL),
	}
}

func orderQueryFields(version, mchID string, ts int64, orderID string) []signature.Field {
	return []signature.Field{
		signature.F("Version", version),
		signature.F("MchID", mchID),
		signature.F("TimeStamp", ts),
		signature.F("OutTradeNo", orderID),
	}
}

func billFields(version, mchID string, ts int64, r BillRequest) []signature.Field {
	return []signature.Field{
		signature.F("Version", version),
		signature.F("MchID", mchID),
		signature.F("TimeStamp", ts),
		signature.F("Channel", int(r.Channel)),
		signature.F("TransactionType", int(r.TransactionType)),
		signature.F("TraderID", r.TraderID),
		signature.F("Amount", r.AmountMinor),
	}
}

func balanceFields(version, mchID string, ts int64) []signature.Field {
	return []signature.Field{
		signature.F("Version", version),
		signature.F("MchID", mchID),
		signature.F("TimeStamp", ts),
	}
}

func statementFields(version, mchID string, ts int64, start, end string) []signature.Field {
	fields := balanceFields(version, mchID, ts)
	if start != "" {
		fields = append(fields, signature.F("StartTime", start))
	}
	if end != "" {
		fields = append(fields, signature.F("EndTime", end))
	}
	return fields
}

// encodeSigned renders fields as a JSON object in their signing order with
// Sign appended.
func encodeSigned(fields []signature.Field, secret string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, f := range fields {
		if err := writeMember(&buf, f.Key, f.Value); err != nil {
			return nil, err
		}
		buf.WriteByte(',')
	}
	if err := writeMember(&buf, "Sign", signature.Sign(fields, secret)); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}
