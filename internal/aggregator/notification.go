package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/signature"
)

// NotificationFields is the signing order of a payment notification.
// PayMessage is optional and signs as an empty string when absent.
var NotificationFields = []string{
	"PayStatus",
	"PayTime",
	"OutTradeNo",
	"TransactionId",
	"Amount",
	"ActualPaymentAmount",
	"ActualCollectAmount",
	"PayerCharge",
	"PayeeCharge",
	"PayMessage",
}

var requiredNotificationFields = NotificationFields[:len(NotificationFields)-1]

// Notification is a parsed payment notification. raw keeps each field's
// text exactly as received so the signature is checked against what the
// aggregator actually signed.
type Notification struct {
	PayStatus           domain.PayStatus
	PayTime             string
	OutTradeNo          string
	TransactionID       string
	Amount              decimal.Decimal
	ActualPaymentAmount decimal.Decimal
	ActualCollectAmount decimal.Decimal
	PayerCharge         decimal.Decimal
	PayeeCharge         decimal.Decimal
	PayMessage          string
	Sign                string

	raw map[string]string
}

// ParseNotification decodes a notification body. Malformed JSON, missing
// required fields and unparseable values are ErrValidation.
func ParseNotification(body []byte) (*Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode notification: %v", domain.ErrValidation, err)
	}

	raw := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case nil:
		case string:
			raw[k] = t
		case json.Number:
			raw[k] = t.String()
		case bool:
			raw[k] = strconv.FormatBool(t)
		default:
			return nil, fmt.Errorf("%w: field %s is not a scalar", domain.ErrValidation, k)
		}
	}
	for _, k := range requiredNotificationFields {
		if _, ok := raw[k]; !ok {
			return nil, fmt.Errorf("%w: missing field %s", domain.ErrValidation, k)
		}
	}
	if raw["OutTradeNo"] == "" {
		return nil, fmt.Errorf("%w: empty OutTradeNo", domain.ErrValidation)
	}

	n := &Notification{
		PayTime:       raw["PayTime"],
		OutTradeNo:    raw["OutTradeNo"],
		TransactionID: raw["TransactionId"],
		PayMessage:    raw["PayMessage"],
		Sign:          raw["Sign"],
		raw:           raw,
	}

	ps, err := strconv.Atoi(raw["PayStatus"])
	if err != nil || !domain.PayStatus(ps).Valid() {
		return nil, fmt.Errorf("%w: PayStatus %q", domain.ErrValidation, raw["PayStatus"])
	}
	n.PayStatus = domain.PayStatus(ps)

	for _, a := range []struct {
		key string
		dst *decimal.Decimal
	}{
		{"Amount", &n.Amount},
		{"ActualPaymentAmount", &n.ActualPaymentAmount},
		{"ActualCollectAmount", &n.ActualCollectAmount},
		{"PayerCharge", &n.PayerCharge},
		{"PayeeCharge", &n.PayeeCharge},
	} {
		d, err := decimal.NewFromString(raw[a.key])
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", domain.ErrValidation, a.key, raw[a.key])
		}
		*a.dst = d
	}
	return n, nil
}

// SigningFields returns the notification's fields in signing order.
func (n *Notification) SigningFields() []signature.Field {
	fields := make([]signature.Field, len(NotificationFields))
	for i, k := range NotificationFields {
		fields[i] = signature.F(k, n.text(k))
	}
	return fields
}

// Verify checks received (or the payload's own Sign when received is empty)
// against the notification's fields.
func (n *Notification) Verify(received, secret string) bool {
	if received == "" {
		received = n.Sign
	}
	return signature.Verify(n.SigningFields(), received, secret)
}

func (n *Notification) text(k string) string {
	if n.raw != nil {
		return n.raw[k]
	}
	switch k {
	case "PayStatus":
		return signature.FormatValue(int(n.PayStatus))
	case "PayTime":
		return n.PayTime
	case "OutTradeNo":
		return n.OutTradeNo
	case "TransactionId":
		return n.TransactionID
	case "Amount":
		return signature.FormatValue(n.Amount)
	case "ActualPaymentAmount":
		return signature.FormatValue(n.ActualPaymentAmount)
	case "ActualCollectAmount":
		return signature.FormatValue(n.ActualCollectAmount)
	case "PayerCharge":
		return signature.FormatValue(n.PayerCharge)
	case "PayeeCharge":
		return signature.FormatValue(n.PayeeCharge)
	case "PayMessage":
		return n.PayMessage
	}
	return ""
}

// Receipt converts the notification to its durable receipt form.
func (n *Notification) Receipt() *domain.WebhookReceipt {
	return &domain.WebhookReceipt{
		OrderID:             n.OutTradeNo,
		PayStatus:           n.PayStatus,
		PayTime:             n.PayTime,
		TransactionID:       n.TransactionID,
		Amount:              n.Amount,
		ActualPaymentAmount: n.ActualPaymentAmount,
		ActualCollectAmount: n.ActualCollectAmount,
		PayerCharge:         n.PayerCharge,
		PayeeCharge:         n.PayeeCharge,
		PayMessage:          n.PayMessage,
		Sign:                n.Sign,
	}
}

// EncodeNotification renders n the way the aggregator posts it, signed with
// secret. Amounts are sent as JSON numbers with two decimals.
func EncodeNotification(n Notification, secret string) ([]byte, error) {
	n.raw = nil
	fields := n.SigningFields()

	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, f := range fields {
		var v any = f.Value
		switch f.Key {
		case "PayStatus", "Amount", "ActualPaymentAmount", "ActualCollectAmount", "PayerCharge", "PayeeCharge":
			v = json.Number(f.Value.(string))
		}
		if err := writeMember(&buf, f.Key, v); err != nil {
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
