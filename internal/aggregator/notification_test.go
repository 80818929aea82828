package aggregator

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/signature"
)

func sampleNotification() Notification {
	return Notification{
		PayStatus:           domain.PaySuccess,
		PayTime:             "2026-03-01 12:00:00",
		OutTradeNo:          "UGMP-20260301-177235560000000000",
		TransactionID:       "AGG-1",
		Amount:              decimal.RequireFromString("101"),
		ActualPaymentAmount: decimal.RequireFromString("101"),
		ActualCollectAmount: decimal.RequireFromString("100"),
		PayerCharge:         decimal.RequireFromString("1"),
		PayeeCharge:         decimal.Zero,
	}
}

func TestEncodeParseVerify(t *testing.T) {
	body, err := EncodeNotification(sampleNotification(), "k")
	if err != nil {
		t.Fatalf("EncodeNotification failed: %v", err)
	}
	if !strings.Contains(string(body), `"Amount":101.00`) {
		t.Errorf("expected numeric amount in body: %s", body)
	}

	n, err := ParseNotification(body)
	if err != nil {
		t.Fatalf("ParseNotification failed: %v", err)
	}
	if n.PayStatus != domain.PaySuccess || !n.Amount.Equal(decimal.NewFromInt(101)) {
		t.Errorf("unexpected parse: %+v", n)
	}
	if !n.Verify("", "k") {
		t.Error("expected payload Sign to verify")
	}
	if n.Verify("", "other") {
		t.Error("wrong secret must not verify")
	}
	if !n.Verify(n.Sign, "k") {
		t.Error("explicit sign must verify")
	}
	if n.Verify("0123456789abcdef0123456789abcdef", "k") {
		t.Error("explicit wrong sign must not fall back to payload Sign")
	}
}

func TestVerifyUsesReceivedText(t *testing.T) {
	fields := []signature.Field{
		signature.F("PayStatus", "1"),
		signature.F("PayTime", "t"),
		signature.F("OutTradeNo", "O-1"),
		signature.F("TransactionId", "X"),
		signature.F("Amount", "101"),
		signature.F("ActualPaymentAmount", "101"),
		signature.F("ActualCollectAmount", "100"),
		signature.F("PayerCharge", "1"),
		signature.F("PayeeCharge", "0"),
		signature.F("PayMessage", ""),
	}
	sign := signature.Sign(fields, "k")
	body := `{"PayStatus":1,"PayTime":"t","OutTradeNo":"O-1","TransactionId":"X","Amount":101,` +
		`"ActualPaymentAmount":101,"ActualCollectAmount":100,"PayerCharge":1,"PayeeCharge":0,"Sign":"` + sign + `"}`

	n, err := ParseNotification([]byte(body))
	if err != nil {
		t.Fatalf("ParseNotification failed: %v", err)
	}
	if !n.Verify("", "k") {
		t.Error("integer-form amounts signed by the sender must verify")
	}
}

func TestParseNotificationRejects(t *testing.T) {
	good, _ := EncodeNotification(sampleNotification(), "k")
	tests := []struct {
		name string
		body string
	}{
		{"not json", "PayStatus=1"},
		{"missing amount", strings.Replace(string(good), `"Amount":101.00,`, "", 1)},
		{"empty order id", strings.Replace(string(good), `"OutTradeNo":"UGMP-20260301-177235560000000000"`, `"OutTradeNo":""`, 1)},
		{"unknown pay status", strings.Replace(string(good), `"PayStatus":1`, `"PayStatus":7`, 1)},
		{"non numeric amount", strings.Replace(string(good), `"Amount":101.00`, `"Amount":"lots"`, 1)},
		{"nested value", strings.Replace(string(good), `"PayTime":"2026-03-01 12:00:00"`, `"PayTime":{"a":1}`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNotification([]byte(tt.body))
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPayMessageOptional(t *testing.T) {
	n := sampleNotification()
	n.PayMessage = "declined by payer"
	body, _ := EncodeNotification(n, "k")
	parsed, err := ParseNotification(body)
	if err != nil {
		t.Fatalf("ParseNotification failed: %v", err)
	}
	if parsed.PayMessage != "declined by payer" || !parsed.Verify("", "k") {
		t.Errorf("PayMessage round trip failed: %+v", parsed)
	}
	rec := parsed.Receipt()
	if rec.OrderID != n.OutTradeNo || rec.PayMessage != n.PayMessage {
		t.Errorf("unexpected receipt: %+v", rec)
	}
}
