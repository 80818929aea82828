package signature

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/shopspring/decimal"
)

const testSecret = "s3cr3t-key"

func webhookFields() []Field {
	return []Field{
		F("PayStatus", 1),
		F("PayTime", "2024-03-01 10:15:00"),
		F("OutTradeNo", "UGMP-20240301-170928000000000001"),
		F("TransactionId", "TX998877"),
		F("Amount", decimal.RequireFromString("10100")),
		F("ActualPaymentAmount", decimal.RequireFromString("10100.00")),
		F("ActualCollectAmount", decimal.RequireFromString("10000")),
		F("PayerCharge", decimal.RequireFromString("0")),
		F("PayeeCharge", decimal.RequireFromString("100.5")),
		F("PayMessage", ""),
	}
}

func TestSigningStringLayout(t *testing.T) {
	fields := []Field{F("Version", "v1.0"), F("MchID", "M1"), F("TimeStamp", int64(1700000000))}
	got := SigningString(fields, "k")
	want := "Version=v1.0&MchID=M1&TimeStamp=1700000000&privateKey=k"
	if got != want {
		t.Fatalf("SigningString = %q, want %q", got, want)
	}
}

func TestSignIsMD5LowerHex(t *testing.T) {
	fields := []Field{F("A", "1"), F("B", 2)}
	sum := md5.Sum([]byte("A=1&B=2&privateKey=" + testSecret))
	want := hex.EncodeToString(sum[:])
	if got := Sign(fields, testSecret); got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}
	if len(want) != 32 {
		t.Fatalf("digest length = %d, want 32", len(want))
	}
}

func TestFieldOrderIsRespected(t *testing.T) {
	a := []Field{F("A", "1"), F("B", "2")}
	b := []Field{F("B", "2"), F("A", "1")}
	if Sign(a, testSecret) == Sign(b, testSecret) {
		t.Fatal("different field orders produced the same digest")
	}
}

func TestRoundTrip(t *testing.T) {
	fields := webhookFields()
	sig := Sign(fields, testSecret)
	if !Verify(fields, sig, testSecret) {
		t.Fatal("verify(sign(fields)) = false")
	}
	if Verify(fields, sig, testSecret+"x") {
		t.Fatal("verify accepted a digest under the wrong secret")
	}
}

func TestVerifyAcceptsUppercaseDigest(t *testing.T) {
	fields := webhookFields()
	sig := Sign(fields, testSecret)
	upper := ""
	for _, r := range sig {
		if r >= 'a' && r <= 'f' {
			r -= 'a' - 'A'
		}
		upper += string(r)
	}
	if !Verify(fields, upper, testSecret) {
		t.Fatal("uppercase hex digest rejected")
	}
}

func TestVerifyRejectsMissingDigest(t *testing.T) {
	if Verify(webhookFields(), "", testSecret) {
		t.Fatal("empty digest verified")
	}
	if Verify(webhookFields(), "   ", testSecret) {
		t.Fatal("blank digest verified")
	}
}

// Every single-character mutation of every signed value must break the digest.
func TestSingleCharacterMutationFails(t *testing.T) {
	fields := webhookFields()
	sig := Sign(fields, testSecret)

	for i := range fields {
		text := FormatValue(fields[i].Value)
		positions := len(text)
		if positions == 0 {
			positions = 1
		}
		for p := 0; p < positions; p++ {
			mutated := make([]Field, len(fields))
			copy(mutated, fields)
			mutated[i] = F(fields[i].Key, mutate(text, p))
			if Verify(mutated, sig, testSecret) {
				t.Fatalf("mutation of %s at %d (%q) still verified", fields[i].Key, p, mutate(text, p))
			}
		}
	}
}

func mutate(s string, pos int) string {
	if s == "" {
		return "x"
	}
	b := []byte(s)
	if b[pos] == 'z' {
		b[pos] = 'y'
	} else {
		b[pos]++
	}
	return string(b)
}

func TestFormatValueCanonical(t *testing.T) {
	d := decimal.RequireFromString("101")
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "abc", "abc"},
		{"int", 10100, "10100"},
		{"int64", int64(-5), "-5"},
		{"bool", true, "true"},
		{"decimal integer", decimal.NewFromInt(101), "101.00"},
		{"decimal fraction", decimal.RequireFromString("1.5"), "1.50"},
		{"decimal pointer", &d, "101.00"},
		{"nil decimal pointer", (*decimal.Decimal)(nil), ""},
		{"float", 2.5, "2.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.in); got != tt.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Decimals parsed from different textual forms of the same amount sign alike.
func TestDecimalFormsSignIdentically(t *testing.T) {
	a := []Field{F("Amount", decimal.RequireFromString("10100"))}
	b := []Field{F("Amount", decimal.RequireFromString("10100.000"))}
	if Sign(a, testSecret) != Sign(b, testSecret) {
		t.Fatal("equal decimals signed differently")
	}
}
