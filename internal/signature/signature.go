// Package signature builds and checks the aggregator's request digests.
//
// The signing string is every field rendered as key=value in the order the
// caller lists them, joined by "&", followed by "&privateKey=<secret>". The
// digest is the lowercase hex MD5 of that string. Signer and verifier both
// render values through FormatValue so numeric text never diverges.
package signature

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// SecretKey is the key under which the shared secret is appended.
const SecretKey = "privateKey"

// AmountPlaces is the fixed number of fractional digits for decimal values.
const AmountPlaces = 2

// Field is one key=value pair of a signing string.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// FormatValue is the single canonical value-to-string conversion.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case decimal.Decimal:
		return x.StringFixed(AmountPlaces)
	case *decimal.Decimal:
		if x == nil {
			return ""
		}
		return x.StringFixed(AmountPlaces)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return decimal.NewFromFloat(x).StringFixed(AmountPlaces)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// SigningString renders the exact text that is hashed.
func SigningString(fields []Field, secret string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(FormatValue(f.Value))
	}
	if len(fields) > 0 {
		b.WriteByte('&')
	}
	b.WriteString(SecretKey)
	b.WriteByte('=')
	b.WriteString(secret)
	return b.String()
}

// Sign returns the lowercase hex digest of fields and secret.
func Sign(fields []Field, secret string) string {
	sum := md5.Sum([]byte(SigningString(fields, secret)))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether received is the digest of fields under secret.
// An absent digest never verifies.
func Verify(fields []Field, received, secret string) bool {
	received = strings.TrimSpace(received)
	if received == "" {
		return false
	}
	expected := Sign(fields, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(received))) == 1
}
