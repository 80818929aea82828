// Package aggregatortest provides an in-process fake payment aggregator.
package aggregatortest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wakala/settlement/internal/signature"
)

// Reply scripts one response.
type Reply struct {
	HTTPStatus int // 0 means 200
	StatusCode int
	Succeeded  bool
	PayStatus  *int
	Errors     string
	Delay      time.Duration
	RawBody    string // sent verbatim when set
}

// Accepted is a 200/Succeeded envelope without a pay status.
func Accepted() Reply {
	return Reply{StatusCode: 200, Succeeded: true}
}

// Pay is an accepted order-query reply carrying status.
func Pay(status int) Reply {
	r := Accepted()
	r.PayStatus = &status
	return r
}

// Down replies with an HTTP 503.
func Down() Reply {
	return Reply{HTTPStatus: http.StatusServiceUnavailable}
}

type call struct {
	Path   string
	Fields []signature.Field
	Sign   string
}

// Fake records every request and answers from per-path scripts. The last
// scripted reply of a path repeats once the script is used up.
type Fake struct {
	srv    *httptest.Server
	secret string

	mu            sync.Mutex
	scripts       map[string][]Reply
	calls         []call
	badSignatures int
	Balance       string
	Statement     string
}

func New(t testing.TB, secret string) *Fake {
	t.Helper()
	f := &Fake{
		secret:    secret,
		scripts:   make(map[string][]Reply),
		Balance:   "1500.50",
		Statement: `[]`,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *Fake) URL() string {
	return f.srv.URL
}

// Script sets the replies for path, e.g. "/orderquery".
func (f *Fake) Script(path string, replies ...Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[path] = replies
}

// Calls counts the requests received on path.
func (f *Fake) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Path == path {
			n++
		}
	}
	return n
}

// LastFields returns the signed fields of the most recent request on path,
// in the order they were sent.
func (f *Fake) LastFields(path string) []signature.Field {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Path == path {
			return f.calls[i].Fields
		}
	}
	return nil
}

// BadSignatures counts requests whose Sign did not verify.
func (f *Fake) BadSignatures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.badSignatures
}

func (f *Fake) next(path string) Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[path]
	switch len(script) {
	case 0:
		return Accepted()
	case 1:
		return script[0]
	}
	r := script[0]
	f.scripts[path] = script[1:]
	return r
}

func (f *Fake) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	fields, sign, err := orderedFields(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{Path: r.URL.Path, Fields: fields, Sign: sign})
	if !signature.Verify(fields, sign, f.secret) {
		f.badSignatures++
	}
	f.mu.Unlock()

	reply := f.next(r.URL.Path)
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if reply.HTTPStatus != 0 && reply.HTTPStatus != http.StatusOK {
		http.Error(w, http.StatusText(reply.HTTPStatus), reply.HTTPStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if reply.RawBody != "" {
		io.WriteString(w, reply.RawBody)
		return
	}

	env := map[string]any{
		"StatusCode": reply.StatusCode,
		"Succeeded":  reply.Succeeded,
		"Errors":     nil,
		"Extras":     nil,
		"Timestamp":  time.Now().Unix(),
	}
	if reply.Errors != "" {
		env["Errors"] = reply.Errors
	}
	env["Data"] = f.data(r.URL.Path, fields, reply)
	json.NewEncoder(w).Encode(env)
}

func (f *Fake) data(path string, fields []signature.Field, reply Reply) any {
	get := func(k string) any {
		for _, fl := range fields {
			if fl.Key == k {
				return fl.Value
			}
		}
		return nil
	}
	switch path {
	case "/unifiedorder", "/orderquery":
		d := map[string]any{
			"OutTradeNo":    get("OutTradeNo"),
			"TransactionId": fmt.Sprintf("AGG-%v", get("OutTradeNo")),
			"PayTime":       "2026-03-01 12:00:00",
		}
		if amt := get("Amount"); amt != nil {
			d["Amount"] = amt
		}
		if reply.PayStatus != nil {
			d["PayStatus"] = *reply.PayStatus
		}
		return d
	case "/bill":
		return map[string]any{
			"trader_id":           get("TraderID"),
			"given_name":          "Jane",
			"family_name":         "Doe",
			"full_name":           "Jane Doe",
			"amount":              get("Amount"),
			"service_charge":      "150.00",
			"service_charge_rate": "1.5",
		}
	case "/balance":
		return map[string]any{"Balance": json.Number(f.Balance)}
	case "/statement":
		return json.RawMessage(f.Statement)
	}
	return nil
}

// orderedFields decodes a flat JSON object keeping key order. Values keep
// their received text form.
func orderedFields(body []byte) ([]signature.Field, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, "", fmt.Errorf("expected object")
	}
	var fields []signature.Field
	var sign string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, "", err
		}
		key, _ := tok.(string)
		tok, err = dec.Token()
		if err != nil {
			return nil, "", err
		}
		var val string
		switch v := tok.(type) {
		case string:
			val = v
		case json.Number:
			val = v.String()
		case bool:
			val = fmt.Sprint(v)
		case nil:
		default:
			return nil, "", fmt.Errorf("field %s is not a scalar", key)
		}
		if key == "Sign" {
			sign = val
			continue
		}
		fields = append(fields, signature.F(key, val))
	}
	return fields, sign, nil
}
