package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/aggregator"
	"github.com/wakala/settlement/internal/aggregator/aggregatortest"
	"github.com/wakala/settlement/internal/clock"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/settlement"
	"github.com/wakala/settlement/internal/webhook"
)

const secret = "api-secret"

type fixture struct {
	store    *repository.Store
	fake     *aggregatortest.Fake
	router   http.Handler
	clientID string
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	store := repository.NewStore(db)
	t.Cleanup(func() { store.Close() })

	c := &domain.Client{Name: "Acme", Balance: decimal.RequireFromString(balance)}
	if err := store.Accounts.CreateClient(context.Background(), c); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	fake := aggregatortest.New(t, secret)
	clk := clock.NewFixed(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	gw := aggregator.NewClient(aggregator.Config{
		BaseURL:    fake.URL(),
		MerchantID: "MCH-1",
		APIKey:     secret,
		Timeout:    2 * time.Second,
		Retry:      aggregator.RetryPolicy{MaxAttempts: 2, Interval: time.Millisecond},
		Clock:      clk,
		Metrics:    m,
	})
	orch := settlement.New(settlement.Deps{Store: store, Gateway: gw, Clock: clk, Metrics: m})
	hooks := webhook.New(webhook.Deps{Store: store, Settler: orch, Secret: secret, Clock: clk, Metrics: m})

	router := NewRouter(Deps{
		Store:        store,
		Orchestrator: orch,
		Webhooks:     hooks,
		Aggregator:   gw,
		Metrics:      metrics.Handler(reg),
	})
	return &fixture{store: store, fake: fake, router: router, clientID: c.ID}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(t *testing.T, typ domain.TransactionType, amount string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"channel":          1,
		"transaction_type": int(typ),
		"client_id":        f.clientID,
		"base_amount":      amount,
		"trader_id":        "256700000001",
		"trader_name":      "Jane Doe",
		"description":      "api test",
	})
	return f.do(t, http.MethodPost, "/api/v1/transactions", string(body))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestSubmitAndGetTransaction(t *testing.T) {
	f := newFixture(t, "0")

	rec := f.submit(t, domain.Collection, "100")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var res settlement.SubmitResult
	decodeBody(t, rec, &res)
	if res.Status != settlement.StatusSuccess || res.OrderID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Breakdown.Fee.Equal(decimal.NewFromInt(1)) {
		t.Errorf("fee = %s, want 1", res.Breakdown.Fee)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/"+res.OrderID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		Order  domain.Order      `json:"order"`
		Status settlement.Status `json:"status"`
	}
	decodeBody(t, rec, &got)
	if got.Status != settlement.StatusSuccess || got.Order.State != domain.StateSettledSuccess {
		t.Errorf("unexpected status: %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/transactions?state=settled_success", "")
	var list struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &list)
	if list.Total != 1 {
		t.Errorf("listed %d settled orders, want 1", list.Total)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, "0")
		if rec := f.do(t, http.MethodPost, "/api/v1/transactions", "{"); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, "0")
		if rec := f.submit(t, domain.Collection, "0"); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		f := newFixture(t, "10")
		if rec := f.submit(t, domain.Disbursement, "100"); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("gateway unavailable", func(t *testing.T) {
		f := newFixture(t, "0")
		f.fake.Script(aggregator.PathUnifiedOrder, aggregatortest.Down())
		rec := f.submit(t, domain.Collection, "100")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		var body map[string]any
		decodeBody(t, rec, &body)
		if body["order_id"] == "" || body["state"] != string(domain.StateSubmitted) {
			t.Errorf("unexpected body: %v", body)
		}
	})

	t.Run("indeterminate", func(t *testing.T) {
		f := newFixture(t, "0")
		f.fake.Script(aggregator.PathUnifiedOrder, aggregatortest.Reply{StatusCode: 202})
		f.fake.Script(aggregator.PathOrderQuery, aggregatortest.Pay(0))
		rec := f.submit(t, domain.Collection, "100")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		var res settlement.SubmitResult
		decodeBody(t, rec, &res)
		if res.Status != settlement.StatusPending {
			t.Errorf("status = %s, want pending", res.Status)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t, "0")
		if rec := f.do(t, http.MethodGet, "/api/v1/transactions/NOPE", ""); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestPaymentNotificationEndpoint(t *testing.T) {
	f := newFixture(t, "0")
	n := aggregator.Notification{
		PayStatus:     domain.PaySuccess,
		PayTime:       "2026-03-01 12:00:00",
		OutTradeNo:    "UNKNOWN-1",
		TransactionID: "AGG-1",
		Amount:        decimal.NewFromInt(5000),
	}
	body, err := aggregator.EncodeNotification(n, secret)
	if err != nil {
		t.Fatal(err)
	}

	post := func(b []byte, sign string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment-notification", bytes.NewReader(b))
		if sign != "" {
			req.Header.Set(SignHeader, sign)
		}
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	rec := post(body, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "SUCCESS" {
		t.Fatalf("reply = %d %q, want 200 SUCCESS", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec := post(body, "bad-signature"); rec.Body.String() != "FAILED" {
		t.Errorf("reply = %q, want FAILED", rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/discrepancies?type=ORPHANED_NOTIFICATION", "")
	var list struct {
		Discrepancies []domain.Discrepancy `json:"discrepancies"`
		Total         int                  `json:"total"`
	}
	decodeBody(t, rec, &list)
	if list.Total != 1 || list.Discrepancies[0].OrderID != "UNKNOWN-1" {
		t.Errorf("unexpected discrepancies: %+v", list)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/discrepancies/summary", "")
	var summary repository.DiscrepancySummary
	decodeBody(t, rec, &summary)
	if summary.TotalCount != 1 || summary.ByType["ORPHANED_NOTIFICATION"] != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestLedgerAndRates(t *testing.T) {
	f := newFixture(t, "0")
	if rec := f.submit(t, domain.Collection, "200"); rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/ledger", "")
	var got struct {
		Ledger   domain.SystemLedger      `json:"ledger"`
		Balances repository.BalanceTotals `json:"balances"`
	}
	decodeBody(t, rec, &got)
	if got.Ledger.TotalTransactions != 1 || !got.Ledger.TotalVolume.Equal(decimal.NewFromInt(200)) {
		t.Errorf("unexpected ledger: %+v", got.Ledger)
	}
	if !got.Balances.Clients.Equal(decimal.NewFromInt(200)) {
		t.Errorf("client balances = %s, want 200", got.Balances.Clients)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/rates", "")
	var rates struct {
		PlatformFeePercent decimal.Decimal `json:"platform_fee_percent"`
	}
	decodeBody(t, rec, &rates)
	if !rates.PlatformFeePercent.Equal(decimal.NewFromInt(1)) {
		t.Errorf("platform fee = %s, want 1", rates.PlatformFeePercent)
	}
}

func TestAggregatorQueries(t *testing.T) {
	f := newFixture(t, "0")

	rec := f.do(t, http.MethodGet, "/api/v1/aggregator/balance", "")
	var bal aggregator.BalanceResponse
	decodeBody(t, rec, &bal)
	if rec.Code != http.StatusOK || !bal.Balance.Equal(decimal.RequireFromString("1500.50")) {
		t.Errorf("balance = %d %+v", rec.Code, bal)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/aggregator/bill",
		`{"channel":1,"transaction_type":2,"trader_id":"256700000001","amount":"25.50"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("bill status = %d, body %s", rec.Code, rec.Body)
	}
	for _, fl := range f.fake.LastFields(aggregator.PathBill) {
		if fl.Key == "Amount" && fl.Value != "2550" {
			t.Errorf("bill Amount = %v, want 2550", fl.Value)
		}
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/aggregator/statement?start=2026-02-01&end=2026-02-28", ""); rec.Code != http.StatusOK {
		t.Errorf("statement status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/aggregator/statement?start=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad statement date status = %d, want 400", rec.Code)
	}

	f.fake.Script(aggregator.PathBalance, aggregatortest.Down())
	if rec := f.do(t, http.MethodGet, "/api/v1/aggregator/balance", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("balance with aggregator down = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "0")
	f.submit(t, domain.Collection, "100")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "settlement_orders_submitted_total") {
		t.Error("submitted counter missing from /metrics")
	}
}
