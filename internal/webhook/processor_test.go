package webhook

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/aggregator"
	"github.com/wakala/settlement/internal/clock"
	"github.com/wakala/settlement/internal/commission"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/settlement"
)

const secret = "webhook-secret"

type fixture struct {
	store  *repository.Store
	orch   *settlement.Orchestrator
	proc   *Processor
	client *domain.Client
	clock  *clock.Fixed
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	store := repository.NewStore(db)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	client := &domain.Client{Name: "Acme", Balance: dec(balance)}
	if err := store.Accounts.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	if err := store.Accounts.CreateAdmin(ctx, &domain.AdminAccount{ID: "admin-1", Name: "Admin", Active: true}); err != nil {
		t.Fatalf("CreateAdmin failed: %v", err)
	}

	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.New(prometheus.NewRegistry())
	orch := settlement.New(settlement.Deps{Store: store, Clock: clk, Metrics: m})
	proc := New(Deps{Store: store, Settler: orch, Secret: secret, Clock: clk, Metrics: m})
	return &fixture{store: store, orch: orch, proc: proc, client: client, clock: clk}
}

// seedOrder stores a submitted order priced with the default schedule.
func (f *fixture) seedOrder(t *testing.T, id string, typ domain.TransactionType, base string) *domain.Order {
	t.Helper()
	b, err := commission.Apply(commission.Rates{
		PlatformFeePercent:     commission.DefaultPlatformFeePercent,
		StaffCommissionPercent: commission.DefaultStaffCommissionPercent,
		AdminCommissionPercent: commission.DefaultAdminCommissionPercent,
	}, dec(base), false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	now := f.clock.Now()
	o := &domain.Order{
		OrderID:         id,
		Channel:         domain.ChannelPrimary,
		TransactionType: typ,
		TraderID:        "256700000001",
		TraderName:      "Jane Doe",
		Description:     "test",
		ClientID:        f.client.ID,
		BaseAmount:      b.BaseAmount,
		Fee:             b.Fee,
		StaffCommission: b.StaffCommission,
		AdminCommission: b.AdminCommission,
		PlatformProfit:  b.PlatformProfit,
		TotalAmount:     b.TotalAmount,
		AmountMinor:     aggregator.ToMinor(b.TotalAmount),
		State:           domain.StateSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.store.Orders.Insert(context.Background(), o); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return o
}

func notification(o *domain.Order, status domain.PayStatus) aggregator.Notification {
	amount := decimal.NewFromInt(o.AmountMinor)
	return aggregator.Notification{
		PayStatus:           status,
		PayTime:             "2026-03-01 12:00:00",
		OutTradeNo:          o.OrderID,
		TransactionID:       "AGG-" + o.OrderID,
		Amount:              amount,
		ActualPaymentAmount: amount,
		ActualCollectAmount: amount,
		PayerCharge:         decimal.Zero,
		PayeeCharge:         decimal.Zero,
	}
}

func body(t *testing.T, n aggregator.Notification) []byte {
	t.Helper()
	b, err := aggregator.EncodeNotification(n, secret)
	if err != nil {
		t.Fatalf("EncodeNotification failed: %v", err)
	}
	return b
}

func (f *fixture) order(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := f.store.Orders.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	return o
}

func (f *fixture) receipt(t *testing.T, id string) *domain.WebhookReceipt {
	t.Helper()
	r, err := f.store.Receipts.GetByOrderID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByOrderID failed: %v", err)
	}
	return r
}

func (f *fixture) ledger(t *testing.T) *domain.SystemLedger {
	t.Helper()
	l, err := f.store.Ledger.SystemLedger(context.Background())
	if err != nil {
		t.Fatalf("SystemLedger failed: %v", err)
	}
	return l
}

func (f *fixture) discrepancies(t *testing.T, orderID string, typ domain.DiscrepancyType) int {
	t.Helper()
	list, err := f.store.Discrepancies.GetByOrderID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetByOrderID failed: %v", err)
	}
	n := 0
	for _, d := range list {
		if d.Type == typ {
			n++
		}
	}
	return n
}

func TestSuccessNotificationSettles(t *testing.T) {
	f := newFixture(t, "0")
	o := f.seedOrder(t, "ORD-1", domain.Collection, "100")

	if got := f.proc.HandleNotification(context.Background(), body(t, notification(o, domain.PaySuccess)), ""); got != ReplySuccess {
		t.Fatalf("reply = %s, want SUCCESS", got)
	}

	settled := f.order(t, o.OrderID)
	if settled.State != domain.StateSettledSuccess || settled.AggregatorTxnID != "AGG-ORD-1" {
		t.Errorf("unexpected order: %+v", settled)
	}
	c, _ := f.store.Accounts.GetClient(context.Background(), f.client.ID)
	if !c.Balance.Equal(dec("100")) {
		t.Errorf("client balance = %s, want 100", c.Balance)
	}
	rec := f.receipt(t, o.OrderID)
	if !rec.Processed || rec.ProcessedAt == nil || rec.Deliveries != 1 {
		t.Errorf("unexpected receipt: %+v", rec)
	}
	if l := f.ledger(t); l.TotalTransactions != 1 || l.SuccessfulTransactions != 1 {
		t.Errorf("unexpected ledger: %+v", l)
	}
}

func TestFailedNotificationLeavesBalances(t *testing.T) {
	f := newFixture(t, "40")
	o := f.seedOrder(t, "ORD-1", domain.Disbursement, "100")

	if got := f.proc.HandleNotification(context.Background(), body(t, notification(o, domain.PayFailed)), ""); got != ReplySuccess {
		t.Fatalf("reply = %s, want SUCCESS", got)
	}
	if s := f.order(t, o.OrderID).State; s != domain.StateSettledFailed {
		t.Errorf("state = %s, want settled_failed", s)
	}
	c, _ := f.store.Accounts.GetClient(context.Background(), f.client.ID)
	if !c.Balance.Equal(dec("40")) {
		t.Errorf("client balance = %s, want 40", c.Balance)
	}
	if l := f.ledger(t); l.TotalTransactions != 1 || l.FailedTransactions != 1 {
		t.Errorf("unexpected ledger: %+v", l)
	}
}

func TestDuplicateNotificationsSettleOnce(t *testing.T) {
	f := newFixture(t, "0")
	o := f.seedOrder(t, "ORD-1", domain.Collection, "100")
	b := body(t, notification(o, domain.PaySuccess))

	for i := 0; i < 5; i++ {
		if got := f.proc.HandleNotification(context.Background(), b, ""); got != ReplySuccess {
			t.Fatalf("delivery %d: reply = %s", i, got)
		}
	}
	if l := f.ledger(t); l.TotalTransactions != 1 {
		t.Errorf("ledger incremented %d times, want 1", l.TotalTransactions)
	}
	if rec := f.receipt(t, o.OrderID); rec.Deliveries != 5 {
		t.Errorf("deliveries = %d, want 5", rec.Deliveries)
	}
}

func TestConcurrentDuplicateNotifications(t *testing.T) {
	f := newFixture(t, "0")
	o := f.seedOrder(t, "ORD-1", domain.Collection, "250")
	b := body(t, notification(o, domain.PaySuccess))

	const n = 10
	var wg sync.WaitGroup
	replies := make(chan Reply, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies <- f.proc.HandleNotification(context.Background(), b, "")
		}()
	}
	wg.Wait()
	close(replies)
	for r := range replies {
		if r != ReplySuccess {
			t.Errorf("reply = %s, want SUCCESS", r)
		}
	}

	if l := f.ledger(t); l.TotalTransactions != 1 || !l.TotalVolume.Equal(dec("250")) {
		t.Errorf("unexpected ledger: %+v", l)
	}
	c, _ := f.store.Accounts.GetClient(context.Background(), f.client.ID)
	if !c.Balance.Equal(dec("250")) {
		t.Errorf("client balance = %s, want 250", c.Balance)
	}
	if rec := f.receipt(t, o.OrderID); rec.Deliveries != n {
		t.Errorf("deliveries = %d, want %d", rec.Deliveries, n)
	}
}

func TestRejectedNotificationsRecordNothing(t *testing.T) {
	f := newFixture(t, "0")
	o := f.seedOrder(t, "ORD-1", domain.Collection, "100")
	valid := body(t, notification(o, domain.PaySuccess))

	var m map[string]any
	if err := json.Unmarshal(valid, &m); err != nil {
		t.Fatal(err)
	}
	delete(m, "Amount")
	missing, _ := json.Marshal(m)

	tampered := notification(o, domain.PaySuccess)
	tampered.Amount = dec("1")
	forged, _ := aggregator.EncodeNotification(tampered, "wrong-secret")

	tests := []struct {
		name string
		body []byte
		sign string
	}{
		{"empty body", nil, ""},
		{"not json", []byte("PayStatus=1"), ""},
		{"missing field", missing, ""},
		{"wrong secret", forged, ""},
		{"transport signature mismatch", valid, "0123456789abcdef0123456789abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.proc.HandleNotification(context.Background(), tt.body, tt.sign); got != ReplyFailed {
				t.Errorf("reply = %s, want FAILED", got)
			}
		})
	}

	n, err := f.store.Receipts.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected notifications left %d receipts", n)
	}
	if s := f.order(t, o.OrderID).State; s != domain.StateSubmitted {
		t.Errorf("state = %s, want submitted", s)
	}
}

func TestOrphanedNotification(t *testing.T) {
	f := newFixture(t, "0")
	ghost := &domain.Order{OrderID: "GHOST-1", AmountMinor: 5000}

	if got := f.proc.HandleNotification(context.Background(), body(t, notification(ghost, domain.PaySuccess)), ""); got != ReplySuccess {
		t.Fatalf("reply = %s, want SUCCESS", got)
	}
	if !f.receipt(t, "GHOST-1").Processed {
		t.Error("orphaned receipt should be processed")
	}
	if n := f.discrepancies(t, "GHOST-1", domain.DiscrepancyOrphanedNotification); n != 1 {
		t.Errorf("orphan discrepancies = %d, want 1", n)
	}
	if l := f.ledger(t); l.TotalTransactions != 0 {
		t.Errorf("orphan touched the ledger: %+v", l)
	}
}

func TestProcessingThenTerminal(t *testing.T) {
	f := newFixture(t, "0")
	o := f.seedOrder(t, "ORD-1", domain.Collection, "100")
	ctx := context.Background()

	if got := f.proc.HandleNotification(ctx, body(t, notification(o, domain.PayProcessing)), ""); got != ReplySuccess {
		t.Fatalf("reply = %s, want SUCCESS", got)
	}
	if s := f.order(t, o.OrderID).State; s != domain.StatePendingConfirmation {
		t.Errorf("state = %s, want pending_confirmation", s)
	}
	if f.receipt(t, o.OrderID).Processed {
		t.Error("processing receipt must stay unprocessed")
	}

	if got := f.proc.HandleNotification(ctx, body(t, notification(o, domain.PaySuccess)), ""); got != ReplySuccess {
		t.Fatalf("reply = %s, want SUCCESS", got)
	}
	rec := f.receipt(t, o.OrderID)
	if !rec.Processed || rec.PayStatus != domain.PaySuccess || rec.Deliveries != 2 {
		t.Errorf("unexpected receipt: %+v", rec)
	}
	if s := f.order(t, o.OrderID).State; s != domain.StateSettledSuccess {
		t.Errorf("state = %s, want settled_success", s)
	}
}

func TestLedgerFailureIsDeferred(t *testing.T) {
	f := newFixture(t, "10")
	o := f.seedOrder(t, "ORD-1", domain.Disbursement, "100")
	ctx := context.Background()
	b := body(t, notification(o, domain.PaySuccess))

	for i := 0; i < 2; i++ {
		if got := f.proc.HandleNotification(ctx, b, ""); got != ReplySuccess {
			t.Fatalf("delivery %d: reply = %s, want SUCCESS", i, got)
		}
	}
	rec := f.receipt(t, o.OrderID)
	if rec.Processed || rec.ErrorMessage == "" || rec.Deliveries != 2 {
		t.Errorf("unexpected receipt: %+v", rec)
	}
	if n := f.discrepancies(t, o.OrderID, domain.DiscrepancyLedgerFailure); n != 1 {
		t.Errorf("ledger failure discrepancies = %d, want 1", n)
	}
	if s := f.order(t, o.OrderID).State; s != domain.StateSubmitted {
		t.Errorf("state = %s, want submitted", s)
	}
	if l := f.ledger(t); l.TotalTransactions != 0 {
		t.Errorf("partial ledger update: %+v", l)
	}

	err := f.store.DB.WithTx(ctx, func(tx *repository.Tx) error {
		return tx.SetClientBalance(ctx, f.client.ID, dec("500"), f.clock.Now())
	})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	processed, err := f.proc.Reprocess(ctx, o.OrderID)
	if err != nil || !processed {
		t.Fatalf("Reprocess = %v, %v", processed, err)
	}
	rec = f.receipt(t, o.OrderID)
	if !rec.Processed || rec.ErrorMessage != "" {
		t.Errorf("unexpected receipt after reprocess: %+v", rec)
	}
	c, _ := f.store.Accounts.GetClient(ctx, f.client.ID)
	if !c.Balance.Equal(dec("400")) {
		t.Errorf("client balance = %s, want 400", c.Balance)
	}
}

func TestConflictingNotificationForSettledOrder(t *testing.T) {
	f := newFixture(t, "0")
	o := f.seedOrder(t, "ORD-1", domain.Collection, "100")
	ctx := context.Background()

	if _, err := f.orch.Settle(ctx, o.OrderID, domain.OutcomeSuccess, "AGG-ORD-1", settlement.SourceSync); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if got := f.proc.HandleNotification(ctx, body(t, notification(o, domain.PayFailed)), ""); got != ReplySuccess {
		t.Fatalf("reply = %s, want SUCCESS", got)
	}
	if s := f.order(t, o.OrderID).State; s != domain.StateSettledSuccess {
		t.Errorf("state = %s, want settled_success", s)
	}
	if n := f.discrepancies(t, o.OrderID, domain.DiscrepancyStatusConflict); n != 1 {
		t.Errorf("status conflict discrepancies = %d, want 1", n)
	}
	if l := f.ledger(t); l.TotalTransactions != 1 || l.FailedTransactions != 0 {
		t.Errorf("unexpected ledger: %+v", l)
	}
}

func TestAmountMismatchStillSettles(t *testing.T) {
	f := newFixture(t, "0")
	o := f.seedOrder(t, "ORD-1", domain.Collection, "100")
	n := notification(o, domain.PaySuccess)
	n.Amount = dec("9999")

	if got := f.proc.HandleNotification(context.Background(), body(t, n), ""); got != ReplySuccess {
		t.Fatalf("reply = %s, want SUCCESS", got)
	}
	if c := f.discrepancies(t, o.OrderID, domain.DiscrepancyAmountMismatch); c != 1 {
		t.Errorf("amount mismatch discrepancies = %d, want 1", c)
	}
	settled := f.order(t, o.OrderID)
	if settled.State != domain.StateSettledSuccess || !settled.BaseAmount.Equal(dec("100")) {
		t.Errorf("unexpected order: %+v", settled)
	}
}
