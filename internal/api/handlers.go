package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/aggregator"
	"github.com/wakala/settlement/internal/commission"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/logging"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/settlement"
	"github.com/wakala/settlement/internal/webhook"
)

// SignHeader optionally carries the notification signature. The payload's
// own Sign field is used when it is absent.
const SignHeader = "X-Sign"

const maxNotificationBytes = 64 << 10

// Aggregator is the read-only merchant surface exposed to operators.
type Aggregator interface {
	QueryBalance(ctx context.Context) (*aggregator.BalanceResponse, error)
	PrepaidBill(ctx context.Context, r aggregator.BillRequest) (*aggregator.BillResponse, error)
	Statement(ctx context.Context, start, end *time.Time) (*aggregator.StatementResponse, error)
}

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	store *repository.Store
	orch  *settlement.Orchestrator
	hooks *webhook.Processor
	agg   Aggregator
	calc  *commission.Calculator
}

func logger() *slog.Logger {
	return logging.Component("api")
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a sentinel error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger().Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			t, err = time.Parse(aggregator.StatementDateLayout, s)
			if err != nil {
				return nil
			}
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- SubmitTransaction ---

func (h *Handlers) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req settlement.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.orch.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, domain.ErrSettlementIndeterminate):
		writeJSON(w, http.StatusAccepted, result)
	case errors.Is(err, domain.ErrGatewayUnavailable) && result != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    err.Error(),
			"order_id": result.OrderID,
			"state":    result.State,
			"status":   result.Status,
		})
	default:
		writeDomainError(w, err)
	}
}

// --- GetTransaction ---

func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	if id == "" {
		writeError(w, http.StatusBadRequest, "order id is required")
		return
	}

	order, err := h.store.Orders.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"order":  order,
		"status": settlement.StatusFor(order.State),
	}

	receipt, err := h.store.Receipts.GetByOrderID(r.Context(), id)
	switch {
	case err == nil:
		resp["notification"] = receipt
	case !errors.Is(err, domain.ErrNotFound):
		writeDomainError(w, err)
		return
	}

	discrepancies, err := h.store.Discrepancies.GetByOrderID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp["discrepancies"] = discrepancies

	writeJSON(w, http.StatusOK, resp)
}

// --- ListTransactions ---

func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.OrderFilter{
		State:    q.Get("state"),
		ClientID: q.Get("client_id"),
		From:     parseTime(q.Get("from")),
		To:       parseTime(q.Get("to")),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}

	orders, total, err := h.store.Orders.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": orders,
		"total":        total,
		"page":         filter.Page,
		"limit":        filter.Limit,
	})
}

// --- PaymentNotification ---

func (h *Handlers) PaymentNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	reply := webhook.ReplyFailed
	if err != nil {
		logger().Warn("notification body unreadable", "error", err)
	} else {
		reply = h.hooks.HandleNotification(r.Context(), body, r.Header.Get(SignHeader))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, string(reply))
}

// --- GetLedger ---

func (h *Handlers) GetLedger(w http.ResponseWriter, r *http.Request) {
	ledger, err := h.store.Ledger.SystemLedger(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	totals, err := h.store.Ledger.Totals(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ledger":   ledger,
		"balances": totals,
	})
}

// --- GetRates ---

func (h *Handlers) GetRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.calc.CurrentRates(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

// --- ListDiscrepancies ---

func (h *Handlers) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DiscrepancyFilter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		OrderID:  q.Get("order_id"),
		From:     parseTime(q.Get("from")),
		To:       parseTime(q.Get("to")),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}

	discs, total, err := h.store.Discrepancies.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Total impact of the returned page.
	totalImpact := decimal.Zero
	for _, d := range discs {
		totalImpact = totalImpact.Add(d.Difference.Abs())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies": discs,
		"total":         total,
		"page":          filter.Page,
		"limit":         filter.Limit,
		"total_impact":  totalImpact,
	})
}

// --- GetDiscrepancySummary ---

func (h *Handlers) GetDiscrepancySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.Discrepancies.GetSummary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// --- Aggregator queries ---

func (h *Handlers) GetAggregatorBalance(w http.ResponseWriter, r *http.Request) {
	resp, err := h.agg.QueryBalance(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type billRequest struct {
	Channel         domain.Channel         `json:"channel"`
	TransactionType domain.TransactionType `json:"transaction_type"`
	TraderID        string                 `json:"trader_id"`
	Amount          decimal.Decimal        `json:"amount"`
}

func (h *Handlers) PrepaidBill(w http.ResponseWriter, r *http.Request) {
	var req billRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	resp, err := h.agg.PrepaidBill(r.Context(), aggregator.BillRequest{
		Channel:         req.Channel,
		TransactionType: req.TransactionType,
		TraderID:        req.TraderID,
		AmountMinor:     aggregator.ToMinor(req.Amount),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetStatement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end := parseTime(q.Get("start")), parseTime(q.Get("end"))
	if (q.Get("start") != "" && start == nil) || (q.Get("end") != "" && end == nil) {
		writeError(w, http.StatusBadRequest, "start and end must be dates")
		return
	}
	resp, err := h.agg.Statement(r.Context(), start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
