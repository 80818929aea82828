package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wakala/settlement/internal/commission"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/settlement"
	"github.com/wakala/settlement/internal/webhook"
)

type Deps struct {
	Store        *repository.Store
	Orchestrator *settlement.Orchestrator
	Webhooks     *webhook.Processor
	Aggregator   Aggregator
	Calculator   *commission.Calculator

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	calc := d.Calculator
	if calc == nil {
		calc = commission.NewCalculator(d.Store.Rates)
	}
	h := &Handlers{
		store: d.Store,
		orch:  d.Orchestrator,
		hooks: d.Webhooks,
		agg:   d.Aggregator,
		calc:  calc,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// Aggregator callbacks.
	r.Post("/webhooks/payment-notification", h.PaymentNotification)

	r.Route("/api/v1", func(r chi.Router) {
		// Transactions.
		r.Post("/transactions", h.SubmitTransaction)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/transactions/{orderID}", h.GetTransaction)

		// Ledger and rates.
		r.Get("/ledger", h.GetLedger)
		r.Get("/rates", h.GetRates)

		// Discrepancies.
		r.Get("/discrepancies", h.ListDiscrepancies)
		r.Get("/discrepancies/summary", h.GetDiscrepancySummary)

		// Aggregator merchant queries.
		r.Get("/aggregator/balance", h.GetAggregatorBalance)
		r.Post("/aggregator/bill", h.PrepaidBill)
		r.Get("/aggregator/statement", h.GetStatement)
	})

	return r
}
