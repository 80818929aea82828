package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/aggregator"
	"github.com/wakala/settlement/internal/clock"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/logging"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/settlement"
)

const (
	DefaultGrace      = 2 * time.Minute
	DefaultStaleAfter = 24 * time.Hour
	DefaultBatchSize  = 100
)

// SweepResult summarises one sweep run.
type SweepResult struct {
	Checked            int `json:"checked"`
	Settled            int `json:"settled"`
	StillPending       int `json:"still_pending"`
	Unreachable        int `json:"unreachable"`
	LedgerFailures     int `json:"ledger_failures"`
	ReceiptsReplayed   int `json:"receipts_replayed"`
	StalePendingFlags  int `json:"stale_pending_flags"`
	TotalDiscrepancies int `json:"total_discrepancies"`
}

// OrderQuerier asks the aggregator once for an order's status.
type OrderQuerier interface {
	QueryOrder(ctx context.Context, orderID string) (*aggregator.OrderResponse, error)
}

// Settler is the orchestrator surface the sweep settles through.
type Settler interface {
	Settle(ctx context.Context, orderID string, outcome domain.Outcome, txnID string, source settlement.Source) (*domain.Order, error)
	FlagLedgerFailure(ctx context.Context, orderID string, amount decimal.Decimal, cause error)
}

// ReceiptReplayer re-applies a stored terminal receipt.
type ReceiptReplayer interface {
	Reprocess(ctx context.Context, orderID string) (bool, error)
}

type Config struct {
	// Grace is how long an order may sit unsettled before the sweep
	// queries the aggregator for it.
	Grace time.Duration

	// StaleAfter raises STALE_PENDING for orders unsettled this long.
	StaleAfter time.Duration

	// BatchSize is the page size of every sweep query. A sweep walks all
	// pages.
	BatchSize int
}

// Service resolves orders the synchronous path and the webhook left open.
type Service struct {
	store    *repository.Store
	gateway  OrderQuerier
	settler  Settler
	receipts ReceiptReplayer
	clock    clock.Clock
	metrics  *metrics.Metrics
	cfg      Config
	log      *slog.Logger
}

func NewService(
	store *repository.Store,
	gateway OrderQuerier,
	settler Settler,
	receipts ReceiptReplayer,
	clk clock.Clock,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		settler:  settler,
		receipts: receipts,
		clock:    clk,
		metrics:  m,
		cfg:      cfg,
		log:      logging.Component("reconciliation"),
	}
}

// Sweep runs every step once: stored receipts first, then aggregator
// queries for orders still open, then stale-order flags.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	err := s.sweep(ctx, result)
	s.metrics.ObserveSweep(err)
	if err != nil {
		return nil, err
	}

	result.TotalDiscrepancies = result.LedgerFailures + result.StalePendingFlags
	s.log.Info("sweep finished",
		"checked", result.Checked,
		"settled", result.Settled,
		"still_pending", result.StillPending,
		"unreachable", result.Unreachable,
		"receipts_replayed", result.ReceiptsReplayed,
		"discrepancies", result.TotalDiscrepancies,
	)
	return result, nil
}

func (s *Service) sweep(ctx context.Context, result *SweepResult) error {
	replayed, err := s.ReplayReceipts(ctx)
	if err != nil {
		return fmt.Errorf("replay receipts: %w", err)
	}
	result.ReceiptsReplayed = replayed

	if err := s.ResolvePending(ctx, result); err != nil {
		return fmt.Errorf("resolve pending: %w", err)
	}

	flagged, err := s.DetectStalePending(ctx)
	if err != nil {
		return fmt.Errorf("detect stale: %w", err)
	}
	result.StalePendingFlags = flagged

	counts, err := s.store.Orders.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("count orders: %w", err)
	}
	s.metrics.SetOrderStates(counts)
	return nil
}

// ReplayReceipts re-applies receipts that carry a terminal pay status but
// were left unprocessed by a failed settlement unit. It pages through every
// such receipt, so ones that keep failing never hide newer ones.
func (s *Service) ReplayReceipts(ctx context.Context) (int, error) {
	if s.receipts == nil {
		return 0, nil
	}
	replayed := 0
	var after *repository.Cursor
	for {
		pending, err := s.store.Receipts.ListUnprocessedTerminal(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return replayed, err
		}
		for _, rec := range pending {
			if err := ctx.Err(); err != nil {
				return replayed, err
			}
			ok, err := s.receipts.Reprocess(ctx, rec.OrderID)
			if err != nil {
				s.log.Warn("receipt replay failed", "order_id", rec.OrderID, "error", err)
				continue
			}
			if ok {
				replayed++
			}
		}
		if len(pending) < s.cfg.BatchSize {
			return replayed, nil
		}
		last := pending[len(pending)-1]
		after = &repository.Cursor{At: last.ReceivedAt, ID: last.OrderID}
	}
}

// ResolvePending queries the aggregator once for every open order older
// than the grace window and settles those with a conclusive answer.
func (s *Service) ResolvePending(ctx context.Context, result *SweepResult) error {
	cutoff := s.clock.Now().Add(-s.cfg.Grace)
	var after *repository.Cursor
	for {
		orders, err := s.store.Orders.ListSettleable(ctx, cutoff, after, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.resolve(ctx, o, result)
		}
		if len(orders) < s.cfg.BatchSize {
			return nil
		}
		last := orders[len(orders)-1]
		after = &repository.Cursor{At: last.UpdatedAt, ID: last.OrderID}
	}
}

func (s *Service) resolve(ctx context.Context, o domain.Order, result *SweepResult) {
	result.Checked++

	resp, err := s.gateway.QueryOrder(ctx, o.OrderID)
	if err != nil {
		result.Unreachable++
		s.log.Warn("order query failed", "order_id", o.OrderID, "error", err)
		return
	}
	outcome, ok := resp.QueryOutcome()
	if !ok {
		result.StillPending++
		return
	}

	if _, err := s.settler.Settle(ctx, o.OrderID, outcome, resp.Data.TransactionID, settlement.SourceSweep); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		if s.flagOnce(ctx, o.OrderID, domain.DiscrepancyLedgerFailure) {
			s.settler.FlagLedgerFailure(ctx, o.OrderID, o.TotalAmount, err)
			result.LedgerFailures++
		}
		return
	}
	result.Settled++
}

// DetectStalePending raises one STALE_PENDING discrepancy per order that
// has stayed unsettled past StaleAfter.
func (s *Service) DetectStalePending(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.StaleAfter)

	flagged := 0
	var after *repository.Cursor
	for {
		orders, err := s.store.Orders.ListUnflaggedStale(ctx, cutoff, after, s.cfg.BatchSize)
		if err != nil {
			return flagged, err
		}
		for _, o := range orders {
			desc := fmt.Sprintf("order %s (%s %s) unsettled since %s",
				o.OrderID, o.TransactionType, o.TotalAmount.StringFixed(2), o.CreatedAt.Format(time.RFC3339))
			d := &domain.Discrepancy{
				Type:        domain.DiscrepancyStalePending,
				OrderID:     o.OrderID,
				Expected:    o.TotalAmount,
				Actual:      decimal.Zero,
				Difference:  o.TotalAmount,
				Description: desc,
				DetectedAt:  now,
			}
			if err := s.store.Discrepancies.Insert(ctx, d); err != nil {
				return flagged, fmt.Errorf("insert discrepancy: %w", err)
			}
			s.metrics.ObserveDiscrepancy(d.Type)
			flagged++
		}
		if len(orders) < s.cfg.BatchSize {
			break
		}
		last := orders[len(orders)-1]
		after = &repository.Cursor{At: last.CreatedAt, ID: last.OrderID}
	}
	if flagged > 0 {
		s.log.Warn("stale pending orders", "count", flagged)
	}
	return flagged, nil
}

// flagOnce reports whether no discrepancy of type t exists for the order yet.
func (s *Service) flagOnce(ctx context.Context, orderID string, t domain.DiscrepancyType) bool {
	open, err := s.store.Discrepancies.HasOpen(ctx, orderID, t)
	if err != nil {
		s.log.Warn("discrepancy lookup failed", "order_id", orderID, "error", err)
		return false
	}
	return !open
}

// Run sweeps every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}
