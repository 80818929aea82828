// Package webhook settles orders from the aggregator's asynchronous payment
// notifications.
package webhook

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

// Reply is the plain-text body returned to the aggregator.
type Reply string

const (
	ReplySuccess Reply = aggregator.ReplySuccess
	ReplyFailed  Reply = aggregator.ReplyFailed
)

// Disposition says what a notification did. It labels metrics and logs.
type Disposition string

const (
	DispositionSettled        Disposition = "settled"
	DispositionProcessing     Disposition = "processing"
	DispositionDuplicate      Disposition = "duplicate"
	DispositionAlreadySettled Disposition = "already_settled"
	DispositionOrphaned       Disposition = "orphaned"
	DispositionDeferred       Disposition = "deferred"
	DispositionInvalid        Disposition = "invalid"
	DispositionBadSignature   Disposition = "bad_signature"
	DispositionError          Disposition = "error"
)

// Settler applies a conclusive outcome inside the caller's transaction.
type Settler interface {
	ApplyOutcome(ctx context.Context, tx *repository.Tx, order *domain.Order, outcome domain.Outcome, txnID string) (bool, error)
	ObserveApplied(order *domain.Order, outcome domain.Outcome, source settlement.Source)
}

type Deps struct {
	Store   *repository.Store
	Settler Settler
	Secret  string
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type Processor struct {
	store   *repository.Store
	settler Settler
	secret  string
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(d Deps) *Processor {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	return &Processor{
		store:   d.Store,
		settler: d.Settler,
		secret:  d.Secret,
		clock:   d.Clock,
		metrics: d.Metrics,
		log:     logging.Component("webhook"),
	}
}

// result collects what one processing unit did so metrics and logs are
// emitted only after it commits.
type result struct {
	disposition   Disposition
	order         *domain.Order
	outcome       domain.Outcome
	applied       bool
	discrepancies []domain.DiscrepancyType
}

// HandleNotification processes one delivery. sign is the signature the
// transport carried; when empty the payload's own Sign field is checked.
//
// The reply is FAILED only when the aggregator should redeliver: a
// malformed body, a bad signature, or a failure to record the delivery at
// all. Duplicates and notifications that were recorded for later
// reprocessing are SUCCESS.
func (p *Processor) HandleNotification(ctx context.Context, raw []byte, sign string) Reply {
	reply, disp := p.handle(ctx, raw, sign)
	p.metrics.ObserveWebhook(string(reply), string(disp))
	return reply
}

func (p *Processor) handle(ctx context.Context, raw []byte, sign string) (Reply, Disposition) {
	n, err := aggregator.ParseNotification(raw)
	if err != nil {
		p.log.Warn("notification rejected", "error", err)
		return ReplyFailed, DispositionInvalid
	}
	if !n.Verify(sign, p.secret) {
		p.log.Warn("notification signature invalid", "order_id", n.OutTradeNo)
		return ReplyFailed, DispositionBadSignature
	}

	rec := n.Receipt()
	rec.ReceivedAt = p.clock.Now()

	res, err := p.process(ctx, rec)
	if err == nil {
		p.committed(res)
		return ReplySuccess, res.disposition
	}

	p.log.Error("notification settlement rolled back", "order_id", rec.OrderID, "pay_status", int(rec.PayStatus), "error", err)
	if derr := p.recordDeferred(ctx, rec, err); derr != nil {
		p.log.Error("notification could not be recorded", "order_id", rec.OrderID, "error", derr)
		return ReplyFailed, DispositionError
	}
	return ReplySuccess, DispositionDeferred
}

func (p *Processor) process(ctx context.Context, rec *domain.WebhookReceipt) (*result, error) {
	res := &result{}
	err := p.store.DB.WithTx(ctx, func(tx *repository.Tx) error {
		*res = result{}
		stored, err := tx.ClaimReceipt(ctx, rec)
		if err != nil {
			return err
		}
		if stored.Processed {
			res.disposition = DispositionDuplicate
			return nil
		}
		return p.apply(ctx, tx, stored, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply moves an unprocessed, locked receipt forward. It is shared by the
// live delivery path and Reprocess.
func (p *Processor) apply(ctx context.Context, tx *repository.Tx, rec *domain.WebhookReceipt, res *result) error {
	now := p.clock.Now()

	order, err := tx.LockOrder(ctx, rec.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		if err := p.flag(ctx, tx, res, &domain.Discrepancy{
			Type:        domain.DiscrepancyOrphanedNotification,
			OrderID:     rec.OrderID,
			Expected:    decimal.Zero,
			Actual:      rec.Amount,
			Difference:  rec.Amount,
			Description: fmt.Sprintf("notification for unknown order (pay status %d)", rec.PayStatus),
			DetectedAt:  now,
		}); err != nil {
			return err
		}
		res.disposition = DispositionOrphaned
		return markProcessed(ctx, tx, rec, now)
	}
	if err != nil {
		return err
	}
	res.order = order

	outcome, terminal := rec.PayStatus.Outcome()
	if !terminal {
		if order.State == domain.StateSubmitted {
			if err := tx.TransitionOrder(ctx, order.OrderID, domain.StateSubmitted, domain.StatePendingConfirmation, now); err != nil {
				return err
			}
			order.State = domain.StatePendingConfirmation
		}
		res.disposition = DispositionProcessing
		return nil
	}
	res.outcome = outcome

	if order.State.Terminal() {
		if order.State != outcome.State() {
			if err := p.flag(ctx, tx, res, &domain.Discrepancy{
				Type:        domain.DiscrepancyStatusConflict,
				OrderID:     order.OrderID,
				Expected:    order.BaseAmount,
				Actual:      rec.Amount,
				Difference:  decimal.Zero,
				Description: fmt.Sprintf("order is %s but notification reports %s", order.State, outcome),
				DetectedAt:  now,
			}); err != nil {
				return err
			}
		}
		res.disposition = DispositionAlreadySettled
		return markProcessed(ctx, tx, rec, now)
	}

	expected := decimal.NewFromInt(order.AmountMinor)
	if !rec.Amount.Equal(expected) {
		if err := p.flag(ctx, tx, res, &domain.Discrepancy{
			Type:        domain.DiscrepancyAmountMismatch,
			OrderID:     order.OrderID,
			Expected:    expected,
			Actual:      rec.Amount,
			Difference:  rec.Amount.Sub(expected),
			Description: "notification amount differs from the amount sent",
			DetectedAt:  now,
		}); err != nil {
			return err
		}
	}

	res.applied, err = p.settler.ApplyOutcome(ctx, tx, order, outcome, rec.TransactionID)
	if err != nil {
		return err
	}
	res.disposition = DispositionSettled
	rec.ErrorMessage = ""
	return markProcessed(ctx, tx, rec, now)
}

func (p *Processor) flag(ctx context.Context, tx *repository.Tx, res *result, d *domain.Discrepancy) error {
	if err := tx.InsertDiscrepancy(ctx, d); err != nil {
		return err
	}
	res.discrepancies = append(res.discrepancies, d.Type)
	return nil
}

func markProcessed(ctx context.Context, tx *repository.Tx, rec *domain.WebhookReceipt, at time.Time) error {
	rec.Processed = true
	rec.ProcessedAt = &at
	return tx.SaveReceipt(ctx, rec)
}

func (p *Processor) committed(res *result) {
	for _, t := range res.discrepancies {
		p.metrics.ObserveDiscrepancy(t)
	}
	if res.applied {
		p.settler.ObserveApplied(res.order, res.outcome, settlement.SourceWebhook)
	}
	orderID := ""
	if res.order != nil {
		orderID = res.order.OrderID
	}
	p.log.Info("notification handled", "order_id", orderID, "disposition", string(res.disposition))
}

// recordDeferred durably stores a delivery whose settlement unit failed so
// the sweep can retry it. The first failure for a receipt raises a
// LEDGER_FAILURE discrepancy.
func (p *Processor) recordDeferred(ctx context.Context, rec *domain.WebhookReceipt, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var flagged bool
	err := p.store.DB.WithTx(ctx, func(tx *repository.Tx) error {
		flagged = false
		stored, err := tx.ClaimReceipt(ctx, rec)
		if err != nil {
			return err
		}
		if stored.Processed {
			return nil
		}
		first := stored.ErrorMessage == ""
		stored.ErrorMessage = cause.Error()
		if err := tx.SaveReceipt(ctx, stored); err != nil {
			return err
		}
		if !first {
			return nil
		}
		flagged = true
		return tx.InsertDiscrepancy(ctx, &domain.Discrepancy{
			Type:        domain.DiscrepancyLedgerFailure,
			OrderID:     rec.OrderID,
			Expected:    rec.Amount,
			Actual:      decimal.Zero,
			Difference:  rec.Amount,
			Description: "ledger update failed: " + cause.Error(),
			DetectedAt:  p.clock.Now(),
		})
	})
	if err != nil {
		return err
	}
	if flagged {
		p.metrics.ObserveDiscrepancy(domain.DiscrepancyLedgerFailure)
	}
	return nil
}

// Reprocess retries a stored receipt that carries a terminal pay status
// but was never processed. It reports whether the receipt is now processed.
func (p *Processor) Reprocess(ctx context.Context, orderID string) (bool, error) {
	res := &result{}
	var processed bool
	err := p.store.DB.WithTx(ctx, func(tx *repository.Tx) error {
		*res = result{}
		processed = false
		stored, err := tx.LockReceipt(ctx, orderID)
		if err != nil {
			return err
		}
		if stored.Processed {
			processed = true
			return nil
		}
		if _, terminal := stored.PayStatus.Outcome(); !terminal {
			return nil
		}
		if err := p.apply(ctx, tx, stored, res); err != nil {
			return err
		}
		processed = stored.Processed
		return nil
	})
	if err != nil {
		return false, err
	}
	if res.disposition != "" {
		p.committed(res)
	}
	return processed, nil
}
