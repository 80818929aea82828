package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/aggregator"
	"github.com/wakala/settlement/internal/clock"
	"github.com/wakala/settlement/internal/commission"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/logging"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/repository"
)

// Gateway is the part of the aggregator client the orchestrator drives.
type Gateway interface {
	CreateOrder(ctx context.Context, r aggregator.CreateOrderRequest) (*aggregator.OrderResponse, error)
	QueryOrder(ctx context.Context, orderID string) (*aggregator.OrderResponse, error)
	PollOrder(ctx context.Context, orderID string) (*aggregator.OrderResponse, error)
}

// Source names the path that settled an order.
type Source string

const (
	SourceSync    Source = "sync"
	SourceWebhook Source = "webhook"
	SourceSweep   Source = "sweep"
)

// Status is the caller-facing result of a submission.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

type SubmitRequest struct {
	Channel         domain.Channel         `json:"channel"`
	TransactionType domain.TransactionType `json:"transaction_type"`
	ClientID        string                 `json:"client_id"`
	BaseAmount      decimal.Decimal        `json:"base_amount"`
	TraderID        string                 `json:"trader_id"`
	TraderName      string                 `json:"trader_name"`
	Description     string                 `json:"description"`
}

type SubmitResult struct {
	Status          Status               `json:"status"`
	OrderID         string               `json:"order_id"`
	State           domain.OrderState    `json:"state"`
	Breakdown       commission.Breakdown `json:"breakdown"`
	AggregatorTxnID string               `json:"aggregator_transaction_id,omitempty"`
}

type Deps struct {
	Store      *repository.Store
	Gateway    Gateway
	Calculator *commission.Calculator
	IDs        *aggregator.OrderIDGenerator
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

// Orchestrator owns the per-order state machine and the ledger mutation
// that finishes it.
type Orchestrator struct {
	store   *repository.Store
	gateway Gateway
	calc    *commission.Calculator
	ids     *aggregator.OrderIDGenerator
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Calculator == nil {
		d.Calculator = commission.NewCalculator(d.Store.Rates)
	}
	if d.IDs == nil {
		d.IDs = aggregator.NewOrderIDGenerator("", d.Clock)
	}
	return &Orchestrator{
		store:   d.Store,
		gateway: d.Gateway,
		calc:    d.Calculator,
		ids:     d.IDs,
		clock:   d.Clock,
		metrics: d.Metrics,
		log:     logging.Component("orchestrator"),
	}
}

func (r SubmitRequest) validate() error {
	var problems []string
	if !r.Channel.Valid() {
		problems = append(problems, fmt.Sprintf("unknown channel %d", r.Channel))
	}
	if !r.TransactionType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown transaction type %d", r.TransactionType))
	}
	if !r.BaseAmount.IsPositive() {
		problems = append(problems, "base amount must be greater than zero")
	}
	if strings.TrimSpace(r.ClientID) == "" {
		problems = append(problems, "client id required")
	}
	if strings.TrimSpace(r.TraderID) == "" {
		problems = append(problems, "trader id required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Submit validates the request, persists the order, sends it to the
// aggregator and settles it when the answer is conclusive.
//
// Validation and funds errors leave no trace. ErrGatewayUnavailable and
// ErrSettlementIndeterminate come back with a non-nil result naming the
// order, which stays recoverable for the webhook or the sweep.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	client, err := o.store.Accounts.GetClient(ctx, req.ClientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown client %s", domain.ErrValidation, req.ClientID)
	}
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}

	staffID, hasStaff, err := o.store.Accounts.ActiveStaff(ctx, client.ID)
	if err != nil {
		return nil, err
	}

	breakdown, err := o.calc.Compute(ctx, req.BaseAmount, hasStaff)
	if err != nil {
		return nil, err
	}

	if req.TransactionType == domain.Disbursement && client.Balance.LessThan(req.BaseAmount) {
		return nil, fmt.Errorf("%w: client %s holds %s, disbursement needs %s",
			domain.ErrInsufficientFunds, client.ID, client.Balance, req.BaseAmount)
	}

	now := o.clock.Now()
	order := &domain.Order{
		OrderID:         o.ids.Next(),
		Channel:         req.Channel,
		TransactionType: req.TransactionType,
		TraderID:        req.TraderID,
		TraderName:      req.TraderName,
		Description:     req.Description,
		ClientID:        client.ID,
		StaffID:         staffID,
		BaseAmount:      breakdown.BaseAmount,
		Fee:             breakdown.Fee,
		StaffCommission: breakdown.StaffCommission,
		AdminCommission: breakdown.AdminCommission,
		PlatformProfit:  breakdown.PlatformProfit,
		TotalAmount:     breakdown.TotalAmount,
		AmountMinor:     aggregator.ToMinor(breakdown.TotalAmount),
		State:           domain.StateCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.Orders.Insert(ctx, order); err != nil {
		return nil, err
	}
	if err := o.store.Orders.Transition(ctx, order.OrderID, domain.StateCreated, domain.StateSubmitted, now); err != nil {
		return nil, err
	}
	order.State = domain.StateSubmitted
	o.metrics.ObserveSubmitted(order.TransactionType)

	result := &SubmitResult{
		Status:    StatusPending,
		OrderID:   order.OrderID,
		State:     domain.StateSubmitted,
		Breakdown: breakdown,
	}

	resp, err := o.gateway.CreateOrder(ctx, aggregator.CreateOrderRequest{
		OrderID:         order.OrderID,
		Channel:         order.Channel,
		AmountMinor:     order.AmountMinor,
		TransactionType: order.TransactionType,
		TraderID:        order.TraderID,
		TraderFullName:  order.TraderName,
		Description:     order.Description,
	})
	if err != nil {
		o.recordGateway(ctx, order.OrderID, "", 0, err)
		o.log.Warn("order submission failed", "order_id", order.OrderID, "error", err)
		return result, err
	}
	var rejection error
	if !resp.Accepted() {
		rejection = fmt.Errorf("order not accepted: status %d", resp.StatusCode)
		if resp.Errors != "" {
			rejection = fmt.Errorf("order not accepted: status %d: %s", resp.StatusCode, resp.Errors)
		}
	}
	o.recordGateway(ctx, order.OrderID, resp.Data.TransactionID, resp.StatusCode, rejection)
	result.AggregatorTxnID = resp.Data.TransactionID

	if rejection == nil {
		return o.finish(ctx, result, domain.OutcomeSuccess, resp.Data.TransactionID)
	}

	o.log.Info("order not confirmed synchronously, polling",
		"order_id", order.OrderID, "status_code", resp.StatusCode)
	polled, err := o.gateway.PollOrder(ctx, order.OrderID)
	if err != nil {
		txnID, code := resp.Data.TransactionID, resp.StatusCode
		if polled != nil {
			txnID, code = polled.Data.TransactionID, polled.StatusCode
		}
		o.recordGateway(ctx, order.OrderID, txnID, code, fmt.Errorf("%v; %w", rejection, err))
		return o.unresolved(ctx, result)
	}

	outcome, ok := polled.QueryOutcome()
	if !ok {
		o.log.Warn("poll returned without a final pay status", "order_id", order.OrderID,
			"status_code", polled.StatusCode)
		return o.unresolved(ctx, result)
	}
	txnID := polled.Data.TransactionID
	if txnID == "" {
		txnID = resp.Data.TransactionID
	}
	o.recordGateway(ctx, order.OrderID, txnID, polled.StatusCode, nil)
	return o.finish(ctx, result, outcome, txnID)
}

// unresolved parks an order without a conclusive answer in
// PendingConfirmation for the webhook or the sweep to settle.
func (o *Orchestrator) unresolved(ctx context.Context, result *SubmitResult) (*SubmitResult, error) {
	if err := o.store.Orders.Transition(ctx, result.OrderID, domain.StateSubmitted,
		domain.StatePendingConfirmation, o.clock.Now()); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return result, err
	}
	current, err := o.Status(ctx, result.OrderID)
	if err == nil {
		result.State = current
		if current.Terminal() {
			// A webhook settled the order while polling.
			result.Status = StatusFor(current)
			return result, nil
		}
	}
	return result, fmt.Errorf("%w: order %s", domain.ErrSettlementIndeterminate, result.OrderID)
}

func (o *Orchestrator) finish(ctx context.Context, result *SubmitResult, outcome domain.Outcome, txnID string) (*SubmitResult, error) {
	order, err := o.Settle(ctx, result.OrderID, outcome, txnID, SourceSync)
	if err != nil {
		o.FlagLedgerFailure(ctx, result.OrderID, result.Breakdown.TotalAmount, err)
		return result, err
	}
	result.State = order.State
	result.Status = StatusFor(order.State)
	result.Breakdown = breakdownOf(order)
	return result, nil
}

func breakdownOf(order *domain.Order) commission.Breakdown {
	return commission.Breakdown{
		BaseAmount:      order.BaseAmount,
		Fee:             order.Fee,
		StaffCommission: order.StaffCommission,
		AdminCommission: order.AdminCommission,
		PlatformProfit:  order.PlatformProfit,
		TotalAmount:     order.TotalAmount,
	}
}

// StatusFor maps an order state to the caller-facing status.
func StatusFor(s domain.OrderState) Status {
	switch s {
	case domain.StateSettledSuccess:
		return StatusSuccess
	case domain.StateSettledFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

func (o *Orchestrator) recordGateway(ctx context.Context, orderID, txnID string, statusCode int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	// The order row must reflect the gateway answer even when the caller
	// has gone away.
	ctx = context.WithoutCancel(ctx)
	if err := o.store.Orders.RecordGatewayResult(ctx, orderID, txnID, statusCode, msg, o.clock.Now()); err != nil {
		o.log.Error("record gateway result", "order_id", orderID, "error", err)
	}
}

// Status returns the order's current state.
func (o *Orchestrator) Status(ctx context.Context, orderID string) (domain.OrderState, error) {
	order, err := o.store.Orders.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	return order.State, nil
}

// Settle locks the order and applies outcome in its own transaction. An
// order that is already terminal is returned unchanged.
func (o *Orchestrator) Settle(ctx context.Context, orderID string, outcome domain.Outcome, txnID string, source Source) (*domain.Order, error) {
	var settled *domain.Order
	var applied bool
	err := o.store.DB.WithTx(ctx, func(tx *repository.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		applied, err = o.ApplyOutcome(ctx, tx, order, outcome, txnID)
		if err != nil {
			return err
		}
		settled = order
		return nil
	})
	if err != nil {
		o.log.Error("settlement rolled back", "order_id", orderID, "outcome", outcome.String(), "error", err)
		return nil, err
	}
	if applied {
		o.ObserveApplied(settled, outcome, source)
	}
	return settled, nil
}

// ObserveApplied records a settlement applied through ApplyOutcome.
func (o *Orchestrator) ObserveApplied(order *domain.Order, outcome domain.Outcome, source Source) {
	o.metrics.ObserveSettlement(outcome, string(source))
	o.log.Info("order settled",
		"order_id", order.OrderID,
		"outcome", outcome.String(),
		"source", string(source),
		"base_amount", order.BaseAmount.String(),
		"fee", order.Fee.String(),
	)
}

// ApplyOutcome is the single ledger mutation for a conclusive outcome. The
// caller must hold the order row lock inside tx. It returns false without
// touching anything when the order is already terminal; any error means tx
// must be rolled back.
//
// On success it moves the client balance by the base amount, credits the
// assigned staff member, splits the admin share across every active admin
// account in one statement and adds the order to the system ledger. The
// order struct is updated in place.
func (o *Orchestrator) ApplyOutcome(ctx context.Context, tx *repository.Tx, order *domain.Order, outcome domain.Outcome, txnID string) (bool, error) {
	if order.State.Terminal() {
		return false, nil
	}
	to := outcome.State()
	if !order.State.Settleable() || !order.State.CanTransition(to) {
		return false, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, order.OrderID, order.State)
	}
	now := o.clock.Now()
	if txnID != "" {
		order.AggregatorTxnID = txnID
	}

	if outcome == domain.OutcomeSuccess {
		if err := o.applyBalances(ctx, tx, order, now); err != nil {
			return false, err
		}
	}

	ledger, err := tx.LockSystemLedger(ctx, now)
	if err != nil {
		return false, err
	}
	ledger.TotalTransactions++
	if outcome == domain.OutcomeSuccess {
		ledger.SuccessfulTransactions++
		ledger.TotalVolume = ledger.TotalVolume.Add(order.BaseAmount)
		ledger.TotalFees = ledger.TotalFees.Add(order.Fee)
		ledger.TotalStaffCommission = ledger.TotalStaffCommission.Add(order.StaffCommission)
		ledger.TotalAdminCommission = ledger.TotalAdminCommission.Add(order.AdminCommission)
		ledger.TotalPlatformEarnings = ledger.TotalPlatformEarnings.Add(order.PlatformProfit)
	} else {
		ledger.FailedTransactions++
	}
	ledger.UpdatedAt = now
	if err := tx.SaveSystemLedger(ctx, ledger); err != nil {
		return false, err
	}

	if err := tx.SettleOrder(ctx, order, to, now); err != nil {
		return false, err
	}
	order.State = to
	order.UpdatedAt = now
	order.SettledAt = &now
	return true, nil
}

func (o *Orchestrator) applyBalances(ctx context.Context, tx *repository.Tx, order *domain.Order, now time.Time) error {
	client, err := tx.LockClient(ctx, order.ClientID)
	if err != nil {
		return err
	}
	balance := client.Balance
	switch order.TransactionType {
	case domain.Collection:
		balance = balance.Add(order.BaseAmount)
	case domain.Disbursement:
		if balance.LessThan(order.BaseAmount) {
			return fmt.Errorf("%w: client %s holds %s, disbursement needs %s",
				domain.ErrInsufficientFunds, client.ID, balance, order.BaseAmount)
		}
		balance = balance.Sub(order.BaseAmount)
	}
	if err := tx.SetClientBalance(ctx, client.ID, balance, now); err != nil {
		return err
	}

	if order.StaffID != "" && order.StaffCommission.IsPositive() {
		sb, err := tx.LockStaffBalance(ctx, order.StaffID, now)
		if err != nil {
			return err
		}
		if err := tx.SetStaffBalance(ctx, order.StaffID, sb.Balance.Add(order.StaffCommission), now); err != nil {
			return err
		}
	}

	admins, err := tx.LockActiveAdmins(ctx)
	if err != nil {
		return err
	}
	if len(admins) == 0 {
		if order.AdminCommission.IsPositive() {
			o.log.Warn("no active admin accounts, admin share folded into platform profit",
				"order_id", order.OrderID, "admin_commission", order.AdminCommission.String())
		}
		folded := breakdownOf(order).WithoutAdmins()
		order.AdminCommission = folded.AdminCommission
		order.PlatformProfit = folded.PlatformProfit
		return nil
	}
	shares := commission.SplitEqually(order.AdminCommission, len(admins))
	balances := make(map[string]decimal.Decimal, len(admins))
	for i, a := range admins {
		balances[a.ID] = a.Balance.Add(shares[i])
	}
	return tx.SetAdminBalances(ctx, balances, now)
}

// FlagLedgerFailure raises a LEDGER_FAILURE discrepancy for an order whose
// conclusive outcome could not be applied.
func (o *Orchestrator) FlagLedgerFailure(ctx context.Context, orderID string, amount decimal.Decimal, cause error) {
	d := &domain.Discrepancy{
		Type:        domain.DiscrepancyLedgerFailure,
		OrderID:     orderID,
		Expected:    amount,
		Actual:      decimal.Zero,
		Difference:  amount,
		Description: "ledger update failed: " + cause.Error(),
		DetectedAt:  o.clock.Now(),
	}
	if err := o.store.Discrepancies.Insert(context.WithoutCancel(ctx), d); err != nil {
		o.log.Error("record discrepancy", "order_id", orderID, "error", err)
		return
	}
	o.metrics.ObserveDiscrepancy(d.Type)
}
