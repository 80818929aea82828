package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wakala/settlement/internal/clock"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/logging"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/signature"
)

const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

type Config struct {
	BaseURL    string
	MerchantID string
	APIKey     string
	NotifyURL  string
	Version    string
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

// Client talks to the payment aggregator over signed JSON POSTs.
type Client struct {
	baseURL    string
	merchantID string
	apiKey     string
	notifyURL  string
	version    string
	timeout    time.Duration
	retry      RetryPolicy
	http       *http.Client
	clock      clock.Clock
	metrics    *metrics.Metrics
	log        *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		merchantID: cfg.MerchantID,
		apiKey:     cfg.APIKey,
		notifyURL:  cfg.NotifyURL,
		version:    cfg.Version,
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
		http:       cfg.HTTPClient,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		log:        logging.Component("aggregator"),
	}
}

// APIKey is the shared secret notifications are verified with.
func (c *Client) APIKey() string {
	return c.apiKey
}

func (c *Client) timestamp() int64 {
	return c.clock.Now().Unix()
}

// CreateOrder submits a collection or disbursement. A nil error means the
// aggregator answered; the caller inspects Accepted.
func (c *Client) CreateOrder(ctx context.Context, r CreateOrderRequest) (*OrderResponse, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	fields := createOrderFields(c.version, c.merchantID, c.timestamp(), r, c.notifyURL)
	c.log.Info("creating order",
		"order_id", r.OrderID,
		"type", r.TransactionType.String(),
		"amount_minor", r.AmountMinor,
	)
	return c.orderCall(ctx, PathUnifiedOrder, fields)
}

// QueryOrder asks once for an order's status.
func (c *Client) QueryOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id required", domain.ErrValidation)
	}
	return c.orderCall(ctx, PathOrderQuery, orderQueryFields(c.version, c.merchantID, c.timestamp(), orderID))
}

var errInconclusive = errors.New("order status inconclusive")

// PollOrder queries the order under the retry policy until the aggregator
// reports a final pay status. Exhausting the policy returns
// ErrSettlementIndeterminate.
func (c *Client) PollOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	attempt := 0
	resp, err := retry(ctx, c.retry, func() (*OrderResponse, error) {
		attempt++
		resp, err := c.QueryOrder(ctx, orderID)
		if errors.Is(err, domain.ErrValidation) {
			return nil, backoffPermanent(err)
		}
		if err != nil {
			c.log.Warn("order query failed", "order_id", orderID, "attempt", attempt, "error", err)
			return nil, err
		}
		if _, ok := resp.QueryOutcome(); !ok {
			c.log.Debug("order query inconclusive", "order_id", orderID, "attempt", attempt,
				"status_code", resp.StatusCode)
			return resp, errInconclusive
		}
		return resp, nil
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, domain.ErrValidation) {
		return nil, err
	}
	return resp, fmt.Errorf("%w: order %s after %d attempts: %v",
		domain.ErrSettlementIndeterminate, orderID, attempt, err)
}

func (c *Client) QueryBalance(ctx context.Context) (*BalanceResponse, error) {
	env, err := c.call(ctx, PathBalance, balanceFields(c.version, c.merchantID, c.timestamp()))
	if err != nil {
		return nil, err
	}
	out := &BalanceResponse{StatusCode: int(env.StatusCode), Succeeded: env.Succeeded, Errors: env.errorText()}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		var data struct {
			Balance json.RawMessage `json:"Balance"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: decode balance: %v", domain.ErrGatewayUnavailable, err)
		}
		if len(data.Balance) > 0 {
			if err := out.Balance.UnmarshalJSON(data.Balance); err != nil {
				return nil, fmt.Errorf("%w: decode balance: %v", domain.ErrGatewayUnavailable, err)
			}
		}
	}
	return out, nil
}

func (c *Client) PrepaidBill(ctx context.Context, r BillRequest) (*BillResponse, error) {
	switch {
	case !r.Channel.Valid(), !r.TransactionType.Valid():
		return nil, fmt.Errorf("%w: invalid channel or transaction type", domain.ErrValidation)
	case r.TraderID == "":
		return nil, fmt.Errorf("%w: trader id required", domain.ErrValidation)
	case r.AmountMinor <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	env, err := c.call(ctx, PathBill, billFields(c.version, c.merchantID, c.timestamp(), r))
	if err != nil {
		return nil, err
	}
	out := &BillResponse{StatusCode: int(env.StatusCode), Succeeded: env.Succeeded, Errors: env.errorText()}
	if err := decodeData(env.Data, &out.Data); err != nil {
		return nil, err
	}
	return out, nil
}

// Statement fetches the merchant statement for an optional date window.
func (c *Client) Statement(ctx context.Context, start, end *time.Time) (*StatementResponse, error) {
	var from, to string
	if start != nil {
		from = start.In(eat).Format(StatementDateLayout)
	}
	if end != nil {
		to = end.In(eat).Format(StatementDateLayout)
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, fmt.Errorf("%w: end before start", domain.ErrValidation)
	}
	env, err := c.call(ctx, PathStatement, statementFields(c.version, c.merchantID, c.timestamp(), from, to))
	if err != nil {
		return nil, err
	}
	return &StatementResponse{
		StatusCode: int(env.StatusCode),
		Succeeded:  env.Succeeded,
		Errors:     env.errorText(),
		Data:       env.Data,
	}, nil
}

func (c *Client) orderCall(ctx context.Context, path string, fields []signature.Field) (*OrderResponse, error) {
	env, err := c.call(ctx, path, fields)
	if err != nil {
		return nil, err
	}
	out := &OrderResponse{StatusCode: int(env.StatusCode), Succeeded: env.Succeeded, Errors: env.errorText()}
	if err := decodeData(env.Data, &out.Data); err != nil {
		return nil, err
	}
	return out, nil
}

// call signs fields, POSTs them to path and decodes the response envelope.
// Transport errors, non-2xx statuses and undecodable bodies are all
// ErrGatewayUnavailable.
func (c *Client) call(ctx context.Context, path string, fields []signature.Field) (env *envelope, err error) {
	started := time.Now()
	endpoint := strings.TrimPrefix(path, "/")
	defer func() { c.metrics.ObserveGateway(endpoint, started, err) }()

	body, err := encodeSigned(fields, c.apiKey)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrGatewayUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", domain.ErrGatewayUnavailable, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", domain.ErrGatewayUnavailable, endpoint, resp.StatusCode)
	}

	env = &envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", domain.ErrGatewayUnavailable, endpoint, err)
	}
	return env, nil
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode data: %v", domain.ErrGatewayUnavailable, err)
	}
	return nil
}
