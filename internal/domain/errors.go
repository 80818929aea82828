package domain

import "errors"

var (
	// ErrValidation marks bad caller input. Not retryable.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientFunds marks a disbursement the client balance cannot cover.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrGatewayUnavailable marks a network, timeout or decode failure talking
	// to the aggregator. The order keeps its prior state.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrSettlementIndeterminate means the aggregator gave no conclusive answer
	// within the retry budget; a webhook or the sweep will resolve the order.
	ErrSettlementIndeterminate = errors.New("settlement indeterminate")
	ErrSignatureInvalid        = errors.New("signature invalid")
	// ErrDuplicateNotification is an idempotent no-op, not a failure.
	ErrDuplicateNotification = errors.New("duplicate notification")
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid state transition")
)
