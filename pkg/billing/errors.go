package billing

import "errors"

var (
	// ErrGatewayUnconfigured is returned when no payment provider credentials are present.
	// Callers fall back to a placeholder flow.
	ErrGatewayUnconfigured = errors.New("payment gateway not configured")

	// ErrGatewayError is returned when the payment provider fails, times out, or the
	// circuit breaker is open
	ErrGatewayError = errors.New("payment gateway error")

	// ErrMissingCustomer is returned when a billing portal is requested for a user
	// that has no linked external customer
	ErrMissingCustomer = errors.New("no linked payment customer")

	// ErrSignatureInvalid is returned when webhook signature validation fails
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a verified webhook payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
