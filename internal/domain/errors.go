package domain

import "errors"

var (
	// ErrValidation covers missing or malformed input and illegal state for the
	// requested operation. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotReady means the solver's sub-account cannot receive transfers yet.
	// The caller has to finish onboarding first.
	ErrNotReady = errors.New("solver not ready to receive payments")
	// ErrProcessorTransient is a network, timeout or rate-limit failure at the
	// payment processor. The outcome of a mutating call may be unknown, so the
	// next attempt reconciles by readback before repeating the call.
	ErrProcessorTransient = errors.New("payment processor unavailable")
	// ErrProcessorPermanent is a processor rejection (declined, restricted,
	// invalid request). Surfaced verbatim, never retried automatically.
	ErrProcessorPermanent = errors.New("payment processor rejected request")
	// ErrLedgerWrite is a store failure after a successful processor action.
	// Always logged with the processor reference so the write can be replayed.
	ErrLedgerWrite = errors.New("ledger write failed")

	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidPolicy    = errors.New("invalid governance policy")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrUnsupportedEvent = errors.New("unsupported event type")
)
