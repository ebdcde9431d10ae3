package settlement

import "errors"

var (
	ErrNotFound                  = errors.New("order not found")
	ErrAttemptNotFound           = errors.New("payment attempt not found")
	ErrInvalidOrder              = errors.New("invalid order")
	ErrMissingEncounterReference = errors.New("consultation orders require an appointment reference")
	ErrGatewayUnconfigured       = errors.New("no active payment gateway configuration for tenant")
	ErrInvalidSignature          = errors.New("payment signature verification failed")
	ErrAlreadyProcessed          = errors.New("payment attempt already processed")
	ErrNotCancellable            = errors.New("only pending orders can be cancelled")
	ErrUpstreamTimeout           = errors.New("payment gateway did not respond in time")
)
