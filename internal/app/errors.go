/**
 * @description
 * Structured operation errors for the ledger's public contract. Every failure
 * crossing the app boundary is translated into one of these kinds so callers
 * (the bot's dialog layer, the HTTP API) can branch on a stable code while
 * still getting a human-readable message.
 */
package app

import "fmt"

// ErrorKind enumerates the ledger's failure taxonomy.
type ErrorKind string

const (
	ErrInvalidRequest          ErrorKind = "invalid_request"
	ErrInvalidAmount           ErrorKind = "invalid_amount"
	ErrInsufficientFunds       ErrorKind = "insufficient_funds"
	ErrInsufficientDemandFunds ErrorKind = "insufficient_demand_funds"
	ErrAccountUnavailable      ErrorKind = "account_unavailable"
	ErrRecordNotFound          ErrorKind = "record_not_found"
	ErrInvalidState            ErrorKind = "invalid_state"
	ErrRateLimited             ErrorKind = "rate_limited"
	ErrPersistenceFailure      ErrorKind = "persistence_failure"
)

// OpError is the structured error returned by every ledger operation.
type OpError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(kind ErrorKind, message string) *OpError {
	return &OpError{Kind: kind, Message: message}
}

func wrapErr(kind ErrorKind, message string, err error) *OpError {
	return &OpError{Kind: kind, Message: message, Err: err}
}

// AsOpError extracts the structured kind from any error the app returns,
// defaulting to persistence_failure for unclassified failures.
func AsOpError(err error) *OpError {
	if err == nil {
		return nil
	}
	if oe, ok := err.(*OpError); ok {
		return oe
	}
	return &OpError{Kind: ErrPersistenceFailure, Message: err.Error(), Err: err}
}
