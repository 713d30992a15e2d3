package connect

import "fmt"

// FailureReason is the terminal outcome of a failed callback, surfaced to the
// browser as the reason query parameter of the error redirect.
type FailureReason string

const (
	ReasonConfiguration  FailureReason = "configuration"
	ReasonInvalidRequest FailureReason = "invalid_request"
	ReasonInvalidState   FailureReason = "invalid_state"
	ReasonExpiredState   FailureReason = "expired_state"
	ReasonDecryption     FailureReason = "decryption"
	ReasonTokenExchange  FailureReason = "token_exchange"
	ReasonIdentity       FailureReason = "identity"
	ReasonEncryption     FailureReason = "encryption"
	ReasonStorage        FailureReason = "storage"
	ReasonInternal       FailureReason = "internal"
)

// CallbackError reports which callback step failed and why.
type CallbackError struct {
	Reason FailureReason
	Step   string
	Err    error
}

func newCallbackError(reason FailureReason, step string, err error) *CallbackError {
	return &CallbackError{Reason: reason, Step: step, Err: err}
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s: %s: %v", e.Step, e.Reason, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
