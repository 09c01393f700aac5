package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by every subsystem.
var (
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
)

// Coordination errors. Each one maps to a single failure class of the
// agent process; none of them is fatal to the process as a whole.
var (
	// ErrTransport is a network or HTTP failure talking to the relay.
	ErrTransport = fmt.Errorf("relay transport failure")
	// ErrRegistration means the relay refused or could not record this agent.
	ErrRegistration = fmt.Errorf("relay registration failed")
	// ErrMalformedMessage marks an inbound message that cannot be routed.
	ErrMalformedMessage = fmt.Errorf("malformed message")
	// ErrInvalidTransition is a rejected conversation phase change.
	ErrInvalidTransition = fmt.Errorf("invalid conversation transition")
	// ErrGeneratorUnavailable means no response generator became ready in time.
	ErrGeneratorUnavailable = fmt.Errorf("response generator unavailable")
	// ErrQueueClosed is returned once the outbound queue has been shut down.
	ErrQueueClosed = fmt.Errorf("outbound queue closed")
	// ErrPlatform is a failure reported by the chat platform's own API.
	ErrPlatform = fmt.Errorf("platform api failure")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Transport.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for logs and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeEncryption           ErrorCode = "ENCRYPTION"
	CodeTransport            ErrorCode = "TRANSPORT"
	CodeRegistration         ErrorCode = "REGISTRATION"
	CodeMalformedMessage     ErrorCode = "MALFORMED_MESSAGE"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeGeneratorUnavailable ErrorCode = "GENERATOR_UNAVAILABLE"
	CodeQueueClosed          ErrorCode = "QUEUE_CLOSED"
	CodePlatform             ErrorCode = "PLATFORM"
)

// errorCodes is ordered most specific first: a registration failure also
// wraps ErrTransport and must resolve to REGISTRATION.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrRegistration, CodeRegistration},
	{ErrMalformedMessage, CodeMalformedMessage},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrGeneratorUnavailable, CodeGeneratorUnavailable},
	{ErrQueueClosed, CodeQueueClosed},
	{ErrPlatform, CodePlatform},
	{ErrTransport, CodeTransport},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrTimeout, CodeTimeout},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrEncryption, CodeEncryption},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.sentinel) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
