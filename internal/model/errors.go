package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages
var (
	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a uniqueness constraint rejects a write
	ErrDuplicate = errors.New("duplicate record")

	// ErrUnsupported is returned by adapters lacking a capability
	ErrUnsupported = errors.New("operation not supported by provider")
)

// ParseError represents inbound UBL that could not be parsed
type ParseError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse %s: %s (%v)", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("parse %s: %s", e.Field, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error
func NewParseError(field, message string, cause error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// ValidationError represents missing or malformed local data.
// It is never retried.
type ValidationError struct {
	Field   string
	Value   interface{}
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed on %s: %s (value=%v, rule=%s)", e.Field, e.Message, e.Value, e.Rule)
	}
	return fmt.Sprintf("validation failed on %s: %s (rule=%s)", e.Field, e.Message, e.Rule)
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value interface{}, rule, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	}
}

// MissingField is shorthand for a required-field validation failure
func MissingField(field string) *ValidationError {
	return NewValidationError(field, nil, "required", "missing required field")
}

// TaxComputationError is returned when a tax percentage cannot be derived
type TaxComputationError struct {
	Subtotal string
	Total    string
}

func (e *TaxComputationError) Error() string {
	return fmt.Sprintf("cannot derive tax percentage: subtotal=%s total=%s", e.Subtotal, e.Total)
}

// AuthError represents an invalid or expired provider credential
type AuthError struct {
	Provider   ProviderID
	StatusCode int
	Message    string
	Cause      error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] authentication failed: %s (%v)", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] authentication failed: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// NewAuthError creates a new authentication error
func NewAuthError(provider ProviderID, statusCode int, message string, cause error) *AuthError {
	return &AuthError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// SendError represents a failed transmission. Retryable drives the
// orchestrator's retry policy.
type SendError struct {
	Provider   ProviderID
	StatusCode int
	Retryable  bool
	Message    string
	Cause      error
}

func (e *SendError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] send failed (%s): %s (%v)", e.Provider, kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] send failed (%s): %s (status=%d)", e.Provider, kind, e.Message, e.StatusCode)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// NewSendError creates a new send error
func NewSendError(provider ProviderID, statusCode int, retryable bool, message string, cause error) *SendError {
	return &SendError{
		Provider:   provider,
		StatusCode: statusCode,
		Retryable:  retryable,
		Message:    message,
		Cause:      cause,
	}
}

// ProtocolError represents a provider response with an unexpected shape.
// Body holds the verbatim response for diagnostics.
type ProtocolError struct {
	Provider   ProviderID
	Operation  string
	StatusCode int
	Body       string
	Cause      error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] unexpected %s response (status=%d): %v", e.Provider, e.Operation, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("[%s] unexpected %s response (status=%d)", e.Provider, e.Operation, e.StatusCode)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new protocol error
func NewProtocolError(provider ProviderID, operation string, statusCode int, body []byte, cause error) *ProtocolError {
	return &ProtocolError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: statusCode,
		Body:       string(body),
		Cause:      cause,
	}
}

// NotFoundError is returned when a provider does not know a document id
type NotFoundError struct {
	Provider   ProviderID
	DocumentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("[%s] remote document %s not found", e.Provider, e.DocumentID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ReconcileError represents a failed local side effect for an inbound document
type ReconcileError struct {
	DocumentID string
	Message    string
	Cause      error
}

func (e *ReconcileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reconcile %s: %s (%v)", e.DocumentID, e.Message, e.Cause)
	}
	return fmt.Sprintf("reconcile %s: %s", e.DocumentID, e.Message)
}

func (e *ReconcileError) Unwrap() error {
	return e.Cause
}

// NewReconcileError creates a new reconcile error
func NewReconcileError(documentID, message string, cause error) *ReconcileError {
	return &ReconcileError{
		DocumentID: documentID,
		Message:    message,
		Cause:      cause,
	}
}

// UnrecognizedFormatError is returned for webhook payloads whose shape or
// event type cannot be mapped onto the canonical vocabulary
type UnrecognizedFormatError struct {
	Provider  ProviderID
	EventType string
	Message   string
}

func (e *UnrecognizedFormatError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("[%s] unrecognized event %q: %s", e.Provider, e.EventType, e.Message)
	}
	return fmt.Sprintf("[%s] unrecognized payload: %s", e.Provider, e.Message)
}

// TransitionError is returned when a status change is not permitted
type TransitionError struct {
	DocumentID string
	From       Status
	To         Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("document %s: transition %s -> %s not permitted", e.DocumentID, e.From, e.To)
}

// IsRetryable reports whether err is a SendError marked retryable
func IsRetryable(err error) bool {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Retryable
	}
	return false
}
