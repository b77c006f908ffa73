package signature

import "fmt"

// Error codes for webhook signature verification
const (
	ErrCodeNoSignature       = "NO_SIGNATURE"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeMalformed         = "MALFORMED_SIGNATURE"
	ErrCodeMissingSecret     = "MISSING_SECRET"
	ErrCodeUnsupportedScheme = "UNSUPPORTED_SCHEME"
	ErrCodeUnknownProvider   = "UNKNOWN_PROVIDER"
)

// SignatureError represents a rejected webhook request. It never results
// in a state change.
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *SignatureError) Error() string {
	if e.Field != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Field, e.Message, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// NewSignatureError creates a new signature error
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// Common error constructors

// ErrNoSignature returns error when the signature header is absent
func ErrNoSignature(header string) *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, header, "signature header missing", nil)
}

// ErrInvalidSignature returns error when the signature does not match
func ErrInvalidSignature(header string) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, header, "signature does not match payload", nil)
}

// ErrMalformed returns error when the signature cannot be decoded
func ErrMalformed(header string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeMalformed, header, "signature is not well-formed", cause)
}

// ErrMissingSecret returns error when no webhook secret is configured
func ErrMissingSecret() *SignatureError {
	return NewSignatureError(ErrCodeMissingSecret, "", "no webhook secret configured", nil)
}

// ErrUnsupportedScheme returns error for unknown signature schemes
func ErrUnsupportedScheme(scheme string) *SignatureError {
	return NewSignatureError(ErrCodeUnsupportedScheme, "", fmt.Sprintf("unsupported scheme: %s", scheme), nil)
}

// ErrUnknownProvider returns error when a webhook names no registered provider
func ErrUnknownProvider(provider string) *SignatureError {
	return NewSignatureError(ErrCodeUnknownProvider, "provider", fmt.Sprintf("unknown provider: %q", provider), nil)
}
