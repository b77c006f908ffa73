package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

// Scheme names a webhook authentication scheme
type Scheme string

const (
	SchemeHMACSHA256 Scheme = "hmac-sha256"
	SchemeBearer     Scheme = "bearer"
	SchemeNone       Scheme = "none"
)

// Verifier checks that a webhook request was issued by the provider
type Verifier interface {
	// Verify returns a *SignatureError when the request must be rejected
	Verify(headers http.Header, body []byte, secret string) error

	// Scheme returns the scheme this verifier implements
	Scheme() Scheme
}

// NewVerifier returns the verifier for scheme reading the given header
func NewVerifier(scheme Scheme, header string) (Verifier, error) {
	switch scheme {
	case SchemeHMACSHA256:
		return &HMACVerifier{Header: header}, nil
	case SchemeBearer:
		if header == "" {
			header = "Authorization"
		}
		return &BearerVerifier{Header: header}, nil
	case SchemeNone:
		return noneVerifier{}, nil
	default:
		return nil, ErrUnsupportedScheme(string(scheme))
	}
}

// HMACVerifier checks an HMAC-SHA256 of the raw body. The header may carry
// the digest as hex or base64, optionally prefixed with "sha256=".
type HMACVerifier struct {
	Header string
}

// Scheme returns SchemeHMACSHA256
func (v *HMACVerifier) Scheme() Scheme {
	return SchemeHMACSHA256
}

// Verify checks the header against the body digest
func (v *HMACVerifier) Verify(headers http.Header, body []byte, secret string) error {
	if secret == "" {
		return ErrMissingSecret()
	}
	value := strings.TrimSpace(headers.Get(v.Header))
	if value == "" {
		return ErrNoSignature(v.Header)
	}
	value = strings.TrimPrefix(value, "sha256=")

	got, err := decodeDigest(value)
	if err != nil {
		return ErrMalformed(v.Header, err)
	}
	if !hmac.Equal(got, Sign(body, secret)) {
		return ErrInvalidSignature(v.Header)
	}
	return nil
}

// Sign computes the HMAC-SHA256 digest of body
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex computes the hex encoded HMAC-SHA256 digest of body
func SignHex(body []byte, secret string) string {
	return hex.EncodeToString(Sign(body, secret))
}

func decodeDigest(value string) ([]byte, error) {
	if len(value) == sha256.Size*2 {
		if b, err := hex.DecodeString(value); err == nil {
			return b, nil
		}
	}
	return base64.StdEncoding.DecodeString(value)
}

// BearerVerifier compares a shared token sent as "Bearer <token>"
type BearerVerifier struct {
	Header string
}

// Scheme returns SchemeBearer
func (v *BearerVerifier) Scheme() Scheme {
	return SchemeBearer
}

// Verify compares the presented token with secret in constant time
func (v *BearerVerifier) Verify(headers http.Header, _ []byte, secret string) error {
	if secret == "" {
		return ErrMissingSecret()
	}
	value := strings.TrimSpace(headers.Get(v.Header))
	if value == "" {
		return ErrNoSignature(v.Header)
	}
	token := value
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		token = strings.TrimSpace(value[7:])
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrInvalidSignature(v.Header)
	}
	return nil
}

type noneVerifier struct{}

func (noneVerifier) Scheme() Scheme {
	return SchemeNone
}

// Verify rejects everything; providers without webhooks must be polled
func (noneVerifier) Verify(http.Header, []byte, string) error {
	return ErrUnsupportedScheme(string(SchemeNone))
}
