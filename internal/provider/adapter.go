// Package provider implements the PEPPOL access point adapters.
package provider

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/signature"
)

// Adapter translates canonical exchange operations into one access point's API.
// All methods except Descriptor and VerifyWebhookSignature perform network I/O.
type Adapter interface {
	// Descriptor returns the static registration record
	Descriptor() Descriptor

	// Authenticate returns a valid credential, reusing a cached one until expiry
	Authenticate(ctx context.Context) (*Credential, error)

	// SendDocument transmits UBL. Errors are *model.SendError, *model.AuthError
	// or *model.ProtocolError.
	SendDocument(ctx context.Context, ubl []byte, meta SendMetadata) (*SendResult, error)

	// FetchStatus polls delivery state. Unknown ids yield *model.NotFoundError.
	FetchStatus(ctx context.Context, providerDocumentID string) (*RemoteStatus, error)

	// ListInbound lazily pages through documents received since the given
	// time. Each call starts a fresh listing.
	ListInbound(ctx context.Context, since time.Time) iter.Seq2[RemoteDocumentRef, error]

	// TestConnection checks the credentials without side effects
	TestConnection(ctx context.Context) ConnectionResult

	// VerifyWebhookSignature reports whether a webhook request is authentic
	VerifyWebhookSignature(headers http.Header, body []byte, secret string) bool
}

// ContentFetcher is implemented by adapters that can download inbound UBL
type ContentFetcher interface {
	FetchContent(ctx context.Context, providerDocumentID string) ([]byte, error)
}

// ReferenceLookup is implemented by adapters that can find an outbound
// document by the reference given in SendMetadata.LocalReference
type ReferenceLookup interface {
	FindByReference(ctx context.Context, reference string) (*RemoteStatus, error)
}

// LegalEntityRegistrar is implemented by adapters that manage participant
// registration in the PEPPOL directory
type LegalEntityRegistrar interface {
	RegisterLegalEntity(ctx context.Context, party model.Party) (string, error)
}

// Capabilities is the set of features an access point supports
type Capabilities struct {
	Send           bool `json:"send"`
	Receive        bool `json:"receive"`
	StatusTracking bool `json:"status_tracking"`
	Webhooks       bool `json:"webhooks"`
	LegalEntities  bool `json:"legal_entities"`
}

// AuthScheme is how an adapter authenticates against its API
type AuthScheme string

const (
	AuthOAuth2 AuthScheme = "oauth2"
	AuthBasic  AuthScheme = "basic"
	AuthBearer AuthScheme = "bearer"
)

// Endpoints holds the API base URL per environment
type Endpoints struct {
	Live    string `json:"live"`
	Sandbox string `json:"sandbox"`
}

// WebhookConfig describes how the provider signs its callbacks
type WebhookConfig struct {
	SignatureHeader string           `json:"signature_header,omitempty"`
	Scheme          signature.Scheme `json:"scheme"`
}

// Descriptor is the immutable registration record of a provider
type Descriptor struct {
	ID           model.ProviderID `json:"id"`
	DisplayName  string           `json:"display_name"`
	Capabilities Capabilities     `json:"capabilities"`
	AuthScheme   AuthScheme       `json:"auth_scheme"`
	Endpoints    Endpoints        `json:"endpoints"`
	Webhook      WebhookConfig    `json:"webhook"`
}

// Credential is an authorization value for API calls
type Credential struct {
	Scheme    AuthScheme
	Token     string
	ExpiresAt time.Time // zero means it does not expire
}

// Header returns the Authorization header value
func (c *Credential) Header() string {
	if c.Scheme == AuthBasic {
		return "Basic " + c.Token
	}
	return "Bearer " + c.Token
}

// Valid reports whether the credential can still be used at now, keeping a
// safety margin before expiry
func (c *Credential) Valid(now time.Time, margin time.Duration) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Add(margin).Before(c.ExpiresAt)
}

// SendMetadata accompanies a UBL payload. LocalReference is stable across
// retries of the same document and lets providers deduplicate submissions.
type SendMetadata struct {
	DocumentID     string
	DocumentType   model.DocumentType
	LocalReference string
	Sender         model.Party
	Receiver       model.Party
}

// SendResult identifies an accepted transmission
type SendResult struct {
	ProviderDocumentID string `json:"provider_document_id"`
	TransmissionID     string `json:"transmission_id,omitempty"`
}

// RemoteStatus is the provider's view of a document, already mapped onto
// the canonical event vocabulary
type RemoteStatus struct {
	ProviderDocumentID string             `json:"provider_document_id"`
	TransmissionID     string             `json:"transmission_id,omitempty"`
	Event              model.EventType    `json:"event"`
	ResponseCode       model.ResponseCode `json:"response_code,omitempty"`
	Message            string             `json:"message,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// RemoteDocumentRef points at an inbound document on the provider side
type RemoteDocumentRef struct {
	ProviderDocumentID string             `json:"provider_document_id"`
	TransmissionID     string             `json:"transmission_id,omitempty"`
	DocumentType       model.DocumentType `json:"document_type"`
	Sender             string             `json:"sender,omitempty"`
	ReceivedAt         time.Time          `json:"received_at"`
}

// ConnectionResult is the outcome of TestConnection
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
