package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/signature"
)

var recommandDescriptor = Descriptor{
	ID:          model.ProviderRecommand,
	DisplayName: "Recommand",
	Capabilities: Capabilities{
		Send:           true,
		Receive:        true,
		StatusTracking: true,
		Webhooks:       true,
	},
	AuthScheme: AuthBearer,
	Endpoints: Endpoints{
		Live:    "https://peppol.recommand.eu",
		Sandbox: "https://peppol.recommand.eu",
	},
	Webhook: WebhookConfig{
		SignatureHeader: "Authorization",
		Scheme:          signature.SchemeBearer,
	},
}

// RecommandCredentials hold the API token and the company the token acts for
type RecommandCredentials struct {
	APIToken  string
	CompanyID string
}

// Recommand is the adapter for the Recommand API. Sandbox and live share a
// host; the company decides which environment a document goes through.
type Recommand struct {
	api       *apiClient
	creds     RecommandCredentials
	verifier  signature.Verifier
	sandboxed bool
}

// NewRecommand creates the Recommand adapter
func NewRecommand(creds RecommandCredentials, opts Options) *Recommand {
	r := &Recommand{
		creds:     creds,
		verifier:  &signature.BearerVerifier{Header: "Authorization"},
		sandboxed: !opts.Live,
	}
	r.api = newAPIClient(model.ProviderRecommand, opts, recommandDescriptor.Endpoints, r.login)
	return r
}

// Descriptor returns the Recommand registration record
func (r *Recommand) Descriptor() Descriptor {
	return recommandDescriptor
}

func (r *Recommand) login(context.Context) (*Credential, error) {
	if r.creds.APIToken == "" {
		return nil, model.NewAuthError(model.ProviderRecommand, 0, "api token is required", nil)
	}
	cred := &Credential{Scheme: AuthBearer, Token: r.creds.APIToken}
	if exp, ok := ExpiryFromJWT(r.creds.APIToken); ok {
		cred.ExpiresAt = exp
	}
	return cred, nil
}

// Authenticate returns the configured bearer token
func (r *Recommand) Authenticate(ctx context.Context) (*Credential, error) {
	return r.api.credential(ctx)
}

func (r *Recommand) companyPath(suffix string) (string, error) {
	if r.creds.CompanyID == "" {
		return "", model.MissingField("providers.recommand.company_id")
	}
	return "/api/peppol/" + url.PathEscape(r.creds.CompanyID) + suffix, nil
}

type recommandSendRequest struct {
	Recipient    string `json:"recipient"`
	DocumentType string `json:"documentType"`
	Document     string `json:"document"`
	Reference    string `json:"reference,omitempty"`
	Sandbox      bool   `json:"sandbox,omitempty"`
}

type recommandEnvelope struct {
	Success bool            `json:"success"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

type recommandSendResponse struct {
	recommandEnvelope
	ID             string `json:"id"`
	TransmissionID string `json:"transmissionId"`
}

// SendDocument submits UBL through the company's send endpoint
func (r *Recommand) SendDocument(ctx context.Context, ubl []byte, meta SendMetadata) (*SendResult, error) {
	path, err := r.companyPath("/sendDocument")
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(recommandSendRequest{
		Recipient:    meta.Receiver.ParticipantID(),
		DocumentType: "xml",
		Document:     string(ubl),
		Reference:    meta.LocalReference,
		Sandbox:      r.sandboxed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	resp, err := r.api.do(ctx, apiRequest{
		op:          "send",
		method:      http.MethodPost,
		path:        path,
		body:        payload,
		contentType: "application/json",
	})
	if err := r.api.classifySend(resp, err); err != nil {
		return nil, err
	}

	var out recommandSendResponse
	if err := r.api.decode("send", resp, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, model.NewSendError(model.ProviderRecommand, resp.status, false, errorMessage(resp.body), nil)
	}
	if out.ID == "" {
		return nil, model.NewProtocolError(model.ProviderRecommand, "send", resp.status, resp.body, errors.New("id missing"))
	}
	return &SendResult{ProviderDocumentID: out.ID, TransmissionID: out.TransmissionID}, nil
}

type recommandDocument struct {
	ID           string     `json:"id"`
	Direction    string     `json:"direction"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	ResponseCode string     `json:"responseCode"`
	Message      string     `json:"message"`
	SenderID     string     `json:"senderId"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ReadAt       *time.Time `json:"readAt"`
}

// FetchStatus reads one document
func (r *Recommand) FetchStatus(ctx context.Context, providerDocumentID string) (*RemoteStatus, error) {
	path, err := r.companyPath("/documents/" + url.PathEscape(providerDocumentID))
	if err != nil {
		return nil, err
	}
	resp, err := r.api.do(ctx, apiRequest{op: "status", method: http.MethodGet, path: path})
	if err := r.api.classifyRead("status", providerDocumentID, resp, err); err != nil {
		return nil, err
	}

	var out struct {
		recommandEnvelope
		Document recommandDocument `json:"document"`
	}
	if err := r.api.decode("status", resp, &out); err != nil {
		return nil, err
	}
	event, ok := RecommandEvent(out.Document.Status)
	if !ok {
		return nil, model.NewProtocolError(model.ProviderRecommand, "status", resp.status, resp.body, fmt.Errorf("unknown status %q", out.Document.Status))
	}
	return &RemoteStatus{
		ProviderDocumentID: providerDocumentID,
		Event:              event,
		ResponseCode:       model.ResponseCode(strings.ToUpper(out.Document.ResponseCode)),
		Message:            out.Document.Message,
		UpdatedAt:          out.Document.UpdatedAt,
	}, nil
}

// ListInbound pages through incoming documents
func (r *Recommand) ListInbound(ctx context.Context, since time.Time) iter.Seq2[RemoteDocumentRef, error] {
	return func(yield func(RemoteDocumentRef, error) bool) {
		const limit = 50
		for page := 1; ; page++ {
			q := url.Values{}
			q.Set("direction", "incoming")
			q.Set("from", since.UTC().Format(time.RFC3339))
			q.Set("page", fmt.Sprint(page))
			q.Set("limit", fmt.Sprint(limit))

			path, err := r.companyPath("/documents?" + q.Encode())
			if err != nil {
				yield(RemoteDocumentRef{}, err)
				return
			}
			resp, err := r.api.do(ctx, apiRequest{op: "list_inbound", method: http.MethodGet, path: path})
			if err := r.api.classifyRead("list_inbound", "", resp, err); err != nil {
				yield(RemoteDocumentRef{}, err)
				return
			}

			var out struct {
				recommandEnvelope
				Documents  []recommandDocument `json:"documents"`
				Pagination struct {
					Total int `json:"total"`
					Page  int `json:"page"`
				} `json:"pagination"`
			}
			if err := r.api.decode("list_inbound", resp, &out); err != nil {
				yield(RemoteDocumentRef{}, err)
				return
			}
			for _, d := range out.Documents {
				ref := RemoteDocumentRef{
					ProviderDocumentID: d.ID,
					DocumentType:       CanonicalDocumentType(d.Type),
					Sender:             d.SenderID,
					ReceivedAt:         d.CreatedAt,
				}
				if !yield(ref, nil) {
					return
				}
			}
			if len(out.Documents) < limit || page*limit >= out.Pagination.Total {
				return
			}
		}
	}
}

// FetchContent downloads the XML of a received document
func (r *Recommand) FetchContent(ctx context.Context, providerDocumentID string) ([]byte, error) {
	path, err := r.companyPath("/documents/" + url.PathEscape(providerDocumentID) + "/xml")
	if err != nil {
		return nil, err
	}
	resp, err := r.api.do(ctx, apiRequest{op: "content", method: http.MethodGet, path: path, accept: "application/xml"})
	if err := r.api.classifyRead("content", providerDocumentID, resp, err); err != nil {
		return nil, err
	}
	return resp.body, nil
}

// TestConnection verifies the token
func (r *Recommand) TestConnection(ctx context.Context) ConnectionResult {
	return r.api.testConnection(ctx, apiRequest{
		op:     "test_connection",
		method: http.MethodGet,
		path:   "/api/core/auth/verify",
	})
}

// VerifyWebhookSignature compares the bearer token of the callback
func (r *Recommand) VerifyWebhookSignature(headers http.Header, body []byte, secret string) bool {
	return r.verifier.Verify(headers, body, secret) == nil
}

// RecommandEvent maps a Recommand status or event name
func RecommandEvent(status string) (model.EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "document.received", "received", "incoming":
		return model.EventDocumentReceived, true
	case "document.sent", "sent", "sending", "outgoing":
		return model.EventDocumentSent, true
	case "document.delivered", "delivered", "read":
		return model.EventDocumentDelivered, true
	case "document.failed", "failed", "error":
		return model.EventDocumentFailed, true
	case "document.rejected", "rejected":
		return model.EventDocumentRejected, true
	case "document.status_updated", "status_updated", "response":
		return model.EventStatusUpdated, true
	}
	return "", false
}
