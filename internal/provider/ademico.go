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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/signature"
)

// AdemicoSignatureHeader carries the hex HMAC-SHA256 of the webhook body
const AdemicoSignatureHeader = "X-Ademico-Signature"

var ademicoDescriptor = Descriptor{
	ID:          model.ProviderAdemico,
	DisplayName: "Ademico",
	Capabilities: Capabilities{
		Send:           true,
		Receive:        true,
		StatusTracking: true,
		Webhooks:       true,
		LegalEntities:  true,
	},
	AuthScheme: AuthOAuth2,
	Endpoints: Endpoints{
		Live:    "https://peppol-api.ademico-software.com",
		Sandbox: "https://test-peppol-api.ademico-software.com",
	},
	Webhook: WebhookConfig{
		SignatureHeader: AdemicoSignatureHeader,
		Scheme:          signature.SchemeHMACSHA256,
	},
}

// AdemicoCredentials configures the OAuth2 client credentials grant
type AdemicoCredentials struct {
	ClientID     string
	ClientSecret string
}

// Ademico is the adapter for the Ademico access point
type Ademico struct {
	api      *apiClient
	oauth    clientcredentials.Config
	verifier signature.Verifier
}

// NewAdemico creates the Ademico adapter
func NewAdemico(creds AdemicoCredentials, opts Options) *Ademico {
	a := &Ademico{
		verifier: &signature.HMACVerifier{Header: AdemicoSignatureHeader},
	}
	a.api = newAPIClient(model.ProviderAdemico, opts, ademicoDescriptor.Endpoints, a.login)
	a.oauth = clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     a.api.baseURL + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return a
}

// Descriptor returns the Ademico registration record
func (a *Ademico) Descriptor() Descriptor {
	return ademicoDescriptor
}

func (a *Ademico) login(ctx context.Context) (*Credential, error) {
	if a.oauth.ClientID == "" || a.oauth.ClientSecret == "" {
		return nil, model.NewAuthError(model.ProviderAdemico, 0, "client id and secret are required", nil)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.api.http)

	tok, err := a.oauth.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, model.NewAuthError(model.ProviderAdemico, re.Response.StatusCode, "token request rejected", err)
		}
		return nil, model.NewAuthError(model.ProviderAdemico, 0, "token request failed", err)
	}

	expires := tok.Expiry
	if expires.IsZero() {
		if exp, ok := ExpiryFromJWT(tok.AccessToken); ok {
			expires = exp
		}
	}
	a.api.logger.DebugContext(ctx, "obtained access token", "expires_at", expires)
	return &Credential{Scheme: AuthOAuth2, Token: tok.AccessToken, ExpiresAt: expires}, nil
}

// Authenticate returns a cached or freshly issued access token
func (a *Ademico) Authenticate(ctx context.Context) (*Credential, error) {
	return a.api.credential(ctx)
}

type ademicoSubmission struct {
	Receiver     string `json:"receiver"`
	Sender       string `json:"sender"`
	DocumentType string `json:"documentType"`
	Reference    string `json:"reference,omitempty"`
	Document     string `json:"document"`
}

type ademicoSubmissionResponse struct {
	DocumentID     string `json:"documentId"`
	TransmissionID string `json:"transmissionId"`
}

// SendDocument submits UBL for transmission
func (a *Ademico) SendDocument(ctx context.Context, ubl []byte, meta SendMetadata) (*SendResult, error) {
	payload, err := json.Marshal(ademicoSubmission{
		Receiver:     meta.Receiver.ParticipantID(),
		Sender:       meta.Sender.ParticipantID(),
		DocumentType: ademicoDocumentType(meta.DocumentType),
		Reference:    meta.LocalReference,
		Document:     string(ubl),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	resp, err := a.api.do(ctx, apiRequest{
		op:          "send",
		method:      http.MethodPost,
		path:        "/api/peppol/v1/submissions",
		body:        payload,
		contentType: "application/json",
	})
	if err := a.api.classifySend(resp, err); err != nil {
		return nil, err
	}

	var out ademicoSubmissionResponse
	if err := a.api.decode("send", resp, &out); err != nil {
		return nil, err
	}
	if out.DocumentID == "" {
		return nil, model.NewProtocolError(model.ProviderAdemico, "send", resp.status, resp.body, errors.New("documentId missing"))
	}
	return &SendResult{ProviderDocumentID: out.DocumentID, TransmissionID: out.TransmissionID}, nil
}

type ademicoDocument struct {
	ID             string    `json:"id"`
	TransmissionID string    `json:"transmissionId"`
	Status         string    `json:"status"`
	ResponseCode   string    `json:"responseCode"`
	Message        string    `json:"message"`
	DocumentType   string    `json:"documentType"`
	Sender         string    `json:"sender"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// FetchStatus returns the delivery state of an outbound document
func (a *Ademico) FetchStatus(ctx context.Context, providerDocumentID string) (*RemoteStatus, error) {
	resp, err := a.api.do(ctx, apiRequest{
		op:     "status",
		method: http.MethodGet,
		path:   "/api/peppol/v1/documents/" + url.PathEscape(providerDocumentID),
	})
	if err := a.api.classifyRead("status", providerDocumentID, resp, err); err != nil {
		return nil, err
	}

	var doc ademicoDocument
	if err := a.api.decode("status", resp, &doc); err != nil {
		return nil, err
	}
	event, ok := AdemicoEvent(doc.Status)
	if !ok {
		return nil, model.NewProtocolError(model.ProviderAdemico, "status", resp.status, resp.body, fmt.Errorf("unknown status %q", doc.Status))
	}
	return &RemoteStatus{
		ProviderDocumentID: providerDocumentID,
		TransmissionID:     doc.TransmissionID,
		Event:              event,
		ResponseCode:       model.ResponseCode(strings.ToUpper(doc.ResponseCode)),
		Message:            doc.Message,
		UpdatedAt:          doc.UpdatedAt,
	}, nil
}

// FindByReference looks up an outbound submission by its client reference
func (a *Ademico) FindByReference(ctx context.Context, reference string) (*RemoteStatus, error) {
	q := url.Values{}
	q.Set("direction", "outbound")
	q.Set("reference", reference)

	resp, err := a.api.do(ctx, apiRequest{
		op:     "find_reference",
		method: http.MethodGet,
		path:   "/api/peppol/v1/documents?" + q.Encode(),
	})
	if err := a.api.classifyRead("find_reference", reference, resp, err); err != nil {
		return nil, err
	}

	var out ademicoPage
	if err := a.api.decode("find_reference", resp, &out); err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, &model.NotFoundError{Provider: model.ProviderAdemico, DocumentID: reference}
	}
	doc := out.Items[0]
	event, ok := AdemicoEvent(doc.Status)
	if !ok {
		return nil, model.NewProtocolError(model.ProviderAdemico, "find_reference", resp.status, resp.body, fmt.Errorf("unknown status %q", doc.Status))
	}
	return &RemoteStatus{
		ProviderDocumentID: doc.ID,
		TransmissionID:     doc.TransmissionID,
		Event:              event,
		ResponseCode:       model.ResponseCode(strings.ToUpper(doc.ResponseCode)),
		Message:            doc.Message,
		UpdatedAt:          doc.UpdatedAt,
	}, nil
}

type ademicoPage struct {
	Items    []ademicoDocument `json:"items"`
	NextPage *int              `json:"nextPage"`
}

// ListInbound pages through received documents
func (a *Ademico) ListInbound(ctx context.Context, since time.Time) iter.Seq2[RemoteDocumentRef, error] {
	return func(yield func(RemoteDocumentRef, error) bool) {
		page := 1
		for {
			q := url.Values{}
			q.Set("direction", "inbound")
			q.Set("since", since.UTC().Format(time.RFC3339))
			q.Set("page", fmt.Sprint(page))

			resp, err := a.api.do(ctx, apiRequest{
				op:     "list_inbound",
				method: http.MethodGet,
				path:   "/api/peppol/v1/documents?" + q.Encode(),
			})
			if err := a.api.classifyRead("list_inbound", "", resp, err); err != nil {
				yield(RemoteDocumentRef{}, err)
				return
			}

			var out ademicoPage
			if err := a.api.decode("list_inbound", resp, &out); err != nil {
				yield(RemoteDocumentRef{}, err)
				return
			}
			for _, d := range out.Items {
				ref := RemoteDocumentRef{
					ProviderDocumentID: d.ID,
					TransmissionID:     d.TransmissionID,
					DocumentType:       CanonicalDocumentType(d.DocumentType),
					Sender:             d.Sender,
					ReceivedAt:         d.ReceivedAt,
				}
				if !yield(ref, nil) {
					return
				}
			}
			if out.NextPage == nil || *out.NextPage <= page || len(out.Items) == 0 {
				return
			}
			page = *out.NextPage
		}
	}
}

// FetchContent downloads the UBL of a received document
func (a *Ademico) FetchContent(ctx context.Context, providerDocumentID string) ([]byte, error) {
	resp, err := a.api.do(ctx, apiRequest{
		op:     "content",
		method: http.MethodGet,
		path:   "/api/peppol/v1/documents/" + url.PathEscape(providerDocumentID) + "/ubl",
		accept: "application/xml",
	})
	if err := a.api.classifyRead("content", providerDocumentID, resp, err); err != nil {
		return nil, err
	}
	return resp.body, nil
}

// TestConnection authenticates and lists legal entities
func (a *Ademico) TestConnection(ctx context.Context) ConnectionResult {
	return a.api.testConnection(ctx, apiRequest{
		op:     "test_connection",
		method: http.MethodGet,
		path:   "/api/peppol/v1/legal-entities?page=1",
	})
}

type ademicoLegalEntity struct {
	Name        string   `json:"name"`
	CountryCode string   `json:"countryCode"`
	VATNumber   string   `json:"vatNumber,omitempty"`
	Identifiers []string `json:"identifiers"`
	Email       string   `json:"email,omitempty"`
}

// RegisterLegalEntity registers a participant for receiving
func (a *Ademico) RegisterLegalEntity(ctx context.Context, party model.Party) (string, error) {
	if party.PeppolIdentifier == "" || party.PeppolScheme == "" {
		return "", model.MissingField("peppol_identifier")
	}
	payload, err := json.Marshal(ademicoLegalEntity{
		Name:        party.Name,
		CountryCode: party.CountryCode,
		VATNumber:   party.VATNumber,
		Identifiers: []string{party.ParticipantID()},
		Email:       party.Email,
	})
	if err != nil {
		return "", fmt.Errorf("marshal legal entity: %w", err)
	}

	resp, err := a.api.do(ctx, apiRequest{
		op:          "legal_entity",
		method:      http.MethodPost,
		path:        "/api/peppol/v1/legal-entities",
		body:        payload,
		contentType: "application/json",
	})
	if err := a.api.classifyRead("legal_entity", "", resp, err); err != nil {
		return "", err
	}

	var out struct {
		ID json.Number `json:"id"`
	}
	if err := a.api.decode("legal_entity", resp, &out); err != nil {
		return "", err
	}
	return out.ID.String(), nil
}

// VerifyWebhookSignature checks the X-Ademico-Signature HMAC
func (a *Ademico) VerifyWebhookSignature(headers http.Header, body []byte, secret string) bool {
	return a.verifier.Verify(headers, body, secret) == nil
}

// AdemicoEvent maps an Ademico document status onto the canonical vocabulary
func AdemicoEvent(status string) (model.EventType, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "RECEIVED", "DOCUMENT_RECEIVED":
		return model.EventDocumentReceived, true
	case "SUBMITTED", "PROCESSING", "SENT", "DOCUMENT_SENT":
		return model.EventDocumentSent, true
	case "DELIVERED", "DOCUMENT_DELIVERED", "ACCEPTED":
		return model.EventDocumentDelivered, true
	case "FAILED", "DOCUMENT_FAILED", "SEND_FAILED":
		return model.EventDocumentFailed, true
	case "REJECTED", "DOCUMENT_REJECTED":
		return model.EventDocumentRejected, true
	case "INVOICE_RESPONSE", "STATUS_UPDATED", "DOCUMENT_STATUS_UPDATED":
		return model.EventStatusUpdated, true
	}
	return "", false
}

func ademicoDocumentType(t model.DocumentType) string {
	if t == model.DocumentTypeCreditNote {
		return "CREDIT_NOTE"
	}
	return "INVOICE"
}

// CanonicalDocumentType maps the document type spellings used across providers
func CanonicalDocumentType(s string) model.DocumentType {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)) {
	case "creditnote":
		return model.DocumentTypeCreditNote
	}
	return model.DocumentTypeInvoice
}
