package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/signature"
)

var unit4Descriptor = Descriptor{
	ID:          model.ProviderUnit4,
	DisplayName: "Unit4 Access Point",
	Capabilities: Capabilities{
		Send:           true,
		Receive:        true,
		StatusTracking: true,
	},
	AuthScheme: AuthBasic,
	Endpoints: Endpoints{
		Live:    "https://ap.unit4.com",
		Sandbox: "https://test-ap.unit4.com",
	},
	Webhook: WebhookConfig{Scheme: signature.SchemeNone},
}

// Unit4Credentials are the basic auth user and password
type Unit4Credentials struct {
	Username string
	Password string
}

// Unit4 is the adapter for the Unit4 access point. Unit4 has no callbacks,
// status changes are picked up by polling.
type Unit4 struct {
	api   *apiClient
	creds Unit4Credentials
}

// NewUnit4 creates the Unit4 adapter
func NewUnit4(creds Unit4Credentials, opts Options) *Unit4 {
	u := &Unit4{creds: creds}
	u.api = newAPIClient(model.ProviderUnit4, opts, unit4Descriptor.Endpoints, u.login)
	return u
}

// Descriptor returns the Unit4 registration record
func (u *Unit4) Descriptor() Descriptor {
	return unit4Descriptor
}

func (u *Unit4) login(context.Context) (*Credential, error) {
	if u.creds.Username == "" || u.creds.Password == "" {
		return nil, model.NewAuthError(model.ProviderUnit4, 0, "username and password are required", nil)
	}
	token := base64.StdEncoding.EncodeToString([]byte(u.creds.Username + ":" + u.creds.Password))
	return &Credential{Scheme: AuthBasic, Token: token}, nil
}

// Authenticate returns the basic auth credential
func (u *Unit4) Authenticate(ctx context.Context) (*Credential, error) {
	return u.api.credential(ctx)
}

type unit4OutboxResponse struct {
	MessageID      string `json:"messageId"`
	TransmissionID string `json:"as4MessageId"`
}

// SendDocument posts raw UBL to the outbox
func (u *Unit4) SendDocument(ctx context.Context, ubl []byte, meta SendMetadata) (*SendResult, error) {
	q := url.Values{}
	q.Set("receiver", meta.Receiver.ParticipantID())
	q.Set("sender", meta.Sender.ParticipantID())
	if meta.LocalReference != "" {
		q.Set("reference", meta.LocalReference)
	}

	resp, err := u.api.do(ctx, apiRequest{
		op:          "send",
		method:      http.MethodPost,
		path:        "/api/v2/outbox?" + q.Encode(),
		body:        ubl,
		contentType: "application/xml",
	})
	if err := u.api.classifySend(resp, err); err != nil {
		return nil, err
	}

	var out unit4OutboxResponse
	if err := u.api.decode("send", resp, &out); err != nil {
		return nil, err
	}
	if out.MessageID == "" {
		return nil, model.NewProtocolError(model.ProviderUnit4, "send", resp.status, resp.body, errors.New("messageId missing"))
	}
	return &SendResult{ProviderDocumentID: out.MessageID, TransmissionID: out.TransmissionID}, nil
}

type unit4Status struct {
	MessageID      string    `json:"messageId"`
	TransmissionID string    `json:"as4MessageId"`
	State          string    `json:"state"`
	ResponseCode   string    `json:"responseCode"`
	Reason         string    `json:"reason"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// FetchStatus polls the outbox entry
func (u *Unit4) FetchStatus(ctx context.Context, providerDocumentID string) (*RemoteStatus, error) {
	resp, err := u.api.do(ctx, apiRequest{
		op:     "status",
		method: http.MethodGet,
		path:   "/api/v2/outbox/" + url.PathEscape(providerDocumentID) + "/status",
	})
	if err := u.api.classifyRead("status", providerDocumentID, resp, err); err != nil {
		return nil, err
	}

	var st unit4Status
	if err := u.api.decode("status", resp, &st); err != nil {
		return nil, err
	}
	event, ok := Unit4Event(st.State)
	if !ok {
		return nil, model.NewProtocolError(model.ProviderUnit4, "status", resp.status, resp.body, errors.New("unknown state "+st.State))
	}
	return &RemoteStatus{
		ProviderDocumentID: providerDocumentID,
		TransmissionID:     st.TransmissionID,
		Event:              event,
		ResponseCode:       model.ResponseCode(strings.ToUpper(st.ResponseCode)),
		Message:            st.Reason,
		UpdatedAt:          st.LastUpdated,
	}, nil
}

type unit4InboxEntry struct {
	MessageID      string    `json:"messageId"`
	TransmissionID string    `json:"as4MessageId"`
	DocumentType   string    `json:"documentType"`
	Sender         string    `json:"sender"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

type unit4InboxPage struct {
	Entries       []unit4InboxEntry `json:"entries"`
	NextPageToken string            `json:"nextPageToken"`
}

// ListInbound walks the inbox using continuation tokens
func (u *Unit4) ListInbound(ctx context.Context, since time.Time) iter.Seq2[RemoteDocumentRef, error] {
	return func(yield func(RemoteDocumentRef, error) bool) {
		token := ""
		for {
			q := url.Values{}
			q.Set("since", since.UTC().Format(time.RFC3339))
			if token != "" {
				q.Set("pageToken", token)
			}

			resp, err := u.api.do(ctx, apiRequest{
				op:     "list_inbound",
				method: http.MethodGet,
				path:   "/api/v2/inbox?" + q.Encode(),
			})
			if err := u.api.classifyRead("list_inbound", "", resp, err); err != nil {
				yield(RemoteDocumentRef{}, err)
				return
			}

			var page unit4InboxPage
			if err := u.api.decode("list_inbound", resp, &page); err != nil {
				yield(RemoteDocumentRef{}, err)
				return
			}
			for _, e := range page.Entries {
				ref := RemoteDocumentRef{
					ProviderDocumentID: e.MessageID,
					TransmissionID:     e.TransmissionID,
					DocumentType:       CanonicalDocumentType(e.DocumentType),
					Sender:             e.Sender,
					ReceivedAt:         e.ReceivedAt,
				}
				if !yield(ref, nil) {
					return
				}
			}
			if page.NextPageToken == "" || page.NextPageToken == token {
				return
			}
			token = page.NextPageToken
		}
	}
}

// FetchContent downloads the UBL of an inbox entry
func (u *Unit4) FetchContent(ctx context.Context, providerDocumentID string) ([]byte, error) {
	resp, err := u.api.do(ctx, apiRequest{
		op:     "content",
		method: http.MethodGet,
		path:   "/api/v2/inbox/" + url.PathEscape(providerDocumentID) + "/content",
		accept: "application/xml",
	})
	if err := u.api.classifyRead("content", providerDocumentID, resp, err); err != nil {
		return nil, err
	}
	return resp.body, nil
}

// TestConnection calls the ping endpoint
func (u *Unit4) TestConnection(ctx context.Context) ConnectionResult {
	return u.api.testConnection(ctx, apiRequest{
		op:     "test_connection",
		method: http.MethodGet,
		path:   "/api/v2/ping",
	})
}

// VerifyWebhookSignature always fails, Unit4 does not send webhooks
func (u *Unit4) VerifyWebhookSignature(http.Header, []byte, string) bool {
	return false
}

// Unit4Event maps a Unit4 outbox or inbox state onto the canonical vocabulary
func Unit4Event(state string) (model.EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "received", "inbox":
		return model.EventDocumentReceived, true
	case "accepted", "queued", "in_transit", "sent":
		return model.EventDocumentSent, true
	case "delivered", "acknowledged":
		return model.EventDocumentDelivered, true
	case "error", "failed", "undeliverable":
		return model.EventDocumentFailed, true
	case "rejected":
		return model.EventDocumentRejected, true
	case "response_received":
		return model.EventStatusUpdated, true
	}
	return "", false
}
