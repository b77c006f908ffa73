// Package webhook authenticates provider callbacks and maps their payloads
// onto canonical notification events.
package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
	"github.com/rezonia/peppol-exchange/internal/signature"
)

// Header names understood by the general endpoint
const (
	ProviderHeader   = "X-Peppol-Provider"
	DocumentIDHeader = "X-Peppol-Document-Id"
)

// VerifiedPayload is a request body whose signature has been checked
type VerifiedPayload struct {
	Provider   model.ProviderID
	Headers    http.Header
	Body       []byte
	ReceivedAt time.Time
}

// SecretSource returns the webhook secret configured for a provider
type SecretSource func(id model.ProviderID) string

// Normalizer verifies and normalizes webhook requests
type Normalizer struct {
	registry *provider.Registry
	secrets  SecretSource
	logger   *slog.Logger
	now      func() time.Time
}

// NewNormalizer creates a normalizer backed by the adapter registry
func NewNormalizer(registry *provider.Registry, secrets SecretSource, l *slog.Logger) *Normalizer {
	return &Normalizer{
		registry: registry,
		secrets:  secrets,
		logger:   logger.OrDiscard(l).With("component", "webhook"),
		now:      time.Now,
	}
}

// Verify checks the request signature with the provider's adapter. Any
// failure is a *signature.SignatureError and the body must not be processed.
func (n *Normalizer) Verify(id model.ProviderID, headers http.Header, body []byte) (*VerifiedPayload, error) {
	err := n.verify(id, headers, body)
	if err != nil {
		n.logger.Warn("webhook rejected", "provider", string(id), "error", err)
		return nil, err
	}
	return &VerifiedPayload{
		Provider:   id,
		Headers:    headers.Clone(),
		Body:       body,
		ReceivedAt: n.now().UTC(),
	}, nil
}

func (n *Normalizer) verify(id model.ProviderID, headers http.Header, body []byte) error {
	adapter, err := n.registry.Get(id)
	if err != nil {
		return signature.ErrUnknownProvider(string(id))
	}
	desc := adapter.Descriptor()
	if !desc.Capabilities.Webhooks || desc.Webhook.Scheme == signature.SchemeNone {
		return signature.ErrUnsupportedScheme(string(desc.Webhook.Scheme))
	}

	secret := ""
	if n.secrets != nil {
		secret = n.secrets(id)
	}
	if secret == "" {
		return signature.ErrMissingSecret()
	}
	if headers.Get(desc.Webhook.SignatureHeader) == "" {
		return signature.ErrNoSignature(desc.Webhook.SignatureHeader)
	}
	if !adapter.VerifyWebhookSignature(headers, body, secret) {
		return signature.ErrInvalidSignature(desc.Webhook.SignatureHeader)
	}
	return nil
}

// DetectProvider resolves the provider of a request sent to the general
// endpoint: the X-Peppol-Provider header, then a "provider" payload field,
// then a provider-specific signature header.
func DetectProvider(headers http.Header, body []byte) (model.ProviderID, bool) {
	if p := strings.TrimSpace(headers.Get(ProviderHeader)); p != "" {
		return model.ProviderID(strings.ToLower(p)), true
	}
	var probe struct {
		Provider string `json:"provider"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.Provider != "" {
		return model.ProviderID(strings.ToLower(probe.Provider)), true
	}
	if headers.Get(provider.AdemicoSignatureHeader) != "" {
		return model.ProviderAdemico, true
	}
	return "", false
}

// Normalize maps a verified payload onto the canonical event vocabulary.
// Unknown event types yield *model.UnrecognizedFormatError.
func (n *Normalizer) Normalize(p *VerifiedPayload) (model.NotificationEvent, error) {
	var (
		ev  model.NotificationEvent
		err error
	)
	if isXML(p.Body) {
		ev, err = n.normalizeUBL(p)
	} else {
		ev, err = n.normalizeJSON(p)
	}
	if err != nil {
		n.logger.Info("webhook ignored", "provider", string(p.Provider), "error", err)
		return model.NotificationEvent{}, err
	}
	ev.Provider = p.Provider
	ev.Raw = p.Body
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.ReceivedAt
	}
	return ev, nil
}

// payload is the union of the JSON shapes providers post
type payload struct {
	EventType      string          `json:"eventType"`
	Event          string          `json:"event"`
	DocumentID     string          `json:"documentId"`
	ID             string          `json:"id"`
	TransmissionID string          `json:"transmissionId"`
	DocumentType   string          `json:"documentType"`
	ResponseCode   string          `json:"responseCode"`
	Status         string          `json:"status"`
	Message        string          `json:"message"`
	Timestamp      timestamp       `json:"timestamp"`
	CreatedAt      timestamp       `json:"createdAt"`
	Document       json.RawMessage `json:"document"`
	UBL            string          `json:"ubl"`
	XML            string          `json:"xml"`
}

func (n *Normalizer) normalizeJSON(p *VerifiedPayload) (model.NotificationEvent, error) {
	var pl payload
	if err := json.Unmarshal(p.Body, &pl); err != nil {
		return model.NotificationEvent{}, &model.UnrecognizedFormatError{Provider: p.Provider, Message: "body is not valid JSON"}
	}

	name := firstNonEmpty(pl.EventType, pl.Event, pl.Status)
	if name == "" {
		return model.NotificationEvent{}, &model.UnrecognizedFormatError{Provider: p.Provider, Message: "event type missing"}
	}
	event, ok := mapEvent(p.Provider, name)
	if !ok {
		return model.NotificationEvent{}, &model.UnrecognizedFormatError{Provider: p.Provider, EventType: name, Message: "no canonical mapping"}
	}

	docID := firstNonEmpty(pl.DocumentID, pl.ID, p.Headers.Get(DocumentIDHeader))
	if docID == "" {
		return model.NotificationEvent{}, &model.UnrecognizedFormatError{Provider: p.Provider, EventType: name, Message: "document id missing"}
	}

	ev := model.NotificationEvent{
		ProviderDocumentID: docID,
		TransmissionID:     pl.TransmissionID,
		EventType:          event,
		ResponseCode:       model.ResponseCode(strings.ToUpper(strings.TrimSpace(pl.ResponseCode))),
		Message:            pl.Message,
		OccurredAt:         pl.Timestamp.Time(),
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = pl.CreatedAt.Time()
	}
	if pl.DocumentType != "" {
		ev.DocumentType = provider.CanonicalDocumentType(pl.DocumentType)
	}
	ev.Content = inlineContent(pl)
	return ev, nil
}

// timestamp accepts the time formats providers use: RFC 3339 and plain
// date-time strings, or unix seconds/milliseconds as a number or string.
// Anything else decodes to the zero time.
type timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	*t = timestamp{}
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*t = timestamp(unixTime(n))
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*t = timestamp(unixTime(int64(f)))
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = timestamp(parsed.UTC())
			return nil
		}
	}
	return nil
}

// Time returns the parsed instant, zero when absent or unparseable
func (t timestamp) Time() time.Time {
	return time.Time(t)
}

// unixTime reads n as milliseconds when it is too large for seconds
func unixTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// normalizeUBL handles providers that push the received UBL as the body
func (n *Normalizer) normalizeUBL(p *VerifiedPayload) (model.NotificationEvent, error) {
	docID := p.Headers.Get(DocumentIDHeader)
	if docID == "" {
		return model.NotificationEvent{}, &model.UnrecognizedFormatError{Provider: p.Provider, Message: "XML body without " + DocumentIDHeader}
	}
	ev := model.NotificationEvent{
		ProviderDocumentID: docID,
		EventType:          model.EventDocumentReceived,
		DocumentType:       model.DocumentTypeInvoice,
		Content:            p.Body,
	}
	if bytes.Contains(p.Body[:min(len(p.Body), 512)], []byte("CreditNote")) {
		ev.DocumentType = model.DocumentTypeCreditNote
	}
	return ev, nil
}

func mapEvent(id model.ProviderID, name string) (model.EventType, bool) {
	if et := model.EventType(strings.ToLower(name)); et.Valid() {
		return et, true
	}
	switch id {
	case model.ProviderAdemico:
		return provider.AdemicoEvent(name)
	case model.ProviderUnit4:
		return provider.Unit4Event(name)
	case model.ProviderRecommand:
		return provider.RecommandEvent(name)
	}
	return "", false
}

// inlineContent extracts UBL carried inside a JSON notification, either as
// plain XML or base64
func inlineContent(pl payload) []byte {
	raw := firstNonEmpty(pl.UBL, pl.XML)
	if raw == "" && len(pl.Document) > 0 {
		var s string
		if json.Unmarshal(pl.Document, &s) == nil {
			raw = s
		}
	}
	if raw == "" {
		return nil
	}
	if isXML([]byte(raw)) {
		return []byte(raw)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && isXML(decoded) {
		return decoded
	}
	return nil
}

func isXML(b []byte) bool {
	b = bytes.TrimLeft(b, " \t\r\n\xef\xbb\xbf")
	return len(b) > 0 && b[0] == '<'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
