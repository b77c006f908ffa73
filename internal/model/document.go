package model

import (
	"time"
)

// ProviderID identifies an access point provider
type ProviderID string

const (
	ProviderAdemico   ProviderID = "ademico"
	ProviderUnit4     ProviderID = "unit4"
	ProviderRecommand ProviderID = "recommand"
)

// Direction of a document relative to this system
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// DocumentType is the business document kind
type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "invoice"
	DocumentTypeCreditNote DocumentType = "credit_note"
)

// Status is the exchange state of a document
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusRejected  Status = "rejected"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transition is expected
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusRejected, StatusProcessed:
		return true
	}
	return false
}

// ResponseCode is the PEPPOL invoice response code reported by the receiver
type ResponseCode string

const (
	ResponseInProcess    ResponseCode = "PD"
	ResponseAccepted     ResponseCode = "AP"
	ResponseAcknowledged ResponseCode = "AB"
	ResponseRejected     ResponseCode = "RE"
)

// Document is a single exchanged business document
type Document struct {
	ID                     string       `json:"id"`
	Direction              Direction    `json:"direction"`
	DocumentType           DocumentType `json:"document_type"`
	LocalReferenceID       string       `json:"local_reference_id,omitempty"`
	Provider               ProviderID   `json:"provider"`
	ProviderDocumentID     string       `json:"provider_document_id,omitempty"`
	ProviderTransmissionID string       `json:"provider_transmission_id,omitempty"`
	Status                 Status       `json:"status"`
	ResponseStatusCode     ResponseCode `json:"response_status_code,omitempty"`
	Content                []byte       `json:"-"`
	ErrorMessage           string       `json:"error_message,omitempty"`
	SentAt                 *time.Time   `json:"sent_at,omitempty"`
	ReceivedAt             *time.Time   `json:"received_at,omitempty"`
	ProcessedAt            *time.Time   `json:"processed_at,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Content != nil {
		c.Content = append([]byte(nil), d.Content...)
	}
	c.SentAt = cloneTime(d.SentAt)
	c.ReceivedAt = cloneTime(d.ReceivedAt)
	c.ProcessedAt = cloneTime(d.ProcessedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Log actions
const (
	ActionEnqueue      = "enqueue"
	ActionSend         = "send"
	ActionRetry        = "retry"
	ActionResend       = "resend"
	ActionNotification = "notification"
	ActionTransition   = "transition"
	ActionReconcile    = "reconcile"
	ActionRecover      = "recover"
	ActionSyncStatus   = "sync_status"
	ActionPoll         = "poll"
	ActionWebhook      = "webhook"
)

// Log outcomes
const (
	LogSuccess = "success"
	LogFailure = "failure"
	LogIgnored = "ignored"
	LogInfo    = "info"
)

// ExchangeLogEntry is an append-only audit record
type ExchangeLogEntry struct {
	ID               string    `json:"id"`
	DocumentID       string    `json:"document_id,omitempty"`
	Action           string    `json:"action"`
	Status           string    `json:"status"`
	Message          string    `json:"message"`
	RequestSnapshot  string    `json:"request_snapshot,omitempty"`
	ResponseSnapshot string    `json:"response_snapshot,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// EventType is the canonical notification vocabulary
type EventType string

const (
	EventDocumentReceived  EventType = "document.received"
	EventDocumentSent      EventType = "document.sent"
	EventDocumentDelivered EventType = "document.delivered"
	EventDocumentFailed    EventType = "document.failed"
	EventDocumentRejected  EventType = "document.rejected"
	EventStatusUpdated     EventType = "status.updated"
)

// Valid reports whether t is part of the canonical vocabulary
func (t EventType) Valid() bool {
	switch t {
	case EventDocumentReceived, EventDocumentSent, EventDocumentDelivered,
		EventDocumentFailed, EventDocumentRejected, EventStatusUpdated:
		return true
	}
	return false
}

// NotificationEvent is a provider notification normalized to the canonical vocabulary
type NotificationEvent struct {
	Provider           ProviderID   `json:"provider"`
	ProviderDocumentID string       `json:"provider_document_id"`
	TransmissionID     string       `json:"transmission_id,omitempty"`
	EventType          EventType    `json:"event_type"`
	DocumentType       DocumentType `json:"document_type,omitempty"`
	ResponseCode       ResponseCode `json:"response_code,omitempty"`
	Message            string       `json:"message,omitempty"`
	Content            []byte       `json:"-"`
	OccurredAt         time.Time    `json:"occurred_at"`
	Raw                []byte       `json:"-"`
}

// DedupKey returns the identity used to drop repeated deliveries
func (e NotificationEvent) DedupKey() NotificationKey {
	return NotificationKey{
		Provider:           e.Provider,
		ProviderDocumentID: e.ProviderDocumentID,
		EventType:          e.EventType,
	}
}

// NotificationKey identifies one logical notification
type NotificationKey struct {
	Provider           ProviderID
	ProviderDocumentID string
	EventType          EventType
}
