package server

import (
	"time"

	"github.com/rezonia/peppol-exchange/internal/exchange"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
)

// DocumentResponse is the API view of an exchanged document
type DocumentResponse struct {
	ID                     string             `json:"id"`
	Direction              model.Direction    `json:"direction"`
	DocumentType           model.DocumentType `json:"document_type"`
	LocalReferenceID       string             `json:"local_reference_id,omitempty"`
	Provider               model.ProviderID   `json:"provider"`
	ProviderDocumentID     string             `json:"provider_document_id,omitempty"`
	ProviderTransmissionID string             `json:"provider_transmission_id,omitempty"`
	Status                 model.Status       `json:"status"`
	ResponseStatusCode     model.ResponseCode `json:"response_status_code,omitempty"`
	ErrorMessage           string             `json:"error_message,omitempty"`
	HasContent             bool               `json:"has_content"`
	Content                string             `json:"content,omitempty"`
	SentAt                 *time.Time         `json:"sent_at,omitempty"`
	ReceivedAt             *time.Time         `json:"received_at,omitempty"`
	ProcessedAt            *time.Time         `json:"processed_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func newDocumentResponse(d *model.Document, withContent bool) DocumentResponse {
	r := DocumentResponse{
		ID:                     d.ID,
		Direction:              d.Direction,
		DocumentType:           d.DocumentType,
		LocalReferenceID:       d.LocalReferenceID,
		Provider:               d.Provider,
		ProviderDocumentID:     d.ProviderDocumentID,
		ProviderTransmissionID: d.ProviderTransmissionID,
		Status:                 d.Status,
		ResponseStatusCode:     d.ResponseStatusCode,
		ErrorMessage:           d.ErrorMessage,
		HasContent:             len(d.Content) > 0,
		SentAt:                 d.SentAt,
		ReceivedAt:             d.ReceivedAt,
		ProcessedAt:            d.ProcessedAt,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
	if withContent {
		r.Content = string(d.Content)
	}
	return r
}

// DocumentListResponse is the response for the document list endpoint
type DocumentListResponse struct {
	Documents []DocumentResponse `json:"documents"`
	Count     int                `json:"count"`
}

// LogResponse is a document's exchange log, newest first
type LogResponse struct {
	DocumentID string                    `json:"document_id"`
	Entries    []*model.ExchangeLogEntry `json:"entries"`
}

// WebhookResponse acknowledges a provider callback
type WebhookResponse struct {
	Status  string                `json:"status"` // accepted, duplicate or ignored
	Message string                `json:"message,omitempty"`
	Result  *exchange.ApplyResult `json:"result,omitempty"`
}

// ProvidersResponse lists the registered access points
type ProvidersResponse struct {
	Active    model.ProviderID      `json:"active"`
	Providers []provider.Descriptor `json:"providers"`
}

// ValidationResponse is the response for validate endpoint
type ValidationResponse struct {
	Valid    bool                  `json:"valid"`
	Root     string                `json:"root,omitempty"`
	Errors   []string              `json:"errors,omitempty"`
	Document *model.ParsedDocument `json:"document,omitempty"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
