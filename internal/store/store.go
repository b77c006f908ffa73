// Package store defines the persistence gateway for documents, the exchange
// log, notification receipts and send attempt counters.
package store

import (
	"context"
	"time"

	"github.com/rezonia/peppol-exchange/internal/model"
)

// Store is the persistence gateway used by the orchestrator. Implementations
// return copies; mutating a returned Document has no effect until it is
// passed back to UpdateDocument.
type Store interface {
	// CreateDocument inserts a new document. It returns model.ErrDuplicate when
	// an outbound document already exists for (LocalReferenceID, Provider) or
	// the provider document id is already known.
	CreateDocument(ctx context.Context, doc *model.Document) error

	// GetDocument returns model.ErrNotFound for unknown ids
	GetDocument(ctx context.Context, id string) (*model.Document, error)

	// FindOutbound looks up the outbound document of a local invoice
	FindOutbound(ctx context.Context, localReferenceID string, provider model.ProviderID) (*model.Document, error)

	// FindByProviderDocumentID looks up a document by the provider's id
	FindByProviderDocumentID(ctx context.Context, provider model.ProviderID, providerDocumentID string) (*model.Document, error)

	// ListDocuments returns documents matching f ordered by creation time
	ListDocuments(ctx context.Context, f Filter) ([]*model.Document, error)

	// UpdateDocument writes doc if the stored status still equals expected.
	// It reports false without error when another writer got there first.
	// Identifiers and timestamps follow the rules of Merge.
	UpdateDocument(ctx context.Context, doc *model.Document, expected model.Status) (bool, error)

	// AppendLog adds an exchange log entry
	AppendLog(ctx context.Context, entry *model.ExchangeLogEntry) error

	// ListLog returns entries newest first; an empty documentID lists all
	ListLog(ctx context.Context, documentID string, limit int) ([]*model.ExchangeLogEntry, error)

	// PurgeLog deletes entries older than the cutoff and returns the count
	PurgeLog(ctx context.Context, olderThan time.Time) (int64, error)

	// HasNotification reports whether key was already applied
	HasNotification(ctx context.Context, key model.NotificationKey) (bool, error)

	// RecordNotification marks key as applied; false means it already was
	RecordNotification(ctx context.Context, key model.NotificationKey, at time.Time) (bool, error)

	// IncrementAttempts bumps the send attempt counter and returns the new value
	IncrementAttempts(ctx context.Context, documentID string) (int, error)

	// Attempts returns the current send attempt counter
	Attempts(ctx context.Context, documentID string) (int, error)

	// ResetAttempts clears the send attempt counter
	ResetAttempts(ctx context.Context, documentID string) error

	Close() error
}

// Filter selects documents. Zero fields are not applied.
type Filter struct {
	Direction     model.Direction
	Statuses      []model.Status
	Provider      model.ProviderID
	UpdatedBefore time.Time
	UpdatedAfter  time.Time
	Limit         int
}

// Matches reports whether doc satisfies f
func (f Filter) Matches(doc *model.Document) bool {
	if f.Direction != "" && doc.Direction != f.Direction {
		return false
	}
	if f.Provider != "" && doc.Provider != f.Provider {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if doc.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !doc.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && doc.UpdatedAt.Before(f.UpdatedAfter) {
		return false
	}
	return true
}

// Merge applies an update to the stored document:
//   - Provider and Direction never change once set
//   - identifiers and the response code are replaced only by non-empty values
//   - Content is replaced only by non-nil content
//   - SentAt, ReceivedAt and ProcessedAt are set once
//   - Status, DocumentType, ErrorMessage and UpdatedAt are taken from next
func Merge(cur, next *model.Document) *model.Document {
	out := cur.Clone()
	out.Status = next.Status
	out.ErrorMessage = next.ErrorMessage
	out.UpdatedAt = next.UpdatedAt
	if next.DocumentType != "" {
		out.DocumentType = next.DocumentType
	}
	if out.Provider == "" {
		out.Provider = next.Provider
	}
	if next.LocalReferenceID != "" {
		out.LocalReferenceID = next.LocalReferenceID
	}
	if next.ProviderDocumentID != "" {
		out.ProviderDocumentID = next.ProviderDocumentID
	}
	if next.ProviderTransmissionID != "" {
		out.ProviderTransmissionID = next.ProviderTransmissionID
	}
	if next.ResponseStatusCode != "" {
		out.ResponseStatusCode = next.ResponseStatusCode
	}
	if next.Content != nil {
		out.Content = append([]byte(nil), next.Content...)
	}
	if out.SentAt == nil && next.SentAt != nil {
		t := *next.SentAt
		out.SentAt = &t
	}
	if out.ReceivedAt == nil && next.ReceivedAt != nil {
		t := *next.ReceivedAt
		out.ReceivedAt = &t
	}
	if out.ProcessedAt == nil && next.ProcessedAt != nil {
		t := *next.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}
