package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rezonia/peppol-exchange/internal/metrics"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
	"github.com/rezonia/peppol-exchange/internal/store"
	"github.com/rezonia/peppol-exchange/internal/ubl"
)

// ErrDeferred is returned for a notification about an unknown document while
// a send through the same provider is in flight. The provider is expected to
// deliver it again once the send result has been stored.
var ErrDeferred = errors.New("notification deferred while a send is in flight")

// deferGrace covers rendering and storing the result around the send itself
const deferGrace = 30 * time.Second

// ApplyResult describes the effect of one notification
type ApplyResult struct {
	DocumentID string       `json:"document_id,omitempty"`
	Duplicate  bool         `json:"duplicate,omitempty"`
	Created    bool         `json:"created,omitempty"`
	Applied    bool         `json:"applied,omitempty"`
	Processed  bool         `json:"processed,omitempty"`
	From       model.Status `json:"from,omitempty"`
	To         model.Status `json:"to,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// ApplyInboundNotification applies a normalized provider notification.
// Repeated deliveries of an applied (provider, document, event) are logged and
// ignored. Notifications for one provider document are applied one at a time
// in arrival order. A notification about an unknown document creates a
// placeholder carrying the state the event implies.
func (o *Orchestrator) ApplyInboundNotification(ctx context.Context, ev model.NotificationEvent) (ApplyResult, error) {
	switch {
	case ev.Provider == "":
		return ApplyResult{}, model.MissingField("provider")
	case ev.ProviderDocumentID == "":
		return ApplyResult{}, model.MissingField("provider_document_id")
	case !ev.EventType.Valid():
		return ApplyResult{}, &model.UnrecognizedFormatError{Provider: ev.Provider, EventType: string(ev.EventType), Message: "not a canonical event type"}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.clock()
	}

	res, err := o.applyLocked(ctx, ev)
	result := "applied"
	switch {
	case errors.Is(err, ErrDeferred):
		result = "deferred"
	case err != nil:
		result = "error"
	case res.Duplicate:
		result = "duplicate"
	case !res.Applied && !res.Created:
		result = "ignored"
	}
	metrics.ObserveNotification(string(ev.Provider), string(ev.EventType), result)
	if err != nil {
		return res, err
	}

	if res.Created && res.To == model.StatusReceived && o.settings.AutoProcessReceived && o.reconciler != nil {
		rr, rerr := o.ReconcileReceived(ctx, res.DocumentID, nil)
		if rerr != nil {
			o.logger.WarnContext(ctx, "auto-process of received document failed",
				"document_id", res.DocumentID,
				"error", rerr,
			)
		} else {
			res.Processed = rr.Status == model.StatusProcessed
		}
	}
	return res, nil
}

func (o *Orchestrator) applyLocked(ctx context.Context, ev model.NotificationEvent) (ApplyResult, error) {
	unlock, err := o.locker.Lock(ctx, documentLockKey(ev.Provider, ev.ProviderDocumentID))
	if err != nil {
		return ApplyResult{}, fmt.Errorf("lock notification key: %w", err)
	}
	defer unlock()

	key := ev.DedupKey()
	seen, err := o.store.HasNotification(ctx, key)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("check notification receipt: %w", err)
	}

	doc, err := o.store.FindByProviderDocumentID(ctx, ev.Provider, ev.ProviderDocumentID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return ApplyResult{}, fmt.Errorf("find document: %w", err)
	}

	if seen {
		res := ApplyResult{Duplicate: true, Message: "duplicate ignored"}
		if doc != nil {
			res.DocumentID = doc.ID
		}
		o.record(ctx, model.ExchangeLogEntry{
			DocumentID:      res.DocumentID,
			Action:          model.ActionNotification,
			Status:          model.LogIgnored,
			Message:         fmt.Sprintf("duplicate ignored: %s for %s/%s", ev.EventType, ev.Provider, ev.ProviderDocumentID),
			RequestSnapshot: string(ev.Raw),
		})
		return res, nil
	}

	var res ApplyResult
	if doc == nil {
		res, err = o.createFromNotification(ctx, ev)
	} else {
		res, err = o.applyToDocument(ctx, doc, ev)
	}
	if err != nil {
		return res, err
	}
	// only an event that changed something is spent; an ignored one may be
	// followed by a valid event under the same key
	if !res.Applied && !res.Created {
		return res, nil
	}

	if _, err := o.store.RecordNotification(ctx, key, o.clock()); err != nil {
		return res, fmt.Errorf("record notification receipt: %w", err)
	}
	return res, nil
}

// createFromNotification stores the first sighting of a provider document
func (o *Orchestrator) createFromNotification(ctx context.Context, ev model.NotificationEvent) (ApplyResult, error) {
	direction, status := initialStatus(ev.EventType, ev.ResponseCode)

	if direction == model.DirectionOutbound {
		pending, err := o.sendAwaitingID(ctx, ev.Provider)
		if err != nil {
			return ApplyResult{}, err
		}
		if pending {
			return ApplyResult{}, ErrDeferred
		}
	}

	now := o.clock()
	doc := &model.Document{
		ID:                     uuid.NewString(),
		Direction:              direction,
		DocumentType:           ev.DocumentType,
		Provider:               ev.Provider,
		ProviderDocumentID:     ev.ProviderDocumentID,
		ProviderTransmissionID: ev.TransmissionID,
		Status:                 status,
		ResponseStatusCode:     ev.ResponseCode,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if doc.DocumentType == "" {
		doc.DocumentType = model.DocumentTypeInvoice
	}

	message := fmt.Sprintf("placeholder created from %s", ev.EventType)
	if direction == model.DirectionInbound {
		doc.ReceivedAt = timePtr(ev.OccurredAt.UTC())
		o.attachContent(ctx, doc, ev.Content)
		message = "document received"
		if doc.ErrorMessage != "" {
			message = "document received with errors: " + doc.ErrorMessage
		}
	} else {
		if status != model.StatusFailed {
			doc.SentAt = timePtr(ev.OccurredAt.UTC())
		}
		if status == model.StatusFailed || status == model.StatusRejected {
			doc.ErrorMessage = ev.Message
		}
	}

	if err := o.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			existing, ferr := o.store.FindByProviderDocumentID(ctx, ev.Provider, ev.ProviderDocumentID)
			if ferr != nil {
				return ApplyResult{}, fmt.Errorf("find document: %w", ferr)
			}
			return o.applyToDocument(ctx, existing, ev)
		}
		return ApplyResult{}, fmt.Errorf("create document: %w", err)
	}
	o.notify(ctx, doc, "", status)

	o.record(ctx, model.ExchangeLogEntry{
		DocumentID:      doc.ID,
		Action:          model.ActionNotification,
		Status:          model.LogSuccess,
		Message:         message,
		RequestSnapshot: string(ev.Raw),
	})
	return ApplyResult{DocumentID: doc.ID, Created: true, To: status, Message: message}, nil
}

// sendAwaitingID reports whether a send through p is in flight without a
// provider document id yet, so an unknown id may still turn out to be ours.
// Rows older than one send timeout are orphans and do not count.
func (o *Orchestrator) sendAwaitingID(ctx context.Context, p model.ProviderID) (bool, error) {
	inFlight, err := o.store.ListDocuments(ctx, store.Filter{
		Direction:    model.DirectionOutbound,
		Statuses:     []model.Status{model.StatusSending},
		Provider:     p,
		UpdatedAfter: o.clock().Add(-(o.settings.SendTimeout + deferGrace)),
	})
	if err != nil {
		return false, fmt.Errorf("check sends in flight: %w", err)
	}
	for _, doc := range inFlight {
		if doc.ProviderDocumentID == "" {
			return true, nil
		}
	}
	return false, nil
}

// attachContent stores inbound UBL on doc, downloading it when the event did
// not carry it. Unparseable content is kept and flagged in ErrorMessage.
func (o *Orchestrator) attachContent(ctx context.Context, doc *model.Document, content []byte) {
	if len(content) == 0 {
		content = o.fetchContent(ctx, doc)
		if len(content) == 0 {
			return
		}
	}
	doc.Content = content

	parsed, err := ubl.Decode(content)
	if err != nil {
		doc.ErrorMessage = err.Error()
		return
	}
	doc.ErrorMessage = ""
	doc.DocumentType = parsed.Type
}

func (o *Orchestrator) fetchContent(ctx context.Context, doc *model.Document) []byte {
	adapter, err := o.adapter(doc.Provider)
	if err != nil {
		return nil
	}
	fetcher, ok := adapter.(provider.ContentFetcher)
	if !ok {
		return nil
	}
	content, err := fetcher.FetchContent(ctx, doc.ProviderDocumentID)
	if err != nil {
		o.logger.WarnContext(ctx, "fetch inbound content failed",
			"document_id", doc.ID,
			"provider", doc.Provider,
			"error", err,
		)
		return nil
	}
	return content
}

// applyToDocument moves a known document as far as the event asks, provided
// the state machine allows it. Events that cannot apply are logged.
func (o *Orchestrator) applyToDocument(ctx context.Context, doc *model.Document, ev model.NotificationEvent) (ApplyResult, error) {
	res := ApplyResult{DocumentID: doc.ID, From: doc.Status, To: doc.Status}

	if doc.Direction == model.DirectionInbound {
		if ev.EventType == model.EventDocumentReceived && len(doc.Content) == 0 {
			return o.completeReceived(ctx, doc, ev)
		}
		res.Message = fmt.Sprintf("%s does not apply to inbound document in %s", ev.EventType, doc.Status)
		o.ignore(ctx, doc.ID, ev, res.Message)
		return res, nil
	}

	target, ok := targetStatus(ev.EventType, ev.ResponseCode)
	if !ok {
		res.Message = fmt.Sprintf("%s carries no status change", ev.EventType)
		o.ignore(ctx, doc.ID, ev, res.Message)
		return res, nil
	}

	for range 3 {
		if doc.Status == target {
			res.Message = "already " + string(target)
			o.ignore(ctx, doc.ID, ev, res.Message)
			return res, nil
		}
		path := Path(doc.Status, target)
		if path == nil {
			res.Message = fmt.Sprintf("transition %s -> %s not permitted", doc.Status, target)
			o.ignore(ctx, doc.ID, ev, res.Message)
			return res, nil
		}

		moved, err := o.walk(ctx, doc, path, ev)
		if err != nil {
			return res, err
		}
		if moved {
			res.Applied = true
			res.To = doc.Status
			res.Message = fmt.Sprintf("%s -> %s", res.From, res.To)
			if ev.ResponseCode != "" {
				res.Message += " (" + string(ev.ResponseCode) + ")"
			}
			o.record(ctx, model.ExchangeLogEntry{
				DocumentID:      doc.ID,
				Action:          model.ActionNotification,
				Status:          model.LogSuccess,
				Message:         fmt.Sprintf("%s: %s", ev.EventType, res.Message),
				RequestSnapshot: string(ev.Raw),
			})
			return res, nil
		}

		// a concurrent send changed the document, reload and re-plan
		fresh, err := o.store.GetDocument(ctx, doc.ID)
		if err != nil {
			return res, fmt.Errorf("reload document: %w", err)
		}
		doc = fresh
		res.From = doc.Status
	}
	return res, fmt.Errorf("document %s kept changing while applying %s", doc.ID, ev.EventType)
}

// walk applies each step of path. It reports false when the first step lost a
// race; a later lost step leaves the document at the last committed status.
func (o *Orchestrator) walk(ctx context.Context, doc *model.Document, path []model.Status, ev model.NotificationEvent) (bool, error) {
	for i, step := range path {
		if ev.TransmissionID != "" {
			doc.ProviderTransmissionID = ev.TransmissionID
		}
		switch step {
		case model.StatusSent:
			doc.SentAt = timePtr(ev.OccurredAt.UTC())
		case model.StatusDelivered:
			doc.ResponseStatusCode = ev.ResponseCode
		case model.StatusRejected:
			doc.ResponseStatusCode = ev.ResponseCode
			if doc.ResponseStatusCode == "" {
				doc.ResponseStatusCode = model.ResponseRejected
			}
			doc.ErrorMessage = ev.Message
		case model.StatusFailed:
			doc.ErrorMessage = ev.Message
			if doc.ErrorMessage == "" {
				doc.ErrorMessage = "provider reported delivery failure"
			}
		}

		ok, err := o.transition(ctx, doc, step)
		if err != nil {
			return false, fmt.Errorf("apply %s: %w", ev.EventType, err)
		}
		if !ok {
			return i > 0, nil
		}
	}
	return true, nil
}

// completeReceived fills in content for an inbound document first seen
// without it
func (o *Orchestrator) completeReceived(ctx context.Context, doc *model.Document, ev model.NotificationEvent) (ApplyResult, error) {
	res := ApplyResult{DocumentID: doc.ID, From: doc.Status, To: doc.Status}
	o.attachContent(ctx, doc, ev.Content)
	if len(doc.Content) == 0 {
		res.Message = "content still unavailable"
		o.ignore(ctx, doc.ID, ev, res.Message)
		return res, nil
	}
	doc.UpdatedAt = o.clock()
	if _, err := o.store.UpdateDocument(ctx, doc, doc.Status); err != nil {
		return res, fmt.Errorf("store content: %w", err)
	}
	res.Applied = true
	res.Message = "content attached"
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID: doc.ID,
		Action:     model.ActionNotification,
		Status:     model.LogInfo,
		Message:    res.Message,
	})
	return res, nil
}

func (o *Orchestrator) ignore(ctx context.Context, documentID string, ev model.NotificationEvent, reason string) {
	o.logger.InfoContext(ctx, "notification ignored",
		"document_id", documentID,
		"provider", ev.Provider,
		"event_type", ev.EventType,
		"reason", reason,
	)
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID:      documentID,
		Action:          model.ActionNotification,
		Status:          model.LogIgnored,
		Message:         fmt.Sprintf("%s: %s", ev.EventType, reason),
		RequestSnapshot: string(ev.Raw),
	})
}

// SyncSummary counts the outcome of a status sync
type SyncSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// SyncStatuses polls the provider for sent documents updated within the
// lookup window and applies what it reports as notifications
func (o *Orchestrator) SyncStatuses(ctx context.Context) (SyncSummary, error) {
	docs, err := o.store.ListDocuments(ctx, store.Filter{
		Direction:    model.DirectionOutbound,
		Statuses:     []model.Status{model.StatusSent},
		UpdatedAfter: o.clock().Add(-o.settings.LookupWindow),
	})
	if err != nil {
		return SyncSummary{}, fmt.Errorf("list sent documents: %w", err)
	}

	var summary SyncSummary
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if doc.ProviderDocumentID == "" {
			continue
		}
		adapter, err := o.adapter(doc.Provider)
		if err != nil || !adapter.Descriptor().Capabilities.StatusTracking {
			continue
		}

		summary.Checked++
		remote, err := adapter.FetchStatus(ctx, doc.ProviderDocumentID)
		if err != nil {
			summary.Errors++
			o.record(ctx, model.ExchangeLogEntry{
				DocumentID:       doc.ID,
				Action:           model.ActionSyncStatus,
				Status:           model.LogFailure,
				Message:          err.Error(),
				ResponseSnapshot: responseSnapshot(err),
			})
			continue
		}
		if remote.Event == model.EventDocumentSent {
			continue
		}

		occurred := remote.UpdatedAt
		if occurred.IsZero() {
			occurred = o.clock()
		}
		res, err := o.ApplyInboundNotification(ctx, model.NotificationEvent{
			Provider:           doc.Provider,
			ProviderDocumentID: doc.ProviderDocumentID,
			TransmissionID:     remote.TransmissionID,
			EventType:          remote.Event,
			ResponseCode:       remote.ResponseCode,
			Message:            remote.Message,
			OccurredAt:         occurred,
		})
		if err != nil {
			summary.Errors++
			o.logger.WarnContext(ctx, "apply polled status", "document_id", doc.ID, "error", err)
			continue
		}
		if res.Applied {
			summary.Updated++
		}
	}
	return summary, nil
}

// PollSummary counts the outcome of an inbound poll
type PollSummary struct {
	Listed  int `json:"listed"`
	Created int `json:"created"`
	Known   int `json:"known"`
	Errors  int `json:"errors"`
}

// PollInbound lists documents received by the active provider within the
// lookup window and records the ones not seen yet
func (o *Orchestrator) PollInbound(ctx context.Context) (PollSummary, error) {
	var summary PollSummary

	adapter, err := o.adapter(o.settings.ActiveProvider)
	if err != nil {
		return summary, err
	}
	if !adapter.Descriptor().Capabilities.Receive {
		return summary, fmt.Errorf("poll %s: %w", o.settings.ActiveProvider, model.ErrUnsupported)
	}

	since := o.clock().Add(-o.settings.LookupWindow)
	for ref, err := range adapter.ListInbound(ctx, since) {
		if err != nil {
			o.record(ctx, model.ExchangeLogEntry{
				Action:           model.ActionPoll,
				Status:           model.LogFailure,
				Message:          err.Error(),
				ResponseSnapshot: responseSnapshot(err),
			})
			return summary, fmt.Errorf("list inbound: %w", err)
		}
		summary.Listed++

		if _, err := o.store.FindByProviderDocumentID(ctx, o.settings.ActiveProvider, ref.ProviderDocumentID); err == nil {
			summary.Known++
			continue
		}

		res, err := o.ApplyInboundNotification(ctx, model.NotificationEvent{
			Provider:           o.settings.ActiveProvider,
			ProviderDocumentID: ref.ProviderDocumentID,
			TransmissionID:     ref.TransmissionID,
			EventType:          model.EventDocumentReceived,
			DocumentType:       ref.DocumentType,
			OccurredAt:         ref.ReceivedAt,
		})
		switch {
		case err != nil:
			summary.Errors++
			o.logger.WarnContext(ctx, "record polled document",
				"provider_document_id", ref.ProviderDocumentID,
				"error", err,
			)
		case res.Created:
			summary.Created++
		default:
			summary.Known++
		}
	}

	o.logger.InfoContext(ctx, "inbound poll finished",
		"provider", o.settings.ActiveProvider,
		"listed", summary.Listed,
		"created", summary.Created,
		"errors", summary.Errors,
	)
	return summary, nil
}
