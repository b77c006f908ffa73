package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/peppol-exchange/internal/metrics"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
	"github.com/rezonia/peppol-exchange/internal/store"
	"github.com/rezonia/peppol-exchange/internal/ubl"
)

// ProcessingSummary counts the outcome of one queue run
type ProcessingSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Total     int `json:"total"`
}

func (s *ProcessingSummary) add(o ProcessingSummary) {
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Requeued += o.Requeued
	s.Total += o.Total
}

// EnqueueForSending queues a local invoice for transmission through the
// active provider. It is idempotent per (invoice, provider): an existing
// document is returned unchanged unless it failed, in which case it is put
// back in the queue with a fresh attempt budget.
func (o *Orchestrator) EnqueueForSending(ctx context.Context, invoiceID string) (string, error) {
	if invoiceID == "" {
		return "", model.MissingField("invoice_id")
	}
	providerID := o.settings.ActiveProvider
	if _, err := o.adapter(providerID); err != nil {
		return "", err
	}

	existing, err := o.store.FindOutbound(ctx, invoiceID, providerID)
	switch {
	case err == nil:
		return o.requeueExisting(ctx, existing)
	case !errors.Is(err, model.ErrNotFound):
		return "", fmt.Errorf("find outbound document: %w", err)
	}

	inv, err := o.source.Invoice(ctx, invoiceID)
	if err != nil {
		return "", fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}
	docType := model.DocumentTypeInvoice
	if inv.IsCreditNote() {
		docType = model.DocumentTypeCreditNote
	}

	now := o.clock()
	doc := &model.Document{
		ID:               uuid.NewString(),
		Direction:        model.DirectionOutbound,
		DocumentType:     docType,
		LocalReferenceID: invoiceID,
		Provider:         providerID,
		Status:           model.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			// lost a race with a concurrent enqueue of the same invoice
			existing, ferr := o.store.FindOutbound(ctx, invoiceID, providerID)
			if ferr != nil {
				return "", fmt.Errorf("find outbound document: %w", ferr)
			}
			return o.requeueExisting(ctx, existing)
		}
		return "", fmt.Errorf("create document: %w", err)
	}

	if _, err := o.transition(ctx, doc, model.StatusQueued); err != nil {
		return "", fmt.Errorf("queue document: %w", err)
	}
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID: doc.ID,
		Action:     model.ActionEnqueue,
		Status:     model.LogSuccess,
		Message:    fmt.Sprintf("invoice %s queued for %s", invoiceID, providerID),
	})
	return doc.ID, nil
}

func (o *Orchestrator) requeueExisting(ctx context.Context, doc *model.Document) (string, error) {
	if doc.Status != model.StatusFailed {
		o.logger.DebugContext(ctx, "invoice already enqueued",
			"document_id", doc.ID,
			"invoice_id", doc.LocalReferenceID,
			"status", doc.Status,
		)
		return doc.ID, nil
	}
	if err := o.resend(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// Resend puts a failed document back in the queue. Documents in any other
// status yield a *model.TransitionError.
func (o *Orchestrator) Resend(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	return o.resend(ctx, doc)
}

func (o *Orchestrator) resend(ctx context.Context, doc *model.Document) error {
	if doc.Status != model.StatusFailed {
		return &model.TransitionError{DocumentID: doc.ID, From: doc.Status, To: model.StatusQueued}
	}
	previous := doc.ErrorMessage
	doc.ErrorMessage = ""
	ok, err := o.transition(ctx, doc, model.StatusQueued)
	if err != nil {
		return fmt.Errorf("requeue document: %w", err)
	}
	if !ok {
		return &model.TransitionError{DocumentID: doc.ID, From: doc.Status, To: model.StatusQueued}
	}
	if err := o.store.ResetAttempts(ctx, doc.ID); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID:      doc.ID,
		Action:          model.ActionResend,
		Status:          model.LogSuccess,
		Message:         "failed document queued again",
		RequestSnapshot: previous,
	})
	return nil
}

// OnInvoiceSent is the hook called when an invoice is marked sent locally.
// It enqueues the invoice when auto-send is enabled and returns the document
// id, or "" when auto-send is off.
func (o *Orchestrator) OnInvoiceSent(ctx context.Context, invoiceID string) (string, error) {
	if !o.settings.AutoSendEnabled {
		return "", nil
	}
	return o.EnqueueForSending(ctx, invoiceID)
}

// ProcessQueue sends every queued outbound document. Providers are worked in
// parallel; sends through one provider are serialized. Cancellation is
// honoured between documents, never during a send.
func (o *Orchestrator) ProcessQueue(ctx context.Context) (ProcessingSummary, error) {
	queued, err := o.store.ListDocuments(ctx, store.Filter{
		Direction: model.DirectionOutbound,
		Statuses:  []model.Status{model.StatusQueued},
	})
	if err != nil {
		return ProcessingSummary{}, fmt.Errorf("list queued documents: %w", err)
	}

	byProvider := make(map[model.ProviderID][]*model.Document)
	var order []model.ProviderID
	for _, doc := range queued {
		if _, seen := byProvider[doc.Provider]; !seen {
			order = append(order, doc.Provider)
		}
		byProvider[doc.Provider] = append(byProvider[doc.Provider], doc)
	}

	var (
		mu      sync.Mutex
		summary ProcessingSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		id, docs := id, byProvider[id]
		g.Go(func() error {
			s, err := o.processProvider(gctx, id, docs)
			mu.Lock()
			summary.add(s)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	o.logger.InfoContext(ctx, "queue processed",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"requeued", summary.Requeued,
	)
	return summary, err
}

func (o *Orchestrator) processProvider(ctx context.Context, id model.ProviderID, docs []*model.Document) (ProcessingSummary, error) {
	var summary ProcessingSummary

	adapter, err := o.adapter(id)
	if err != nil {
		for _, doc := range docs {
			o.record(ctx, model.ExchangeLogEntry{
				DocumentID: doc.ID,
				Action:     model.ActionSend,
				Status:     model.LogFailure,
				Message:    err.Error(),
			})
		}
		o.logger.ErrorContext(ctx, "queued documents for unknown provider", "provider", id, "count", len(docs))
		return summary, nil
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome, err := o.processLocked(ctx, id, adapter, doc)
		if err != nil {
			return summary, err
		}
		switch outcome {
		case outcomeSkipped:
			continue
		case outcomeSent:
			summary.Succeeded++
		case outcomeRequeued:
			summary.Requeued++
		case outcomeFailed:
			summary.Failed++
		}
		summary.Total++
	}
	return summary, nil
}

type sendOutcome int

const (
	outcomeSkipped sendOutcome = iota
	outcomeSent
	outcomeRequeued
	outcomeFailed
)

func (s sendOutcome) String() string {
	switch s {
	case outcomeSent:
		return "sent"
	case outcomeRequeued:
		return "requeued"
	case outcomeFailed:
		return "failed"
	}
	return "skipped"
}

// processLocked sends one document under the provider's send lock. The lock
// is taken per document so a lease never has to outlive a batch.
func (o *Orchestrator) processLocked(ctx context.Context, id model.ProviderID, adapter provider.Adapter, doc *model.Document) (sendOutcome, error) {
	unlock, err := o.locker.Lock(ctx, sendLockKey(id))
	if err != nil {
		return outcomeSkipped, fmt.Errorf("lock provider %s: %w", id, err)
	}
	defer unlock()
	return o.processOne(ctx, adapter, doc)
}

// processOne claims a queued document and sends it. Only store failures are
// returned as errors; every send failure ends up on the document.
func (o *Orchestrator) processOne(ctx context.Context, adapter provider.Adapter, doc *model.Document) (sendOutcome, error) {
	claimed, err := o.transition(ctx, doc, model.StatusSending)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("claim document %s: %w", doc.ID, err)
	}
	if !claimed {
		o.logger.DebugContext(ctx, "document claimed elsewhere", "document_id", doc.ID)
		return outcomeSkipped, nil
	}

	attempt, err := o.store.IncrementAttempts(ctx, doc.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("count attempt: %w", err)
	}

	// The claim is committed: finish the document even if the caller gives up.
	ctx = context.WithoutCancel(ctx)

	payload, meta, err := o.render(ctx, doc)
	if err != nil {
		return o.sendFailed(ctx, doc, attempt, err, "")
	}
	doc.Content = payload

	sendCtx, cancel := context.WithTimeout(ctx, o.settings.SendTimeout)
	started := time.Now()
	result, err := adapter.SendDocument(sendCtx, payload, meta)
	cancel()
	elapsed := time.Since(started)

	if err != nil {
		outcome, serr := o.sendFailed(ctx, doc, attempt, err, requestSnapshot(meta, payload))
		if outcome != outcomeSkipped {
			metrics.ObserveSend(string(doc.Provider), outcome.String(), elapsed)
		}
		return outcome, serr
	}
	metrics.ObserveSend(string(doc.Provider), outcomeSent.String(), elapsed)
	return o.sendSucceeded(ctx, doc, meta, payload, result)
}

// render loads the invoice and encodes it to UBL
func (o *Orchestrator) render(ctx context.Context, doc *model.Document) ([]byte, provider.SendMetadata, error) {
	inv, err := o.source.Invoice(ctx, doc.LocalReferenceID)
	if err != nil {
		return nil, provider.SendMetadata{}, err
	}
	payload, err := ubl.Encode(inv, o.settings.Company)
	if err != nil {
		return nil, provider.SendMetadata{}, err
	}
	meta := provider.SendMetadata{
		DocumentID:     doc.ID,
		DocumentType:   doc.DocumentType,
		LocalReference: doc.ID,
		Sender:         o.settings.Company,
		Receiver:       inv.Client,
	}
	return payload, meta, nil
}

func (o *Orchestrator) sendSucceeded(ctx context.Context, doc *model.Document, meta provider.SendMetadata, payload []byte, result *provider.SendResult) (sendOutcome, error) {
	doc.ProviderDocumentID = result.ProviderDocumentID
	doc.ProviderTransmissionID = result.TransmissionID
	doc.ErrorMessage = ""
	doc.SentAt = timePtr(o.clock())

	ok, err := o.transition(ctx, doc, model.StatusSent)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("mark document %s sent: %w", doc.ID, err)
	}
	if !ok {
		if err := o.adoptSendResult(ctx, doc); err != nil {
			return outcomeSkipped, err
		}
	}
	if err := o.store.ResetAttempts(ctx, doc.ID); err != nil {
		o.logger.WarnContext(ctx, "reset attempts", "document_id", doc.ID, "error", err)
	}

	response, _ := json.Marshal(result)
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID:       doc.ID,
		Action:           model.ActionSend,
		Status:           model.LogSuccess,
		Message:          fmt.Sprintf("sent via %s as %s", doc.Provider, result.ProviderDocumentID),
		RequestSnapshot:  requestSnapshot(meta, payload),
		ResponseSnapshot: string(response),
	})
	return outcomeSent, nil
}

// adoptSendResult handles a document whose status moved while the send was in
// flight, which happens when the provider's webhook beats its own response.
// The identifiers are attached without touching the newer status.
func (o *Orchestrator) adoptSendResult(ctx context.Context, doc *model.Document) error {
	cur, err := o.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("reload document %s: %w", doc.ID, err)
	}
	cur.ProviderDocumentID = doc.ProviderDocumentID
	cur.ProviderTransmissionID = doc.ProviderTransmissionID
	cur.Content = doc.Content
	cur.SentAt = doc.SentAt
	cur.UpdatedAt = o.clock()
	if _, err := o.store.UpdateDocument(ctx, cur, cur.Status); err != nil {
		return fmt.Errorf("attach send result to %s: %w", doc.ID, err)
	}
	o.logger.InfoContext(ctx, "send result attached after concurrent status change",
		"document_id", doc.ID,
		"status", cur.Status,
	)
	*doc = *cur
	return nil
}

// sendFailed requeues retryable failures while the attempt budget lasts and
// fails the document otherwise
func (o *Orchestrator) sendFailed(ctx context.Context, doc *model.Document, attempt int, cause error, request string) (sendOutcome, error) {
	doc.ErrorMessage = cause.Error()
	entry := model.ExchangeLogEntry{
		DocumentID:       doc.ID,
		Action:           model.ActionSend,
		Status:           model.LogFailure,
		Message:          cause.Error(),
		RequestSnapshot:  request,
		ResponseSnapshot: responseSnapshot(cause),
	}

	to, outcome := model.StatusFailed, outcomeFailed
	if retryable(cause) && attempt < o.settings.RetryBudget {
		to, outcome = model.StatusQueued, outcomeRequeued
		entry.Action = model.ActionRetry
		entry.Message = fmt.Sprintf("attempt %d of %d failed, requeued: %s", attempt, o.settings.RetryBudget, cause)
	}

	ok, err := o.transition(ctx, doc, to)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("mark document %s %s: %w", doc.ID, to, err)
	}
	if !ok {
		o.logger.WarnContext(ctx, "document changed during failed send, outcome dropped",
			"document_id", doc.ID,
			"error", cause,
		)
		return outcomeSkipped, nil
	}
	o.record(ctx, entry)

	level := o.logger.WarnContext
	if outcome == outcomeFailed {
		level = o.logger.ErrorContext
	}
	level(ctx, "send failed",
		"document_id", doc.ID,
		"provider", doc.Provider,
		"attempt", attempt,
		"status", to,
		"error", cause,
	)
	return outcome, nil
}

// retryable reports whether a send failure may succeed on a later attempt.
// Invoice source outages are retried; unknown invoices are not.
func retryable(err error) bool {
	if model.IsRetryable(err) {
		return true
	}
	var (
		sendErr  *model.SendError
		authErr  *model.AuthError
		protoErr *model.ProtocolError
		validErr *model.ValidationError
		taxErr   *model.TaxComputationError
	)
	switch {
	case errors.As(err, &sendErr), errors.As(err, &authErr), errors.As(err, &protoErr),
		errors.As(err, &validErr), errors.As(err, &taxErr):
		return false
	case errors.Is(err, model.ErrNotFound):
		return false
	}
	return true
}

func requestSnapshot(meta provider.SendMetadata, payload []byte) string {
	b, _ := json.Marshal(map[string]any{
		"document_id":     meta.DocumentID,
		"document_type":   meta.DocumentType,
		"local_reference": meta.LocalReference,
		"receiver":        meta.Receiver.ParticipantID(),
		"sender":          meta.Sender.ParticipantID(),
		"bytes":           len(payload),
	})
	return string(b)
}

func responseSnapshot(err error) string {
	var protoErr *model.ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Body
	}
	return ""
}

// RecoverStuckSending resolves documents left in sending by a crashed or
// timed-out run. When the provider already knows the document its status is
// adopted; otherwise the document is requeued within the attempt budget.
func (o *Orchestrator) RecoverStuckSending(ctx context.Context) (ProcessingSummary, error) {
	stuck, err := o.store.ListDocuments(ctx, store.Filter{
		Direction:     model.DirectionOutbound,
		Statuses:      []model.Status{model.StatusSending},
		UpdatedBefore: o.clock().Add(-o.settings.SendingTimeout),
	})
	if err != nil {
		return ProcessingSummary{}, fmt.Errorf("list stuck documents: %w", err)
	}

	var summary ProcessingSummary
	for _, doc := range stuck {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome, err := o.recoverOne(ctx, doc)
		if err != nil {
			return summary, err
		}
		switch outcome {
		case outcomeSkipped:
			continue
		case outcomeSent:
			summary.Succeeded++
		case outcomeRequeued:
			summary.Requeued++
		case outcomeFailed:
			summary.Failed++
		}
		summary.Total++
	}
	return summary, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, doc *model.Document) (sendOutcome, error) {
	attempts, err := o.store.Attempts(ctx, doc.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("read attempts: %w", err)
	}

	if remote := o.lookupRemote(ctx, doc); remote != nil {
		return o.adoptRemote(ctx, doc, remote)
	}

	doc.ErrorMessage = fmt.Sprintf("send did not complete within %s", o.settings.SendingTimeout)
	to, outcome := model.StatusFailed, outcomeFailed
	if attempts < o.settings.RetryBudget {
		to, outcome = model.StatusQueued, outcomeRequeued
	}
	ok, err := o.transition(ctx, doc, to)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("recover document %s: %w", doc.ID, err)
	}
	if !ok {
		return outcomeSkipped, nil
	}
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID: doc.ID,
		Action:     model.ActionRecover,
		Status:     model.LogInfo,
		Message:    fmt.Sprintf("stuck in sending, moved to %s after %d attempts", to, attempts),
	})
	return outcome, nil
}

// lookupRemote asks the provider whether a stuck document reached it, by
// provider id when known and otherwise by the submission reference. A nil
// result means the provider has no record or could not be asked.
func (o *Orchestrator) lookupRemote(ctx context.Context, doc *model.Document) *provider.RemoteStatus {
	adapter, err := o.adapter(doc.Provider)
	if err != nil {
		return nil
	}

	var remote *provider.RemoteStatus
	switch lookup, ok := adapter.(provider.ReferenceLookup); {
	case doc.ProviderDocumentID != "":
		remote, err = adapter.FetchStatus(ctx, doc.ProviderDocumentID)
	case ok:
		remote, err = lookup.FindByReference(ctx, doc.ID)
	default:
		return nil
	}
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			o.logger.WarnContext(ctx, "status lookup during recovery failed",
				"document_id", doc.ID,
				"provider", doc.Provider,
				"error", err,
			)
		}
		return nil
	}
	return remote
}

// adoptRemote settles a stuck document on the provider's view of it
func (o *Orchestrator) adoptRemote(ctx context.Context, doc *model.Document, remote *provider.RemoteStatus) (sendOutcome, error) {
	doc.ProviderDocumentID = remote.ProviderDocumentID
	doc.ProviderTransmissionID = remote.TransmissionID

	target, outcome := model.StatusSent, outcomeSent
	if remote.Event == model.EventDocumentFailed {
		target, outcome = model.StatusFailed, outcomeFailed
		doc.ErrorMessage = remote.Message
	} else {
		doc.ErrorMessage = ""
		doc.SentAt = timePtr(o.clock())
	}
	ok, err := o.transition(ctx, doc, target)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("recover document %s: %w", doc.ID, err)
	}
	if !ok {
		return outcomeSkipped, nil
	}
	if err := o.store.ResetAttempts(ctx, doc.ID); err != nil {
		o.logger.WarnContext(ctx, "reset attempts", "document_id", doc.ID, "error", err)
	}
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID: doc.ID,
		Action:     model.ActionRecover,
		Status:     model.LogInfo,
		Message:    fmt.Sprintf("provider reports %s as %s, moved to %s", remote.ProviderDocumentID, remote.Event, target),
	})

	if next, ok := targetStatus(remote.Event, remote.ResponseCode); ok && target == model.StatusSent && next != model.StatusSent {
		doc.ResponseStatusCode = remote.ResponseCode
		if _, err := o.transition(ctx, doc, next); err != nil {
			return outcome, fmt.Errorf("advance document %s: %w", doc.ID, err)
		}
	}
	return outcome, nil
}
