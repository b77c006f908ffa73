package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/rezonia/peppol-exchange/internal/metrics"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/ubl"
)

// ReconcileResult is the outcome of reconciling a received document
type ReconcileResult struct {
	DocumentID       string       `json:"document_id"`
	LocalReferenceID string       `json:"local_reference_id,omitempty"`
	Status           model.Status `json:"status"`
	AlreadyProcessed bool         `json:"already_processed,omitempty"`
}

// ReconcileReceived turns a received document into a local record. The
// reconciler runs at most once per successful reconciliation: a processed
// document returns its existing local reference. Documents in error are
// retried. A nil reconciler falls back to the configured one.
func (o *Orchestrator) ReconcileReceived(ctx context.Context, documentID string, r Reconciler) (ReconcileResult, error) {
	if r == nil {
		r = o.reconciler
	}
	if r == nil {
		return ReconcileResult{}, ErrNoReconciler
	}

	unlock, err := o.locker.Lock(ctx, reconcileLockKey(documentID))
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("lock document: %w", err)
	}
	defer unlock()

	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return ReconcileResult{}, err
	}
	res := ReconcileResult{DocumentID: doc.ID, LocalReferenceID: doc.LocalReferenceID, Status: doc.Status}

	if doc.Direction != model.DirectionInbound {
		return res, model.NewValidationError("direction", string(doc.Direction), "eq", "only inbound documents can be reconciled")
	}
	switch doc.Status {
	case model.StatusProcessed:
		res.AlreadyProcessed = true
		return res, nil
	case model.StatusError:
		doc.ErrorMessage = ""
		ok, err := o.transition(ctx, doc, model.StatusReceived)
		if err != nil {
			return res, fmt.Errorf("retry reconciliation: %w", err)
		}
		if !ok {
			return res, &model.TransitionError{DocumentID: doc.ID, From: model.StatusError, To: model.StatusReceived}
		}
	case model.StatusReceived:
	default:
		return res, &model.TransitionError{DocumentID: doc.ID, From: doc.Status, To: model.StatusProcessed}
	}

	if len(doc.Content) == 0 {
		doc.Content = o.fetchContent(ctx, doc)
	}
	if len(doc.Content) == 0 {
		return o.reconcileFailed(ctx, doc, model.NewReconcileError(doc.ID, "document content unavailable", nil))
	}

	parsed, err := ubl.Decode(doc.Content)
	if err != nil {
		// unparseable content stays received so it can be inspected
		doc.ErrorMessage = err.Error()
		doc.UpdatedAt = o.clock()
		if _, uerr := o.store.UpdateDocument(ctx, doc, model.StatusReceived); uerr != nil {
			return res, fmt.Errorf("flag parse error: %w", uerr)
		}
		o.record(ctx, model.ExchangeLogEntry{
			DocumentID: doc.ID,
			Action:     model.ActionReconcile,
			Status:     model.LogFailure,
			Message:    err.Error(),
		})
		metrics.ObserveReconcile("parse_error")
		res.Status = model.StatusReceived
		return res, err
	}

	localRef, err := r.Create(ctx, doc.ID, parsed)
	if err != nil {
		var recErr *model.ReconcileError
		if !errors.As(err, &recErr) {
			recErr = model.NewReconcileError(doc.ID, "create local record", err)
		}
		return o.reconcileFailed(ctx, doc, recErr)
	}

	doc.LocalReferenceID = localRef
	doc.DocumentType = parsed.Type
	doc.ErrorMessage = ""
	doc.ProcessedAt = timePtr(o.clock())
	ok, err := o.transition(ctx, doc, model.StatusProcessed)
	if err != nil {
		return res, fmt.Errorf("mark processed: %w", err)
	}
	if !ok {
		return res, &model.TransitionError{DocumentID: doc.ID, From: doc.Status, To: model.StatusProcessed}
	}

	o.record(ctx, model.ExchangeLogEntry{
		DocumentID: doc.ID,
		Action:     model.ActionReconcile,
		Status:     model.LogSuccess,
		Message:    fmt.Sprintf("%s %s recorded as %s", parsed.Type, parsed.Number, localRef),
	})
	metrics.ObserveReconcile("processed")
	return ReconcileResult{DocumentID: doc.ID, LocalReferenceID: localRef, Status: model.StatusProcessed}, nil
}

// reconcileFailed moves the document to error, keeping its content for a
// later retry
func (o *Orchestrator) reconcileFailed(ctx context.Context, doc *model.Document, cause *model.ReconcileError) (ReconcileResult, error) {
	doc.ErrorMessage = cause.Error()
	ok, err := o.transition(ctx, doc, model.StatusError)
	if err != nil {
		return ReconcileResult{DocumentID: doc.ID, Status: doc.Status}, fmt.Errorf("mark error: %w", err)
	}
	if !ok {
		o.logger.WarnContext(ctx, "document changed during reconciliation", "document_id", doc.ID)
	}
	o.record(ctx, model.ExchangeLogEntry{
		DocumentID: doc.ID,
		Action:     model.ActionReconcile,
		Status:     model.LogFailure,
		Message:    cause.Error(),
	})
	metrics.ObserveReconcile("error")
	return ReconcileResult{DocumentID: doc.ID, Status: doc.Status}, cause
}
