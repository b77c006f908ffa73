package exchange

import (
	"github.com/rezonia/peppol-exchange/internal/model"
)

var transitions = map[model.Status][]model.Status{
	model.StatusPending:  {model.StatusQueued},
	model.StatusQueued:   {model.StatusSending},
	model.StatusSending:  {model.StatusSent, model.StatusFailed, model.StatusQueued},
	model.StatusFailed:   {model.StatusQueued},
	model.StatusSent:     {model.StatusDelivered, model.StatusRejected},
	model.StatusReceived: {model.StatusProcessed, model.StatusError},
	model.StatusError:    {model.StatusReceived},
}

// CanTransition reports whether a document may move from one status to another
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Path returns the statuses a document passes through to reach to, or nil
// when to is unreachable. Only the outbound acknowledgement chain
// sending→sent→{delivered,rejected} spans more than one step, so a late
// delivery notice can still land on a document whose send result has not
// been written yet.
func Path(from, to model.Status) []model.Status {
	if CanTransition(from, to) {
		return []model.Status{to}
	}
	if from == model.StatusSending && CanTransition(model.StatusSent, to) {
		return []model.Status{model.StatusSent, to}
	}
	return nil
}

// initialStatus is the status a document is created in when first seen
// through a notification
func initialStatus(event model.EventType, code model.ResponseCode) (model.Direction, model.Status) {
	switch event {
	case model.EventDocumentReceived:
		return model.DirectionInbound, model.StatusReceived
	case model.EventDocumentDelivered:
		return model.DirectionOutbound, model.StatusDelivered
	case model.EventDocumentRejected:
		return model.DirectionOutbound, model.StatusRejected
	case model.EventDocumentFailed:
		return model.DirectionOutbound, model.StatusFailed
	case model.EventStatusUpdated:
		if s, ok := statusForResponse(code); ok {
			return model.DirectionOutbound, s
		}
	}
	return model.DirectionOutbound, model.StatusSent
}

// targetStatus maps an event onto the status it asks an existing outbound
// document to reach. ok is false for events that carry no transition.
func targetStatus(event model.EventType, code model.ResponseCode) (model.Status, bool) {
	switch event {
	case model.EventDocumentSent:
		return model.StatusSent, true
	case model.EventDocumentDelivered:
		return model.StatusDelivered, true
	case model.EventDocumentRejected:
		return model.StatusRejected, true
	case model.EventDocumentFailed:
		return model.StatusFailed, true
	case model.EventStatusUpdated:
		return statusForResponse(code)
	}
	return "", false
}

func statusForResponse(code model.ResponseCode) (model.Status, bool) {
	switch code {
	case model.ResponseAccepted, model.ResponseAcknowledged, model.ResponseInProcess:
		return model.StatusDelivered, true
	case model.ResponseRejected:
		return model.StatusRejected, true
	}
	return "", false
}
