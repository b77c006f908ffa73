// Package peppollib provides a public API for building and reading PEPPOL
// BIS Billing 3.0 documents.
//
// This package exposes the document types, the UBL codec and the exchange
// status rules used by the peppol-exchange service.
//
// Example usage:
//
//	codec := peppollib.NewCodec(company)
//	ubl, err := codec.Encode(invoice)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := codec.Read(ctx, bytes.NewReader(ubl))
//	fmt.Println(result.Document.Total)
package peppollib

import "github.com/rezonia/peppol-exchange/internal/model"

// Re-export core types for public API
type (
	Invoice        = model.Invoice
	LineItem       = model.LineItem
	Party          = model.Party
	Attachment     = model.Attachment
	ParsedDocument = model.ParsedDocument
	DocumentType   = model.DocumentType
	Status         = model.Status
	ResponseCode   = model.ResponseCode
	ProviderID     = model.ProviderID
)

// Re-export document types
const (
	DocumentTypeInvoice    = model.DocumentTypeInvoice
	DocumentTypeCreditNote = model.DocumentTypeCreditNote
)

// Re-export providers
const (
	ProviderAdemico   = model.ProviderAdemico
	ProviderUnit4     = model.ProviderUnit4
	ProviderRecommand = model.ProviderRecommand
)

// Re-export statuses
const (
	StatusPending   = model.StatusPending
	StatusQueued    = model.StatusQueued
	StatusSending   = model.StatusSending
	StatusSent      = model.StatusSent
	StatusDelivered = model.StatusDelivered
	StatusFailed    = model.StatusFailed
	StatusRejected  = model.StatusRejected
	StatusReceived  = model.StatusReceived
	StatusProcessed = model.StatusProcessed
	StatusError     = model.StatusError
)

// Re-export invoice response codes
const (
	ResponseInProcess    = model.ResponseInProcess
	ResponseAccepted     = model.ResponseAccepted
	ResponseAcknowledged = model.ResponseAcknowledged
	ResponseRejected     = model.ResponseRejected
)

// Re-export error types
type (
	ParseError          = model.ParseError
	ValidationError     = model.ValidationError
	TaxComputationError = model.TaxComputationError
)
