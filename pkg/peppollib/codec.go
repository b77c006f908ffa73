package peppollib

import (
	"context"
	"io"

	"github.com/shopspring/decimal"

	"github.com/rezonia/peppol-exchange/internal/exchange"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/ubl"
)

// MaxDocumentSize bounds what Read accepts
const MaxDocumentSize = 20 << 20

// TaxBreakdown is the single VAT subtotal derived from an invoice
type TaxBreakdown = ubl.TaxBreakdown

// Result is the outcome of reading a UBL document
type Result struct {
	Valid    bool            `json:"valid"`
	Root     string          `json:"root,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
	Document *ParsedDocument `json:"document,omitempty"`
}

// Codec encodes invoices for one sending company and reads received UBL
type Codec struct {
	company Party
}

// NewCodec creates a codec; company is the supplier of encoded invoices
func NewCodec(company Party) *Codec {
	return &Codec{company: company}
}

// Encode renders inv as UBL with the codec's company as supplier
func (c *Codec) Encode(inv *Invoice) ([]byte, error) {
	return ubl.Encode(inv, c.company)
}

// Read validates the structure of a UBL document and decodes it. A
// structurally invalid document is reported in the Result, not as an error.
func (c *Codec) Read(ctx context.Context, r io.Reader) (*Result, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize))
	if err != nil {
		return nil, &model.ParseError{Message: "failed to read input", Cause: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := ubl.ValidateStructure(data)
	result := &Result{Valid: v.Valid, Root: v.Root, Errors: v.Errors}
	if !v.Valid {
		return result, nil
	}

	doc, err := ubl.Decode(data)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}
	result.Document = doc
	return result, nil
}

// Decode parses UBL without the structure checks
func Decode(data []byte) (*ParsedDocument, error) {
	return ubl.Decode(data)
}

// ComputeTax derives the VAT amount and rate from subtotal and total
func ComputeTax(subtotal, total decimal.Decimal) (TaxBreakdown, error) {
	return ubl.ComputeTax(subtotal, total)
}

// CanTransition reports whether a document may move from one status to
// another in a single step
func CanTransition(from, to Status) bool {
	return exchange.CanTransition(from, to)
}
