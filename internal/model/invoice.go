package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is a local invoice or credit note as supplied by the invoice source
type Invoice struct {
	ID               string          `json:"id"`
	Number           string          `json:"number"`
	Type             DocumentType    `json:"type"`
	Date             time.Time       `json:"date"`
	DueDate          *time.Time      `json:"due_date,omitempty"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	Items            []LineItem      `json:"items"`
	Client           Party           `json:"client"`
	Notes            string          `json:"notes,omitempty"`
	BillingReference string          `json:"billing_reference,omitempty"` // original invoice number for credit notes
	Attachment       *Attachment     `json:"attachment,omitempty"`
}

// IsCreditNote reports whether the invoice should be rendered as a CreditNote
func (inv *Invoice) IsCreditNote() bool {
	return inv.Type == DocumentTypeCreditNote
}

// LineItem is one invoice line
type LineItem struct {
	Description     string          `json:"description"`
	LongDescription string          `json:"long_description,omitempty"`
	Unit            string          `json:"unit,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Rate            decimal.Decimal `json:"rate"`
}

// Amount returns quantity * rate rounded to cents
func (l LineItem) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.Rate).Round(2)
}

// Party is a trading party (client, company, seller, buyer)
type Party struct {
	Name             string `json:"name"`
	VATNumber        string `json:"vat_number,omitempty"`
	Street           string `json:"street,omitempty"`
	City             string `json:"city,omitempty"`
	PostalCode       string `json:"postal_code,omitempty"`
	CountryCode      string `json:"country_code,omitempty"`
	PeppolScheme     string `json:"peppol_scheme,omitempty"`
	PeppolIdentifier string `json:"peppol_identifier,omitempty"`
	Email            string `json:"email,omitempty"`
}

// ParticipantID returns "scheme:identifier", the PEPPOL participant notation
func (p Party) ParticipantID() string {
	if p.PeppolScheme == "" {
		return p.PeppolIdentifier
	}
	return p.PeppolScheme + ":" + p.PeppolIdentifier
}

// Attachment is a binary document embedded in UBL
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
	Pages    int    `json:"pages,omitempty"`
}

// ParsedDocument is the canonical result of decoding inbound UBL
type ParsedDocument struct {
	Type             DocumentType    `json:"type"`
	Number           string          `json:"number"`
	IssueDate        time.Time       `json:"issue_date"`
	DueDate          *time.Time      `json:"due_date,omitempty"`
	Currency         string          `json:"currency"`
	Seller           Party           `json:"seller"`
	Buyer            Party           `json:"buyer"`
	Lines            []LineItem      `json:"lines"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	TaxPercent       decimal.Decimal `json:"tax_percent"`
	Total            decimal.Decimal `json:"total"`
	Payable          decimal.Decimal `json:"payable"`
	Notes            []string        `json:"notes,omitempty"`
	BillingReference string          `json:"billing_reference,omitempty"`
	Attachments      []Attachment    `json:"attachments,omitempty"`
}
