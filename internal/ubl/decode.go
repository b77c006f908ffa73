package ubl

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	money "github.com/rezonia/peppol-exchange/internal/decimal"
	"github.com/rezonia/peppol-exchange/internal/model"
)

// Element names below match on local name only, so documents using other
// namespace prefixes decode the same way.
type ublDocument struct {
	XMLName          xml.Name
	ID               string           `xml:"ID"`
	IssueDate        string           `xml:"IssueDate"`
	DueDate          string           `xml:"DueDate"`
	PaymentDueDate   string           `xml:"PaymentMeans>PaymentDueDate"`
	Notes            []string         `xml:"Note"`
	Currency         string           `xml:"DocumentCurrencyCode"`
	BillingReference string           `xml:"BillingReference>InvoiceDocumentReference>ID"`
	References       []ublDocumentRef `xml:"AdditionalDocumentReference"`
	Supplier         ublParty         `xml:"AccountingSupplierParty>Party"`
	Customer         ublParty         `xml:"AccountingCustomerParty>Party"`
	TaxTotals        []ublTaxTotal    `xml:"TaxTotal"`
	Totals           ublMonetaryTotal `xml:"LegalMonetaryTotal"`
	InvoiceLines     []ublLine        `xml:"InvoiceLine"`
	CreditNoteLines  []ublLine        `xml:"CreditNoteLine"`
}

type ublIdentifier struct {
	Scheme string `xml:"schemeID,attr"`
	Value  string `xml:",chardata"`
}

type ublParty struct {
	Endpoint         ublIdentifier `xml:"EndpointID"`
	Name             string        `xml:"PartyName>Name"`
	RegistrationName string        `xml:"PartyLegalEntity>RegistrationName"`
	Street           string        `xml:"PostalAddress>StreetName"`
	City             string        `xml:"PostalAddress>CityName"`
	PostalCode       string        `xml:"PostalAddress>PostalZone"`
	Country          string        `xml:"PostalAddress>Country>IdentificationCode"`
	VATNumber        string        `xml:"PartyTaxScheme>CompanyID"`
	Email            string        `xml:"Contact>ElectronicMail"`
}

type ublDocumentRef struct {
	ID         string `xml:"ID"`
	Attachment struct {
		Object struct {
			MimeCode string `xml:"mimeCode,attr"`
			Filename string `xml:"filename,attr"`
			Value    string `xml:",chardata"`
		} `xml:"EmbeddedDocumentBinaryObject"`
	} `xml:"Attachment"`
}

type ublTaxTotal struct {
	TaxAmount string           `xml:"TaxAmount"`
	Subtotals []ublTaxSubtotal `xml:"TaxSubtotal"`
}

type ublTaxSubtotal struct {
	TaxableAmount string `xml:"TaxableAmount"`
	TaxAmount     string `xml:"TaxAmount"`
	Percent       string `xml:"TaxCategory>Percent"`
}

type ublMonetaryTotal struct {
	LineExtensionAmount string `xml:"LineExtensionAmount"`
	TaxExclusiveAmount  string `xml:"TaxExclusiveAmount"`
	TaxInclusiveAmount  string `xml:"TaxInclusiveAmount"`
	PayableAmount       string `xml:"PayableAmount"`
}

type ublQuantity struct {
	UnitCode string `xml:"unitCode,attr"`
	Value    string `xml:",chardata"`
}

type ublLine struct {
	ID                  string      `xml:"ID"`
	InvoicedQuantity    ublQuantity `xml:"InvoicedQuantity"`
	CreditedQuantity    ublQuantity `xml:"CreditedQuantity"`
	LineExtensionAmount string      `xml:"LineExtensionAmount"`
	Name                string      `xml:"Item>Name"`
	Description         string      `xml:"Item>Description"`
	PriceAmount         string      `xml:"Price>PriceAmount"`
}

// Decode parses a UBL Invoice or CreditNote. Missing optional elements are
// tolerated; malformed XML, an unknown root element or a document without
// lines is a *model.ParseError.
func Decode(data []byte) (*model.ParsedDocument, error) {
	var doc ublDocument
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&doc); err != nil {
		return nil, model.NewParseError("xml", "malformed XML", err)
	}

	result := &model.ParsedDocument{
		Number:           strings.TrimSpace(doc.ID),
		Currency:         strings.TrimSpace(doc.Currency),
		Seller:           convertParty(doc.Supplier),
		Buyer:            convertParty(doc.Customer),
		BillingReference: strings.TrimSpace(doc.BillingReference),
	}

	var lines []ublLine
	switch doc.XMLName.Local {
	case "Invoice":
		result.Type = model.DocumentTypeInvoice
		lines = doc.InvoiceLines
	case "CreditNote":
		result.Type = model.DocumentTypeCreditNote
		lines = doc.CreditNoteLines
	default:
		return nil, model.NewParseError("root", fmt.Sprintf("unexpected root element %q", doc.XMLName.Local), nil)
	}
	if len(lines) == 0 {
		return nil, model.NewParseError("lines", "document has no line items", nil)
	}

	issue, err := parseDate(doc.IssueDate)
	if err != nil {
		return nil, model.NewParseError("IssueDate", "invalid issue date", err)
	}
	result.IssueDate = issue

	due := doc.DueDate
	if due == "" {
		due = doc.PaymentDueDate
	}
	if due != "" {
		if d, err := parseDate(due); err == nil {
			result.DueDate = &d
		}
	}

	for _, n := range doc.Notes {
		if n = strings.TrimSpace(n); n != "" {
			result.Notes = append(result.Notes, n)
		}
	}

	for i, l := range lines {
		item, err := convertLine(l)
		if err != nil {
			return nil, model.NewParseError(fmt.Sprintf("line[%d]", i+1), "invalid amount", err)
		}
		result.Lines = append(result.Lines, item)
	}

	if err := applyTotals(result, doc); err != nil {
		return nil, err
	}

	for _, ref := range doc.References {
		if a, ok := convertAttachment(ref); ok {
			result.Attachments = append(result.Attachments, a)
		}
	}

	return result, nil
}

func applyTotals(result *model.ParsedDocument, doc ublDocument) error {
	var err error
	t := doc.Totals

	subtotal := t.TaxExclusiveAmount
	if strings.TrimSpace(subtotal) == "" {
		subtotal = t.LineExtensionAmount
	}
	if result.Subtotal, err = money.ParseLenient(subtotal); err != nil {
		return model.NewParseError("TaxExclusiveAmount", "invalid amount", err)
	}
	if result.Total, err = money.ParseLenient(t.TaxInclusiveAmount); err != nil {
		return model.NewParseError("TaxInclusiveAmount", "invalid amount", err)
	}
	if result.Payable, err = money.ParseLenient(t.PayableAmount); err != nil {
		return model.NewParseError("PayableAmount", "invalid amount", err)
	}

	result.TaxAmount = result.Total.Sub(result.Subtotal)
	result.TaxPercent = money.Zero
	for _, tt := range doc.TaxTotals {
		if strings.TrimSpace(tt.TaxAmount) == "" {
			continue
		}
		if amt, err := money.ParseLenient(tt.TaxAmount); err == nil {
			result.TaxAmount = amt
		}
		if len(tt.Subtotals) > 0 {
			if pct, err := money.ParseLenient(tt.Subtotals[0].Percent); err == nil {
				result.TaxPercent = pct
			}
		}
		break
	}
	return nil
}

func convertParty(p ublParty) model.Party {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(p.RegistrationName)
	}
	return model.Party{
		Name:             name,
		VATNumber:        strings.TrimSpace(p.VATNumber),
		Street:           strings.TrimSpace(p.Street),
		City:             strings.TrimSpace(p.City),
		PostalCode:       strings.TrimSpace(p.PostalCode),
		CountryCode:      strings.TrimSpace(p.Country),
		PeppolScheme:     strings.TrimSpace(p.Endpoint.Scheme),
		PeppolIdentifier: strings.TrimSpace(p.Endpoint.Value),
		Email:            strings.TrimSpace(p.Email),
	}
}

func convertLine(l ublLine) (model.LineItem, error) {
	qty := l.InvoicedQuantity
	if strings.TrimSpace(qty.Value) == "" {
		qty = l.CreditedQuantity
	}

	item := model.LineItem{
		Description:     strings.TrimSpace(l.Name),
		LongDescription: strings.TrimSpace(l.Description),
		Unit:            strings.TrimSpace(qty.UnitCode),
	}

	var err error
	if item.Quantity, err = money.ParseLenient(qty.Value); err != nil {
		return item, err
	}
	if item.Rate, err = money.ParseLenient(l.PriceAmount); err != nil {
		return item, err
	}

	// Lines without a price still carry their extension amount
	if item.Rate.IsZero() && !item.Quantity.IsZero() {
		if ext, err := money.ParseLenient(l.LineExtensionAmount); err == nil && !ext.IsZero() {
			item.Rate = ext.Div(item.Quantity).Round(2)
		}
	}
	return item, nil
}

func convertAttachment(ref ublDocumentRef) (model.Attachment, bool) {
	obj := ref.Attachment.Object
	raw := strings.Join(strings.Fields(obj.Value), "")
	if raw == "" {
		return model.Attachment{}, false
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return model.Attachment{}, false
	}

	a := model.Attachment{
		Filename: obj.Filename,
		MimeType: obj.MimeCode,
		Data:     data,
	}
	if a.Filename == "" {
		a.Filename = strings.TrimSpace(ref.ID)
	}
	if a.MimeType == MimeTypePDF {
		if pages, err := InspectPDF(data); err == nil {
			a.Pages = pages
		}
	}
	return a, true
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		dateLayout,
		"2006-01-02Z07:00",
		time.RFC3339,
		"20060102",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse date: %q", s)
}
