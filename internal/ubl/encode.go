package ubl

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	money "github.com/rezonia/peppol-exchange/internal/decimal"
	"github.com/rezonia/peppol-exchange/internal/model"
)

// TaxBreakdown is the single VAT subtotal derived from an invoice's totals
type TaxBreakdown struct {
	Taxable  decimal.Decimal
	Amount   decimal.Decimal
	Percent  decimal.Decimal
	Category string
}

// ComputeTax derives tax as total - subtotal and the rate as tax / subtotal * 100.
// A zero subtotal is only accepted together with a zero total, yielding a
// zero-rated breakdown.
func ComputeTax(subtotal, total decimal.Decimal) (TaxBreakdown, error) {
	tax := total.Sub(subtotal)
	pct, ok := money.Percent(tax, subtotal)
	if !ok {
		if !total.IsZero() {
			return TaxBreakdown{}, &model.TaxComputationError{
				Subtotal: money.FormatAmount(subtotal),
				Total:    money.FormatAmount(total),
			}
		}
		return TaxBreakdown{Taxable: subtotal, Amount: money.Zero, Percent: money.Zero, Category: TaxCategoryZeroRated}, nil
	}

	category := TaxCategoryStandard
	if tax.IsZero() {
		category = TaxCategoryZeroRated
	}
	return TaxBreakdown{Taxable: subtotal, Amount: tax, Percent: pct, Category: category}, nil
}

// Encode renders inv as PEPPOL BIS Billing 3.0 UBL. company is the sending
// party; the buyer is inv.Client. Output is byte-stable for equal input.
func Encode(inv *model.Invoice, company model.Party) ([]byte, error) {
	if err := checkEncodable(inv, company); err != nil {
		return nil, err
	}

	tax, err := ComputeTax(inv.Subtotal, inv.Total)
	if err != nil {
		return nil, err
	}

	if inv.Attachment != nil {
		if _, err := InspectAttachment(inv.Attachment); err != nil {
			return nil, model.NewValidationError("attachment", inv.Attachment.Filename, "pdf", err.Error())
		}
	}

	e := &encoder{currency: inv.Currency}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	rootTag, ns, lineTag, qtyTag := "Invoice", NamespaceInvoice, "cac:InvoiceLine", "cbc:InvoicedQuantity"
	if inv.IsCreditNote() {
		rootTag, ns, lineTag, qtyTag = "CreditNote", NamespaceCreditNote, "cac:CreditNoteLine", "cbc:CreditedQuantity"
	}

	root := doc.CreateElement(rootTag)
	root.CreateAttr("xmlns", ns)
	root.CreateAttr("xmlns:cac", NamespaceCAC)
	root.CreateAttr("xmlns:cbc", NamespaceCBC)

	text(root, "cbc:CustomizationID", CustomizationID)
	text(root, "cbc:ProfileID", ProfileID)
	text(root, "cbc:ID", inv.Number)
	text(root, "cbc:IssueDate", inv.Date.Format(dateLayout))
	if inv.IsCreditNote() {
		text(root, "cbc:CreditNoteTypeCode", TypeCodeCreditNote)
	} else {
		if inv.DueDate != nil {
			text(root, "cbc:DueDate", inv.DueDate.Format(dateLayout))
		}
		text(root, "cbc:InvoiceTypeCode", TypeCodeInvoice)
	}
	if inv.Notes != "" {
		text(root, "cbc:Note", inv.Notes)
	}
	text(root, "cbc:DocumentCurrencyCode", inv.Currency)
	text(root, "cbc:BuyerReference", inv.Number)

	if inv.BillingReference != "" {
		ref := root.CreateElement("cac:BillingReference").CreateElement("cac:InvoiceDocumentReference")
		text(ref, "cbc:ID", inv.BillingReference)
	}

	if a := inv.Attachment; a != nil {
		ref := root.CreateElement("cac:AdditionalDocumentReference")
		text(ref, "cbc:ID", a.Filename)
		obj := ref.CreateElement("cac:Attachment").CreateElement("cbc:EmbeddedDocumentBinaryObject")
		obj.CreateAttr("mimeCode", a.MimeType)
		obj.CreateAttr("filename", a.Filename)
		obj.SetText(base64.StdEncoding.EncodeToString(a.Data))
	}

	e.party(root.CreateElement("cac:AccountingSupplierParty"), company)
	e.party(root.CreateElement("cac:AccountingCustomerParty"), inv.Client)

	if inv.IsCreditNote() && inv.DueDate != nil {
		means := root.CreateElement("cac:PaymentMeans")
		text(means, "cbc:PaymentMeansCode", "30")
		text(means, "cbc:PaymentDueDate", inv.DueDate.Format(dateLayout))
	}

	taxTotal := root.CreateElement("cac:TaxTotal")
	e.amount(taxTotal, "cbc:TaxAmount", tax.Amount)
	sub := taxTotal.CreateElement("cac:TaxSubtotal")
	e.amount(sub, "cbc:TaxableAmount", tax.Taxable)
	e.amount(sub, "cbc:TaxAmount", tax.Amount)
	e.taxCategory(sub.CreateElement("cac:TaxCategory"), tax)

	totals := root.CreateElement("cac:LegalMonetaryTotal")
	e.amount(totals, "cbc:LineExtensionAmount", inv.Subtotal)
	e.amount(totals, "cbc:TaxExclusiveAmount", inv.Subtotal)
	e.amount(totals, "cbc:TaxInclusiveAmount", inv.Total)
	e.amount(totals, "cbc:PayableAmount", inv.Total)

	for i, item := range inv.Items {
		line := root.CreateElement(lineTag)
		text(line, "cbc:ID", strconv.Itoa(i+1))
		unit := item.Unit
		if unit == "" {
			unit = defaultUnitCode
		}
		qty := line.CreateElement(qtyTag)
		qty.CreateAttr("unitCode", unit)
		qty.SetText(money.FormatQuantity(item.Quantity))
		e.amount(line, "cbc:LineExtensionAmount", item.Amount())

		it := line.CreateElement("cac:Item")
		if item.LongDescription != "" {
			text(it, "cbc:Description", item.LongDescription)
		}
		text(it, "cbc:Name", item.Description)
		e.taxCategory(it.CreateElement("cac:ClassifiedTaxCategory"), tax)

		e.amount(line.CreateElement("cac:Price"), "cbc:PriceAmount", item.Rate)
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("write UBL: %w", err)
	}
	return out, nil
}

func checkEncodable(inv *model.Invoice, company model.Party) error {
	if inv == nil {
		return model.MissingField("invoice")
	}
	if inv.Client.PeppolIdentifier == "" {
		return model.MissingField("client.peppol_identifier")
	}
	if inv.Client.PeppolScheme == "" {
		return model.MissingField("client.peppol_scheme")
	}
	if company.PeppolIdentifier == "" {
		return model.MissingField("company.peppol_identifier")
	}
	if len(inv.Items) == 0 {
		return model.NewValidationError("items", 0, "min", "at least one line item is required")
	}
	if inv.Number == "" {
		return model.MissingField("number")
	}
	if inv.Currency == "" {
		return model.MissingField("currency")
	}
	if inv.Date.IsZero() {
		return model.MissingField("date")
	}
	if inv.IsCreditNote() && inv.BillingReference == "" {
		return model.MissingField("billing_reference")
	}
	return nil
}

type encoder struct {
	currency string
}

func (e *encoder) amount(parent *etree.Element, tag string, v decimal.Decimal) {
	el := parent.CreateElement(tag)
	el.CreateAttr("currencyID", e.currency)
	el.SetText(money.FormatAmount(v))
}

func (e *encoder) taxCategory(el *etree.Element, tax TaxBreakdown) {
	text(el, "cbc:ID", tax.Category)
	text(el, "cbc:Percent", money.FormatAmount(tax.Percent))
	text(el.CreateElement("cac:TaxScheme"), "cbc:ID", taxSchemeVAT)
}

func (e *encoder) party(wrapper *etree.Element, p model.Party) {
	party := wrapper.CreateElement("cac:Party")

	endpoint := party.CreateElement("cbc:EndpointID")
	if p.PeppolScheme != "" {
		endpoint.CreateAttr("schemeID", p.PeppolScheme)
	}
	endpoint.SetText(p.PeppolIdentifier)

	if p.Name != "" {
		text(party.CreateElement("cac:PartyName"), "cbc:Name", p.Name)
	}

	addr := party.CreateElement("cac:PostalAddress")
	if p.Street != "" {
		text(addr, "cbc:StreetName", p.Street)
	}
	if p.City != "" {
		text(addr, "cbc:CityName", p.City)
	}
	if p.PostalCode != "" {
		text(addr, "cbc:PostalZone", p.PostalCode)
	}
	text(addr.CreateElement("cac:Country"), "cbc:IdentificationCode", p.CountryCode)

	if p.VATNumber != "" {
		ts := party.CreateElement("cac:PartyTaxScheme")
		text(ts, "cbc:CompanyID", p.VATNumber)
		text(ts.CreateElement("cac:TaxScheme"), "cbc:ID", taxSchemeVAT)
	}

	text(party.CreateElement("cac:PartyLegalEntity"), "cbc:RegistrationName", p.Name)

	if p.Email != "" {
		text(party.CreateElement("cac:Contact"), "cbc:ElectronicMail", p.Email)
	}
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}
