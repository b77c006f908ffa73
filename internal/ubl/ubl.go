// Package ubl maps local invoices and credit notes to PEPPOL BIS Billing 3.0
// UBL 2.1 documents and back.
package ubl

// UBL 2.1 namespaces
const (
	NamespaceInvoice    = "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
	NamespaceCreditNote = "urn:oasis:names:specification:ubl:schema:xsd:CreditNote-2"
	NamespaceCAC        = "urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2"
	NamespaceCBC        = "urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2"
)

// PEPPOL BIS Billing 3.0 identifiers
const (
	CustomizationID = "urn:cen.eu:en16931:2017#compliant#urn:fdc:peppol.eu:2017:poacc:billing:3.0"
	ProfileID       = "urn:fdc:peppol.eu:2017:poacc:billing:01:1.0"
)

// Document type codes (UNCL1001)
const (
	TypeCodeInvoice    = "380"
	TypeCodeCreditNote = "381"
)

// Tax categories (UNCL5305)
const (
	TaxCategoryStandard  = "S"
	TaxCategoryZeroRated = "Z"
)

const (
	dateLayout      = "2006-01-02"
	defaultUnitCode = "C62"
	taxSchemeVAT    = "VAT"
)
