package ubl

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/net/html/charset"
)

// ValidationResult reports structural problems found in a UBL document
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Root   string   `json:"root,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func (r *ValidationResult) addError(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

var requiredHeader = []string{
	"CustomizationID",
	"ProfileID",
	"ID",
	"IssueDate",
	"DocumentCurrencyCode",
	"AccountingSupplierParty/Party",
	"AccountingCustomerParty/Party",
	"TaxTotal/TaxAmount",
	"LegalMonetaryTotal/TaxExclusiveAmount",
	"LegalMonetaryTotal/TaxInclusiveAmount",
	"LegalMonetaryTotal/PayableAmount",
}

var requiredLine = []string{
	"ID",
	"LineExtensionAmount",
	"Item/Name",
	"Price/PriceAmount",
}

// ValidateStructure checks well-formedness and the presence of the elements
// every BIS Billing 3.0 document needs. Business rules are not evaluated.
func ValidateStructure(data []byte) ValidationResult {
	result := ValidationResult{Valid: true}

	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := doc.ReadFromBytes(data); err != nil {
		result.addError("not well-formed XML: %v", err)
		return result
	}
	root := doc.Root()
	if root == nil {
		result.addError("empty XML document")
		return result
	}
	result.Root = root.Tag

	var ns, typeCode, lineTag, qtyTag string
	switch root.Tag {
	case "Invoice":
		ns, typeCode, lineTag, qtyTag = NamespaceInvoice, "InvoiceTypeCode", "InvoiceLine", "InvoicedQuantity"
	case "CreditNote":
		ns, typeCode, lineTag, qtyTag = NamespaceCreditNote, "CreditNoteTypeCode", "CreditNoteLine", "CreditedQuantity"
	default:
		result.addError("root element must be Invoice or CreditNote, got %s", root.Tag)
		return result
	}

	if got := root.NamespaceURI(); got != ns {
		result.addError("root namespace must be %s, got %q", ns, got)
	}

	for _, path := range requiredHeader {
		if root.FindElement(path) == nil {
			result.addError("missing required element %s", path)
		}
	}
	if !hasText(root, typeCode) {
		result.addError("missing required element %s", typeCode)
	}
	if id := strings.TrimSpace(findText(root, "CustomizationID")); id != "" && id != CustomizationID {
		result.addError("unsupported CustomizationID %s", id)
	}

	for _, party := range []string{"AccountingSupplierParty", "AccountingCustomerParty"} {
		endpoint := root.FindElement(party + "/Party/EndpointID")
		switch {
		case endpoint == nil || strings.TrimSpace(endpoint.Text()) == "":
			result.addError("missing required element %s/Party/EndpointID", party)
		case endpoint.SelectAttrValue("schemeID", "") == "":
			result.addError("%s/Party/EndpointID requires a schemeID attribute", party)
		}
	}

	lines := root.SelectElements(lineTag)
	if len(lines) == 0 {
		result.addError("document must contain at least one %s", lineTag)
	}
	for i, line := range lines {
		for _, path := range requiredLine {
			if line.FindElement(path) == nil {
				result.addError("%s[%d]: missing required element %s", lineTag, i+1, path)
			}
		}
		if line.FindElement(qtyTag) == nil {
			result.addError("%s[%d]: missing required element %s", lineTag, i+1, qtyTag)
		}
	}

	return result
}

func hasText(el *etree.Element, path string) bool {
	return strings.TrimSpace(findText(el, path)) != ""
}

func findText(el *etree.Element, path string) string {
	if found := el.FindElement(path); found != nil {
		return found.Text()
	}
	return ""
}
