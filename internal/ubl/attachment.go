package ubl

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/rezonia/peppol-exchange/internal/model"
)

// MimeTypePDF is the only attachment type checked beyond presence
const MimeTypePDF = "application/pdf"

var pdfConfigOnce sync.Once

// pdfConfiguration returns a fresh configuration per call; pdfcpu writes
// the current command into it.
func pdfConfiguration() *pdfmodel.Configuration {
	pdfConfigOnce.Do(func() {
		// Keep pdfcpu from creating a user config directory.
		pdfmodel.ConfigPath = "disable"
	})
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return conf
}

// InspectAttachment validates an embedded document and returns its page
// count. Non-PDF attachments only need a filename and content.
func InspectAttachment(a *model.Attachment) (int, error) {
	if a == nil {
		return 0, nil
	}
	if a.Filename == "" {
		return 0, errors.New("attachment filename is required")
	}
	if len(a.Data) == 0 {
		return 0, errors.New("attachment is empty")
	}
	if a.MimeType != MimeTypePDF {
		return 0, nil
	}
	return InspectPDF(a.Data)
}

// InspectPDF validates data as a PDF and returns its page count
func InspectPDF(data []byte) (int, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return 0, errors.New("not a PDF document")
	}

	if err := api.Validate(bytes.NewReader(data), pdfConfiguration()); err != nil {
		return 0, fmt.Errorf("invalid PDF: %w", err)
	}

	pages, err := api.PageCount(bytes.NewReader(data), pdfConfiguration())
	if err != nil {
		return 0, fmt.Errorf("count PDF pages: %w", err)
	}
	return pages, nil
}
