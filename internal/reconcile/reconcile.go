// Package reconcile records received documents as expenses in the CRM.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	money "github.com/rezonia/peppol-exchange/internal/decimal"
	"github.com/rezonia/peppol-exchange/internal/llm"
	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/model"
)

// IdempotencyHeader carries the exchange document id so a retried create
// returns the expense recorded the first time
const IdempotencyHeader = "Idempotency-Key"

// Categorizer suggests an expense category for a document
type Categorizer interface {
	Categorize(ctx context.Context, doc *model.ParsedDocument) (*llm.Categorization, error)
}

// Expense is the body posted to the CRM
type Expense struct {
	DocumentID         string        `json:"document_id"`
	Type               string        `json:"type"`
	Number             string        `json:"number"`
	IssueDate          string        `json:"issue_date"`
	DueDate            string        `json:"due_date,omitempty"`
	Currency           string        `json:"currency"`
	Supplier           model.Party   `json:"supplier"`
	Subtotal           string        `json:"subtotal"`
	TaxAmount          string        `json:"tax_amount"`
	TaxPercent         string        `json:"tax_percent"`
	Total              string        `json:"total"`
	Payable            string        `json:"payable"`
	BillingReference   string        `json:"billing_reference,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	Lines              []ExpenseLine `json:"lines"`
	Attachments        []string      `json:"attachments,omitempty"`
	Category           string        `json:"category,omitempty"`
	CategoryConfidence float64       `json:"category_confidence,omitempty"`
}

// ExpenseLine is one line of an expense
type ExpenseLine struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Rate        string `json:"rate"`
	Amount      string `json:"amount"`
}

// NewExpense converts a parsed document. Credit notes carry negative amounts.
func NewExpense(documentID string, doc *model.ParsedDocument) Expense {
	sign := money.FromInt(1)
	if doc.Type == model.DocumentTypeCreditNote {
		sign = sign.Neg()
	}
	e := Expense{
		DocumentID:       documentID,
		Type:             string(doc.Type),
		Number:           doc.Number,
		IssueDate:        doc.IssueDate.Format(time.DateOnly),
		Currency:         doc.Currency,
		Supplier:         doc.Seller,
		Subtotal:         money.FormatAmount(doc.Subtotal.Mul(sign)),
		TaxAmount:        money.FormatAmount(doc.TaxAmount.Mul(sign)),
		TaxPercent:       money.FormatAmount(doc.TaxPercent),
		Total:            money.FormatAmount(doc.Total.Mul(sign)),
		Payable:          money.FormatAmount(doc.Payable.Mul(sign)),
		BillingReference: doc.BillingReference,
		Notes:            strings.Join(doc.Notes, "\n"),
		Lines:            make([]ExpenseLine, 0, len(doc.Lines)),
	}
	if doc.DueDate != nil {
		e.DueDate = doc.DueDate.Format(time.DateOnly)
	}
	for _, l := range doc.Lines {
		e.Lines = append(e.Lines, ExpenseLine{
			Description: l.Description,
			Quantity:    money.FormatQuantity(l.Quantity),
			Rate:        money.FormatAmount(l.Rate),
			Amount:      money.FormatAmount(l.Amount()),
		})
	}
	for _, a := range doc.Attachments {
		e.Attachments = append(e.Attachments, a.Filename)
	}
	return e
}

// HTTPReconciler creates expenses with POST {base}/expenses
type HTTPReconciler struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	categorizer Categorizer
	logger      *slog.Logger
}

// Option configures the reconciler
type Option func(*HTTPReconciler)

// WithCategorizer enables expense categorization
func WithCategorizer(c Categorizer) Option {
	return func(r *HTTPReconciler) {
		r.categorizer = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *HTTPReconciler) {
		r.logger = l
	}
}

// NewHTTPReconciler creates a reconciler backed by the CRM API
func NewHTTPReconciler(baseURL, apiKey string, timeout time.Duration, opts ...Option) *HTTPReconciler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &HTTPReconciler{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.OrDiscard(r.logger).With("component", "reconcile")
	return r
}

type createResponse struct {
	ID string `json:"id"`
}

// Create records doc as an expense and returns the expense id. A 409 from
// the CRM means the expense already exists and its id is returned.
func (r *HTTPReconciler) Create(ctx context.Context, documentID string, doc *model.ParsedDocument) (string, error) {
	expense := NewExpense(documentID, doc)
	r.categorize(ctx, documentID, doc, &expense)

	body, err := json.Marshal(expense)
	if err != nil {
		return "", model.NewReconcileError(documentID, "encode expense", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/expenses", bytes.NewReader(body))
	if err != nil {
		return "", model.NewReconcileError(documentID, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, documentID)
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", model.NewReconcileError(documentID, "post expense", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", model.NewReconcileError(documentID, "read response", err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return "", model.NewReconcileError(documentID, fmt.Sprintf("crm returned status %d: %s", resp.StatusCode, truncate(raw, 200)), nil)
	}

	var out createResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", model.NewReconcileError(documentID, "decode response", err)
	}
	if out.ID == "" {
		return "", model.NewReconcileError(documentID, "crm response carries no expense id", nil)
	}

	r.logger.InfoContext(ctx, "expense created",
		"document_id", documentID,
		"expense_id", out.ID,
		"number", doc.Number,
		"category", expense.Category,
		"existing", resp.StatusCode == http.StatusConflict,
	)
	return out.ID, nil
}

// categorize is best effort: an unavailable model leaves the expense
// uncategorized
func (r *HTTPReconciler) categorize(ctx context.Context, documentID string, doc *model.ParsedDocument, e *Expense) {
	if r.categorizer == nil {
		return
	}
	c, err := r.categorizer.Categorize(ctx, doc)
	if err != nil {
		r.logger.WarnContext(ctx, "categorize expense", "document_id", documentID, "error", err)
		return
	}
	e.Category = c.Category
	e.CategoryConfidence = c.Confidence
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
