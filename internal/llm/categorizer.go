package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rezonia/peppol-exchange/internal/decimal"
	"github.com/rezonia/peppol-exchange/internal/model"
)

// DefaultCategories are offered when none are configured
var DefaultCategories = []string{
	"Software & Subscriptions",
	"Hosting & Infrastructure",
	"Professional Services",
	"Office Supplies",
	"Travel",
	"Telecommunications",
	"Utilities",
	"Other",
}

// Categorization is the model's verdict for one document
type Categorization struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Categorizer assigns an expense category to received documents
type Categorizer struct {
	client     *Client
	model      string
	categories []string
	fallback   string
}

// CategorizerOption configures the categorizer
type CategorizerOption func(*Categorizer)

// WithModel overrides the client's default model
func WithModel(model string) CategorizerOption {
	return func(c *Categorizer) {
		c.model = model
	}
}

// WithCategories replaces the category list; the last entry is the fallback
func WithCategories(categories ...string) CategorizerOption {
	return func(c *Categorizer) {
		if len(categories) > 0 {
			c.categories = categories
			c.fallback = categories[len(categories)-1]
		}
	}
}

// NewCategorizer creates a categorizer on top of client
func NewCategorizer(client *Client, opts ...CategorizerOption) *Categorizer {
	c := &Categorizer{
		client:     client,
		categories: DefaultCategories,
		fallback:   DefaultCategories[len(DefaultCategories)-1],
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Categorize asks the model for a category. Answers outside the configured
// list collapse onto the fallback category.
func (c *Categorizer) Categorize(ctx context.Context, doc *model.ParsedDocument) (*Categorization, error) {
	var lines strings.Builder
	for _, l := range doc.Lines {
		fmt.Fprintf(&lines, "- %s (%s x %s)\n", l.Description, decimal.FormatQuantity(l.Quantity), decimal.FormatAmount(l.Rate))
	}

	subject := fmt.Sprintf(UserPromptCategorize,
		strings.Join(c.categories, ", "),
		c.fallback,
		doc.Seller.Name,
		doc.Type,
		doc.Number,
		doc.IssueDate.Format("2006-01-02"),
		doc.Currency,
		decimal.FormatAmount(doc.Payable),
		lines.String(),
	)

	res, err := c.client.Classify(ctx, ClassifyRequest{
		Model:        c.model,
		Instructions: SystemPromptExpenseCategorizer,
		Subject:      subject,
		Labels:       c.categories,
		Fallback:     c.fallback,
	})
	if err != nil {
		return nil, fmt.Errorf("categorize %s: %w", doc.Number, err)
	}
	return &Categorization{
		Category:   res.Label,
		Confidence: res.Confidence,
		Reason:     res.Reason,
	}, nil
}
