// Package source reads local invoices from the CRM.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rezonia/peppol-exchange/internal/model"
)

// InvoiceSource is the read-only view of local invoices
type InvoiceSource interface {
	// Invoice returns model.ErrNotFound for unknown ids
	Invoice(ctx context.Context, id string) (*model.Invoice, error)
}

// HTTPSource fetches invoices as JSON from GET {base}/invoices/{id}
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSource creates a source backed by the CRM API
func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Invoice(ctx context.Context, id string) (*model.Invoice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/invoices/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch invoice %s: %w", id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read invoice %s: %w", id, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("invoice %s: %w", id, model.ErrNotFound)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetch invoice %s: status %d", id, resp.StatusCode)
	}

	var inv model.Invoice
	if err := json.Unmarshal(body, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice %s: %w", id, err)
	}
	if inv.ID == "" {
		inv.ID = id
	}
	return &inv, nil
}

// Memory serves invoices from a map
type Memory struct {
	mu       sync.RWMutex
	invoices map[string]*model.Invoice
}

// NewMemory creates a source preloaded with invoices
func NewMemory(invoices ...*model.Invoice) *Memory {
	m := &Memory{invoices: make(map[string]*model.Invoice)}
	for _, inv := range invoices {
		m.Put(inv)
	}
	return m
}

// Put adds or replaces an invoice
func (m *Memory) Put(inv *model.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = inv
}

func (m *Memory) Invoice(_ context.Context, id string) (*model.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, model.ErrNotFound)
	}
	c := *inv
	return &c, nil
}
