package exchange_test

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: base} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeAdapter struct {
	id   model.ProviderID
	caps provider.Capabilities

	mu       sync.Mutex
	sendErrs []error
	sendErr  error
	sends    []provider.SendMetadata
	payloads [][]byte
	perDoc   map[string]int
	active   int
	maxLive  int
	onSend   func(meta provider.SendMetadata)
	delay    time.Duration

	statuses map[string]*provider.RemoteStatus
	refs     map[string]*provider.RemoteStatus
	inbound  []provider.RemoteDocumentRef
	listErr  error
	content  map[string][]byte
	entities []model.Party
}

func newFakeAdapter(id model.ProviderID) *fakeAdapter {
	return &fakeAdapter{
		id: id,
		caps: provider.Capabilities{
			Send: true, Receive: true, StatusTracking: true, Webhooks: true, LegalEntities: true,
		},
		perDoc:   make(map[string]int),
		statuses: make(map[string]*provider.RemoteStatus),
		refs:     make(map[string]*provider.RemoteStatus),
		content:  make(map[string][]byte),
	}
}

func (f *fakeAdapter) Descriptor() provider.Descriptor {
	return provider.Descriptor{ID: f.id, DisplayName: string(f.id), Capabilities: f.caps, AuthScheme: provider.AuthBearer}
}

func (f *fakeAdapter) Authenticate(context.Context) (*provider.Credential, error) {
	return &provider.Credential{Scheme: provider.AuthBearer, Token: "t"}, nil
}

func (f *fakeAdapter) SendDocument(ctx context.Context, ubl []byte, meta provider.SendMetadata) (*provider.SendResult, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxLive {
		f.maxLive = f.active
	}
	f.sends = append(f.sends, meta)
	f.payloads = append(f.payloads, ubl)
	f.perDoc[meta.DocumentID]++
	n := len(f.sends)
	var err error
	switch {
	case len(f.sendErrs) > 0:
		err, f.sendErrs = f.sendErrs[0], f.sendErrs[1:]
	case f.sendErr != nil:
		err = f.sendErr
	}
	hook, delay := f.onSend, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		hook(meta)
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, model.NewSendError(f.id, 0, true, "context done", ctx.Err())
	}
	return &provider.SendResult{
		ProviderDocumentID: fmt.Sprintf("%s-%d", f.id, n),
		TransmissionID:     fmt.Sprintf("tx-%d", n),
	}, nil
}

func (f *fakeAdapter) FetchStatus(_ context.Context, id string) (*provider.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	if !ok {
		return nil, &model.NotFoundError{Provider: f.id, DocumentID: id}
	}
	c := *s
	return &c, nil
}

func (f *fakeAdapter) FindByReference(_ context.Context, reference string) (*provider.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.refs[reference]
	if !ok {
		return nil, &model.NotFoundError{Provider: f.id, DocumentID: reference}
	}
	c := *s
	return &c, nil
}

func (f *fakeAdapter) ListInbound(_ context.Context, _ time.Time) iter.Seq2[provider.RemoteDocumentRef, error] {
	return func(yield func(provider.RemoteDocumentRef, error) bool) {
		f.mu.Lock()
		refs, listErr := append([]provider.RemoteDocumentRef(nil), f.inbound...), f.listErr
		f.mu.Unlock()
		for _, r := range refs {
			if !yield(r, nil) {
				return
			}
		}
		if listErr != nil {
			yield(provider.RemoteDocumentRef{}, listErr)
		}
	}
}

func (f *fakeAdapter) FetchContent(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.content[id]
	if !ok {
		return nil, &model.NotFoundError{Provider: f.id, DocumentID: id}
	}
	return c, nil
}

func (f *fakeAdapter) RegisterLegalEntity(_ context.Context, party model.Party) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities = append(f.entities, party)
	return fmt.Sprintf("le-%d", len(f.entities)), nil
}

func (f *fakeAdapter) TestConnection(context.Context) provider.ConnectionResult {
	return provider.ConnectionResult{Success: true, Message: "ok"}
}

func (f *fakeAdapter) VerifyWebhookSignature(http.Header, []byte, string) bool {
	return true
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// bareAdapter exposes only the required Adapter methods
type bareAdapter struct {
	provider.Adapter
}

type transition struct {
	id       string
	from, to model.Status
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *recorder) OnDocumentStatusChanged(_ context.Context, doc *model.Document, from, to model.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{doc.ID, from, to})
}

func (r *recorder) For(id string) []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transition
	for _, t := range r.transitions {
		if t.id == id {
			out = append(out, t)
		}
	}
	return out
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeReconciler) Create(_ context.Context, documentID string, doc *model.ParsedDocument) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, documentID)
	if r.err != nil {
		return "", r.err
	}
	return "expense-" + doc.Number, nil
}

func (r *fakeReconciler) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func company() model.Party {
	return model.Party{
		Name:             "Acme Consulting BV",
		VATNumber:        "BE0987654321",
		Street:           "Kerkstraat 1",
		City:             "Gent",
		PostalCode:       "9000",
		CountryCode:      "BE",
		PeppolScheme:     "0208",
		PeppolIdentifier: "0987654321",
	}
}

func invoice(id string) *model.Invoice {
	return &model.Invoice{
		ID:       id,
		Number:   "INV-" + id,
		Type:     model.DocumentTypeInvoice,
		Date:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Subtotal: decimal.RequireFromString("100.00"),
		Total:    decimal.RequireFromString("121.00"),
		Currency: "EUR",
		Items: []model.LineItem{
			{Description: "Consulting hours", Quantity: decimal.NewFromInt(2), Rate: decimal.RequireFromString("50.00")},
		},
		Client: model.Party{
			Name:             "Globex NV",
			CountryCode:      "BE",
			PeppolScheme:     "0208",
			PeppolIdentifier: "0123456789",
		},
	}
}
