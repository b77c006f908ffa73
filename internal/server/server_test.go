package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-exchange/internal/exchange"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
	"github.com/rezonia/peppol-exchange/internal/reconcile"
	"github.com/rezonia/peppol-exchange/internal/server"
	"github.com/rezonia/peppol-exchange/internal/signature"
	"github.com/rezonia/peppol-exchange/internal/source"
	"github.com/rezonia/peppol-exchange/internal/store"
	"github.com/rezonia/peppol-exchange/internal/store/memory"
	"github.com/rezonia/peppol-exchange/internal/ubl"
	"github.com/rezonia/peppol-exchange/internal/webhook"
)

const (
	apiKey        = "operator-key"
	webhookSecret = "ademico-secret"
)

var company = model.Party{
	Name:             "Acme Consulting BV",
	VATNumber:        "BE0987654321",
	Street:           "Kerkstraat 1",
	City:             "Gent",
	PostalCode:       "9000",
	CountryCode:      "BE",
	PeppolScheme:     "0208",
	PeppolIdentifier: "0987654321",
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

type testEnv struct {
	t        *testing.T
	handler  http.Handler
	store    *memory.Store
	source   *source.Memory
	sends    *int32
	expenses *int32
}

// newTestEnv wires the server to a fake Ademico access point and a fake CRM
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	var sends, expenses int32

	ap := http.NewServeMux()
	ap.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
	})
	ap.HandleFunc("/api/peppol/v1/submissions", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&sends, 1)
		writeJSON(w, http.StatusCreated, map[string]string{
			"documentId":     fmt.Sprintf("AD-%d", n),
			"transmissionId": fmt.Sprintf("TX-%d", n),
		})
	})
	ap.HandleFunc("/api/peppol/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": []interface{}{}})
	})
	ap.HandleFunc("/api/peppol/v1/legal-entities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]interface{}{"items": []interface{}{}})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": 77})
	})
	apSrv := httptest.NewServer(ap)
	t.Cleanup(apSrv.Close)

	crm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&expenses, 1)
		writeJSON(w, http.StatusCreated, map[string]string{"id": fmt.Sprintf("exp-%d", n)})
	}))
	t.Cleanup(crm.Close)

	registry := provider.NewRegistry(
		provider.NewAdemico(provider.AdemicoCredentials{ClientID: "client", ClientSecret: "secret"}, provider.Options{BaseURL: apSrv.URL}),
		provider.NewUnit4(provider.Unit4Credentials{}, provider.Options{}),
	)
	st := memory.New()
	src := source.NewMemory()
	orch := exchange.New(exchange.Settings{
		ActiveProvider: model.ProviderAdemico,
		Company:        company,
		RetryBudget:    3,
	}, st, registry, src,
		exchange.WithReconciler(reconcile.NewHTTPReconciler(crm.URL, "", time.Second)),
	)
	normalizer := webhook.NewNormalizer(registry, func(id model.ProviderID) string {
		if id == model.ProviderAdemico {
			return webhookSecret
		}
		return ""
	}, nil)

	srv := server.NewServer(&server.Config{Address: ":0", APIKey: apiKey}, orch, normalizer, nil)
	return &testEnv{t: t, handler: srv.Handler(), store: st, source: src, sends: &sends, expenses: &expenses}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (e *testEnv) do(method, path string, body []byte, headers http.Header) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) api(method, path string, body []byte) *httptest.ResponseRecorder {
	e.t.Helper()
	h := http.Header{}
	h.Set(server.APIKeyHeader, apiKey)
	return e.do(method, path, body, h)
}

func (e *testEnv) webhook(body string) *httptest.ResponseRecorder {
	e.t.Helper()
	h := http.Header{}
	h.Set(provider.AdemicoSignatureHeader, signature.SignHex([]byte(body), webhookSecret))
	h.Set("Content-Type", "application/json")
	return e.do(http.MethodPost, "/webhooks/ademico", []byte(body), h)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) enqueue(invoiceID string) server.DocumentResponse {
	e.t.Helper()
	e.source.Put(invoice(invoiceID))
	w := e.api(http.MethodPost, "/api/v1/invoices/"+invoiceID+"/enqueue", nil)
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
	return decode[server.DocumentResponse](e.t, w)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode[map[string]interface{}](t, w)
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "ademico", response["active_provider"])
	assert.NotEmpty(t, response["time"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/health", nil, nil)

	w := env.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "peppol_http_requests_total")
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		headers http.Header
		want    int
	}{
		{name: "missing", headers: http.Header{}, want: http.StatusUnauthorized},
		{name: "wrong key", headers: http.Header{server.APIKeyHeader: {"nope"}}, want: http.StatusUnauthorized},
		{name: "api key header", headers: http.Header{server.APIKeyHeader: {apiKey}}, want: http.StatusOK},
		{name: "bearer", headers: http.Header{"Authorization": {"Bearer " + apiKey}}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/v1/documents", nil, tt.headers)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestEnqueueAndProcessQueue(t *testing.T) {
	env := newTestEnv(t)

	doc := env.enqueue("42")
	assert.Equal(t, model.StatusQueued, doc.Status)
	assert.Equal(t, "42", doc.LocalReferenceID)
	assert.False(t, doc.HasContent, "UBL is rendered when the document is sent")

	again := env.enqueue("42")
	assert.Equal(t, doc.ID, again.ID, "enqueue is idempotent")

	w := env.api(http.MethodPost, "/api/v1/queue/process", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[exchange.ProcessingSummary](t, w)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(env.sends))

	w = env.api(http.MethodGet, "/api/v1/documents/"+doc.ID+"?content=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sent := decode[server.DocumentResponse](t, w)
	assert.Equal(t, model.StatusSent, sent.Status)
	assert.Equal(t, "AD-1", sent.ProviderDocumentID)
	assert.True(t, sent.HasContent)
	assert.Contains(t, sent.Content, "INV-42")

	w = env.api(http.MethodGet, "/api/v1/documents/"+doc.ID+"/log", nil)
	require.Equal(t, http.StatusOK, w.Code)
	log := decode[server.LogResponse](t, w)
	assert.Equal(t, doc.ID, log.DocumentID)
	assert.NotEmpty(t, log.Entries)
}

func TestEnqueue_UnknownInvoice(t *testing.T) {
	env := newTestEnv(t)

	w := env.api(http.MethodPost, "/api/v1/invoices/missing/enqueue", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue("1")
	env.enqueue("2")

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{name: "all", query: "", code: http.StatusOK, count: 2},
		{name: "by status", query: "?status=queued,sent", code: http.StatusOK, count: 2},
		{name: "inbound", query: "?direction=inbound", code: http.StatusOK, count: 0},
		{name: "limit", query: "?limit=1", code: http.StatusOK, count: 1},
		{name: "bad limit", query: "?limit=zero", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.api(http.MethodGet, "/api/v1/documents"+tt.query, nil)
			require.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				return
			}
			list := decode[server.DocumentListResponse](t, w)
			assert.Equal(t, tt.count, list.Count)
			assert.Len(t, list.Documents, tt.count)
		})
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/documents/nope", "/api/v1/documents/nope/log"} {
		w := env.api(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestResend_OnlyFailed(t *testing.T) {
	env := newTestEnv(t)
	doc := env.enqueue("7")

	w := env.api(http.MethodPost, "/api/v1/documents/"+doc.ID+"/resend", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[server.ErrorResponse](t, w).Error, "queued")
}

func TestWebhook_Signature(t *testing.T) {
	env := newTestEnv(t)
	body := `{"eventType":"DOCUMENT_DELIVERED","documentId":"AD-9"}`

	tests := []struct {
		name    string
		path    string
		headers http.Header
		code    int
		details string
	}{
		{name: "missing signature", path: "/webhooks/ademico", headers: http.Header{}, code: http.StatusUnauthorized, details: signature.ErrCodeNoSignature},
		{name: "wrong signature", path: "/webhooks/ademico", headers: http.Header{provider.AdemicoSignatureHeader: {signature.SignHex([]byte("x"), webhookSecret)}}, code: http.StatusUnauthorized, details: signature.ErrCodeInvalidSignature},
		{name: "no secret configured", path: "/webhooks/unit4", headers: http.Header{}, code: http.StatusUnauthorized},
		{name: "undetectable provider", path: "/webhooks", headers: http.Header{}, code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, tt.path, []byte(body), tt.headers)
			require.Equal(t, tt.code, w.Code)
			if tt.details != "" {
				assert.Equal(t, tt.details, decode[server.ErrorResponse](t, w).Details)
			}
		})
	}

	docs, err := env.store.ListDocuments(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, docs, "rejected webhooks must not be processed")
}

func TestWebhook_DetectsProviderFromSignatureHeader(t *testing.T) {
	env := newTestEnv(t)
	body := `{"eventType":"DOCUMENT_DELIVERED","documentId":"AD-5","responseCode":"AP"}`
	h := http.Header{}
	h.Set(provider.AdemicoSignatureHeader, signature.SignHex([]byte(body), webhookSecret))

	w := env.do(http.MethodPost, "/webhooks", []byte(body), h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[server.WebhookResponse](t, w)
	assert.Equal(t, "accepted", resp.Status)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Created)
	assert.Equal(t, model.StatusDelivered, resp.Result.To)
}

func TestWebhook_DeliveryAndDuplicate(t *testing.T) {
	env := newTestEnv(t)
	doc := env.enqueue("1")
	require.Equal(t, http.StatusOK, env.api(http.MethodPost, "/api/v1/queue/process", nil).Code)

	body := `{"eventType":"DOCUMENT_DELIVERED","documentId":"AD-1","responseCode":"AP","timestamp":"2026-03-01T10:00:00Z"}`
	w := env.webhook(body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[server.WebhookResponse](t, w)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, doc.ID, resp.Result.DocumentID)
	assert.Equal(t, model.StatusDelivered, resp.Result.To)

	w = env.webhook(body)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[server.WebhookResponse](t, w)
	assert.Equal(t, "duplicate", resp.Status)

	stored, err := env.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, stored.Status)
	assert.Equal(t, model.ResponseAccepted, stored.ResponseStatusCode)
}

func TestWebhook_Ignored(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown event", body: `{"eventType":"DOCUMENT_TELEPORTED","documentId":"AD-1"}`},
		{name: "not json", body: `garbage`},
		{name: "no document id", body: `{"eventType":"DOCUMENT_DELIVERED"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.webhook(tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "ignored", decode[server.WebhookResponse](t, w).Status)
		})
	}
}

func TestWebhook_DeferredWhileSending(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateDocument(context.Background(), &model.Document{
		ID:               "in-flight",
		Direction:        model.DirectionOutbound,
		DocumentType:     model.DocumentTypeInvoice,
		LocalReferenceID: "9",
		Provider:         model.ProviderAdemico,
		Status:           model.StatusSending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))

	w := env.webhook(`{"eventType":"DOCUMENT_DELIVERED","documentId":"AD-77"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWebhook_ReceivedThenReconcile(t *testing.T) {
	env := newTestEnv(t)
	content, err := ubl.Encode(invoice("500"), company)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{
		"eventType":  "DOCUMENT_RECEIVED",
		"documentId": "AD-IN-1",
		"ubl":        string(content),
	})
	require.NoError(t, err)
	w := env.webhook(string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[server.WebhookResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Equal(t, model.StatusReceived, resp.Result.To)
	id := resp.Result.DocumentID

	for i := 0; i < 2; i++ {
		w = env.api(http.MethodPost, "/api/v1/documents/"+id+"/reconcile", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[exchange.ReconcileResult](t, w)
		assert.Equal(t, model.StatusProcessed, res.Status)
		assert.Equal(t, "exp-1", res.LocalReferenceID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(env.expenses), "expense is created once")
}

func TestReconcile_OutboundRejected(t *testing.T) {
	env := newTestEnv(t)
	doc := env.enqueue("3")

	w := env.api(http.MethodPost, "/api/v1/documents/"+doc.ID+"/reconcile", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	valid, err := ubl.Encode(invoice("9"), company)
	require.NoError(t, err)

	tests := []struct {
		name  string
		body  []byte
		code  int
		valid bool
	}{
		{name: "encoded invoice", body: valid, code: http.StatusOK, valid: true},
		{name: "foreign root", body: []byte(`<?xml version="1.0"?><Order/>`), code: http.StatusUnprocessableEntity},
		{name: "empty", body: nil, code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.api(http.MethodPost, "/api/v1/validate", tt.body)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			if tt.code == http.StatusBadRequest {
				return
			}
			resp := decode[server.ValidationResponse](t, w)
			assert.Equal(t, tt.valid, resp.Valid)
			if tt.valid {
				require.NotNil(t, resp.Document)
				assert.Equal(t, "INV-9", resp.Document.Number)
			} else {
				assert.NotEmpty(t, resp.Errors)
			}
		})
	}
}

func TestProvidersEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.api(http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[server.ProvidersResponse](t, w)
	assert.Equal(t, model.ProviderAdemico, resp.Active)
	assert.Len(t, resp.Providers, 2)

	w = env.api(http.MethodPost, "/api/v1/providers/ademico/test", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.api(http.MethodPost, "/api/v1/providers/acme/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.api(http.MethodPost, "/api/v1/providers/ademico/legal-entities", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "77", decode[map[string]string](t, w)["legal_entity_id"])
}

func TestPurgeLog(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue("1")

	w := env.api(http.MethodPost, "/api/v1/log/purge?older_than_days=30", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]int64](t, w)["deleted"])

	w = env.api(http.MethodPost, "/api/v1/log/purge?older_than_days=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaintenanceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/queue/recover", "/api/v1/status/sync", "/api/v1/inbound/poll"} {
		t.Run(strings.TrimPrefix(path, "/api/v1/"), func(t *testing.T) {
			w := env.api(http.MethodPost, path, nil)
			assert.NotEqual(t, http.StatusNotFound, w.Code)
			assert.NotEqual(t, http.StatusUnauthorized, w.Code)
		})
	}
}
