package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-exchange/internal/config"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
	"github.com/rezonia/peppol-exchange/internal/signature"
)

var (
	seller = model.Party{Name: "Acme BV", PeppolScheme: "0208", PeppolIdentifier: "0123456789"}
	buyer  = model.Party{Name: "Client NV", PeppolScheme: "0208", PeppolIdentifier: "9876543210"}
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tokenHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}
}

func newAdemico(t *testing.T, mux *http.ServeMux) *provider.Ademico {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return provider.NewAdemico(
		provider.AdemicoCredentials{ClientID: "client", ClientSecret: "secret"},
		provider.Options{BaseURL: srv.URL},
	)
}

func TestAdemico_SendDocument(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/api/peppol/v1/submissions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0208:9876543210", body["receiver"])
		assert.Equal(t, "0208:0123456789", body["sender"])
		assert.Equal(t, "CREDIT_NOTE", body["documentType"])
		assert.Equal(t, "<Invoice/>", body["document"])
		writeJSON(w, http.StatusCreated, map[string]string{"documentId": "AD-1", "transmissionId": "TX-1"})
	})
	a := newAdemico(t, mux)

	for i := 0; i < 2; i++ {
		res, err := a.SendDocument(context.Background(), []byte("<Invoice/>"), provider.SendMetadata{
			DocumentType: model.DocumentTypeCreditNote,
			Sender:       seller,
			Receiver:     buyer,
		})
		require.NoError(t, err)
		assert.Equal(t, "AD-1", res.ProviderDocumentID)
		assert.Equal(t, "TX-1", res.TransmissionID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token should be cached")
}

func TestAdemico_ReauthenticatesOnce(t *testing.T) {
	var tokenCalls, sendCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/api/peppol/v1/submissions", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&sendCalls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]string{"documentId": "AD-2"})
	})
	a := newAdemico(t, mux)

	res, err := a.SendDocument(context.Background(), []byte("<Invoice/>"), provider.SendMetadata{Sender: seller, Receiver: buyer})
	require.NoError(t, err)
	assert.Equal(t, "AD-2", res.ProviderDocumentID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
}

func TestAdemico_AuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
	})
	a := newAdemico(t, mux)

	_, err := a.Authenticate(context.Background())
	var authErr *model.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, model.ProviderAdemico, authErr.Provider)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestAdemico_ListInboundPaginates(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/api/peppol/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "inbound", r.URL.Query().Get("direction"))
		switch r.URL.Query().Get("page") {
		case "1":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"items": []map[string]string{
					{"id": "IN-1", "documentType": "INVOICE"},
					{"id": "IN-2", "documentType": "CREDIT_NOTE"},
				},
				"nextPage": 2,
			})
		case "2":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"items":    []map[string]string{{"id": "IN-3", "documentType": "invoice"}},
				"nextPage": nil,
			})
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	a := newAdemico(t, mux)

	var ids []string
	var types []model.DocumentType
	for ref, err := range a.ListInbound(context.Background(), time.Now().Add(-time.Hour)) {
		require.NoError(t, err)
		ids = append(ids, ref.ProviderDocumentID)
		types = append(types, ref.DocumentType)
	}
	assert.Equal(t, []string{"IN-1", "IN-2", "IN-3"}, ids)
	assert.Equal(t, model.DocumentTypeCreditNote, types[1])
}

func TestAdemico_ListInboundStopsEarly(t *testing.T) {
	var tokenCalls, pages int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/api/peppol/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pages, 1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"items":    []map[string]string{{"id": "IN-1"}, {"id": "IN-2"}},
			"nextPage": 2,
		})
	})
	a := newAdemico(t, mux)

	for range a.ListInbound(context.Background(), time.Time{}) {
		break
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&pages))
}

func TestAdemico_FetchStatus(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/api/peppol/v1/documents/AD-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "AD-1", "status": "DELIVERED", "responseCode": "ap"})
	})
	mux.HandleFunc("/api/peppol/v1/documents/AD-2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "AD-2", "status": "TELEPORTED"})
	})
	a := newAdemico(t, mux)

	st, err := a.FetchStatus(context.Background(), "AD-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventDocumentDelivered, st.Event)
	assert.Equal(t, model.ResponseAccepted, st.ResponseCode)

	_, err = a.FetchStatus(context.Background(), "AD-2")
	var protoErr *model.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Body, "TELEPORTED")

	_, err = a.FetchStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdemico_FindByReference(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/api/peppol/v1/documents", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "outbound", r.URL.Query().Get("direction"))
		var items []map[string]string
		switch r.URL.Query().Get("reference") {
		case "doc-1":
			items = append(items, map[string]string{"id": "AD-5", "transmissionId": "tx-5", "status": "SENT"})
		case "doc-2":
			items = append(items, map[string]string{"id": "AD-6", "status": "TELEPORTED"})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
	})
	a := newAdemico(t, mux)

	st, err := a.FindByReference(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "AD-5", st.ProviderDocumentID)
	assert.Equal(t, "tx-5", st.TransmissionID)
	assert.Equal(t, model.EventDocumentSent, st.Event)

	_, err = a.FindByReference(context.Background(), "doc-2")
	var protoErr *model.ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	_, err = a.FindByReference(context.Background(), "doc-3")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdemico_VerifyWebhookSignature(t *testing.T) {
	a := provider.NewAdemico(provider.AdemicoCredentials{}, provider.Options{})
	body := []byte(`{"eventType":"DOCUMENT_DELIVERED","documentId":"AD-1"}`)

	h := http.Header{}
	h.Set(provider.AdemicoSignatureHeader, signature.SignHex(body, "whsec"))
	assert.True(t, a.VerifyWebhookSignature(h, body, "whsec"))
	assert.False(t, a.VerifyWebhookSignature(h, body, "other"))
	assert.False(t, a.VerifyWebhookSignature(http.Header{}, body, "whsec"))
}

func newUnit4(t *testing.T, handler http.HandlerFunc) *provider.Unit4 {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return provider.NewUnit4(provider.Unit4Credentials{Username: "user", Password: "pass"}, provider.Options{BaseURL: srv.URL})
}

func TestUnit4_SendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		auth      bool
	}{
		{name: "server error", status: http.StatusServiceUnavailable, retryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, retryable: false},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, retryable: false},
		{name: "forbidden", status: http.StatusForbidden, auth: true},
		{name: "unauthorized twice", status: http.StatusUnauthorized, auth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newUnit4(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"message": "nope"})
			})

			_, err := u.SendDocument(context.Background(), []byte("<Invoice/>"), provider.SendMetadata{Sender: seller, Receiver: buyer})
			require.Error(t, err)

			if tt.auth {
				var authErr *model.AuthError
				assert.ErrorAs(t, err, &authErr)
				assert.False(t, model.IsRetryable(err))
				return
			}
			var sendErr *model.SendError
			require.ErrorAs(t, err, &sendErr)
			assert.Equal(t, tt.status, sendErr.StatusCode)
			assert.Equal(t, tt.retryable, sendErr.Retryable)
			assert.Equal(t, tt.retryable, model.IsRetryable(err))
		})
	}
}

func TestUnit4_SendDocument(t *testing.T) {
	u := newUnit4(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)
		assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
		assert.Equal(t, "0208:9876543210", r.URL.Query().Get("receiver"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "<Invoice/>", string(body))
		writeJSON(w, http.StatusAccepted, map[string]string{"messageId": "U4-1", "as4MessageId": "AS4-1"})
	})

	res, err := u.SendDocument(context.Background(), []byte("<Invoice/>"), provider.SendMetadata{Sender: seller, Receiver: buyer})
	require.NoError(t, err)
	assert.Equal(t, "U4-1", res.ProviderDocumentID)
	assert.Equal(t, "AS4-1", res.TransmissionID)
}

func TestUnit4_NetworkFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	u := provider.NewUnit4(provider.Unit4Credentials{Username: "user", Password: "pass"}, provider.Options{BaseURL: srv.URL})

	_, err := u.SendDocument(context.Background(), []byte("<Invoice/>"), provider.SendMetadata{Sender: seller, Receiver: buyer})
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))
}

func TestUnit4_MissingCredentials(t *testing.T) {
	u := provider.NewUnit4(provider.Unit4Credentials{}, provider.Options{BaseURL: "http://127.0.0.1:1"})
	_, err := u.Authenticate(context.Background())
	var authErr *model.AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestUnit4_FetchStatus(t *testing.T) {
	u := newUnit4(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/outbox/U4-1/status":
			writeJSON(w, http.StatusOK, map[string]string{"messageId": "U4-1", "state": "rejected", "responseCode": "RE", "reason": "wrong buyer"})
		case "/api/v2/outbox/broken/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"state":`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	st, err := u.FetchStatus(context.Background(), "U4-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventDocumentRejected, st.Event)
	assert.Equal(t, model.ResponseRejected, st.ResponseCode)
	assert.Equal(t, "wrong buyer", st.Message)

	_, err = u.FetchStatus(context.Background(), "unknown")
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "unknown", nf.DocumentID)

	_, err = u.FetchStatus(context.Background(), "broken")
	var protoErr *model.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, `{"state":`, protoErr.Body)
}

func TestUnit4_ListInboundPageTokens(t *testing.T) {
	u := newUnit4(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"entries":       []map[string]string{{"messageId": "A"}},
				"nextPageToken": "t2",
			})
		case "t2":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"entries": []map[string]string{{"messageId": "B"}},
			})
		}
	})

	var ids []string
	for ref, err := range u.ListInbound(context.Background(), time.Time{}) {
		require.NoError(t, err)
		ids = append(ids, ref.ProviderDocumentID)
	}
	assert.Equal(t, []string{"A", "B"}, ids)
}

func TestUnit4_ListInboundYieldsError(t *testing.T) {
	u := newUnit4(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	var errs []error
	for _, err := range u.ListInbound(context.Background(), time.Time{}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, model.IsRetryable(errs[0]))
}

func TestUnit4_TestConnection(t *testing.T) {
	u := newUnit4(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/ping", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	res := u.TestConnection(context.Background())
	assert.True(t, res.Success)
}

func TestRecommand_SendAndVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/peppol/comp-1/sendDocument", r.URL.Path)
		assert.Equal(t, "Bearer api-token", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["sandbox"])
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": "RC-1"})
	}))
	defer srv.Close()

	r := provider.NewRecommand(provider.RecommandCredentials{APIToken: "api-token", CompanyID: "comp-1"}, provider.Options{BaseURL: srv.URL})
	res, err := r.SendDocument(context.Background(), []byte("<Invoice/>"), provider.SendMetadata{Sender: seller, Receiver: buyer})
	require.NoError(t, err)
	assert.Equal(t, "RC-1", res.ProviderDocumentID)

	h := http.Header{}
	h.Set("Authorization", "Bearer hook-secret")
	assert.True(t, r.VerifyWebhookSignature(h, nil, "hook-secret"))
	assert.False(t, r.VerifyWebhookSignature(h, nil, "different"))
}

func TestRecommand_UnsuccessfulEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "errors": map[string]string{"recipient": "not registered"}})
	}))
	defer srv.Close()

	r := provider.NewRecommand(provider.RecommandCredentials{APIToken: "api-token", CompanyID: "comp-1"}, provider.Options{BaseURL: srv.URL})
	_, err := r.SendDocument(context.Background(), []byte("<Invoice/>"), provider.SendMetadata{Sender: seller, Receiver: buyer})
	var sendErr *model.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Retryable)
}

func TestRecommand_RequiresCompany(t *testing.T) {
	r := provider.NewRecommand(provider.RecommandCredentials{APIToken: "api-token"}, provider.Options{BaseURL: "http://127.0.0.1:1"})
	_, err := r.FetchStatus(context.Background(), "RC-1")
	var vErr *model.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestCredential_Valid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		cred *provider.Credential
		want bool
	}{
		{name: "nil", cred: nil, want: false},
		{name: "empty token", cred: &provider.Credential{}, want: false},
		{name: "no expiry", cred: &provider.Credential{Token: "t"}, want: true},
		{name: "expires later", cred: &provider.Credential{Token: "t", ExpiresAt: now.Add(time.Hour)}, want: true},
		{name: "inside margin", cred: &provider.Credential{Token: "t", ExpiresAt: now.Add(10 * time.Second)}, want: false},
		{name: "expired", cred: &provider.Credential{Token: "t", ExpiresAt: now.Add(-time.Minute)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.Valid(now, provider.DefaultTokenMargin))
		})
	}
}

func TestCredential_Header(t *testing.T) {
	assert.Equal(t, "Basic abc", (&provider.Credential{Scheme: provider.AuthBasic, Token: "abc"}).Header())
	assert.Equal(t, "Bearer abc", (&provider.Credential{Scheme: provider.AuthOAuth2, Token: "abc"}).Header())
}

func TestTokenCache(t *testing.T) {
	cache := provider.NewTokenCache(provider.DefaultTokenMargin)
	calls := 0
	fetch := func(context.Context) (*provider.Credential, error) {
		calls++
		return &provider.Credential{Token: fmt.Sprintf("t%d", calls), ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	c1, err := cache.Get(context.Background(), fetch)
	require.NoError(t, err)
	c2, err := cache.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Equal(t, 1, calls)
	assert.True(t, cache.Cached())

	cache.Invalidate()
	assert.False(t, cache.Cached())
	c3, err := cache.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, "t2", c3.Token)

	cache.Invalidate()
	_, err = cache.Get(context.Background(), func(context.Context) (*provider.Credential, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	assert.False(t, cache.Cached())
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("key"))
	require.NoError(t, err)

	got, ok := provider.ExpiryFromJWT(signed)
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = provider.ExpiryFromJWT("opaque-token")
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	cfg := &config.Config{Environment: config.EnvironmentSandbox}
	reg, err := provider.FromConfig(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, []model.ProviderID{model.ProviderAdemico, model.ProviderRecommand, model.ProviderUnit4}, reg.IDs())
	assert.True(t, reg.Has(model.ProviderUnit4))

	a, err := reg.Get(model.ProviderRecommand)
	require.NoError(t, err)
	assert.Equal(t, provider.AuthBearer, a.Descriptor().AuthScheme)

	_, err = reg.Get("acme")
	assert.ErrorIs(t, err, model.ErrNotFound)

	descs := reg.Descriptors()
	require.Len(t, descs, 3)
	assert.True(t, descs[0].Capabilities.LegalEntities)
	assert.False(t, descs[2].Capabilities.Webhooks)
}

func TestEventMapping(t *testing.T) {
	tests := []struct {
		name   string
		mapper func(string) (model.EventType, bool)
		in     string
		want   model.EventType
		ok     bool
	}{
		{name: "ademico delivered", mapper: provider.AdemicoEvent, in: "DOCUMENT_DELIVERED", want: model.EventDocumentDelivered, ok: true},
		{name: "ademico response", mapper: provider.AdemicoEvent, in: "invoice_response", want: model.EventStatusUpdated, ok: true},
		{name: "unit4 failed", mapper: provider.Unit4Event, in: "Undeliverable", want: model.EventDocumentFailed, ok: true},
		{name: "recommand received", mapper: provider.RecommandEvent, in: "document.received", want: model.EventDocumentReceived, ok: true},
		{name: "unknown", mapper: provider.RecommandEvent, in: "teleported", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.mapper(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
