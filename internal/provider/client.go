package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/model"
)

// DefaultHTTPTimeout bounds a single provider call when the caller's
// context has no deadline
const DefaultHTTPTimeout = 60 * time.Second

const maxResponseBody = 4 << 20

// Options holds what every adapter needs besides its credentials
type Options struct {
	Live       bool
	BaseURL    string // overrides the descriptor endpoint, used by tests
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o Options) baseURL(e Endpoints) string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	if o.Live {
		return e.Live
	}
	return e.Sandbox
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

// apiClient performs authenticated JSON/XML calls for one provider
type apiClient struct {
	id      model.ProviderID
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	tokens  *TokenCache
	login   func(ctx context.Context) (*Credential, error)
}

func newAPIClient(id model.ProviderID, opts Options, endpoints Endpoints, login func(ctx context.Context) (*Credential, error)) *apiClient {
	return &apiClient{
		id:      id,
		baseURL: opts.baseURL(endpoints),
		http:    opts.httpClient(),
		logger:  logger.OrDiscard(opts.Logger).With("provider", string(id)),
		tokens:  NewTokenCache(DefaultTokenMargin),
		login:   login,
	}
}

type apiRequest struct {
	op          string
	method      string
	path        string
	body        []byte
	contentType string
	accept      string
}

type apiResponse struct {
	status int
	body   []byte
	header http.Header
}

func (r *apiResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (c *apiClient) credential(ctx context.Context) (*Credential, error) {
	return c.tokens.Get(ctx, c.login)
}

// do sends req with a credential. A 401 drops the cached credential and the
// request is retried once with a fresh one; a second 401 is an AuthError.
func (c *apiClient) do(ctx context.Context, req apiRequest) (*apiResponse, error) {
	for attempt := 0; attempt < 2; attempt++ {
		cred, err := c.credential(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, req, cred)
		if err != nil {
			return nil, err
		}
		if resp.status != http.StatusUnauthorized {
			return resp, nil
		}

		c.logger.WarnContext(ctx, "credential rejected, re-authenticating", "operation", req.op, "attempt", attempt+1)
		c.tokens.Invalidate()
	}
	return nil, model.NewAuthError(c.id, http.StatusUnauthorized, "credential rejected after re-authentication", nil)
}

func (c *apiClient) send(ctx context.Context, req apiRequest, cred *Credential) (*apiResponse, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, fmt.Errorf("[%s] build %s request: %w", c.id, req.op, err)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	accept := req.accept
	if accept == "" {
		accept = "application/json"
	}
	httpReq.Header.Set("Accept", accept)
	if cred != nil {
		httpReq.Header.Set("Authorization", cred.Header())
	}

	c.logger.DebugContext(ctx, "provider request", "operation", req.op, "method", req.method, "path", req.path)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &transportError{provider: c.id, op: req.op, err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, &transportError{provider: c.id, op: req.op, err: err}
	}

	c.logger.DebugContext(ctx, "provider response", "operation", req.op, "status_code", httpResp.StatusCode, "bytes", len(data))
	return &apiResponse{status: httpResp.StatusCode, body: data, header: httpResp.Header}, nil
}

// transportError is a failure below HTTP: DNS, connect, timeout, reset
type transportError struct {
	provider model.ProviderID
	op       string
	err      error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.provider, e.op, e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}

// Timeout reports whether the failure was a deadline
func (e *transportError) Timeout() bool {
	if errors.Is(e.err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.err, &netErr) && netErr.Timeout()
}

// retryableStatus reports whether an HTTP status is worth retrying
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// classifySend turns a transport failure or non-2xx response into the error
// taxonomy that drives the retry policy.
func (c *apiClient) classifySend(resp *apiResponse, err error) error {
	if err != nil {
		var te *transportError
		if errors.As(err, &te) {
			if errors.Is(err, context.Canceled) {
				return model.NewSendError(c.id, 0, true, "request cancelled", err)
			}
			msg := "network failure"
			if te.Timeout() {
				msg = "request timed out"
			}
			return model.NewSendError(c.id, 0, true, msg, err)
		}
		return err
	}
	if resp.ok() {
		return nil
	}
	msg := errorMessage(resp.body)
	if retryableStatus(resp.status) {
		return model.NewSendError(c.id, resp.status, true, msg, nil)
	}
	if resp.status == http.StatusForbidden {
		return model.NewAuthError(c.id, resp.status, msg, nil)
	}
	return model.NewSendError(c.id, resp.status, false, msg, nil)
}

// classifyRead handles non-2xx responses of read operations
func (c *apiClient) classifyRead(op, id string, resp *apiResponse, err error) error {
	if err != nil {
		return err
	}
	if resp.ok() {
		return nil
	}
	if resp.status == http.StatusNotFound && id != "" {
		return &model.NotFoundError{Provider: c.id, DocumentID: id}
	}
	if resp.status == http.StatusForbidden {
		return model.NewAuthError(c.id, resp.status, errorMessage(resp.body), nil)
	}
	if retryableStatus(resp.status) {
		return model.NewSendError(c.id, resp.status, true, errorMessage(resp.body), nil)
	}
	return model.NewProtocolError(c.id, op, resp.status, resp.body, nil)
}

// decode unmarshals a JSON body, producing a ProtocolError with the verbatim
// body when the shape is unexpected
func (c *apiClient) decode(op string, resp *apiResponse, out interface{}) error {
	if err := json.Unmarshal(resp.body, out); err != nil {
		return model.NewProtocolError(c.id, op, resp.status, resp.body, err)
	}
	return nil
}

// errorMessage extracts a human readable message from common error shapes
func errorMessage(body []byte) string {
	var shape struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &shape); err == nil {
		switch {
		case shape.Message != "":
			return shape.Message
		case shape.Detail != "":
			return shape.Detail
		case shape.Error != "":
			return shape.Error
		case len(shape.Errors) > 0 && shape.Errors[0].Message != "":
			return shape.Errors[0].Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// testConnection is shared by adapters: authenticate, then call a cheap endpoint
func (c *apiClient) testConnection(ctx context.Context, req apiRequest) ConnectionResult {
	resp, err := c.do(ctx, req)
	if err != nil {
		return ConnectionResult{Success: false, Message: err.Error()}
	}
	if !resp.ok() {
		return ConnectionResult{Success: false, Message: fmt.Sprintf("status %d: %s", resp.status, errorMessage(resp.body))}
	}
	return ConnectionResult{Success: true, Message: "connection successful"}
}
