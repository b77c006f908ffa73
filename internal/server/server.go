package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezonia/peppol-exchange/internal/exchange"
	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/metrics"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/signature"
	"github.com/rezonia/peppol-exchange/internal/store"
	"github.com/rezonia/peppol-exchange/internal/ubl"
	"github.com/rezonia/peppol-exchange/internal/webhook"
)

// APIKeyHeader authenticates operator API calls
const APIKeyHeader = "X-API-Key"

// Config holds server configuration
type Config struct {
	Address      string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// Server represents the HTTP API server
type Server struct {
	config   *Config
	router   *gin.Engine
	exchange *exchange.Orchestrator
	webhooks *webhook.Normalizer
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(config *Config, orch *exchange.Orchestrator, webhooks *webhook.Normalizer, l *slog.Logger) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), observe())
	if config.Debug {
		router.Use(gin.Logger())
	}

	s := &Server{
		config:   config,
		router:   router,
		exchange: orch,
		webhooks: webhooks,
		logger:   logger.OrDiscard(l).With("component", "server"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider callbacks authenticate with their own signatures
	s.router.POST("/webhooks", s.handleWebhook)
	s.router.POST("/webhooks/:provider", s.handleWebhook)

	v1 := s.router.Group("/api/v1", s.requireAPIKey())
	{
		v1.GET("/documents", s.handleListDocuments)
		v1.GET("/documents/:id", s.handleGetDocument)
		v1.GET("/documents/:id/log", s.handleDocumentLog)
		v1.POST("/documents/:id/resend", s.handleResend)
		v1.POST("/documents/:id/reconcile", s.handleReconcile)

		v1.POST("/invoices/:id/enqueue", s.handleEnqueue)
		v1.POST("/invoices/:id/sent", s.handleInvoiceSent)

		v1.POST("/queue/process", s.handleProcessQueue)
		v1.POST("/queue/recover", s.handleRecover)
		v1.POST("/status/sync", s.handleSyncStatuses)
		v1.POST("/inbound/poll", s.handlePollInbound)
		v1.POST("/log/purge", s.handlePurgeLog)

		v1.GET("/providers", s.handleProviders)
		v1.POST("/providers/:provider/test", s.handleTestConnection)
		v1.POST("/providers/:provider/legal-entities", s.handleRegisterLegalEntity)

		v1.POST("/validate", s.handleValidate)
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "address", s.config.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		metrics.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// requireAPIKey guards the operator API. An empty key disables the check.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.APIKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader(APIKeyHeader)
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid API key"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"time":            time.Now().UTC().Format(time.RFC3339),
		"active_provider": s.exchange.Settings().ActiveProvider,
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
		return
	}

	id := model.ProviderID(strings.ToLower(c.Param("provider")))
	if id == "" {
		detected, ok := webhook.DetectProvider(c.Request.Header, body)
		if !ok {
			s.webhookReply(c, "unknown", http.StatusBadRequest, ErrorResponse{Error: "cannot determine provider"})
			return
		}
		id = detected
	}

	payload, err := s.webhooks.Verify(id, c.Request.Header, body)
	if err != nil {
		resp := ErrorResponse{Error: "signature verification failed"}
		var sigErr *signature.SignatureError
		if errors.As(err, &sigErr) {
			resp.Details = sigErr.Code
		}
		s.webhookReply(c, string(id), http.StatusUnauthorized, resp)
		return
	}

	ev, err := s.webhooks.Normalize(payload)
	if err != nil {
		// unrecognized payloads are acknowledged so the provider stops retrying
		s.webhookReply(c, string(id), http.StatusOK, WebhookResponse{Status: "ignored", Message: err.Error()})
		return
	}

	res, err := s.exchange.ApplyInboundNotification(c.Request.Context(), ev)
	var (
		unrecognized *model.UnrecognizedFormatError
		invalid      *model.ValidationError
	)
	switch {
	case errors.Is(err, exchange.ErrDeferred):
		c.Header("Retry-After", "30")
		s.webhookReply(c, string(id), http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	case errors.As(err, &unrecognized), errors.As(err, &invalid):
		s.webhookReply(c, string(id), http.StatusOK, WebhookResponse{Status: "ignored", Message: err.Error()})
		return
	case err != nil:
		s.logger.ErrorContext(c.Request.Context(), "apply webhook notification",
			"provider", id,
			"provider_document_id", ev.ProviderDocumentID,
			"event_type", ev.EventType,
			"error", err,
		)
		s.webhookReply(c, string(id), http.StatusInternalServerError, ErrorResponse{Error: "notification could not be applied"})
		return
	}

	status := "accepted"
	switch {
	case res.Duplicate:
		status = "duplicate"
	case !res.Applied && !res.Created:
		status = "ignored"
	}
	s.webhookReply(c, string(id), http.StatusOK, WebhookResponse{Status: status, Result: &res})
}

func (s *Server) webhookReply(c *gin.Context, provider string, code int, body any) {
	metrics.ObserveWebhook(provider, strconv.Itoa(code))
	c.JSON(code, body)
}

func (s *Server) handleListDocuments(c *gin.Context) {
	f := store.Filter{
		Direction: model.Direction(c.Query("direction")),
		Provider:  model.ProviderID(c.Query("provider")),
		Limit:     100,
	}
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, model.Status(strings.TrimSpace(st)))
		}
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	docs, err := s.exchange.Documents(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]DocumentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, newDocumentResponse(d, false))
	}
	c.JSON(http.StatusOK, DocumentListResponse{Documents: out, Count: len(out)})
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, err := s.exchange.Document(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentResponse(doc, c.Query("content") == "true"))
}

func (s *Server) handleDocumentLog(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.exchange.Document(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.exchange.Log(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, LogResponse{DocumentID: id, Entries: entries})
}

func (s *Server) handleResend(c *gin.Context) {
	id := c.Param("id")
	if err := s.exchange.Resend(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.respondDocument(c, id)
}

func (s *Server) handleReconcile(c *gin.Context) {
	res, err := s.exchange.ReconcileReceived(c.Request.Context(), c.Param("id"), nil)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	id, err := s.exchange.EnqueueForSending(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondDocument(c, id)
}

func (s *Server) handleInvoiceSent(c *gin.Context) {
	id, err := s.exchange.OnInvoiceSent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if id == "" {
		c.JSON(http.StatusOK, gin.H{"queued": false, "reason": "auto-send disabled"})
		return
	}
	s.respondDocument(c, id)
}

func (s *Server) handleProcessQueue(c *gin.Context) {
	summary, err := s.exchange.ProcessQueue(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleRecover(c *gin.Context) {
	summary, err := s.exchange.RecoverStuckSending(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSyncStatuses(c *gin.Context) {
	summary, err := s.exchange.SyncStatuses(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handlePollInbound(c *gin.Context) {
	summary, err := s.exchange.PollInbound(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handlePurgeLog(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("older_than_days", "180"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "older_than_days must be an integer"})
		return
	}
	n, err := s.exchange.PurgeLog(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, ProvidersResponse{
		Active:    s.exchange.Settings().ActiveProvider,
		Providers: s.exchange.Registry().Descriptors(),
	})
}

func (s *Server) handleTestConnection(c *gin.Context) {
	res, err := s.exchange.TestConnection(c.Request.Context(), model.ProviderID(c.Param("provider")))
	if err != nil {
		s.fail(c, err)
		return
	}
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	c.JSON(code, res)
}

func (s *Server) handleRegisterLegalEntity(c *gin.Context) {
	var party model.Party
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&party); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid party", Details: err.Error()})
			return
		}
	}
	id, err := s.exchange.RegisterLegalEntity(c.Request.Context(), model.ProviderID(c.Param("provider")), party)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"legal_entity_id": id})
}

func (s *Server) handleValidate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
		return
	}

	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body"})
		return
	}

	result := ubl.ValidateStructure(body)
	resp := ValidationResponse{Valid: result.Valid, Root: result.Root, Errors: result.Errors}
	if result.Valid {
		parsed, err := ubl.Decode(body)
		if err != nil {
			resp.Valid = false
			resp.Errors = append(resp.Errors, err.Error())
		} else {
			resp.Document = parsed
		}
	}

	code := http.StatusOK
	if !resp.Valid {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, resp)
}

func (s *Server) respondDocument(c *gin.Context, id string) {
	doc, err := s.exchange.Document(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentResponse(doc, false))
}

// fail maps domain errors onto HTTP status codes
func (s *Server) fail(c *gin.Context, err error) {
	var (
		validation *model.ValidationError
		transition *model.TransitionError
		parse      *model.ParseError
		reconcile  *model.ReconcileError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.As(err, &transition):
		code = http.StatusConflict
	case errors.As(err, &parse), errors.Is(err, model.ErrUnsupported):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &reconcile):
		code = http.StatusBadGateway
	case errors.Is(err, exchange.ErrNoReconciler):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, ErrorResponse{Error: err.Error()})
}
