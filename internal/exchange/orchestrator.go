// Package exchange drives documents through the outbound and inbound state
// machines: it enqueues and sends invoices, applies provider notifications,
// reconciles received documents and runs the maintenance sweeps.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rezonia/peppol-exchange/internal/config"
	"github.com/rezonia/peppol-exchange/internal/lock"
	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/metrics"
	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/provider"
	"github.com/rezonia/peppol-exchange/internal/source"
	"github.com/rezonia/peppol-exchange/internal/store"
)

// Defaults applied when Settings leaves a field zero
const (
	DefaultRetryBudget    = 3
	DefaultLookupWindow   = 72 * time.Hour
	DefaultSendingTimeout = 15 * time.Minute
	DefaultSendTimeout    = 60 * time.Second
)

// ErrNoReconciler is returned when a received document must be reconciled
// but no reconciler is configured
var ErrNoReconciler = errors.New("no reconciler configured")

// StatusListener is told about every committed status change
type StatusListener interface {
	OnDocumentStatusChanged(ctx context.Context, doc *model.Document, from, to model.Status)
}

// Listeners fans a status change out to several listeners in order
type Listeners []StatusListener

func (ls Listeners) OnDocumentStatusChanged(ctx context.Context, doc *model.Document, from, to model.Status) {
	for _, l := range ls {
		if l != nil {
			l.OnDocumentStatusChanged(ctx, doc, from, to)
		}
	}
}

// Reconciler creates the local record (an expense) for a received document.
// documentID is stable across retries and is meant as an idempotency key.
type Reconciler interface {
	Create(ctx context.Context, documentID string, doc *model.ParsedDocument) (string, error)
}

// Settings are the orchestrator's tunables
type Settings struct {
	ActiveProvider      model.ProviderID
	Company             model.Party
	RetryBudget         int
	LookupWindow        time.Duration
	SendingTimeout      time.Duration
	SendTimeout         time.Duration
	AutoSendEnabled     bool
	AutoProcessReceived bool
}

// SettingsFromConfig extracts Settings from the application config
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ActiveProvider:      cfg.ActiveProvider,
		Company:             cfg.Company.Party(),
		RetryBudget:         cfg.RetryBudget,
		LookupWindow:        cfg.LookupWindow(),
		SendingTimeout:      cfg.SendingTimeout,
		SendTimeout:         cfg.SendTimeout,
		AutoSendEnabled:     cfg.AutoSendEnabled,
		AutoProcessReceived: cfg.AutoProcessReceived,
	}
}

func (s Settings) withDefaults() Settings {
	if s.RetryBudget < 1 {
		s.RetryBudget = DefaultRetryBudget
	}
	if s.LookupWindow <= 0 {
		s.LookupWindow = DefaultLookupWindow
	}
	if s.SendingTimeout <= 0 {
		s.SendingTimeout = DefaultSendingTimeout
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = DefaultSendTimeout
	}
	return s
}

// Orchestrator owns every document state change
type Orchestrator struct {
	settings   Settings
	store      store.Store
	registry   *provider.Registry
	source     source.InvoiceSource
	reconciler Reconciler
	listener   StatusListener
	locker     lock.Locker
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithReconciler sets the reconciler used for auto-processing
func WithReconciler(r Reconciler) Option {
	return func(o *Orchestrator) { o.reconciler = r }
}

// WithListener sets the status change listener
func WithListener(l StatusListener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

// WithLocker replaces the in-process locker, e.g. with a Redis locker when
// several instances share a database
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator
func New(settings Settings, st store.Store, registry *provider.Registry, src source.InvoiceSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings: settings.withDefaults(),
		store:    st,
		registry: registry,
		source:   src,
		locker:   lock.NewKeyedMutex(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logger.OrDiscard(o.logger).With("component", "exchange")
	return o
}

// Settings returns the effective settings
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// Registry returns the provider registry
func (o *Orchestrator) Registry() *provider.Registry {
	return o.registry
}

// Document returns a stored document
func (o *Orchestrator) Document(ctx context.Context, id string) (*model.Document, error) {
	return o.store.GetDocument(ctx, id)
}

// Documents lists stored documents
func (o *Orchestrator) Documents(ctx context.Context, f store.Filter) ([]*model.Document, error) {
	return o.store.ListDocuments(ctx, f)
}

// Log returns a document's exchange log, newest first
func (o *Orchestrator) Log(ctx context.Context, documentID string, limit int) ([]*model.ExchangeLogEntry, error) {
	return o.store.ListLog(ctx, documentID, limit)
}

func (o *Orchestrator) clock() time.Time {
	return o.now().UTC()
}

// transition moves doc to the given status with a compare-and-swap on its
// current status. Other field changes already made on doc are written in the
// same update. It reports false when another writer changed the status first.
func (o *Orchestrator) transition(ctx context.Context, doc *model.Document, to model.Status) (bool, error) {
	from := doc.Status
	if !CanTransition(from, to) {
		return false, &model.TransitionError{DocumentID: doc.ID, From: from, To: to}
	}
	doc.Status = to
	doc.UpdatedAt = o.clock()

	ok, err := o.store.UpdateDocument(ctx, doc, from)
	if err != nil || !ok {
		doc.Status = from
		return false, err
	}
	o.notify(ctx, doc, from, to)
	return true, nil
}

func (o *Orchestrator) notify(ctx context.Context, doc *model.Document, from, to model.Status) {
	metrics.ObserveTransition(string(doc.Direction), string(from), string(to))
	o.logger.InfoContext(ctx, "document status changed",
		"document_id", doc.ID,
		"provider", doc.Provider,
		"from", from,
		"to", to,
	)
	if o.listener != nil {
		o.listener.OnDocumentStatusChanged(ctx, doc, from, to)
	}
}

// record appends an exchange log entry. Log write failures are reported but
// never undo the state change they describe.
func (o *Orchestrator) record(ctx context.Context, entry model.ExchangeLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = o.clock()
	}
	if err := o.store.AppendLog(ctx, &entry); err != nil {
		o.logger.ErrorContext(ctx, "append exchange log",
			"document_id", entry.DocumentID,
			"action", entry.Action,
			"error", err,
		)
	}
}

func (o *Orchestrator) adapter(id model.ProviderID) (provider.Adapter, error) {
	a, err := o.registry.Get(id)
	if err != nil {
		return nil, fmt.Errorf("resolve adapter: %w", err)
	}
	return a, nil
}

func sendLockKey(id model.ProviderID) string {
	return "send:" + string(id)
}

func documentLockKey(id model.ProviderID, providerDocumentID string) string {
	return "notify:" + string(id) + ":" + providerDocumentID
}

func reconcileLockKey(documentID string) string {
	return "reconcile:" + documentID
}

func timePtr(t time.Time) *time.Time {
	return &t
}
