// Package memory is an in-process Store used by tests and the "memory"
// database driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/store"
)

type outboundKey struct {
	localRef string
	provider model.ProviderID
}

type remoteKey struct {
	provider model.ProviderID
	id       string
}

// Store keeps everything in maps guarded by one mutex
type Store struct {
	mu            sync.RWMutex
	docs          map[string]*model.Document
	outbound      map[outboundKey]string
	remote        map[remoteKey]string
	log           []*model.ExchangeLogEntry
	notifications map[model.NotificationKey]time.Time
	attempts      map[string]int
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		docs:          make(map[string]*model.Document),
		outbound:      make(map[outboundKey]string),
		remote:        make(map[remoteKey]string),
		notifications: make(map[model.NotificationKey]time.Time),
		attempts:      make(map[string]int),
	}
}

func (s *Store) CreateDocument(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, ok := s.docs[doc.ID]; ok {
		return model.ErrDuplicate
	}
	ob := outboundKey{doc.LocalReferenceID, doc.Provider}
	trackOutbound := doc.Direction == model.DirectionOutbound && doc.LocalReferenceID != ""
	if trackOutbound {
		if _, exists := s.outbound[ob]; exists {
			return model.ErrDuplicate
		}
	}
	rk := remoteKey{doc.Provider, doc.ProviderDocumentID}
	if doc.ProviderDocumentID != "" {
		if _, exists := s.remote[rk]; exists {
			return model.ErrDuplicate
		}
	}

	s.docs[doc.ID] = doc.Clone()
	if trackOutbound {
		s.outbound[ob] = doc.ID
	}
	if doc.ProviderDocumentID != "" {
		s.remote[rk] = doc.ID
	}
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *Store) FindOutbound(_ context.Context, localReferenceID string, provider model.ProviderID) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.outbound[outboundKey{localReferenceID, provider}]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.docs[id].Clone(), nil
}

func (s *Store) FindByProviderDocumentID(_ context.Context, provider model.ProviderID, providerDocumentID string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.remote[remoteKey{provider, providerDocumentID}]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.docs[id].Clone(), nil
}

func (s *Store) ListDocuments(_ context.Context, f store.Filter) ([]*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Document
	for _, doc := range s.docs {
		if f.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateDocument(_ context.Context, doc *model.Document, expected model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.docs[doc.ID]
	if !ok {
		return false, model.ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	merged := store.Merge(cur, doc)
	if merged.ProviderDocumentID != "" && merged.ProviderDocumentID != cur.ProviderDocumentID {
		rk := remoteKey{merged.Provider, merged.ProviderDocumentID}
		if other, exists := s.remote[rk]; exists && other != doc.ID {
			return false, model.ErrDuplicate
		}
		s.remote[rk] = doc.ID
	}
	s.docs[doc.ID] = merged
	return true, nil
}

func (s *Store) AppendLog(_ context.Context, entry *model.ExchangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	e := *entry
	s.log = append(s.log, &e)
	return nil
}

func (s *Store) ListLog(_ context.Context, documentID string, limit int) ([]*model.ExchangeLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ExchangeLogEntry
	for i := len(s.log) - 1; i >= 0; i-- {
		e := s.log[i]
		if documentID != "" && e.DocumentID != documentID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PurgeLog(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.log[:0]
	var removed int64
	for _, e := range s.log {
		if e.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.log = kept
	return removed, nil
}

func (s *Store) HasNotification(_ context.Context, key model.NotificationKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.notifications[key]
	return ok, nil
}

func (s *Store) RecordNotification(_ context.Context, key model.NotificationKey, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[key]; ok {
		return false, nil
	}
	s.notifications[key] = at
	return true, nil
}

func (s *Store) IncrementAttempts(_ context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[documentID]++
	return s.attempts[documentID], nil
}

func (s *Store) Attempts(_ context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts[documentID], nil
}

func (s *Store) ResetAttempts(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, documentID)
	return nil
}

func (s *Store) Close() error {
	return nil
}
