package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-exchange/internal/model"
	"github.com/rezonia/peppol-exchange/internal/store"
	"github.com/rezonia/peppol-exchange/internal/store/memory"
	"github.com/rezonia/peppol-exchange/internal/store/sqlstore"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func() store.Store {
	return map[string]func() store.Store{
		"memory": func() store.Store { return memory.New() },
		"sqlite": func() store.Store {
			s, err := sqlstore.Open(context.Background(), sqlstore.SQLite, ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func outbound(id, ref string, status model.Status, created time.Time) *model.Document {
	return &model.Document{
		ID:               id,
		Direction:        model.DirectionOutbound,
		DocumentType:     model.DocumentTypeInvoice,
		LocalReferenceID: ref,
		Provider:         model.ProviderAdemico,
		Status:           status,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func TestStore_CreateAndFind(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()

			doc := outbound("doc-1", "inv-1", model.StatusQueued, base)
			doc.Content = []byte("<Invoice/>")
			require.NoError(t, s.CreateDocument(ctx, doc))

			got, err := s.GetDocument(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusQueued, got.Status)
			assert.Equal(t, []byte("<Invoice/>"), got.Content)
			assert.True(t, base.Equal(got.CreatedAt))
			assert.Nil(t, got.SentAt)

			got, err = s.FindOutbound(ctx, "inv-1", model.ProviderAdemico)
			require.NoError(t, err)
			assert.Equal(t, "doc-1", got.ID)

			_, err = s.FindOutbound(ctx, "inv-1", model.ProviderUnit4)
			assert.ErrorIs(t, err, model.ErrNotFound)

			_, err = s.GetDocument(ctx, "missing")
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestStore_UniqueOutboundPerProvider(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()

			require.NoError(t, s.CreateDocument(ctx, outbound("doc-1", "inv-1", model.StatusQueued, base)))
			err := s.CreateDocument(ctx, outbound("doc-2", "inv-1", model.StatusQueued, base))
			assert.ErrorIs(t, err, model.ErrDuplicate)

			other := outbound("doc-3", "inv-1", model.StatusQueued, base)
			other.Provider = model.ProviderUnit4
			assert.NoError(t, s.CreateDocument(ctx, other))
		})
	}
}

func TestStore_UniqueProviderDocumentID(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()

			in := &model.Document{
				ID: "in-1", Direction: model.DirectionInbound, DocumentType: model.DocumentTypeInvoice,
				Provider: model.ProviderRecommand, ProviderDocumentID: "RC-1", Status: model.StatusReceived,
				CreatedAt: base, UpdatedAt: base,
			}
			require.NoError(t, s.CreateDocument(ctx, in))

			dup := *in
			dup.ID = "in-2"
			assert.ErrorIs(t, s.CreateDocument(ctx, &dup), model.ErrDuplicate)

			got, err := s.FindByProviderDocumentID(ctx, model.ProviderRecommand, "RC-1")
			require.NoError(t, err)
			assert.Equal(t, "in-1", got.ID)
		})
	}
}

func TestStore_UpdateDocumentCAS(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			require.NoError(t, s.CreateDocument(ctx, outbound("doc-1", "inv-1", model.StatusQueued, base)))

			claim := outbound("doc-1", "inv-1", model.StatusSending, base)
			claim.UpdatedAt = base.Add(time.Minute)

			ok, err := s.UpdateDocument(ctx, claim, model.StatusQueued)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.UpdateDocument(ctx, claim, model.StatusQueued)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must lose")

			_, err = s.UpdateDocument(ctx, outbound("missing", "x", model.StatusSent, base), model.StatusQueued)
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestStore_UpdateKeepsSetOnceFields(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			require.NoError(t, s.CreateDocument(ctx, outbound("doc-1", "inv-1", model.StatusSending, base)))

			sentAt := base.Add(time.Minute)
			sent := outbound("doc-1", "inv-1", model.StatusSent, base)
			sent.ProviderDocumentID = "AD-1"
			sent.ProviderTransmissionID = "TX-1"
			sent.SentAt = &sentAt
			sent.Content = []byte("<Invoice/>")
			sent.UpdatedAt = sentAt
			ok, err := s.UpdateDocument(ctx, sent, model.StatusSending)
			require.NoError(t, err)
			require.True(t, ok)

			later := base.Add(time.Hour)
			delivered := outbound("doc-1", "", model.StatusDelivered, base)
			delivered.ResponseStatusCode = model.ResponseAccepted
			delivered.SentAt = &later
			delivered.UpdatedAt = later
			ok, err = s.UpdateDocument(ctx, delivered, model.StatusSent)
			require.NoError(t, err)
			require.True(t, ok)

			got, err := s.GetDocument(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusDelivered, got.Status)
			assert.Equal(t, "inv-1", got.LocalReferenceID)
			assert.Equal(t, "AD-1", got.ProviderDocumentID)
			assert.Equal(t, "TX-1", got.ProviderTransmissionID)
			assert.Equal(t, model.ResponseAccepted, got.ResponseStatusCode)
			assert.Equal(t, []byte("<Invoice/>"), got.Content)
			require.NotNil(t, got.SentAt)
			assert.True(t, sentAt.Equal(*got.SentAt), "sent_at is set once")
			assert.Equal(t, model.ProviderAdemico, got.Provider)
		})
	}
}

func TestStore_ListDocuments(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()

			require.NoError(t, s.CreateDocument(ctx, outbound("a", "inv-a", model.StatusQueued, base)))
			require.NoError(t, s.CreateDocument(ctx, outbound("b", "inv-b", model.StatusSending, base.Add(time.Minute))))
			require.NoError(t, s.CreateDocument(ctx, outbound("c", "inv-c", model.StatusQueued, base.Add(2*time.Minute))))

			docs, err := s.ListDocuments(ctx, store.Filter{Statuses: []model.Status{model.StatusQueued}})
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "a", docs[0].ID)
			assert.Equal(t, "c", docs[1].ID)

			docs, err = s.ListDocuments(ctx, store.Filter{UpdatedBefore: base.Add(90 * time.Second)})
			require.NoError(t, err)
			assert.Len(t, docs, 2)

			docs, err = s.ListDocuments(ctx, store.Filter{Direction: model.DirectionOutbound, Limit: 1})
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, "a", docs[0].ID)

			docs, err = s.ListDocuments(ctx, store.Filter{Direction: model.DirectionInbound})
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestStore_Log(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()

			for i, action := range []string{model.ActionEnqueue, model.ActionSend, model.ActionNotification} {
				require.NoError(t, s.AppendLog(ctx, &model.ExchangeLogEntry{
					DocumentID: "doc-1",
					Action:     action,
					Status:     model.LogSuccess,
					Timestamp:  base.AddDate(0, 0, i*100),
				}))
			}
			require.NoError(t, s.AppendLog(ctx, &model.ExchangeLogEntry{DocumentID: "doc-2", Action: model.ActionSend, Status: model.LogFailure, Timestamp: base}))

			entries, err := s.ListLog(ctx, "doc-1", 0)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, model.ActionNotification, entries[0].Action, "newest first")
			assert.NotEmpty(t, entries[0].ID)

			n, err := s.PurgeLog(ctx, base.AddDate(0, 0, 150))
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			entries, err = s.ListLog(ctx, "", 10)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, model.ActionNotification, entries[0].Action)
		})
	}
}

func TestStore_NotificationsAndAttempts(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			key := model.NotificationKey{Provider: model.ProviderAdemico, ProviderDocumentID: "AD-1", EventType: model.EventDocumentDelivered}

			seen, err := s.HasNotification(ctx, key)
			require.NoError(t, err)
			assert.False(t, seen)

			first, err := s.RecordNotification(ctx, key, base)
			require.NoError(t, err)
			assert.True(t, first)

			again, err := s.RecordNotification(ctx, key, base)
			require.NoError(t, err)
			assert.False(t, again)

			seen, err = s.HasNotification(ctx, key)
			require.NoError(t, err)
			assert.True(t, seen)

			for want := 1; want <= 3; want++ {
				n, err := s.IncrementAttempts(ctx, "doc-1")
				require.NoError(t, err)
				assert.Equal(t, want, n)
			}
			n, err := s.Attempts(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			require.NoError(t, s.ResetAttempts(ctx, "doc-1"))
			n, err = s.Attempts(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestMerge(t *testing.T) {
	sent := base
	cur := &model.Document{
		ID: "d", Provider: model.ProviderUnit4, ProviderDocumentID: "U4-1",
		Status: model.StatusSent, SentAt: &sent, Content: []byte("x"),
	}
	next := &model.Document{ID: "d", Provider: model.ProviderAdemico, Status: model.StatusFailed, ErrorMessage: "boom"}

	out := store.Merge(cur, next)
	assert.Equal(t, model.ProviderUnit4, out.Provider)
	assert.Equal(t, "U4-1", out.ProviderDocumentID)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, "boom", out.ErrorMessage)
	assert.Equal(t, []byte("x"), out.Content)
	assert.Equal(t, &sent, out.SentAt)
}
