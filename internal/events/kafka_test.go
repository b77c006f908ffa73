package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-exchange/internal/events"
	"github.com/rezonia/peppol-exchange/internal/model"
)

type fakeWriter struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	err     error
	closed  bool
	calls   int
	release chan struct{}
	started chan struct{}
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.calls++
	first := w.calls == 1
	w.mu.Unlock()

	if w.release != nil {
		if first && w.started != nil {
			close(w.started)
		}
		<-w.release
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestKafkaPublisher_PublishesKeyedByDocument(t *testing.T) {
	w := &fakeWriter{}
	p := events.NewPublisherWithWriter(w, "peppol.document-status", nil)

	doc := &model.Document{
		ID:                 "doc-1",
		Direction:          model.DirectionOutbound,
		DocumentType:       model.DocumentTypeInvoice,
		Provider:           model.ProviderAdemico,
		LocalReferenceID:   "inv-1",
		ProviderDocumentID: "AD-1",
		UpdatedAt:          time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	p.OnDocumentStatusChanged(context.Background(), doc, model.StatusSending, model.StatusSent)
	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	msgs := w.written()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "peppol.document-status", msg.Topic)
	assert.Equal(t, []byte("doc-1"), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, events.EventType, string(msg.Headers[0].Value))

	var payload events.StatusChanged
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, "doc-1", payload.DocumentID)
	assert.Equal(t, model.StatusSending, payload.From)
	assert.Equal(t, model.StatusSent, payload.To)
	assert.Equal(t, "AD-1", payload.ProviderDocumentID)
	assert.True(t, doc.UpdatedAt.Equal(payload.OccurredAt))
}

func TestKafkaPublisher_BrokerFailureDoesNotPanic(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := events.NewPublisherWithWriter(w, "t", nil)

	assert.NotPanics(t, func() {
		p.OnDocumentStatusChanged(context.Background(), &model.Document{ID: "doc-1"}, model.StatusQueued, model.StatusSending)
	})
	require.NoError(t, p.Close())
	assert.Empty(t, w.written())
}

func TestKafkaPublisher_DoesNotWaitForBroker(t *testing.T) {
	w := &fakeWriter{release: make(chan struct{})}
	p := events.NewPublisherWithWriter(w, "t", nil)

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for _, to := range []model.Status{model.StatusQueued, model.StatusSending, model.StatusSent} {
			p.OnDocumentStatusChanged(context.Background(), &model.Document{ID: "doc-1"}, model.StatusPending, to)
		}
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("status changes waited on a blocked writer")
	}

	close(w.release)
	require.NoError(t, p.Close())

	msgs := w.written()
	require.Len(t, msgs, 3)
	var tos []model.Status
	for _, m := range msgs {
		var payload events.StatusChanged
		require.NoError(t, json.Unmarshal(m.Value, &payload))
		tos = append(tos, payload.To)
	}
	assert.Equal(t, []model.Status{model.StatusQueued, model.StatusSending, model.StatusSent}, tos)
}

func TestKafkaPublisher_FullQueueDropsEvents(t *testing.T) {
	w := &fakeWriter{release: make(chan struct{}), started: make(chan struct{})}
	p := events.NewPublisherWithWriter(w, "t", nil, events.WithBufferSize(1))
	doc := &model.Document{ID: "doc-1"}

	p.OnDocumentStatusChanged(context.Background(), doc, model.StatusPending, model.StatusQueued)
	<-w.started

	p.OnDocumentStatusChanged(context.Background(), doc, model.StatusQueued, model.StatusSending)
	p.OnDocumentStatusChanged(context.Background(), doc, model.StatusSending, model.StatusSent)

	close(w.release)
	require.NoError(t, p.Close())
	assert.Len(t, w.written(), 2)

	assert.NotPanics(t, func() {
		p.OnDocumentStatusChanged(context.Background(), doc, model.StatusSent, model.StatusDelivered)
	})
}

func TestNewKafkaPublisher_RequiresBrokersAndTopic(t *testing.T) {
	_, err := events.NewKafkaPublisher(nil, "t", nil)
	assert.Error(t, err)

	_, err = events.NewKafkaPublisher([]string{"localhost:9092"}, "", nil)
	assert.Error(t, err)
}
