// Package events publishes document status changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rezonia/peppol-exchange/internal/logger"
	"github.com/rezonia/peppol-exchange/internal/model"
)

// EventType is the Kafka message header naming the payload kind
const EventType = "document.status_changed"

// StatusChanged is the published payload
type StatusChanged struct {
	DocumentID         string             `json:"document_id"`
	Direction          model.Direction    `json:"direction"`
	DocumentType       model.DocumentType `json:"document_type"`
	Provider           model.ProviderID   `json:"provider"`
	LocalReferenceID   string             `json:"local_reference_id,omitempty"`
	ProviderDocumentID string             `json:"provider_document_id,omitempty"`
	From               model.Status       `json:"from"`
	To                 model.Status       `json:"to"`
	ResponseStatusCode model.ResponseCode `json:"response_status_code,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	OccurredAt         time.Time          `json:"occurred_at"`
}

// MessageWriter is the subset of *kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultBufferSize bounds the status changes waiting to be written
const DefaultBufferSize = 1024

const (
	maxBatch     = 100
	writeTimeout = 10 * time.Second
)

// KafkaPublisher emits a message per status change, keyed by document id so
// changes of one document stay ordered within a partition. Messages are
// queued and written by a background goroutine; a full queue drops the
// message with a warning.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// PublisherOption configures a KafkaPublisher
type PublisherOption func(*KafkaPublisher)

// WithBufferSize sets how many messages may wait for the writer
func WithBufferSize(n int) PublisherOption {
	return func(p *KafkaPublisher) {
		if n > 0 {
			p.queue = make(chan kafka.Message, n)
		}
	}
}

// NewKafkaPublisher connects a hash-balanced writer to the brokers
func NewKafkaPublisher(brokers []string, topic string, l *slog.Logger, opts ...PublisherOption) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		WriteTimeout: 5 * time.Second,
	}, topic, l, opts...), nil
}

// NewPublisherWithWriter wraps an existing writer and starts the goroutine
// draining the queue into it
func NewPublisherWithWriter(w MessageWriter, topic string, l *slog.Logger, opts ...PublisherOption) *KafkaPublisher {
	p := &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: logger.OrDiscard(l).With("component", "events"),
		queue:  make(chan kafka.Message, DefaultBufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// OnDocumentStatusChanged queues the change for publishing and returns
// without waiting for the broker. Publishing is best effort: failures are
// logged.
func (p *KafkaPublisher) OnDocumentStatusChanged(ctx context.Context, doc *model.Document, from, to model.Status) {
	payload, err := json.Marshal(StatusChanged{
		DocumentID:         doc.ID,
		Direction:          doc.Direction,
		DocumentType:       doc.DocumentType,
		Provider:           doc.Provider,
		LocalReferenceID:   doc.LocalReferenceID,
		ProviderDocumentID: doc.ProviderDocumentID,
		From:               from,
		To:                 to,
		ResponseStatusCode: doc.ResponseStatusCode,
		ErrorMessage:       doc.ErrorMessage,
		OccurredAt:         doc.UpdatedAt.UTC(),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "encode status event", "document_id", doc.ID, "error", err)
		return
	}

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(doc.ID),
		Value:   payload,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(EventType)}},
		Time:    time.Now().UTC(),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.WarnContext(ctx, "status event after close dropped", "document_id", doc.ID)
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.logger.WarnContext(ctx, "status event queue full, event dropped",
			"document_id", doc.ID,
			"from", from,
			"to", to,
		)
	}
}

// run writes queued messages in order, batching whatever is already waiting
func (p *KafkaPublisher) run() {
	defer close(p.done)
	batch := make([]kafka.Message, 0, maxBatch)
	for msg := range p.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := p.writer.WriteMessages(ctx, batch...)
		cancel()
		if err != nil {
			p.logger.Warn("publish status events failed", "count", len(batch), "error", err)
		}
	}
}

// Close stops accepting events, flushes the queue and closes the writer
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.writer.Close()
}
