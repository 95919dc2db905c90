package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink receives enriched events from the dispatcher goroutine.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// LogSink writes events to the service logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(_ context.Context, event Event) error {
	s.Logger.Info("Security event",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
		zap.String("user_id", event.UserID),
		zap.String("phone_fingerprint", event.PhoneFingerprint),
		zap.Bool("success", event.Success),
		zap.String("reason", event.Reason),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}

type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes each event as JSON keyed by its bucket so one
// subject stays on one partition.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Emit(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := []byte(fmt.Sprintf("%d", event.Bucket))
	return s.producer.ProduceMessage(ctx, s.topic, key, value, map[string]string{
		"event_type": string(event.Type),
	})
}

type BatchInserter interface {
	Table() string
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type ClickHouseSink struct {
	client BatchInserter
}

func NewClickHouseSink(client BatchInserter) *ClickHouseSink {
	return &ClickHouseSink{client: client}
}

func (s *ClickHouseSink) Emit(ctx context.Context, event Event) error {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	var success uint8
	if event.Success {
		success = 1
	}

	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_type, user_id, phone_fingerprint, event_bucket, success, reason, metadata, occurred_at)`, s.client.Table())
	row := []interface{}{
		event.ID,
		string(event.Type),
		event.UserID,
		event.PhoneFingerprint,
		uint16(event.Bucket),
		success,
		event.Reason,
		metadata,
		event.OccurredAt.UTC(),
	}
	return s.client.BatchInsert(ctx, query, [][]interface{}{row})
}

type DocumentIndexer interface {
	Index() string
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticsearchSink struct {
	client DocumentIndexer
}

func NewElasticsearchSink(client DocumentIndexer) *ElasticsearchSink {
	return &ElasticsearchSink{client: client}
}

func (s *ElasticsearchSink) Emit(ctx context.Context, event Event) error {
	return s.client.IndexDocument(ctx, s.client.Index(), event.ID, event)
}

// FanoutSink emits to every sink concurrently and returns the first
// error. One failing sink does not stop the others.
type FanoutSink []Sink

func (f FanoutSink) Emit(ctx context.Context, event Event) error {
	var g errgroup.Group
	for _, sink := range f {
		sink := sink
		g.Go(func() error {
			return sink.Emit(ctx, event)
		})
	}
	return g.Wait()
}
