package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/temcen/turirec/internal/config"
	"github.com/temcen/turirec/pkg/models"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	publishTimeout    = 10 * time.Second
)

// ErrInvalidMessage marks payloads that fail schema validation. They go
// straight to the DLQ without retries.
var ErrInvalidMessage = errors.New("invalid message")

const refreshMessageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["request_id", "user_id", "timestamp"],
  "properties": {
    "request_id":  {"type": "string", "minLength": 1},
    "user_id":     {"type": "string", "minLength": 1},
    "reason":      {"type": "string"},
    "timestamp":   {"type": "string"},
    "retry_count": {"type": "integer", "minimum": 0}
  }
}`

// RefreshMessage asks a consumer to regenerate one user's list.
type RefreshMessage struct {
	RequestID  uuid.UUID `json:"request_id"`
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

type RefreshHandler func(ctx context.Context, message *RefreshMessage) error

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Stats() kafka.ReaderStats
	Close() error
}

type Topics struct {
	Interactions string
	Refresh      string
	RefreshDLQ   string
}

type MessageBus struct {
	interactions messageWriter
	refresh      messageWriter
	dlqWriter    messageWriter
	reader       messageReader
	schema       *gojsonschema.Schema
	topics       Topics
	maxRetries   int
	baseDelay    time.Duration
	now          func() time.Time
	logger       *logrus.Logger
}

func NewMessageBus(cfg config.KafkaConfig, logger *logrus.Logger) (*MessageBus, error) {
	topics := Topics{
		Interactions: cfg.Topics.UserInteractions,
		Refresh:      cfg.Topics.RecommendationRefresh,
		RefreshDLQ:   cfg.Topics.RecommendationRefreshDLQ,
	}

	writer := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // keyed by user id so one user's events stay ordered
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
			BatchSize:    100,
		}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topics.Refresh,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	return newMessageBus(writer(topics.Interactions), writer(topics.Refresh), writer(topics.RefreshDLQ), reader, topics, logger)
}

func newMessageBus(interactions, refresh, dlq messageWriter, reader messageReader, topics Topics, logger *logrus.Logger) (*MessageBus, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(refreshMessageSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile refresh schema: %w", err)
	}

	return &MessageBus{
		interactions: interactions,
		refresh:      refresh,
		dlqWriter:    dlq,
		reader:       reader,
		schema:       schema,
		topics:       topics,
		maxRetries:   defaultMaxRetries,
		baseDelay:    defaultBaseDelay,
		now:          time.Now,
		logger:       logger,
	}, nil
}

// PublishInteraction forwards a ledger change to the interaction topic.
func (mb *MessageBus) PublishInteraction(ctx context.Context, event *models.InteractionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal interaction event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID.String())},
			{Key: "interaction_kind", Value: []byte(event.Kind)},
			{Key: "timestamp", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := mb.interactions.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write interaction event: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"user_id":  event.UserID,
		"kind":     event.Kind,
		"topic":    mb.topics.Interactions,
	}).Debug("Interaction event published")

	return nil
}

// PublishRefresh queues an asynchronous regeneration and returns its id.
func (mb *MessageBus) PublishRefresh(ctx context.Context, req models.RefreshRequest) (uuid.UUID, error) {
	message := RefreshMessage{
		RequestID: uuid.New(),
		UserID:    req.UserID,
		Reason:    req.Reason,
		Timestamp: mb.now(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = mb.refresh.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(message.RequestID.String())},
		},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to write refresh request: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"request_id": message.RequestID,
		"user_id":    req.UserID,
		"topic":      mb.topics.Refresh,
	}).Info("Refresh request published")

	return message.RequestID, nil
}

// ConsumeRefreshRequests blocks until ctx is cancelled.
func (mb *MessageBus) ConsumeRefreshRequests(ctx context.Context, handler RefreshHandler) error {
	for {
		raw, err := mb.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).Error("Failed to read message from Kafka")
			continue
		}

		message, err := mb.decode(raw.Value)
		if err != nil {
			mb.logger.WithError(err).Warn("Rejecting malformed refresh request")
			if dlqErr := mb.sendToDLQ(ctx, raw.Value, string(raw.Key), err); dlqErr != nil {
				mb.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
			}
			continue
		}

		if err := mb.processWithRetry(ctx, message, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).WithField("request_id", message.RequestID).Error("Failed to process refresh after retries")
			if dlqErr := mb.sendToDLQ(ctx, raw.Value, message.UserID, err); dlqErr != nil {
				mb.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
			}
		}
	}
}

func (mb *MessageBus) decode(payload []byte) (*RefreshMessage, error) {
	result, err := mb.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !result.Valid() {
		desc := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			desc = append(desc, e.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, desc)
	}

	var message RefreshMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &message, nil
}

func (mb *MessageBus) processWithRetry(ctx context.Context, message *RefreshMessage, handler RefreshHandler) error {
	for attempt := 0; attempt <= mb.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			delay := mb.baseDelay * time.Duration(1<<uint(attempt-1))
			mb.logger.WithFields(logrus.Fields{
				"request_id": message.RequestID,
				"attempt":    attempt,
				"delay":      delay,
			}).Info("Retrying refresh request")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		message.RetryCount = attempt
		err := handler(ctx, message)
		if err == nil {
			mb.logger.WithFields(logrus.Fields{
				"request_id": message.RequestID,
				"user_id":    message.UserID,
				"attempt":    attempt,
			}).Debug("Refresh request processed")
			return nil
		}

		mb.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": message.RequestID,
			"attempt":    attempt,
		}).Warn("Refresh request failed")

		if attempt == mb.maxRetries {
			return fmt.Errorf("max retries exceeded: %w", err)
		}
	}

	return fmt.Errorf("unexpected retry loop exit")
}

func (mb *MessageBus) sendToDLQ(ctx context.Context, payload []byte, key string, cause error) error {
	dlqBytes, err := json.Marshal(map[string]interface{}{
		"original_message": string(payload),
		"error":            cause.Error(),
		"dlq_timestamp":    mb.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	err = mb.dlqWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: dlqBytes,
		Headers: []kafka.Header{
			{Key: "original_topic", Value: []byte(mb.topics.Refresh)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"key":   key,
		"error": cause.Error(),
	}).Warn("Message sent to DLQ")

	return nil
}

func (mb *MessageBus) Close() error {
	var errs []error

	if err := mb.interactions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close interaction writer: %w", err))
	}
	if err := mb.refresh.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close refresh writer: %w", err))
	}
	if err := mb.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}
	if err := mb.dlqWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close DLQ writer: %w", err))
	}

	return errors.Join(errs...)
}

// GetMetrics returns consumer stats for the health endpoint.
func (mb *MessageBus) GetMetrics() map[string]interface{} {
	stats := mb.reader.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"rebalances":      stats.Rebalances,
		"errors":          stats.Errors,
	}
}
