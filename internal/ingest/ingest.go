// Package ingest consumes raw sensor reports from Kafka and feeds them to
// the detection engine. Phones publish to the signals topic when they have
// connectivity; the HTTP API remains the synchronous path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/engine"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/normalize"
)

// Reporter accepts raw signal reports. The engine satisfies it.
type Reporter interface {
	ReportRaw(ctx context.Context, raw normalize.RawReport) (model.TriggerDecision, error)
}

// messageReader is the slice of kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewReader builds a consumer-group reader on the signals topic.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.SignalsTopic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
}

// NewWriter builds a producer for the signals topic. Used by tooling that
// replays captured reports.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.SignalsTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// PublishRawReport writes one raw report keyed by user so a user's signals
// stay ordered within a partition.
func PublishRawReport(ctx context.Context, writer *kafka.Writer, raw normalize.RawReport) error {
	body, err := json.Marshal(raw)
	if err != nil {
		return eris.Wrap(err, "ingest: marshal raw report")
	}
	return writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(raw.UserID),
		Value: body,
		Time:  time.Now().UTC(),
	})
}

// Consumer pumps signal messages into the reporter until its context ends.
type Consumer struct {
	reader   messageReader
	reporter Reporter
}

// NewConsumer wires a reader to the engine.
func NewConsumer(reader *kafka.Reader, reporter Reporter) *Consumer {
	return &Consumer{reader: reader, reporter: reporter}
}

// Run blocks consuming messages. A canceled context is a clean shutdown.
// Malformed messages and per-report failures are logged and skipped so one
// bad report never stalls the partition.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				zap.L().Info("signal consumer stopping")
				return nil
			}
			return eris.Wrap(err, "ingest: read message")
		}

		var raw normalize.RawReport
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			zap.L().Warn("dropping malformed signal message",
				zap.String("key", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}

		decision, err := c.reporter.ReportRaw(ctx, raw)
		switch {
		case err == nil:
			if decision.Triggered {
				zap.L().Info("consumed signal triggered alert",
					zap.String("user_id", raw.UserID),
					zap.String("kind", string(raw.Kind)),
					zap.String("alert_id", decision.AlertID),
					zap.Bool("suppressed", decision.Suppressed),
				)
			}
		case eris.Is(err, engine.ErrContactDirectoryEmpty):
			zap.L().Warn("alert recorded without delivery, contact directory empty",
				zap.String("user_id", raw.UserID),
				zap.String("alert_id", decision.AlertID),
			)
		default:
			zap.L().Error("signal report failed",
				zap.String("user_id", raw.UserID),
				zap.String("kind", string(raw.Kind)),
				zap.Error(err),
			)
		}
	}
}
