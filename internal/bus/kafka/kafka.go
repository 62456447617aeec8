// Package kafka implements the Kafka flavour of the trade bus with
// segmentio/kafka-go: a consumer-group TradeSource with manual commits and
// a RecordPublisher keyed by token so each token stays on one partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"rsi-engine/internal/model"

	"github.com/segmentio/kafka-go"
)

// Config holds Kafka connection configuration.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string // consumer only
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads trade events from a topic through a consumer group.
// Offsets are committed only by Commit, so an event whose processing did not
// finish is redelivered after a restart (at-least-once).
type Consumer struct {
	reader messageReader
	topic  string
}

// NewConsumer creates a consumer. A group without a stored offset starts at
// the oldest retained message.
func NewConsumer(cfg Config) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // synchronous commits from Commit
		StartOffset:    kafka.FirstOffset,
	})
	log.Printf("[kafka] consumer on %s (group=%s, brokers=%v)", cfg.Topic, cfg.GroupID, cfg.Brokers)
	return &Consumer{reader: reader, topic: cfg.Topic}
}

// Ping dials the brokers and returns nil as soon as one accepts a connection.
// The reader connects lazily, so this is the only startup signal that the bus
// is reachable.
func Ping(ctx context.Context, brokers []string) error {
	err := errors.New("no brokers configured")
	for _, b := range brokers {
		conn, dialErr := kafka.DialContext(ctx, "tcp", b)
		if dialErr == nil {
			conn.Close()
			return nil
		}
		err = fmt.Errorf("dial %s: %w", b, dialErr)
	}
	return err
}

// Fetch blocks for the next message of the group's assigned partitions.
func (c *Consumer) Fetch(ctx context.Context) (model.Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return model.Message{}, ctx.Err()
		}
		return model.Message{}, fmt.Errorf("kafka fetch %s: %w", c.topic, err)
	}
	return fromKafka(m), nil
}

// Commit commits the offset of msg.
func (c *Consumer) Commit(ctx context.Context, msg model.Message) error {
	km, ok := msg.Ref.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka commit: message %s was not fetched from kafka", msg.ID)
	}
	if err := c.reader.CommitMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka commit %s: %w", msg.ID, err)
	}
	return nil
}

func (c *Consumer) Close() error { return c.reader.Close() }

func fromKafka(m kafka.Message) model.Message {
	return model.Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		ID:        fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
		Time:      m.Time,
		Ref:       m,
	}
}

// Producer writes JSON payloads to a topic.
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a producer with hash partitioning on the message key.
func NewProducer(cfg Config) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}
	log.Printf("[kafka] producer on %s (brokers=%v)", cfg.Topic, cfg.Brokers)
	return &Producer{writer: writer, topic: cfg.Topic}
}

func (p *Producer) Name() string { return "kafka" }

// Publish writes rec to the output topic keyed by its token.
func (p *Producer) Publish(ctx context.Context, rec model.IndicatorRecord) error {
	return p.Send(ctx, []byte(rec.TokenAddress), rec.JSON())
}

// Send writes one raw message. Used by the trade replayer.
func (p *Producer) Send(ctx context.Context, key, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

func (p *Producer) Close() error { return p.writer.Close() }
