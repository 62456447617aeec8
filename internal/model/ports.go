package model

import (
	"context"
	"errors"
	"time"
)

// ErrSinkUnavailable marks publish errors that retrying cannot fix right now,
// such as an open circuit breaker. Publishers wrap it; callers test errors.Is.
var ErrSinkUnavailable = errors.New("sink unavailable")

// ── Transport Port Interfaces ──
// These interfaces decouple the ingestion loop from the concrete bus
// (Kafka, Redis Streams). Each transport satisfies one or both.

// Message is one raw payload fetched from the input topic.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string // topic or stream name
	Partition int
	Offset    int64
	ID        string    // transport-specific id (e.g. Redis stream entry id)
	Time      time.Time // broker timestamp, zero if unknown

	// Ref is an opaque transport handle needed by Commit.
	Ref any
}

// TradeSource delivers trade payloads at least once.
type TradeSource interface {
	// Fetch blocks until the next message is available or ctx is done.
	Fetch(ctx context.Context) (Message, error)

	// Commit acknowledges that msg has been fully handled.
	Commit(ctx context.Context, msg Message) error

	// Close releases underlying resources.
	Close() error
}

// RecordPublisher delivers computed indicator records downstream.
type RecordPublisher interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Publish sends one record. Implementations must honor ctx deadlines.
	Publish(ctx context.Context, rec IndicatorRecord) error

	// Close releases underlying resources.
	Close() error
}
