package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"rsi-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// SourceConfig configures the consumer-group reader of the input stream.
type SourceConfig struct {
	Stream   string        // input stream, e.g. "trade-data"
	Group    string        // consumer group, e.g. "rsi-group"
	Consumer string        // unique consumer name, e.g. hostname
	Count    int64         // max entries per XREADGROUP (default 100)
	Block    time.Duration // XREADGROUP block (default 2s)
}

// streamClient is the part of the Redis client the source uses.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
}

// Source reads trade events from a Redis stream through a consumer group.
// Entries left pending by a previous run of the same consumer are delivered
// first; an entry is acknowledged only when Commit is called for it.
type Source struct {
	client  streamClient
	cfg     SourceConfig
	buf     []goredis.XMessage
	backlog bool // still draining this consumer's pending entries
}

// NewSource ensures the consumer group exists and returns a Source. A fresh
// group starts at the beginning of the stream so no retained trade is skipped.
func NewSource(ctx context.Context, client *goredis.Client, cfg SourceConfig) (*Source, error) {
	return newSource(ctx, client, cfg)
}

func newSource(ctx context.Context, client streamClient, cfg SourceConfig) (*Source, error) {
	if cfg.Group == "" {
		cfg.Group = "rsi-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("xgroup create %s: %w", cfg.Stream, err)
	}

	log.Printf("[redis-source] consuming %s (group=%s, consumer=%s)", cfg.Stream, cfg.Group, cfg.Consumer)
	return &Source{client: client, cfg: cfg, backlog: true}, nil
}

// Fetch blocks until an entry is available or ctx is done.
func (s *Source) Fetch(ctx context.Context) (model.Message, error) {
	for len(s.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return model.Message{}, err
		}

		start := ">"
		if s.backlog {
			start = "0"
		}
		res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, start},
			Count:    s.cfg.Count,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return model.Message{}, ctx.Err()
			}
			return model.Message{}, fmt.Errorf("xreadgroup %s: %w", s.cfg.Stream, err)
		}

		var n int
		for _, st := range res {
			s.buf = append(s.buf, st.Messages...)
			n += len(st.Messages)
		}
		if s.backlog && n == 0 {
			s.backlog = false
		} else if s.backlog {
			log.Printf("[redis-source] redelivering %d pending entries", n)
		}
	}

	msg := s.buf[0]
	s.buf = s.buf[1:]
	return toMessage(s.cfg.Stream, msg), nil
}

// Commit acknowledges msg in the consumer group.
func (s *Source) Commit(ctx context.Context, msg model.Message) error {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", s.cfg.Stream, msg.ID, err)
	}
	return nil
}

// Close drops buffered, unacknowledged entries; they stay pending in Redis
// and are redelivered on the next start. The client is owned by the caller.
func (s *Source) Close() error {
	s.buf = nil
	return nil
}

// toMessage converts a stream entry. Entries without a string "data" field
// yield an empty Value, which the ingestion loop rejects as malformed.
func toMessage(stream string, m goredis.XMessage) model.Message {
	var value []byte
	if data, ok := m.Values[streamField].(string); ok {
		value = []byte(data)
	}
	return model.Message{
		Value: value,
		Topic: stream,
		ID:    m.ID,
		Time:  entryTime(m.ID),
	}
}

// entryTime decodes the millisecond part of a stream entry ID.
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
