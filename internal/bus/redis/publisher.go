package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"rsi-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultStreamMaxLen = 100000
	defaultLatestTTL    = 24 * time.Hour
	flushTimeout        = 5 * time.Second
)

// PublisherConfig configures the Redis record sink.
type PublisherConfig struct {
	Stream    string        // output stream; empty disables XADD (mirror only)
	MaxLen    int64         // approximate stream trim length
	LatestTTL time.Duration // TTL of rsi:latest:<token>
	Mirror    bool          // write rsi:latest:<token> and publish pub:rsi:<token>
	MaxBuffer int           // records held while the breaker is open; 0 rejects instead
}

// Publisher writes each IndicatorRecord in one pipeline: XADD to the output
// stream, SET of the token's latest key, PUBLISH on the token's channel. All
// writes go through a circuit breaker. While it is open, records are buffered
// up to MaxBuffer (oldest dropped first); the next admitted Publish writes them
// ahead of its own record in the same pipeline, so egress order is kept.
type Publisher struct {
	client *goredis.Client
	cfg    PublisherConfig
	cb     *CircuitBreaker
	write  func(ctx context.Context, recs []model.IndicatorRecord) error

	mu      sync.Mutex // serializes writes; guards pending
	pending []model.IndicatorRecord

	OnBuffer func()          // a record was buffered
	OnDrop   func()          // a buffered record was discarded
	OnFlush  func(count int) // buffered records were written
}

// NewPublisher wraps client with cb.
func NewPublisher(client *goredis.Client, cb *CircuitBreaker, cfg PublisherConfig) *Publisher {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultStreamMaxLen
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	p := &Publisher{client: client, cfg: cfg, cb: cb}
	p.write = p.pipeline
	return p
}

func (p *Publisher) Name() string { return "redis" }

// Publish writes rec. It returns nil when rec was buffered behind an open
// breaker, and ErrCircuitOpen when buffering is disabled.
func (p *Publisher) Publish(ctx context.Context, rec model.IndicatorRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.cb.Execute(func() error {
		n := len(p.pending)
		batch := append(p.pending[:n:n], rec)
		if err := p.write(ctx, batch); err != nil {
			return err
		}
		p.flushed(n)
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) && p.cfg.MaxBuffer > 0 {
		p.buffer(rec)
		return nil
	}
	return err
}

func (p *Publisher) pipeline(ctx context.Context, recs []model.IndicatorRecord) error {
	pipe := p.client.Pipeline()
	for i := range recs {
		rec := &recs[i]
		data := string(rec.JSON())
		if p.cfg.Stream != "" {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: p.cfg.Stream,
				MaxLen: p.cfg.MaxLen,
				Approx: true,
				Values: map[string]interface{}{streamField: data},
			})
		}
		if p.cfg.Mirror {
			pipe.Set(ctx, LatestKey(rec.TokenAddress), data, p.cfg.LatestTTL)
			pipe.Publish(ctx, PubSubChannel(rec.TokenAddress), data)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// buffer must be called with p.mu held.
func (p *Publisher) buffer(rec model.IndicatorRecord) {
	if len(p.pending) >= p.cfg.MaxBuffer {
		p.pending = p.pending[1:]
		if p.OnDrop != nil {
			p.OnDrop()
		}
	}
	p.pending = append(p.pending, rec)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flushed drops the first n pending records after they were written. Must be
// called with p.mu held.
func (p *Publisher) flushed(n int) {
	if n == 0 {
		return
	}
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	log.Printf("[redis-publisher] flushed %d buffered records", n)
	if p.OnFlush != nil {
		p.OnFlush(n)
	}
}

// Buffered returns the number of records waiting for the breaker to close.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}


// Latest reads the mirrored latest record of token. ok is false when the key
// does not exist.
func (p *Publisher) Latest(ctx context.Context, token string) (rec model.IndicatorRecord, ok bool, err error) {
	data, err := p.client.Get(ctx, LatestKey(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := rec.UnmarshalJSON(data); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// Close writes what is still buffered through the breaker. Records that cannot
// be written are reported in the error and discarded. The client is owned by
// the caller.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.pending)
	if n == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := p.cb.Execute(func() error { return p.write(ctx, p.pending) })
	if err != nil {
		p.pending = nil
		return fmt.Errorf("flush %d buffered records: %w", n, err)
	}
	p.flushed(n)
	return nil
}
