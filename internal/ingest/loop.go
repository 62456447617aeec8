// Package ingest runs the consume → compute → publish loop: each trade event
// fetched from the bus is parsed, fed into the indicator store, and the
// resulting record is published to every configured sink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"rsi-engine/internal/logger"
	"rsi-engine/internal/metrics"
	"rsi-engine/internal/model"
	"rsi-engine/internal/store"

	"github.com/cenkalti/backoff/v4"
)

// ErrTransport is returned by Run when the input bus keeps failing and the
// loop cannot make progress.
var ErrTransport = errors.New("ingest: transport failure")

// LoopConfig tunes error handling of the loop. Zero values take defaults.
type LoopConfig struct {
	DefaultKey       string        // key for events without a usable token_address
	PublishAttempts  int           // attempts per sink per record (default 3)
	PublishTimeout   time.Duration // deadline of one attempt (default 2s)
	PublishBackoff   time.Duration // first retry delay, doubled per attempt (default 100ms)
	MaxFetchFailures int           // consecutive fetch errors before Run fails (default 10)
	FetchRetryDelay  time.Duration // pause after a failed fetch (default 500ms)
}

func (c *LoopConfig) applyDefaults() {
	if c.DefaultKey == "" {
		c.DefaultKey = model.DefaultTokenKey
	}
	if c.PublishAttempts < 1 {
		c.PublishAttempts = 3
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = 100 * time.Millisecond
	}
	if c.MaxFetchFailures < 1 {
		c.MaxFetchFailures = 10
	}
	if c.FetchRetryDelay <= 0 {
		c.FetchRetryDelay = 500 * time.Millisecond
	}
}

// Loop is the single consumer of a TradeSource. Events are handled strictly
// in fetch order, so per-key order is the bus's per-partition order.
type Loop struct {
	cfg   LoopConfig
	src   model.TradeSource
	store *store.Store
	pubs  []model.RecordPublisher
	prom  *metrics.Metrics
	log   *slog.Logger

	// Health, when set, is updated with bus connectivity and progress.
	Health *metrics.HealthStatus
}

// NewLoop wires a loop. A nil m or log is replaced by an unregistered metric
// set or a discarding logger.
func NewLoop(cfg LoopConfig, src model.TradeSource, st *store.Store, pubs []model.RecordPublisher, m *metrics.Metrics, log *slog.Logger) *Loop {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Loop{
		cfg:   cfg,
		src:   src,
		store: st,
		pubs:  pubs,
		prom:  m,
		log:   log.With("component", "ingest"),
	}
}

// Run fetches and handles events until ctx is cancelled, then returns nil.
// An event already fetched is handled, published and committed even if ctx
// is cancelled meanwhile. After MaxFetchFailures consecutive fetch errors Run
// returns an error wrapping ErrTransport.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("ingestion loop started",
		"period", l.store.Period(),
		"sinks", len(l.pubs),
		"publish_attempts", l.cfg.PublishAttempts,
	)

	failures := 0
	for {
		msg, err := l.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("ingestion loop stopped")
				return nil
			}
			failures++
			l.prom.FetchErrorsTotal.Inc()
			l.setConnected(false)
			l.log.Warn("fetch failed", "error", err, "consecutive", failures)
			if failures >= l.cfg.MaxFetchFailures {
				return fmt.Errorf("%w: %d consecutive fetch failures: %w", ErrTransport, failures, err)
			}
			select {
			case <-ctx.Done():
				l.log.Info("ingestion loop stopped")
				return nil
			case <-time.After(l.cfg.FetchRetryDelay):
			}
			continue
		}
		if failures > 0 {
			l.log.Info("fetch recovered", "after_failures", failures)
		}
		failures = 0
		l.setConnected(true)

		// The in-flight event is never interrupted by shutdown.
		work := context.WithoutCancel(ctx)
		l.Handle(work, msg)
		if err := l.src.Commit(work, msg); err != nil {
			l.log.Warn("commit failed, event may be redelivered", "id", msg.ID, "error", err)
		}
	}
}

// Handle processes one message. Malformed payloads return an error wrapping
// model.ErrMalformedTrade and leave the store untouched. Publish failures are
// logged per sink and joined into the returned error; the record is still
// stored and returned.
func (l *Loop) Handle(ctx context.Context, msg model.Message) (model.IndicatorRecord, error) {
	l.prom.EventsTotal.Inc()
	if l.Health != nil {
		l.Health.SetLastEventTime(time.Now())
	}

	ev, err := model.ParseTradeEvent(msg.Value, l.cfg.DefaultKey)
	if err != nil {
		l.prom.MalformedTotal.Inc()
		l.log.Warn("dropping malformed trade event",
			"id", msg.ID,
			"topic", msg.Topic,
			"error", err,
			"payload", truncate(msg.Value, 256),
		)
		return model.IndicatorRecord{}, err
	}
	if ev.KeyDefaulted {
		l.prom.DefaultKeyTotal.Inc()
		l.log.Debug("trade without token_address, using default key", "id", msg.ID, "key", ev.TokenAddress)
	}

	if prev, ok := l.store.Get(ev.TokenAddress); ok {
		pt, nt := prev.Timestamp.Time, ev.BlockTime.Time
		if !pt.IsZero() && !nt.IsZero() && nt.Before(pt) {
			l.prom.OutOfOrderTotal.Inc()
			l.log.Debug("out-of-order event applied in arrival order",
				"key", ev.TokenAddress, "block_time", nt, "previous", pt)
		}
	}

	start := time.Now()
	rec, err := l.store.Update(ev.TokenAddress, ev.Price, ev.BlockTime)
	if err != nil {
		l.prom.MalformedTotal.Inc()
		l.log.Warn("dropping trade", "key", ev.TokenAddress, "error", err)
		return model.IndicatorRecord{}, fmt.Errorf("%w: %v", model.ErrMalformedTrade, err)
	}
	l.prom.UpdateDur.Observe(time.Since(start).Seconds())
	l.prom.RecordsTotal.WithLabelValues(strconv.FormatBool(rec.Ready)).Inc()
	l.prom.TrackedKeys.Set(float64(l.store.Len()))
	if t := ev.BlockTime.Time; !t.IsZero() {
		l.prom.EventLagSecond.Observe(rec.ComputedAt.Sub(t).Seconds())
	}

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(rec.TokenAddress, rec.ComputedAt))

	var errs []error
	for _, pub := range l.pubs {
		if err := l.publish(ctx, pub, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pub.Name(), err))
		}
	}
	return rec, errors.Join(errs...)
}

// publish delivers rec to one sink with bounded exponential backoff.
// Sink-unavailable errors are not retried.
func (l *Loop) publish(ctx context.Context, pub model.RecordPublisher, rec model.IndicatorRecord) error {
	sink := pub.Name()
	start := time.Now()
	attempt := 0

	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, l.cfg.PublishTimeout)
		defer cancel()

		err := pub.Publish(actx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrSinkUnavailable) {
			return backoff.Permanent(err)
		}
		if attempt < l.cfg.PublishAttempts {
			l.prom.PublishTotal.WithLabelValues(sink, "retry").Inc()
			l.log.Debug("publish attempt failed, retrying",
				append(logger.LogWithTrace(ctx), "sink", sink, "attempt", attempt, "error", err)...)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.PublishBackoff
	policy.MaxInterval = 10 * l.cfg.PublishBackoff
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.cfg.PublishAttempts-1)), ctx)

	err := backoff.Retry(op, b)
	l.prom.PublishDur.WithLabelValues(sink).Observe(time.Since(start).Seconds())
	if err != nil {
		l.prom.PublishTotal.WithLabelValues(sink, "dropped").Inc()
		l.log.Error("publish failed, record dropped",
			append(logger.LogWithTrace(ctx),
				"sink", sink,
				"key", rec.TokenAddress,
				"seq", rec.Seq,
				"attempts", attempt,
				"error", err,
			)...)
		return err
	}

	l.prom.PublishTotal.WithLabelValues(sink, "ok").Inc()
	if l.Health != nil {
		l.Health.SetLastPublishOK(time.Now())
	}
	return nil
}

func (l *Loop) setConnected(v bool) {
	if l.Health != nil {
		l.Health.SetBusConnected(v)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
