package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rsi-engine/internal/indicator"
	"rsi-engine/internal/metrics"
	"rsi-engine/internal/model"
	"rsi-engine/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ────────────────────────────────────────────────────────────
// Fakes
// ────────────────────────────────────────────────────────────

type fakeSource struct {
	mu        sync.Mutex
	queue     []model.Message
	errs      []error // returned by Fetch before the queue is served
	committed []string
	drained   chan struct{} // closed once the queue is empty and every message committed
	total     int
}

func newFakeSource(payloads ...string) *fakeSource {
	s := &fakeSource{drained: make(chan struct{}), total: len(payloads)}
	for i, p := range payloads {
		s.queue = append(s.queue, model.Message{Value: []byte(p), ID: fmt.Sprintf("m%d", i), Topic: "trade-data"})
	}
	return s
}

func (s *fakeSource) Fetch(ctx context.Context) (model.Message, error) {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return model.Message{}, err
	}
	if len(s.queue) > 0 {
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return model.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.ID)
	if len(s.committed) == s.total {
		close(s.drained)
	}
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) commits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.committed...)
}

type fakePublisher struct {
	mu      sync.Mutex
	failN   int   // fail this many calls first
	failErr error // error used for failures
	calls   int
	got     []model.IndicatorRecord
	publish func(ctx context.Context) error // overrides failN when set
}

func (p *fakePublisher) Name() string { return "fake" }

func (p *fakePublisher) Publish(ctx context.Context, rec model.IndicatorRecord) error {
	p.mu.Lock()
	p.calls++
	call := p.calls
	fn := p.publish
	p.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	} else if call <= p.failN {
		return p.failErr
	}

	p.mu.Lock()
	p.got = append(p.got, rec)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastConfig() LoopConfig {
	return LoopConfig{
		PublishAttempts:  3,
		PublishTimeout:   200 * time.Millisecond,
		PublishBackoff:   time.Millisecond,
		MaxFetchFailures: 3,
		FetchRetryDelay:  time.Millisecond,
	}
}

func runUntilDrained(t *testing.T, l *Loop, src *fakeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-src.drained:
	case err := <-done:
		t.Fatalf("loop exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the source to drain")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after shutdown, want nil", err)
	}
}

// ────────────────────────────────────────────────────────────
// Run
// ────────────────────────────────────────────────────────────

func TestLoop_MalformedEventIsDroppedAndLoopContinues(t *testing.T) {
	src := newFakeSource(
		`{"token_address":"A","price_in_sol":"not-a-number","block_time":1}`,
		`{"token_address":"A","price_in_sol":10,"block_time":2}`,
	)
	st := store.New(14, 4)
	pub := &fakePublisher{}
	m := metrics.NewMetrics(nil)
	l := NewLoop(fastConfig(), src, st, []model.RecordPublisher{pub}, m, nil)

	runUntilDrained(t, l, src)

	if got := src.commits(); len(got) != 2 {
		t.Fatalf("both messages should be committed, got %v", got)
	}
	rec, ok := st.Get("A")
	if !ok || rec.Seq != 1 || rec.Ready {
		t.Fatalf("only the valid event should be stored: %+v ok=%v", rec, ok)
	}
	if len(pub.got) != 1 {
		t.Fatalf("expected 1 published record, got %d", len(pub.got))
	}
	if v := testutil.ToFloat64(m.MalformedTotal); v != 1 {
		t.Errorf("malformed counter: %v", v)
	}
	if v := testutil.ToFloat64(m.EventsTotal); v != 2 {
		t.Errorf("events counter: %v", v)
	}
}

func TestLoop_PerKeyOrderMatchesReference(t *testing.T) {
	prices := []float64{44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28, 46.00}
	var payloads []string
	for i, p := range prices {
		payloads = append(payloads,
			fmt.Sprintf(`{"token_address":"A","price_in_sol":%v,"block_time":%d}`, p, i),
			fmt.Sprintf(`{"token_address":"B","price_in_sol":%v,"block_time":%d}`, 100-p, i),
		)
	}
	src := newFakeSource(payloads...)
	st := store.New(14, 4)
	pub := &fakePublisher{}
	l := NewLoop(fastConfig(), src, st, []model.RecordPublisher{pub}, nil, nil)

	runUntilDrained(t, l, src)

	ref := indicator.NewPriceSeries(14)
	var want float64
	for _, p := range prices {
		want = ref.Observe(p).Value
	}
	rec, _ := st.Get("A")
	if rec.Seq != uint64(len(prices)) || rec.RSI != want {
		t.Fatalf("A: seq=%d rsi=%v, want seq=%d rsi=%v", rec.Seq, rec.RSI, len(prices), want)
	}

	var lastA uint64
	for _, r := range pub.got {
		if r.TokenAddress != "A" {
			continue
		}
		if r.Seq != lastA+1 {
			t.Fatalf("A published out of order: %d after %d", r.Seq, lastA)
		}
		lastA = r.Seq
	}
}

func TestLoop_FatalAfterConsecutiveFetchFailures(t *testing.T) {
	src := newFakeSource()
	boom := errors.New("broker unreachable")
	src.errs = []error{boom, boom, boom}
	m := metrics.NewMetrics(nil)
	l := NewLoop(fastConfig(), src, store.New(14, 1), nil, m, nil)

	err := l.Run(context.Background())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrTransport wrapping the cause, got %v", err)
	}
	if v := testutil.ToFloat64(m.FetchErrorsTotal); v != 3 {
		t.Errorf("fetch errors counter: %v", v)
	}
}

func TestLoop_FetchFailuresResetOnSuccess(t *testing.T) {
	src := newFakeSource(`{"token_address":"A","price_in_sol":1}`)
	boom := errors.New("rebalance")
	src.errs = []error{boom, boom}
	health := metrics.NewHealthStatus("kafka", 14)
	l := NewLoop(fastConfig(), src, store.New(14, 1), nil, nil, nil)
	l.Health = health

	runUntilDrained(t, l, src)

	if !health.IsBusConnected() {
		t.Error("bus should be reported connected after a successful fetch")
	}
}

func TestLoop_ShutdownFinishesInFlightEvent(t *testing.T) {
	src := newFakeSource(`{"token_address":"A","price_in_sol":5}`)
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErrAtRelease error
	pub := &fakePublisher{publish: func(ctx context.Context) error {
		close(started)
		<-release
		ctxErrAtRelease = ctx.Err()
		return nil
	}}
	cfg := fastConfig()
	cfg.PublishTimeout = 5 * time.Second
	l := NewLoop(cfg, src, store.New(14, 1), []model.RecordPublisher{pub}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while an event was still being published")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the in-flight event finished")
	}

	if ctxErrAtRelease != nil {
		t.Errorf("publish context was cancelled by shutdown: %v", ctxErrAtRelease)
	}
	if got := src.commits(); len(got) != 1 {
		t.Errorf("in-flight event should be committed, got %v", got)
	}
}

// ────────────────────────────────────────────────────────────
// Handle / publish
// ────────────────────────────────────────────────────────────

func msg(payload string) model.Message {
	return model.Message{Value: []byte(payload), ID: "t"}
}

func TestHandle_RetriesThenSucceeds(t *testing.T) {
	pub := &fakePublisher{failN: 2, failErr: errors.New("timeout")}
	m := metrics.NewMetrics(nil)
	l := NewLoop(fastConfig(), nil, store.New(14, 1), []model.RecordPublisher{pub}, m, nil)

	if _, err := l.Handle(context.Background(), msg(`{"token_address":"A","price_in_sol":1}`)); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if pub.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", pub.callCount())
	}
	if v := testutil.ToFloat64(m.PublishTotal.WithLabelValues("fake", "retry")); v != 2 {
		t.Errorf("retry counter: %v", v)
	}
	if v := testutil.ToFloat64(m.PublishTotal.WithLabelValues("fake", "ok")); v != 1 {
		t.Errorf("ok counter: %v", v)
	}
}

func TestHandle_RetriesAreBounded(t *testing.T) {
	boom := errors.New("leader not available")
	pub := &fakePublisher{failN: 100, failErr: boom}
	m := metrics.NewMetrics(nil)
	st := store.New(14, 1)
	l := NewLoop(fastConfig(), nil, st, []model.RecordPublisher{pub}, m, nil)

	rec, err := l.Handle(context.Background(), msg(`{"token_address":"A","price_in_sol":1}`))
	if !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if pub.callCount() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", pub.callCount())
	}
	if got, _ := st.Get("A"); got.Seq != rec.Seq || rec.Seq != 1 {
		t.Fatal("the record must be stored even when publishing fails")
	}
	if v := testutil.ToFloat64(m.PublishTotal.WithLabelValues("fake", "dropped")); v != 1 {
		t.Errorf("dropped counter: %v", v)
	}
}

func TestHandle_SinkUnavailableIsNotRetried(t *testing.T) {
	pub := &fakePublisher{failN: 100, failErr: fmt.Errorf("breaker: %w", model.ErrSinkUnavailable)}
	l := NewLoop(fastConfig(), nil, store.New(14, 1), []model.RecordPublisher{pub}, nil, nil)

	_, err := l.Handle(context.Background(), msg(`{"token_address":"A","price_in_sol":1}`))
	if !errors.Is(err, model.ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable, got %v", err)
	}
	if pub.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", pub.callCount())
	}
}

func TestHandle_PerAttemptTimeout(t *testing.T) {
	pub := &fakePublisher{publish: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	cfg := fastConfig()
	cfg.PublishAttempts = 2
	cfg.PublishTimeout = 20 * time.Millisecond
	l := NewLoop(cfg, nil, store.New(14, 1), []model.RecordPublisher{pub}, nil, nil)

	start := time.Now()
	_, err := l.Handle(context.Background(), msg(`{"token_address":"A","price_in_sol":1}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if pub.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", pub.callCount())
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("attempt timeout not honoured, took %v", el)
	}
}

func TestHandle_OneSinkFailingDoesNotBlockOthers(t *testing.T) {
	bad := &fakePublisher{failN: 100, failErr: errors.New("down")}
	good := &fakePublisher{}
	l := NewLoop(fastConfig(), nil, store.New(14, 1), []model.RecordPublisher{bad, good}, nil, nil)

	if _, err := l.Handle(context.Background(), msg(`{"token_address":"A","price_in_sol":1}`)); err == nil {
		t.Fatal("expected the failing sink's error")
	}
	if len(good.got) != 1 {
		t.Fatal("healthy sink should still receive the record")
	}
}

func TestHandle_DefaultKeyAndOutOfOrder(t *testing.T) {
	m := metrics.NewMetrics(nil)
	cfg := fastConfig()
	cfg.DefaultKey = "orphans"
	st := store.New(14, 1)
	l := NewLoop(cfg, nil, st, nil, m, nil)

	rec, err := l.Handle(context.Background(), msg(`{"price_in_sol":1,"block_time":1709296200}`))
	if err != nil || rec.TokenAddress != "orphans" {
		t.Fatalf("expected default key, got %q err=%v", rec.TokenAddress, err)
	}
	if v := testutil.ToFloat64(m.DefaultKeyTotal); v != 1 {
		t.Errorf("default key counter: %v", v)
	}

	// Earlier block_time than the stored record: applied anyway, counted.
	rec, err = l.Handle(context.Background(), msg(`{"price_in_sol":2,"block_time":1709296100}`))
	if err != nil || rec.Seq != 2 {
		t.Fatalf("out-of-order event must still be applied: seq=%d err=%v", rec.Seq, err)
	}
	if v := testutil.ToFloat64(m.OutOfOrderTotal); v != 1 {
		t.Errorf("out-of-order counter: %v", v)
	}
}

func TestHandle_OverflowingPriceIsDropped(t *testing.T) {
	st := store.New(2, 1)
	m := metrics.NewMetrics(nil)
	l := NewLoop(fastConfig(), nil, st, nil, m, nil)

	for _, p := range []string{"1", "2", "3"} {
		if _, err := l.Handle(context.Background(), msg(`{"token_address":"GOOD","price_in_sol":`+p+`}`)); err != nil {
			t.Fatalf("GOOD: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		_, err := l.Handle(context.Background(), msg(`{"token_address":"BAD","price_in_sol":1e400}`))
		if !errors.Is(err, model.ErrMalformedTrade) {
			t.Fatalf("expected ErrMalformedTrade, got %v", err)
		}
	}
	if _, ok := st.Get("BAD"); ok {
		t.Fatal("overflowing price must not create a key")
	}
	if v := testutil.ToFloat64(m.MalformedTotal); v != 5 {
		t.Errorf("malformed counter: %v", v)
	}

	snap := st.Snapshot()
	b, err := json.Marshal(snap.Records)
	if err != nil {
		t.Fatalf("snapshot must stay encodable: %v", err)
	}
	var back map[string]model.IndicatorRecord
	if err := json.Unmarshal(b, &back); err != nil || len(back) != 1 {
		t.Fatalf("decoded snapshot: %v keys=%d", err, len(back))
	}
}

func TestHandle_MalformedLeavesStoreUntouched(t *testing.T) {
	st := store.New(14, 1)
	l := NewLoop(fastConfig(), nil, st, nil, nil, nil)

	_, err := l.Handle(context.Background(), msg(`{"token_address":"A","price_in_sol":-1}`))
	if !errors.Is(err, model.ErrMalformedTrade) {
		t.Fatalf("expected ErrMalformedTrade, got %v", err)
	}
	if st.Len() != 0 {
		t.Fatal("malformed event must not create a key")
	}
}
