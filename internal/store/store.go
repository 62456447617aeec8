// Package store holds the per-instrument RSI state shared between the
// ingestion loop (writer) and the query server (readers).
//
// Locking layout:
//   - the key directory is split into shards by xxhash(key); a shard's
//     RWMutex is write-locked only to insert a brand-new key
//   - every key owns its PriceSeries behind its own mutex, so updates to
//     different keys never contend
//   - the latest record of a key sits behind an atomic pointer, so readers
//     never take a key lock and never see a half-built record
package store

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rsi-engine/internal/indicator"
	"rsi-engine/internal/model"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// DefaultShards is the directory shard count used when none is configured.
const DefaultShards = 64

// ErrNonFinitePrice is returned by Update for prices that do not fit a float64.
var ErrNonFinitePrice = errors.New("non-finite price")

type entry struct {
	mu     sync.Mutex // serializes writers of this key
	series *indicator.PriceSeries
	latest atomic.Pointer[model.IndicatorRecord]
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store maps instrument keys to their PriceSeries and latest IndicatorRecord.
// Entries are created on first observation and live for the process lifetime.
type Store struct {
	period int
	shards []shard
	keys   atomic.Int64
	now    func() time.Time
}

// New creates a store computing RSI over period with the given number of
// directory shards. Non-positive values fall back to defaults.
func New(period, shards int) *Store {
	if period < 1 {
		period = indicator.DefaultPeriod
	}
	if shards < 1 {
		shards = DefaultShards
	}
	s := &Store{
		period: period,
		shards: make([]shard, shards),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry, 16)
	}
	return s
}

// Period returns the RSI period used for new series.
func (s *Store) Period() int { return s.period }

// Len returns the number of distinct keys seen.
func (s *Store) Len() int { return int(s.keys.Load()) }

func (s *Store) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *Store) lookup(key string) *entry {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e := sh.entries[key]
	sh.mu.RUnlock()
	return e
}

func (s *Store) lookupOrCreate(key string) *entry {
	if e := s.lookup(key); e != nil {
		return e
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		return e
	}
	e := &entry{series: indicator.NewPriceSeries(s.period)}
	sh.entries[key] = e
	s.keys.Add(1)
	return e
}

// Update feeds price into key's series, publishes the resulting record as the
// latest for key, and returns it. Calls for the same key are serialized; the
// returned records carry strictly increasing Seq in call order. A price whose
// float value is not finite is rejected before the key is touched.
func (s *Store) Update(key string, price decimal.Decimal, ts model.Timestamp) (model.IndicatorRecord, error) {
	f := price.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return model.IndicatorRecord{}, fmt.Errorf("%w: %s", ErrNonFinitePrice, price)
	}
	e := s.lookupOrCreate(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.series.Observe(f)
	rec := &model.IndicatorRecord{
		TokenAddress: key,
		Price:        price,
		RSI:          r.Value,
		Ready:        r.Ready,
		Timestamp:    ts,
		Seq:          r.Count,
		ComputedAt:   s.now(),
	}
	e.latest.Store(rec)
	return *rec, nil
}

// Get returns the latest record for key.
func (s *Store) Get(key string) (model.IndicatorRecord, bool) {
	e := s.lookup(key)
	if e == nil {
		return model.IndicatorRecord{}, false
	}
	rec := e.latest.Load()
	if rec == nil {
		return model.IndicatorRecord{}, false
	}
	return *rec, true
}

// Peek returns the RSI the key's series would report if price were observed next,
// without changing any state. ok is false for unknown keys, non-finite prices
// or during warm-up.
func (s *Store) Peek(key string, price decimal.Decimal) (value float64, ok bool) {
	e := s.lookup(key)
	if e == nil {
		return 0, false
	}
	f := price.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.series.Peek(f)
}

// Snapshot is a point-in-time copy of every key's latest record. It shares
// nothing with live state and is safe to serialize without locks.
type Snapshot struct {
	Records map[string]model.IndicatorRecord
	TakenAt time.Time
}

// Keys returns the snapshot keys in sorted order.
func (sn Snapshot) Keys() []string {
	keys := make([]string, 0, len(sn.Records))
	for k := range sn.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the latest record of every key. Shards are visited one at a
// time under their read lock; concurrent updates are never blocked except by
// a brand-new key insertion in the shard currently being copied.
func (s *Store) Snapshot() Snapshot {
	out := Snapshot{
		Records: make(map[string]model.IndicatorRecord, s.Len()),
		TakenAt: s.now(),
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, e := range sh.entries {
			if rec := e.latest.Load(); rec != nil {
				out.Records[key] = *rec
			}
		}
		sh.mu.RUnlock()
	}
	return out
}
