package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IndicatorRecord is one computed RSI value for an instrument. Records are
// immutable once built; each new observation produces a new record that
// replaces the previous one as the latest for its key.
type IndicatorRecord struct {
	TokenAddress string
	Price        decimal.Decimal
	RSI          float64 // meaningful only when Ready
	Ready        bool    // false during warm-up ("undefined" RSI)
	Timestamp    Timestamp

	Seq        uint64    // 1-based per-key observation number
	ComputedAt time.Time // wall clock when the record was built
}

// RSIValue returns the RSI and whether it is defined.
func (r IndicatorRecord) RSIValue() (float64, bool) {
	return r.RSI, r.Ready
}

type recordWire struct {
	TokenAddress string      `json:"token_address"`
	Price        json.Number `json:"price_in_sol"`
	RSI          *float64    `json:"rsi"`
	Timestamp    Timestamp   `json:"timestamp"`
}

// MarshalJSON renders the output-topic payload:
//
//	{"token_address": "...", "price_in_sol": 1.23, "rsi": 70.46 | null, "timestamp": <block_time>}
func (r IndicatorRecord) MarshalJSON() ([]byte, error) {
	w := recordWire{
		TokenAddress: r.TokenAddress,
		Price:        json.Number(r.Price.String()),
		Timestamp:    r.Timestamp,
	}
	if r.Ready {
		v := r.RSI
		w.RSI = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses an output-topic payload. Seq and ComputedAt are not on
// the wire and stay zero.
func (r *IndicatorRecord) UnmarshalJSON(b []byte) error {
	var w recordWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	price, err := decimal.NewFromString(w.Price.String())
	if err != nil {
		return fmt.Errorf("price_in_sol: %w", err)
	}
	*r = IndicatorRecord{
		TokenAddress: w.TokenAddress,
		Price:        price,
		Timestamp:    w.Timestamp,
	}
	if w.RSI != nil {
		r.RSI, r.Ready = *w.RSI, true
	}
	return nil
}

// JSON returns the JSON-encoded record.
func (r IndicatorRecord) JSON() []byte {
	b, _ := r.MarshalJSON()
	return b
}
