package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultTokenKey is used when an event carries no usable token_address.
const DefaultTokenKey = "unknown"

// ErrMalformedTrade marks payloads that cannot be turned into a TradeEvent.
// Such events are dropped by the ingestion loop.
var ErrMalformedTrade = errors.New("malformed trade event")

// TradeEvent is a single trade observation read from the input topic.
//
// Wire format (JSON object, extra fields ignored):
//
//	{"token_address": "...", "price_in_sol": 0.00123, "block_time": <any>}
type TradeEvent struct {
	TokenAddress string
	Price        decimal.Decimal
	BlockTime    Timestamp

	// KeyDefaulted is true when token_address was missing or unusable and
	// TokenAddress holds the default key instead.
	KeyDefaulted bool
}

// ParseTradeEvent decodes a trade payload. price_in_sol must be a non-negative
// JSON number; numeric strings are rejected. A missing, empty or non-string
// token_address falls back to defaultKey (DefaultTokenKey when empty).
func ParseTradeEvent(payload []byte, defaultKey string) (TradeEvent, error) {
	if defaultKey == "" {
		defaultKey = DefaultTokenKey
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformedTrade, err)
	}
	if fields == nil {
		return TradeEvent{}, fmt.Errorf("%w: payload is not an object", ErrMalformedTrade)
	}

	rawPrice, ok := fields["price_in_sol"]
	if !ok {
		return TradeEvent{}, fmt.Errorf("%w: missing price_in_sol", ErrMalformedTrade)
	}
	price, err := parsePrice(rawPrice)
	if err != nil {
		return TradeEvent{}, fmt.Errorf("%w: price_in_sol: %v", ErrMalformedTrade, err)
	}

	ev := TradeEvent{
		Price:     price,
		BlockTime: ParseTimestamp(fields["block_time"]),
	}

	var token string
	if raw, ok := fields["token_address"]; ok && json.Unmarshal(raw, &token) == nil {
		ev.TokenAddress = strings.TrimSpace(token)
	}
	if ev.TokenAddress == "" {
		ev.TokenAddress = defaultKey
		ev.KeyDefaulted = true
	}
	return ev, nil
}

func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decimal.Zero, errors.New("empty value")
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return decimal.Zero, fmt.Errorf("not a number: %s", raw)
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s", d)
	}
	if math.IsInf(d.InexactFloat64(), 0) {
		return decimal.Zero, fmt.Errorf("price %s out of range", raw)
	}
	return d, nil
}
