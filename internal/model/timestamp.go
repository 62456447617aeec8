package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Timestamp carries the bus-native block_time verbatim so it can be echoed on
// the output topic unchanged, plus a best-effort decoded time.
// Time is zero when the raw value could not be interpreted.
type Timestamp struct {
	Raw  json.RawMessage
	Time time.Time
}

// ParseTimestamp interprets raw as unix seconds/millis/micros/nanos (number or
// numeric string) or as an RFC3339-like string. Unknown shapes keep Raw only.
func ParseTimestamp(raw json.RawMessage) Timestamp {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Timestamp{}
	}
	ts := Timestamp{Raw: append(json.RawMessage(nil), raw...)}

	var s string
	if raw[0] == '"' {
		if json.Unmarshal(raw, &s) != nil {
			return ts
		}
	} else {
		s = string(raw)
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		ts.Time = fromUnix(f)
		return ts
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t.UTC()
			return ts
		}
	}
	return ts
}

// fromUnix picks the unit by magnitude.
func fromUnix(v float64) time.Time {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return time.Time{}
	}
	switch {
	case v >= 1e17:
		return time.Unix(0, int64(v)).UTC()
	case v >= 1e14:
		return time.UnixMicro(int64(v)).UTC()
	case v >= 1e11:
		return time.UnixMilli(int64(v)).UTC()
	default:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
}

// IsZero reports whether no block_time was supplied.
func (t Timestamp) IsZero() bool { return len(t.Raw) == 0 }

// MarshalJSON echoes the original value, or null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if len(t.Raw) == 0 {
		return []byte("null"), nil
	}
	return t.Raw, nil
}

// UnmarshalJSON accepts any JSON value.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	*t = ParseTimestamp(b)
	return nil
}
