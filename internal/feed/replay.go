// Package feed replays a CSV file of trades onto the input topic, one JSON
// object per row, for local runs and demos of the RSI engine.
package feed

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"rsi-engine/internal/logger"

	"github.com/shopspring/decimal"
)

// Sink accepts raw payloads. Satisfied by the Kafka producer and the Redis
// stream appender.
type Sink interface {
	Send(ctx context.Context, key, value []byte) error
	Close() error
}

// Options controls how rows are encoded and paced.
type Options struct {
	KeyColumn     string          // column used as message key (default token_address)
	StringColumns map[string]bool // columns never converted to numbers
	Throttle      time.Duration   // pause between messages
	Limit         int             // stop after this many rows; 0 means all
}

// Stats summarizes a replay.
type Stats struct {
	Rows   int
	Sent   int
	Failed int
}

// Replayer streams CSV rows to a Sink.
type Replayer struct {
	sink Sink
	opts Options
	log  *slog.Logger
}

func NewReplayer(sink Sink, opts Options, log *slog.Logger) *Replayer {
	if opts.KeyColumn == "" {
		opts.KeyColumn = "token_address"
	}
	if opts.StringColumns == nil {
		opts.StringColumns = map[string]bool{opts.KeyColumn: true}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Replayer{sink: sink, opts: opts, log: log.With("component", "feed")}
}

// Replay reads the header row, then sends every following row. A failed send
// is logged and counted; the replay goes on. It stops early when ctx is done.
func (r *Replayer) Replay(ctx context.Context, in io.Reader) (Stats, error) {
	var st Stats
	cr := csv.NewReader(in)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return st, fmt.Errorf("read csv header: %w", err)
	}
	header = append([]string(nil), header...)
	keyIdx := indexOf(header, r.opts.KeyColumn)

	for r.opts.Limit == 0 || st.Rows < r.opts.Limit {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("read csv row %d: %w", st.Rows+1, err)
		}
		st.Rows++

		payload, err := RowToJSON(header, row, r.opts.StringColumns)
		if err != nil {
			st.Failed++
			r.log.Warn("skipping row", "row", st.Rows, "error", err)
			continue
		}
		var key []byte
		if keyIdx >= 0 {
			key = []byte(row[keyIdx])
		}

		if err := r.sink.Send(ctx, key, payload); err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			st.Failed++
			r.log.Error("delivery failed", "row", st.Rows, "error", err)
		} else {
			st.Sent++
			r.log.Debug("delivered", "row", st.Rows, "key", string(key))
		}

		if r.opts.Throttle > 0 {
			select {
			case <-ctx.Done():
				return st, ctx.Err()
			case <-time.After(r.opts.Throttle):
			}
		}
	}
	return st, nil
}

// RowToJSON encodes one CSV row as a JSON object keyed by header. Values that
// parse as decimals become JSON numbers unless their column is listed in
// stringCols; empty values become null.
func RowToJSON(header, row []string, stringCols map[string]bool) ([]byte, error) {
	if len(row) != len(header) {
		return nil, fmt.Errorf("row has %d fields, header has %d", len(row), len(header))
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range header {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(col)
		buf.Write(name)
		buf.WriteByte(':')

		v := strings.TrimSpace(row[i])
		switch {
		case v == "":
			buf.WriteString("null")
		case !stringCols[col] && isNumber(v):
			d, _ := decimal.NewFromString(v)
			buf.WriteString(d.String())
		default:
			s, _ := json.Marshal(v)
			buf.Write(s)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func isNumber(s string) bool {
	_, err := decimal.NewFromString(s)
	return err == nil
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}
