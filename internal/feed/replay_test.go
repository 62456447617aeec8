package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"rsi-engine/internal/model"
)

type memSink struct {
	keys, values []string
	failOn       int // 1-based send that fails; 0 never
	sends        int
}

func (s *memSink) Send(_ context.Context, key, value []byte) error {
	s.sends++
	if s.sends == s.failOn {
		return errors.New("broker said no")
	}
	s.keys = append(s.keys, string(key))
	s.values = append(s.values, string(value))
	return nil
}

func (s *memSink) Close() error { return nil }

const trades = `token_address,price_in_sol,block_time,signature
So1aNa,0.000123,1709296200,5xYz
123456,46.28,1709296201,
So1aNa,,1709296202,abc
`

func TestRowToJSON(t *testing.T) {
	got, err := RowToJSON(
		[]string{"token_address", "price_in_sol", "block_time", "note"},
		[]string{"123456", "1.5e-7", "1709296200", " hi "},
		map[string]bool{"token_address": true},
	)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"token_address":"123456","price_in_sol":0.00000015,"block_time":1709296200,"note":"hi"}`
	if string(got) != want {
		t.Fatalf("\n got  %s\n want %s", got, want)
	}

	if _, err := RowToJSON([]string{"a", "b"}, []string{"1"}, nil); err == nil {
		t.Fatal("expected error on field count mismatch")
	}
}

func TestReplayer_SendsEveryRowKeyedByToken(t *testing.T) {
	sink := &memSink{}
	r := NewReplayer(sink, Options{}, nil)

	st, err := r.Replay(context.Background(), strings.NewReader(trades))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st.Rows != 3 || st.Sent != 3 || st.Failed != 0 {
		t.Fatalf("stats %+v", st)
	}
	if strings.Join(sink.keys, ",") != "So1aNa,123456,So1aNa" {
		t.Fatalf("keys %v", sink.keys)
	}

	// The engine must accept what the replayer produces.
	ev, err := model.ParseTradeEvent([]byte(sink.values[1]), "")
	if err != nil {
		t.Fatalf("engine rejected replayed row: %v", err)
	}
	if ev.TokenAddress != "123456" || ev.Price.String() != "46.28" || string(ev.BlockTime.Raw) != "1709296201" {
		t.Fatalf("unexpected event %+v", ev)
	}

	// Empty price becomes null, which the engine drops as malformed.
	var row map[string]any
	json.Unmarshal([]byte(sink.values[2]), &row)
	if v, ok := row["price_in_sol"]; !ok || v != nil {
		t.Fatalf("empty price should be null, got %v", row)
	}
}

func TestReplayer_FailedSendIsCountedAndSkipped(t *testing.T) {
	sink := &memSink{failOn: 2}
	st, err := NewReplayer(sink, Options{}, nil).Replay(context.Background(), strings.NewReader(trades))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st.Sent != 2 || st.Failed != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestReplayer_Limit(t *testing.T) {
	sink := &memSink{}
	st, _ := NewReplayer(sink, Options{Limit: 2}, nil).Replay(context.Background(), strings.NewReader(trades))
	if st.Rows != 2 || len(sink.values) != 2 {
		t.Fatalf("limit not honoured: %+v", st)
	}
}

func TestReplayer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &memSink{}
	_, err := NewReplayer(sink, Options{Throttle: 1}, nil).Replay(ctx, strings.NewReader(trades))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sink.values) != 0 {
		t.Fatalf("replay continued after cancel: %d rows", len(sink.values))
	}
}

func TestReplayer_EmptyInput(t *testing.T) {
	if _, err := NewReplayer(&memSink{}, Options{}, nil).Replay(context.Background(), strings.NewReader("")); err == nil {
		t.Fatal("expected an error for a file without header")
	}
}
