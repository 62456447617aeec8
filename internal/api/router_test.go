package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rsi-engine/internal/metrics"
	"rsi-engine/internal/model"
	"rsi-engine/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

func newTestRouter(t *testing.T) (*store.Store, http.Handler) {
	t.Helper()
	st := store.New(2, 4)
	for _, p := range []string{"10", "11", "12"} {
		st.Update("A", decimal.RequireFromString(p), model.Timestamp{})
	}
	st.Update("B", decimal.RequireFromString("0.5"), model.Timestamp{})

	reg := prometheus.NewRegistry()
	h := NewRouter(Deps{
		Store:    st,
		Metrics:  metrics.NewMetrics(reg),
		Gatherer: reg,
	})
	return st, h
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRouter_Snapshot(t *testing.T) {
	_, h := newTestRouter(t)

	rec := do(h, http.MethodGet, "/rsi-data")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]model.IndicatorRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("expected 2 tokens, got %v", body)
	}
	if v, ok := body["A"].RSIValue(); !ok || v != 100 {
		t.Errorf("A: rsi %v ready=%v", v, ok)
	}
	if _, ok := body["B"].RSIValue(); ok {
		t.Error("B is still warming up, rsi should be null")
	}
}

func TestRouter_SnapshotEmptyStore(t *testing.T) {
	h := NewRouter(Deps{Store: store.New(14, 1)})
	rec := do(h, http.MethodGet, "/rsi-data")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("expected empty object, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRouter_GetToken(t *testing.T) {
	_, h := newTestRouter(t)

	rec := do(h, http.MethodGet, "/rsi-data/A")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	want := `{"token_address":"A","price_in_sol":12,"rsi":100,"timestamp":null}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Fatalf("body:\n got  %s\n want %s", got, want)
	}

	if rec := do(h, http.MethodGet, "/rsi-data/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token: status %d", rec.Code)
	}
}

func TestRouter_Peek(t *testing.T) {
	st, h := newTestRouter(t)
	before, _ := st.Get("A")

	rec := do(h, http.MethodGet, "/rsi-data/A/peek?price=11")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		RSI     *float64              `json:"rsi"`
		Current model.IndicatorRecord `json:"current"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RSI == nil || *body.RSI >= 100 {
		t.Fatalf("a down tick should pull RSI below 100, got %v", body.RSI)
	}
	if after, _ := st.Get("A"); after.Seq != before.Seq {
		t.Fatal("peek must not change the store")
	}

	cases := map[string]int{
		"/rsi-data/A/peek?price=abc":   http.StatusBadRequest,
		"/rsi-data/A/peek?price=-1":    http.StatusBadRequest,
		"/rsi-data/A/peek?price=1e400": http.StatusBadRequest,
		"/rsi-data/A/peek":             http.StatusBadRequest,
		"/rsi-data/Z/peek?price=1":     http.StatusNotFound,
	}
	for target, code := range cases {
		if rec := do(h, http.MethodGet, target); rec.Code != code {
			t.Errorf("%s: status %d, want %d", target, rec.Code, code)
		}
	}
}

func TestRouter_ReadOnly(t *testing.T) {
	st, h := newTestRouter(t)
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		if rec := do(h, m, "/rsi-data/A"); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status %d, want 405", m, rec.Code)
		}
	}
	if st.Len() != 2 {
		t.Fatal("store changed")
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	_, h := newTestRouter(t)

	if rec := do(h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	do(h, http.MethodGet, "/rsi-data")
	rec := do(h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rsi_snapshot_duration_seconds") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestWriteJSON_EncodeFailureIsLoggedAnd500(t *testing.T) {
	var logs bytes.Buffer
	h := &handlers{Deps: Deps{Log: slog.New(slog.NewJSONHandler(&logs, nil))}}

	rec := httptest.NewRecorder()
	h.writeJSON(rec, http.StatusOK, map[string]float64{"rsi": math.NaN()})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("error body: %q (%v)", rec.Body.String(), err)
	}
	if !strings.Contains(logs.String(), "encoding response") {
		t.Fatalf("encode failure not logged: %s", logs.String())
	}
}
