// Package api serves the read-only query surface of the RSI engine: the full
// snapshot, single-token reads, a what-if peek, health, metrics and the live
// websocket stream.
package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"rsi-engine/internal/logger"

	"rsi-engine/internal/metrics"
	"rsi-engine/internal/model"
	"rsi-engine/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Deps are the collaborators the router reads from. Only Store is required.
type Deps struct {
	Store *store.Store

	// Stream serves /ws when set.
	Stream http.Handler

	Health  *metrics.HealthStatus
	Metrics *metrics.Metrics

	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	Log *slog.Logger
}

type handlers struct {
	Deps
}

// NewRouter sets up the HTTP routes. Every route is GET-only; the store is
// never mutated from here.
func NewRouter(d Deps) *http.ServeMux {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	d.Log = d.Log.With("component", "api")
	h := &handlers{Deps: d}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /rsi-data", h.snapshot)
	mux.HandleFunc("GET /rsi-data/{token}", h.get)
	mux.HandleFunc("GET /rsi-data/{token}/peek", h.peek)

	if d.Health != nil {
		mux.Handle("GET /healthz", d.Health.Handler(d.Store.Len))
	} else {
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	if d.Stream != nil {
		mux.Handle("GET /ws", d.Stream)
	}
	return mux
}

// snapshot returns {token: record} for every token. The copy is taken first
// and encoded afterwards, outside any store lock.
func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := h.Store.Snapshot()
	if h.Metrics != nil {
		h.Metrics.SnapshotDur.Observe(time.Since(start).Seconds())
	}
	h.writeJSON(w, http.StatusOK, snap.Records)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	rec, ok := h.Store.Get(token)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown token "+token)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

type peekResponse struct {
	TokenAddress string                `json:"token_address"`
	Price        json.Number           `json:"price_in_sol"`
	RSI          *float64              `json:"rsi"`
	Current      model.IndicatorRecord `json:"current"`
}

// peek reports the RSI the token would have if ?price= were the next trade.
func (h *handlers) peek(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	price, err := decimal.NewFromString(r.URL.Query().Get("price"))
	if err != nil || price.IsNegative() || math.IsInf(price.InexactFloat64(), 0) {
		h.writeError(w, http.StatusBadRequest, "price must be a non-negative number")
		return
	}
	cur, ok := h.Store.Get(token)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown token "+token)
		return
	}

	resp := peekResponse{TokenAddress: token, Price: json.Number(price.String()), Current: cur}
	if v, ready := h.Store.Peek(token, price); ready {
		resp.RSI = &v
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v in full before writing headers. An encoding failure is
// logged and answered with 500.
func (h *handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.Log.Error("encoding response", "error", err)
		code = http.StatusInternalServerError
		b = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(b, '\n')); err != nil {
		h.Log.Debug("writing response", "error", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
