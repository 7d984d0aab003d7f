package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"trade-decision-engine/internal/circuit"
	"trade-decision-engine/internal/dedup"
	"trade-decision-engine/internal/engine"
	"trade-decision-engine/internal/events"
	"trade-decision-engine/internal/lifecycle"
	"trade-decision-engine/internal/risk"
)

type stubEngine struct {
	evaluated  []engine.MarketSnapshot
	executions []lifecycle.ExecutionEvent
	candles    []string
}

func (s *stubEngine) Running() bool    { return true }
func (s *stubEngine) SymbolCount() int { return 1 }
func (s *stubEngine) Evaluate(_ context.Context, snap engine.MarketSnapshot) error {
	s.evaluated = append(s.evaluated, snap)
	return nil
}
func (s *stubEngine) OnCandleClose(symbol string) { s.candles = append(s.candles, symbol) }
func (s *stubEngine) OnMarkPrice(string, float64) {}
func (s *stubEngine) OnExecutionEvent(ev lifecycle.ExecutionEvent) error {
	s.executions = append(s.executions, ev)
	return nil
}

func newTestServer(t *testing.T) (*Server, *stubEngine) {
	t.Helper()
	logger := zerolog.Nop()

	breaker, err := circuit.NewBreaker(circuit.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("NewBreaker: %v", err)
	}
	riskMgr, err := risk.NewManager(risk.DefaultConfig(), nil, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cache, err := dedup.NewCache(dedup.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	tracker, err := lifecycle.NewTracker(lifecycle.DefaultConfig(), cache, riskMgr, nil, nil, logger)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	eng := &stubEngine{}
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 8080, ProductionMode: true},
		breaker, riskMgr, tracker, eng, events.NewBus(), nil, logger)
	return srv, eng
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestTraceIDStampedPerRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	first := doRequest(srv, http.MethodGet, "/health", "")
	second := doRequest(srv, http.MethodGet, "/health", "")

	a := first.Header().Get("X-Trace-ID")
	b := second.Header().Get("X-Trace-ID")
	if a == "" || b == "" {
		t.Fatal("responses must carry an X-Trace-ID header")
	}
	if a == b {
		t.Errorf("trace ID %s reused across requests", a)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["running"] != true {
		t.Errorf("running = %v, want true", body["running"])
	}
	circuitBody, ok := body["circuit"].(map[string]interface{})
	if !ok || circuitBody["state"] != "CLOSED" {
		t.Errorf("circuit = %v, want CLOSED state", body["circuit"])
	}
}

func TestCircuitResetEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	for i := 0; i < circuit.DefaultConfig().ErrorThreshold; i++ {
		srv.breaker.RecordError("exchange down")
	}
	if !srv.breaker.IsOpen() {
		t.Fatal("breaker should be open")
	}

	w := doRequest(srv, http.MethodPost, "/api/circuit/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if srv.breaker.IsOpen() {
		t.Error("breaker should be closed after reset")
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	srv, eng := newTestServer(t)

	body := `{
		"symbol": "BTCUSDT",
		"price": 50000,
		"rsi": 28.5,
		"trend_bias": {"direction": "BULLISH", "strength": 0.8},
		"recent_candles": [{"open": 100, "close": 101}]
	}`
	w := doRequest(srv, http.MethodPost, "/api/evaluate", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if len(eng.evaluated) != 1 {
		t.Fatalf("evaluated = %d snapshots, want 1", len(eng.evaluated))
	}
	snap := eng.evaluated[0]
	if snap.Symbol != "BTCUSDT" || snap.RSI != 28.5 || len(snap.RecentCandles) != 1 {
		t.Errorf("snapshot = %+v, want the posted values", snap)
	}
}

func TestEvaluateOmittedRSIMeansUnavailable(t *testing.T) {
	srv, eng := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/api/evaluate", `{"symbol": "BTCUSDT", "price": 50000}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if eng.evaluated[0].RSI != -1 {
		t.Errorf("rsi = %v, want -1 when omitted", eng.evaluated[0].RSI)
	}
}

func TestEvaluateRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/api/evaluate", `{"price": 50000}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without a symbol", w.Code)
	}
}

func TestExecutionEndpoint(t *testing.T) {
	srv, eng := newTestServer(t)
	body := `{
		"order_id": "ord-1",
		"symbol": "BTCUSDT",
		"exec_type": "Trade",
		"exec_price": 50500,
		"exec_qty": 0.25,
		"stop_order_type": "TakeProfit",
		"timestamp": 1700000000000
	}`
	w := doRequest(srv, http.MethodPost, "/api/executions", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if len(eng.executions) != 1 || eng.executions[0].OrderID != "ord-1" {
		t.Errorf("executions = %+v, want the posted event", eng.executions)
	}
}

func TestTradesEndpointWithoutDatabase(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/api/trades", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without a database", w.Code)
	}
}
