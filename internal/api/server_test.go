package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"evbacktest/internal/config"
	"evbacktest/internal/domain"
	"evbacktest/internal/store"
	"evbacktest/internal/strategy"
	"evbacktest/internal/strategy/builtins"
)

func init() { gin.SetMode(gin.TestMode) }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// dipBars alternates around 100 with one dip at bar 24.
func dipBars() []BarJSON {
	bars := make([]BarJSON, 50)
	for i := range bars {
		c := 100.5
		if i%2 == 1 {
			c = 99.5
		}
		if i == 24 {
			c = 90
		}
		bars[i] = BarJSON{Timestamp: time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC), Close: c}
	}
	return bars
}

func cost(v float64) *float64 { return &v }

type testEnv struct {
	srv     *Server
	parquet *store.ParquetStore
	db      *store.SQLiteStore
}

func newTestEnv(t *testing.T, withRuns bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ps := store.NewParquetStore(dir)
	bt := strategy.NewBacktester(ps, builtins.NewRegistry())
	bt.SetLogger(discard)

	env := &testEnv{parquet: ps}
	deps := Deps{
		Backtester: bt,
		Bars:       ps,
		Defaults: config.BacktestConfig{
			Market:        domain.MarketUS,
			InitialAmount: 1000,
			SMAWindow:     5,
			Threshold:     2,
		},
		Logger: discard,
	}
	if withRuns {
		db, err := store.NewSQLiteStore(filepath.Join(dir, "runs.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		env.db = db
		deps.Runs = db
		deps.Fills = ps
	}
	env.srv = NewServer("127.0.0.1:0", "", deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[map[string]string](t, w); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
}

func TestStrategies(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/strategies", nil)
	got := decode[StrategiesResponse](t, w)
	if len(got.Strategies) != 2 || got.Strategies[0] != builtins.LongOnlyName || got.Strategies[1] != builtins.LongShortName {
		t.Errorf("strategies = %v", got.Strategies)
	}
}

func TestBacktestInlineBarsPersisted(t *testing.T) {
	env := newTestEnv(t, true)
	w := env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Symbol:       "spy",
		Strategy:     builtins.LongOnlyName,
		Bars:         dipBars(),
		IncludeFills: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	run := decode[RunJSON](t, w)

	wantCash := 1000.0 / 90 * 99.5
	if run.ID == "" || run.Symbol != "SPY" || run.Trades != 3 || len(run.Fills) != 3 {
		t.Fatalf("run = %+v", run)
	}
	if math.Abs(run.FinalCash-wantCash) > 1e-6 {
		t.Errorf("final_cash = %v, want %v", run.FinalCash, wantCash)
	}
	if run.Fills[0].Index != 24 || run.Fills[0].Action != "buy" || run.Fills[2].Action != "close" {
		t.Errorf("fills = %+v", run.Fills)
	}

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET run status = %d", w.Code)
	}
	stored := decode[RunJSON](t, w)
	if stored.Trades != 3 || len(stored.Fills) != 3 || stored.SMAWindow != 5 {
		t.Errorf("stored run = %+v", stored)
	}

	fills, err := env.parquet.ReadFills(context.Background(), run.ID)
	if err != nil || len(fills) != 3 {
		t.Errorf("ReadFills = %d fills, %v", len(fills), err)
	}

	w = env.do(t, http.MethodGet, "/api/v1/runs?symbol=spy", nil)
	if runs := decode[RunsResponse](t, w); len(runs.Runs) != 1 || runs.Runs[0].ID != run.ID {
		t.Errorf("runs = %+v", runs)
	}
	w = env.do(t, http.MethodGet, "/api/v1/runs?strategy=long-short", nil)
	if runs := decode[RunsResponse](t, w); len(runs.Runs) != 0 {
		t.Errorf("filtered runs = %+v", runs)
	}
}

func TestBacktestFromStore(t *testing.T) {
	env := newTestEnv(t, false)
	bars := barsToDomain("SPY", dipBars())
	if err := env.parquet.WriteBars(context.Background(), domain.MarketUS, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Symbol:   "SPY",
		Start:    "2024-01-01",
		End:      "2024-02-19",
		Strategy: builtins.LongOnlyName,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	run := decode[RunJSON](t, w)
	if run.Bars != 50 || run.Trades != 3 || run.Market != domain.MarketUS || len(run.Fills) != 0 {
		t.Errorf("run = %+v", run)
	}

	w = env.do(t, http.MethodGet, "/api/v1/bars?symbol=spy&start=2024-01-01&end=2024-01-10", nil)
	got := decode[BarsResponse](t, w)
	if len(got.Bars) != 10 || got.Bars[9].Close != 99.5 {
		t.Errorf("bars = %+v", got)
	}
}

func TestBacktestDegenerate(t *testing.T) {
	env := newTestEnv(t, false)
	bars := dipBars()
	for i := range bars {
		bars[i].Close = 100
	}
	w := env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Symbol: "FLAT", Strategy: builtins.LongShortName, Bars: bars,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	run := decode[RunJSON](t, w)
	if !run.Degenerate || run.Trades != 1 || run.NetPerformancePct != 0 {
		t.Errorf("run = %+v", run)
	}
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t, false)
	req := SweepRequest{
		BacktestRequest: BacktestRequest{Symbol: "SPY", Strategy: builtins.LongShortName, Bars: dipBars()},
		SMAWindows:      []int{3, 5},
		Thresholds:      []float64{1.5, 2},
	}
	w := env.do(t, http.MethodPost, "/api/v1/backtest/sweep", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	got := decode[SweepResponse](t, w)
	if len(got.Results) != 4 {
		t.Fatalf("got %d results, want 4", len(got.Results))
	}
	for i := 1; i < len(got.Results); i++ {
		if got.Results[i].NetPerformancePct > got.Results[i-1].NetPerformancePct {
			t.Errorf("results not sorted at %d", i)
		}
	}

	req.SMAWindows = nil
	if w := env.do(t, http.MethodPost, "/api/v1/backtest/sweep", req); w.Code != http.StatusBadRequest {
		t.Errorf("empty grid status = %d, want 400", w.Code)
	}
}

func TestErrors(t *testing.T) {
	env := newTestEnv(t, true)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, "/api/v1/backtest", "{", http.StatusBadRequest, codeInvalidRequest},
		{"missing strategy", http.MethodPost, "/api/v1/backtest", BacktestRequest{Symbol: "SPY", Bars: dipBars()}, http.StatusBadRequest, codeInvalidRequest},
		{"unknown strategy", http.MethodPost, "/api/v1/backtest", BacktestRequest{Symbol: "SPY", Strategy: "momentum", Bars: dipBars()}, http.StatusBadRequest, codeInvalidConfig},
		{"negative cost", http.MethodPost, "/api/v1/backtest", BacktestRequest{Symbol: "SPY", Strategy: builtins.LongOnlyName, FixedCost: cost(-1), Bars: dipBars()}, http.StatusBadRequest, codeInvalidConfig},
		{"bad date", http.MethodPost, "/api/v1/backtest", BacktestRequest{Symbol: "SPY", Strategy: builtins.LongOnlyName, Start: "01/02/2024"}, http.StatusBadRequest, codeInvalidConfig},
		{"no bars stored", http.MethodPost, "/api/v1/backtest", BacktestRequest{Symbol: "NONE", Strategy: builtins.LongOnlyName, Start: "2024-01-01"}, http.StatusNotFound, codeNoData},
		{"unknown run", http.MethodGet, "/api/v1/runs/does-not-exist", nil, http.StatusNotFound, codeNotFound},
		{"bad limit", http.MethodGet, "/api/v1/runs?limit=abc", nil, http.StatusBadRequest, codeInvalidRequest},
		{"bars without symbol", http.MethodGet, "/api/v1/bars", nil, http.StatusBadRequest, codeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body)
			}
			if got := decode[ErrorResponse](t, w); got.Error.Code != tt.code || got.Error.Message == "" {
				t.Errorf("error = %+v, want code %s", got.Error, tt.code)
			}
		})
	}
}

func TestBacktestCostDefaults(t *testing.T) {
	env := newTestEnv(t, false)
	env.srv.deps.Defaults.FixedCost = 4
	env.srv.deps.Defaults.ProportionalCost = 0.01

	w := env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Symbol: "SPY", Strategy: builtins.LongOnlyName, Bars: dipBars(),
	})
	run := decode[RunJSON](t, w)
	if run.FixedCost != 4 || run.ProportionalCost != 0.01 {
		t.Errorf("omitted costs = %v/%v, want configured 4/0.01", run.FixedCost, run.ProportionalCost)
	}
	if run.FinalCash >= 1000.0/90*99.5 {
		t.Errorf("final_cash = %v, costs were not charged", run.FinalCash)
	}

	w = env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Symbol: "SPY", Strategy: builtins.LongOnlyName, Bars: dipBars(),
		FixedCost: cost(0), ProportionalCost: cost(0),
	})
	run = decode[RunJSON](t, w)
	if run.FixedCost != 0 || run.ProportionalCost != 0 {
		t.Errorf("explicit zero costs = %v/%v", run.FixedCost, run.ProportionalCost)
	}
	if want := 1000.0 / 90 * 99.5; math.Abs(run.FinalCash-want) > 1e-6 {
		t.Errorf("final_cash = %v, want %v", run.FinalCash, want)
	}
}

func TestRunsWithoutStore(t *testing.T) {
	env := newTestEnv(t, false)
	if w := env.do(t, http.MethodGet, "/api/v1/runs", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Symbol: "SPY", Strategy: builtins.LongOnlyName, Bars: dipBars(),
	})
	if w.Code != http.StatusOK {
		t.Errorf("backtest without run store status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/backtest", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, false)
	srv := NewServer("127.0.0.1:0", "127.0.0.1:0", env.srv.deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

func TestWebSocketRunEvents(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.srv.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w := env.do(t, http.MethodPost, "/api/v1/backtest", BacktestRequest{
		Symbol: "SPY", Strategy: builtins.LongOnlyName, Bars: dipBars(), IncludeFills: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != "run" || ev.Symbol != "SPY" || ev.Run == nil || ev.Run.Trades != 3 {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Run.Fills) != 0 {
		t.Errorf("event carries %d fills, want summary only", len(ev.Run.Fills))
	}

	env.srv.hub.Close()
	if n := env.srv.hub.Len(); n != 0 {
		t.Errorf("hub has %d clients after Close", n)
	}
}
