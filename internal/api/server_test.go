// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/api"
	"github.com/atlas-desktop/arena-backend/internal/data"
	"github.com/atlas-desktop/arena-backend/internal/events"
	"github.com/atlas-desktop/arena-backend/internal/leaderboard"
	"github.com/atlas-desktop/arena-backend/internal/market"
	"github.com/atlas-desktop/arena-backend/internal/observability"
	"github.com/atlas-desktop/arena-backend/internal/orchestrator"
	"github.com/atlas-desktop/arena-backend/internal/storage/memory"
	"github.com/atlas-desktop/arena-backend/internal/workers"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}

	metrics := observability.NewMetrics(logger, "test")
	poolCfg := workers.DefaultPoolConfig("simulation")
	poolCfg.NumWorkers = 2
	pool := workers.NewPool(logger, poolCfg, metrics)
	pool.Start()
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	store := memory.New()
	board := leaderboard.NewService(logger, store, nil)

	orch, err := orchestrator.New(logger, orchestrator.DefaultConfig(), orchestrator.Deps{
		Store:     store,
		Generator: market.NewGenerator(logger, dataStore, market.DefaultOptions()),
		Pool:      pool,
		Bus:       bus,
		Recorder:  metrics,
		Cache:     board,
	})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	hub := api.NewHub(logger)
	hub.Bind(bus)
	go hub.Run()

	server := api.NewServer(logger, &types.ServerConfig{
		Host:          "localhost",
		Port:          0,
		WebSocketPath: "/ws",
		EnableMetrics: true,
	}, api.Deps{
		Orchestrator:    orch,
		Leaderboard:     board,
		DataStore:       dataStore,
		Hub:             hub,
		Metrics:         metrics,
		Pool:            pool,
		DefaultSymbol:   "AAPL",
		BenchmarkSymbol: "SPY",
	})
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
		_ = orch.Shutdown(ctx)
		_ = pool.Stop()
		bus.Stop()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func expectError(t *testing.T, resp *http.Response, status int, kind string) {
	t.Helper()
	assert.Equal(t, status, resp.StatusCode)
	var body struct {
		Detail string `json:"detail"`
		Kind   string `json:"kind"`
	}
	decode(t, resp, &body)
	assert.Equal(t, kind, body.Kind)
	assert.NotEmpty(t, body.Detail)
}

func createRound(t *testing.T, ts *httptest.Server) types.Round {
	t.Helper()
	resp := do(t, ts, http.MethodPost, "/api/rounds", "", map[string]any{
		"name":        "api round",
		"market_seed": 42,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var round types.Round
	decode(t, resp, &round)
	return round
}

func waitStatus(t *testing.T, ts *httptest.Server, roundID string, want types.RoundStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := ts.Client().Get(ts.URL + "/api/rounds/" + roundID + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st types.RoundStatusResponse
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.Status == want
	}, 20*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp := do(t, ts, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["active_rounds"])

	pool, ok := body["workers"].(map[string]any)
	if assert.True(t, ok, "worker pool stats missing") {
		assert.Equal(t, "simulation", pool["name"])
		assert.EqualValues(t, 2, pool["workers"])
	}
}

func TestRoundLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	round := createRound(t, ts)
	assert.Equal(t, types.RoundStatusPending, round.Status)

	resp := do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/agents", "u1", map[string]any{
		"strategy_type": "MEAN_REVERSION",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agent types.Agent
	decode(t, resp, &agent)
	assert.Equal(t, "u1", agent.UserID)

	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/agents/me", "u1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/start", "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var st types.RoundStatusResponse
	decode(t, resp, &st)
	assert.Equal(t, types.RoundStatusRunning, st.Status)

	waitStatus(t, ts, round.ID, types.RoundStatusCompleted)

	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lb types.Leaderboard
	decode(t, resp, &lb)
	require.Len(t, lb.Entries, 2, "user agent plus ghost")
	assert.Equal(t, 1, lb.Entries[0].Rank)
	assert.Equal(t, 2, lb.TotalParticipants)

	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/leaderboard?sort_by=max_drawdown&ascending=false", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/leaderboard/me", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rank types.UserRanking
	decode(t, resp, &rank)
	assert.Equal(t, 2, rank.TotalParticipants)

	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/agents/"+agent.ID+"/results", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/agents/"+agent.ID+"/trades/completed", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trades types.CompletedTradesResponse
	decode(t, resp, &trades)
	assert.Equal(t, len(trades.CompletedTrades), trades.TotalCompletedTrades)

	resp = do(t, ts, http.MethodGet, "/api/leaderboard/global/me", "u1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/rounds?status_filter=completed", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []types.RoundListItem
	decode(t, resp, &items)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].AgentCount)

	resp = do(t, ts, http.MethodDelete, "/api/rounds/"+round.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID, "", nil)
	expectError(t, resp, http.StatusNotFound, "NotFound")
}

func TestErrorResponses(t *testing.T) {
	ts := setupTestServer(t)
	round := createRound(t, ts)

	expectError(t, do(t, ts, http.MethodGet, "/api/rounds/missing", "", nil), http.StatusNotFound, "NotFound")
	expectError(t, do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/start", "", nil), http.StatusConflict, "StateConflict")
	expectError(t, do(t, ts, http.MethodPost, "/api/rounds", "", map[string]any{"name": ""}), http.StatusBadRequest, "InvalidConfig")
	expectError(t, do(t, ts, http.MethodGet, "/api/rounds?limit=-1", "", nil), http.StatusBadRequest, "InvalidConfig")
	expectError(t, do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/leaderboard?sort_by=luck", "", nil), http.StatusBadRequest, "InvalidConfig")
	expectError(t, do(t, ts, http.MethodGet, "/api/leaderboard/global?sort_by=luck", "", nil), http.StatusBadRequest, "InvalidConfig")
	expectError(t, do(t, ts, http.MethodGet, "/api/nope", "", nil), http.StatusNotFound, "NotFound")

	// Missing caller identity.
	expectError(t, do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/agents", "", map[string]any{
		"strategy_type": "MOMENTUM",
	}), http.StatusBadRequest, "InvalidConfig")
	expectError(t, do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/agents", "u1", map[string]any{
		"strategy_type": "GHOST",
	}), http.StatusBadRequest, "InvalidConfig")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/rounds", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	expectError(t, resp, http.StatusBadRequest, "InvalidConfig")
}

func TestRealDataRoundWithoutData(t *testing.T) {
	ts := setupTestServer(t)

	resp := do(t, ts, http.MethodPost, "/api/rounds", "", map[string]any{
		"name":        "real round",
		"market_seed": 7,
		"config":      map[string]any{"market": map[string]any{"data_source": "real"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var round types.Round
	decode(t, resp, &round)

	do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/agents", "u1", map[string]any{"strategy_type": "MOMENTUM"})
	expectError(t, do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/start", "", nil),
		http.StatusUnprocessableEntity, "DataUnavailable")

	resp = do(t, ts, http.MethodGet, "/api/rounds/"+round.ID+"/status", "", nil)
	var st types.RoundStatusResponse
	decode(t, resp, &st)
	assert.Equal(t, types.RoundStatusPending, st.Status)
}

func TestUserProfileEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp := do(t, ts, http.MethodGet, "/api/users/me", "user-123456789", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var user types.User
	decode(t, resp, &user)
	assert.Equal(t, "user-123456789", user.ID)
	assert.NotEmpty(t, user.Nickname)

	resp = do(t, ts, http.MethodPut, "/api/users/me", "user-123456789", map[string]any{
		"nickname": "alice",
		"color":    "#ff0000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &user)
	assert.Equal(t, "alice", user.Nickname)
	assert.Equal(t, "#ff0000", user.Color)

	expectError(t, do(t, ts, http.MethodPut, "/api/users/me", "user-123456789", map[string]any{"color": "red"}),
		http.StatusBadRequest, "InvalidConfig")
	expectError(t, do(t, ts, http.MethodGet, "/api/users/me", "", nil), http.StatusBadRequest, "InvalidConfig")
}

func TestMarketDataEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp := do(t, ts, http.MethodGet, "/api/market-data/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status types.MarketDataStatus
	decode(t, resp, &status)
	assert.False(t, status.IsReady)
	assert.Equal(t, "AAPL", status.Symbol)

	start := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	bars := make([]types.OHLCV, 10)
	for i := range bars {
		px := decimal.NewFromInt(int64(100 + i))
		bars[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      px, High: px, Low: px, Close: px,
			Volume: decimal.NewFromInt(1000),
		}
	}

	resp = do(t, ts, http.MethodPost, "/api/market-data/AAPL/1h", "", map[string]any{"bars": bars})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var imported struct {
		Dataset types.MarketDataset `json:"dataset"`
		Quality data.QualityReport  `json:"quality"`
	}
	decode(t, resp, &imported)
	assert.Equal(t, 10, imported.Dataset.TotalBars)
	assert.True(t, imported.Quality.IsUsable)

	broken := append([]types.OHLCV(nil), bars...)
	broken[3].Low = decimal.NewFromInt(500)
	expectError(t, do(t, ts, http.MethodPost, "/api/market-data/MSFT/1h", "", map[string]any{"bars": broken}),
		http.StatusBadRequest, "InvalidConfig")

	expectError(t, do(t, ts, http.MethodPost, "/api/market-data/AAPL/2h", "", map[string]any{"bars": bars}),
		http.StatusBadRequest, "InvalidConfig")
	expectError(t, do(t, ts, http.MethodPost, "/api/market-data/AAPL/1h", "", map[string]any{"bars": []any{}}),
		http.StatusBadRequest, "InvalidConfig")

	resp = do(t, ts, http.MethodGet, "/api/market-data/datasets", "", nil)
	var listing struct {
		Count     int `json:"count"`
		TotalBars int `json:"total_bars"`
	}
	decode(t, resp, &listing)
	assert.Equal(t, 1, listing.Count)
	assert.Equal(t, 10, listing.TotalBars)

	resp = do(t, ts, http.MethodDelete, "/api/market-data/aapl", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	expectError(t, do(t, ts, http.MethodDelete, "/api/market-data/AAPL", "", nil), http.StatusNotFound, "NotFound")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	do(t, ts, http.MethodGet, "/api/health", "", nil)
	do(t, ts, http.MethodGet, "/api/rounds/abc", "", nil)

	resp := do(t, ts, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `arena_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
	assert.Contains(t, string(body), `arena_http_requests_total{method="GET",route="/api/rounds/{id}",status="404"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/rounds", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) api.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func TestWebSocketStreamsRoundEvents(t *testing.T) {
	ts := setupTestServer(t)
	round := createRound(t, ts)
	do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/agents", "u1", map[string]any{"strategy_type": "TREND_FOLLOWING"})

	conn := dialWS(t, ts, "?round_id="+round.ID)
	msg := readMessage(t, conn)
	require.Equal(t, api.MsgTypeSubscribed, msg.Type)
	assert.Equal(t, api.RoundChannel(round.ID), msg.Channel)

	resp := do(t, ts, http.MethodPost, "/api/rounds/"+round.ID+"/start", "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	seen := map[api.MessageType]bool{}
	lastProgress := -1.0
	for !seen[api.MessageType(events.EventRoundCompleted)] {
		msg := readMessage(t, conn)
		if msg.Type == api.MsgTypeHeartbeat {
			continue
		}
		assert.Equal(t, api.RoundChannel(round.ID), msg.Channel)
		seen[msg.Type] = true

		var ev events.RoundEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, round.ID, ev.RoundID)
		if msg.Type == api.MessageType(events.EventRoundProgress) {
			assert.GreaterOrEqual(t, ev.Progress, lastProgress)
			lastProgress = ev.Progress
		}
	}
	assert.True(t, seen[api.MessageType(events.EventRoundStarted)])
	assert.True(t, seen[api.MessageType(events.EventAgentCompleted)])
}

func TestWebSocketSubscribeMessages(t *testing.T) {
	ts := setupTestServer(t)
	conn := dialWS(t, ts, "")

	require.NoError(t, conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.RoundsChannel}))
	msg := readMessage(t, conn)
	require.Equal(t, api.MsgTypeSubscribed, msg.Type)

	createRound(t, ts)
	msg = readMessage(t, conn)
	assert.Equal(t, api.MessageType(events.EventRoundCreated), msg.Type)
	assert.Equal(t, api.RoundsChannel, msg.Channel)

	require.NoError(t, conn.WriteJSON(api.WSMessage{Type: "bogus"}))
	msg = readMessage(t, conn)
	assert.Equal(t, api.MsgTypeError, msg.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg = readMessage(t, conn)
	assert.Equal(t, api.MsgTypeError, msg.Type)
}
