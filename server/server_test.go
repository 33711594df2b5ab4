package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paperdash/events"
	"paperdash/hub"
	"paperdash/ledger"
)

type memStore struct{}

func (memStore) LoadLedger(ctx context.Context) (ledger.Snapshot, bool, error) {
	return ledger.Snapshot{}, false, nil
}

func (memStore) SaveLedger(ctx context.Context, snap ledger.Snapshot) error { return nil }

type nopSink struct{}

func (nopSink) PublishBalance(ledger.Balance) {}

type fakeHistory struct {
	recs []ledger.TradeClose
	err  error
}

func (f *fakeHistory) ClosedTrades(ctx context.Context, limit int) ([]ledger.TradeClose, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	l := ledger.New(memStore{}, nopSink{}, zap.NewNop())
	require.NoError(t, l.Initialize(context.Background(), dec("10000")))
	t.Cleanup(l.Close)
	return l
}

func newTestServer(t *testing.T, l *ledger.Ledger, opts ...Option) (*httptest.Server, *hub.Hub) {
	t.Helper()

	h := hub.New(zap.NewNop())
	t.Cleanup(h.Stop)

	s := New(h, l, LedgerPositions{Ledger: l}, zap.NewNop(), opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, h
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func TestBalanceRoute(t *testing.T) {
	l := newTestLedger(t)
	l.AddPosition("BTCUSDT", ledger.Long, dec("500"))
	ts, _ := newTestServer(t, l)

	var got events.Balance
	code := getJSON(t, ts.URL+"/balance?force=true", &got)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, 10000.0, got.TotalBalance)
	assert.Equal(t, 9500.0, got.AvailableBalance)
	assert.Equal(t, 500.0, got.TotalPositionValue)
	assert.Equal(t, 0.0, got.TotalPnL)
	assert.Equal(t, 500.0, got.UsedMargin)
	assert.Equal(t, "api", got.Source)
}

func TestPositionsRoute(t *testing.T) {
	l := newTestLedger(t)
	l.AddPosition("BTCUSDT", ledger.Long, dec("500"))
	l.UpdatePositionPnL("BTCUSDT", ledger.Long, dec("50"))
	ts, _ := newTestServer(t, l)

	var got []events.Position
	code := getJSON(t, ts.URL+"/positions", &got)
	require.Equal(t, http.StatusOK, code)

	require.Len(t, got, 1)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "LONG", got[0].Side)
	assert.Equal(t, 500.0, got[0].Margin)
	assert.Equal(t, 50.0, got[0].PnL)
	assert.Equal(t, 10.0, got[0].PnLPercent)
}

func TestPositionsRouteEmptyIsArray(t *testing.T) {
	l := newTestLedger(t)
	ts, _ := newTestServer(t, l)

	resp, err := http.Get(ts.URL + "/positions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)), "no positions must serialize as an empty array")
}

func TestStatusRoute(t *testing.T) {
	l := newTestLedger(t)
	ts, h := newTestServer(t, l)
	h.SetRunning(true)
	h.SetSymbols([]string{"BTCUSDT", "ETHUSDT"})

	var got events.Status
	code := getJSON(t, ts.URL+"/status", &got)
	require.Equal(t, http.StatusOK, code)

	assert.True(t, got.Running)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got.Symbols)
}

func TestTradesRoute(t *testing.T) {
	l := newTestLedger(t)
	hist := &fakeHistory{recs: []ledger.TradeClose{
		{Symbol: "BTCUSDT", Side: ledger.Long, Margin: dec("500"), FinalPnL: dec("120"), ClosedAt: time.Now()},
		{Symbol: "ETHUSDT", Side: ledger.Short, Margin: dec("200"), FinalPnL: dec("-30"), ClosedAt: time.Now()},
	}}
	ts, _ := newTestServer(t, l, WithTradeHistory(hist))

	var got []tradeRow
	code := getJSON(t, ts.URL+"/trades", &got)
	require.Equal(t, http.StatusOK, code)

	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, 120.0, got[0].FinalPnL)

	got = nil
	code = getJSON(t, ts.URL+"/trades?limit=1", &got)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, got, 1)
}

func TestTradesRouteRejectsBadLimit(t *testing.T) {
	l := newTestLedger(t)
	ts, _ := newTestServer(t, l, WithTradeHistory(&fakeHistory{}))

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/trades?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/trades?limit=nope", nil))
}

func TestTradesRouteBackendFailure(t *testing.T) {
	l := newTestLedger(t)
	ts, _ := newTestServer(t, l, WithTradeHistory(&fakeHistory{err: errors.New("disk gone")}))

	assert.Equal(t, http.StatusInternalServerError, getJSON(t, ts.URL+"/trades", nil))
}

func TestTradesRouteAbsentWithoutHistory(t *testing.T) {
	l := newTestLedger(t)
	ts, _ := newTestServer(t, l)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/trades", nil))
}

func TestWebsocketRoute(t *testing.T) {
	l := newTestLedger(t)
	ts, _ := newTestServer(t, l)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, events.KindStatus, env.Type, "viewers get a status frame on connect")
}
