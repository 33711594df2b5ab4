package hub

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
	"paperdash/ledger"
	"paperdash/rate"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestHub(t *testing.T, opts ...Option) (*Hub, string) {
	t.Helper()

	h := New(zap.NewNop(), opts...)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Stop)

	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialViewer(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) events.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

// readUntil skips frames until one of the wanted kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind events.Kind, timeout time.Duration) events.Envelope {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn, time.Until(deadline))
		if env.Type == kind {
			return env
		}
	}
	t.Fatalf("no %s frame within %s", kind, timeout)
	return events.Envelope{}
}

func sendCommand(t *testing.T, conn *websocket.Conn, kind events.Kind) {
	t.Helper()

	frame, err := json.Marshal(events.Envelope{Type: kind})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestLateJoinerGetsStatusImmediately(t *testing.T) {
	h, url := newTestHub(t)
	h.SetRunning(true)
	h.SetPaperMode(true)
	h.SetSymbols([]string{"BTCUSDT", "ETHUSDT"})

	conn := dialViewer(t, url)

	// Well under the 1s status tick: the snapshot must come on connect.
	env := readEnvelope(t, conn, 300*time.Millisecond)
	require.Equal(t, events.KindStatus, env.Type)
	assert.NotZero(t, env.Timestamp)

	var st events.Status
	require.NoError(t, env.Payload(&st))
	assert.True(t, st.Running)
	assert.True(t, st.PaperMode)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, st.Symbols)
}

func TestBroadcastReachesAllViewers(t *testing.T) {
	h, url := newTestHub(t)

	a := dialViewer(t, url)
	b := dialViewer(t, url)
	readUntil(t, a, events.KindStatus, time.Second)
	readUntil(t, b, events.KindStatus, time.Second)

	h.BroadcastPnLUpdate(events.PnLUpdate{Symbol: "BTCUSDT", Side: "LONG", PnL: 42.5})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readUntil(t, conn, events.KindPnLUpdate, time.Second)
		var u events.PnLUpdate
		require.NoError(t, env.Payload(&u))
		assert.Equal(t, "BTCUSDT", u.Symbol)
		assert.Equal(t, 42.5, u.PnL)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	_, url := newTestHub(t)

	conn := dialViewer(t, url)
	readUntil(t, conn, events.KindStatus, time.Second)

	sendCommand(t, conn, events.KindPing)
	env := readUntil(t, conn, events.KindPong, time.Second)
	assert.NotZero(t, env.Timestamp)
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	_, url := newTestHub(t)

	conn := dialViewer(t, url)
	readUntil(t, conn, events.KindStatus, time.Second)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"no_such_kind"}`)))

	// The connection must still answer commands.
	sendCommand(t, conn, events.KindPing)
	readUntil(t, conn, events.KindPong, time.Second)
}

func TestStopBroadcastsShutdown(t *testing.T) {
	h := New(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	conn := dialViewer(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	readUntil(t, conn, events.KindStatus, time.Second)

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	env := readUntil(t, conn, events.KindShutdown, time.Second)
	assert.Equal(t, events.KindShutdown, env.Type)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// The transport is closed once the grace period passes.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type stubReloader struct {
	err error
}

func (r *stubReloader) Reload(ctx context.Context) error { return r.err }

func TestReloadConfigSuccess(t *testing.T) {
	_, url := newTestHub(t, WithReloader(&stubReloader{}))

	conn := dialViewer(t, url)
	readUntil(t, conn, events.KindStatus, time.Second)

	sendCommand(t, conn, events.KindReloadConfig)

	readUntil(t, conn, events.KindConfigReloading, time.Second)
	env := readUntil(t, conn, events.KindConfigReloadSuccess, time.Second)

	var out events.ConfigReload
	require.NoError(t, env.Payload(&out))
	assert.True(t, out.Success)
}

func TestReloadConfigFailure(t *testing.T) {
	h, url := newTestHub(t, WithReloader(&stubReloader{err: errors.New("bad yaml")}))

	conn := dialViewer(t, url)
	readUntil(t, conn, events.KindStatus, time.Second)

	sendCommand(t, conn, events.KindReloadConfig)
	env := readUntil(t, conn, events.KindConfigReloadError, 2*time.Second)

	var out events.ConfigReload
	require.NoError(t, env.Payload(&out))
	assert.Equal(t, "bad yaml", out.Error)

	// Config errors land on the status error strip too.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(h.Status().Errors) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, h.Status().Errors)
	assert.Contains(t, h.Status().Errors[0], "bad yaml")
}

func TestStatusErrorStripIsBounded(t *testing.T) {
	h, _ := newTestHub(t)

	for i := 0; i < 25; i++ {
		h.BroadcastError(events.ErrAPI, "boom", "test")
	}

	st := h.Status()
	assert.Len(t, st.Errors, 10, "status errors capped at 10")

	assert.LessOrEqual(t, len(h.ErrorLog()), 100)
	assert.GreaterOrEqual(t, len(h.ErrorLog()), 25)
}

func TestTradingErrorsSkipStatusStrip(t *testing.T) {
	h, _ := newTestHub(t)

	h.BroadcastError(events.ErrTrading, "order rejected", "test")
	assert.Empty(t, h.Status().Errors, "only config/api categories reach the strip")
	assert.Len(t, h.ErrorLog(), 1)
}

type stubSampler struct{}

func (stubSampler) Sample() rate.Usage {
	return rate.Usage{UsedWeight: 300, Limit: 1200}
}

func TestRateLimitSampledOnSecondTick(t *testing.T) {
	_, url := newTestHub(t, WithRateSampler(stubSampler{}))

	conn := dialViewer(t, url)
	env := readUntil(t, conn, events.KindRateLimit, 4*time.Second)

	var u events.Usage
	require.NoError(t, env.Payload(&u))
	assert.Equal(t, 300, u.UsedWeight)
	assert.Equal(t, 1200, u.Limit)
	assert.InDelta(t, 25.0, u.Percent, 1e-9)
}

func TestStatusTickRebroadcasts(t *testing.T) {
	h, url := newTestHub(t)
	h.SetRunning(true)

	conn := dialViewer(t, url)
	readUntil(t, conn, events.KindStatus, time.Second)

	// The next tick re-sends status without any producer activity.
	env := readUntil(t, conn, events.KindStatus, 2*time.Second)
	var st events.Status
	require.NoError(t, env.Payload(&st))
	assert.True(t, st.Running)
}

func TestBalancePayloadWireKeys(t *testing.T) {
	bal := ledger.Balance{
		StartingBalance:  dec("10000"),
		RealizedPnL:      dec("120"),
		UnrealizedPnL:    dec("-20"),
		UsedMargin:       dec("500"),
		TotalBalance:     dec("10120"),
		AvailableBalance: dec("9620"),
	}

	raw, err := json.Marshal(BalancePayload(bal, "api"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	for _, key := range []string{"totalBalance", "availableBalance", "totalPositionValue", "totalPnL", "source"} {
		assert.Contains(t, got, key)
	}
	assert.Equal(t, 500.0, got["totalPositionValue"], "position value is the summed margin")
	assert.Equal(t, 100.0, got["totalPnL"], "total P/L is realized plus unrealized")
	assert.Equal(t, 10120.0, got["totalBalance"])
	assert.Equal(t, 9620.0, got["availableBalance"])
}
