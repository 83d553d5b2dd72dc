package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutuCH/opcua-backend-sub000/config"
	"github.com/tutuCH/opcua-backend-sub000/status"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// fakeBus records handlers so tests can inject events directly.
type fakeBus struct {
	mu        sync.Mutex
	processed map[telemetry.Category]func(telemetry.ProcessedEvent)
	alerts    func(telemetry.Alert)
}

func (f *fakeBus) SubscribeProcessed(c telemetry.Category, handler func(telemetry.ProcessedEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed == nil {
		f.processed = make(map[telemetry.Category]func(telemetry.ProcessedEvent))
	}
	f.processed[c] = handler
	return nil
}

func (f *fakeBus) SubscribeAlerts(handler func(telemetry.Alert)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = handler
	return nil
}

func (f *fakeBus) emitProcessed(event telemetry.ProcessedEvent) {
	f.mu.Lock()
	handler := f.processed[event.Category]
	f.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

func (f *fakeBus) emitAlert(alert telemetry.Alert) {
	f.mu.Lock()
	handler := f.alerts
	f.mu.Unlock()
	if handler != nil {
		handler(alert)
	}
}

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Port:              0,
		Path:              "/ws",
		MaxConnPerAddress: 5,
		IdleTimeout:       time.Minute,
		WriteTimeout:      5 * time.Second,
	}
}

func newTestGateway(t *testing.T, cfg config.GatewayConfig) (*Gateway, *fakeBus, *status.Store, *httptest.Server) {
	t.Helper()
	st := status.NewStore()
	t.Cleanup(st.Close)

	b := &fakeBus{}
	g := New(cfg, st, b)
	require.NoError(t, g.subscribe())

	server := httptest.NewServer(http.HandlerFunc(g.HandleUpgrade))
	t.Cleanup(server.Close)
	return g, b, st, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event, deviceID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"event": event, "deviceId": deviceID}))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func subscribeTo(t *testing.T, conn *websocket.Conn, deviceID string) {
	t.Helper()
	sendFrame(t, conn, EventSubscribe, deviceID)
	frame := readFrame(t, conn)
	require.Equal(t, EventConfirmed, frame["event"])
	require.Equal(t, deviceID, frame["deviceId"])
}

func TestSubscribeConfirmedAndIsolated(t *testing.T) {
	_, b, _, server := newTestGateway(t, testConfig())

	connX := dial(t, server)
	connY := dial(t, server)
	subscribeTo(t, connX, "dev-x")
	subscribeTo(t, connY, "dev-y")

	b.emitProcessed(telemetry.ProcessedEvent{
		DeviceID: "dev-y", Category: telemetry.CategoryRealtime,
		Data: map[string]any{"oilTemp": 44.0}, Timestamp: time.Now().UnixMilli(),
	})

	// Y sees the update.
	frame := readFrame(t, connY)
	assert.Equal(t, EventRealtime, frame["event"])
	assert.Equal(t, "dev-y", frame["deviceId"])

	// X must not: the next thing X receives is its own pong, not dev-y data.
	sendFrame(t, connX, EventPing, "")
	frame = readFrame(t, connX)
	assert.Equal(t, EventPong, frame["event"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	g, b, _, server := newTestGateway(t, testConfig())

	conn := dial(t, server)
	subscribeTo(t, conn, "dev-x")

	sendFrame(t, conn, EventUnsubscribe, "dev-x")

	// Unsubscribe is processed in the read loop; ping-pong round trip
	// guarantees it has been handled before we publish.
	sendFrame(t, conn, EventPing, "")
	frame := readFrame(t, conn)
	require.Equal(t, EventPong, frame["event"])
	assert.Equal(t, 0, g.rooms.size())

	b.emitProcessed(telemetry.ProcessedEvent{
		DeviceID: "dev-x", Category: telemetry.CategoryRealtime,
		Data: map[string]any{"oilTemp": 44.0},
	})

	sendFrame(t, conn, EventPing, "")
	frame = readFrame(t, conn)
	assert.Equal(t, EventPong, frame["event"])
}

func TestHotStatusBootstrapOnSubscribe(t *testing.T) {
	_, _, st, server := newTestGateway(t, testConfig())

	st.SetHotStatus("dev-x", map[string]any{"oilTemp": 61.5}, time.Now())

	conn := dial(t, server)
	subscribeTo(t, conn, "dev-x")

	frame := readFrame(t, conn)
	assert.Equal(t, EventMachineStatus, frame["event"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, 61.5, data["oilTemp"])
}

func TestGetMachineStatus(t *testing.T) {
	_, _, st, server := newTestGateway(t, testConfig())

	conn := dial(t, server)

	sendFrame(t, conn, EventGetStatus, "dev-x")
	frame := readFrame(t, conn)
	assert.Equal(t, EventError, frame["event"])

	st.SetHotStatus("dev-x", map[string]any{"status": 1.0}, time.Now())
	sendFrame(t, conn, EventGetStatus, "dev-x")
	frame = readFrame(t, conn)
	assert.Equal(t, EventMachineStatus, frame["event"])
}

func TestAlertBroadcast(t *testing.T) {
	_, b, _, server := newTestGateway(t, testConfig())

	conn := dial(t, server)
	subscribeTo(t, conn, "dev-x")

	b.emitAlert(telemetry.Alert{
		DeviceID: "dev-x",
		Severity: telemetry.SeverityCritical,
		Message:  "machine error",
		RaisedAt: time.Now().UnixMilli(),
	})

	frame := readFrame(t, conn)
	assert.Equal(t, EventMachineAlert, frame["event"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "machine error", data["message"])
}

func TestConnectionCapPerAddress(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnPerAddress = 2
	_, _, _, server := newTestGateway(t, cfg)

	dial(t, server)
	dial(t, server)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestDisconnectReleasesSlotAndRooms(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnPerAddress = 1
	g, _, _, server := newTestGateway(t, cfg)

	conn := dial(t, server)
	subscribeTo(t, conn, "dev-x")
	require.NoError(t, conn.Close())

	// The read loop notices the close asynchronously.
	require.Eventually(t, func() bool {
		g.clientsMu.Lock()
		defer g.clientsMu.Unlock()
		return len(g.clients) == 0 && len(g.addrConns) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, g.rooms.size())

	// Slot is free again.
	dial(t, server)
}

func TestEmptyRoomPruned(t *testing.T) {
	g, _, _, server := newTestGateway(t, testConfig())

	conn := dial(t, server)
	subscribeTo(t, conn, "dev-x")
	assert.Equal(t, 1, g.rooms.size())

	sendFrame(t, conn, EventUnsubscribe, "dev-x")
	sendFrame(t, conn, EventPing, "")
	readFrame(t, conn)

	assert.Equal(t, 0, g.rooms.size())
}

func TestUnknownEventReturnsError(t *testing.T) {
	_, _, _, server := newTestGateway(t, testConfig())

	conn := dial(t, server)
	sendFrame(t, conn, "bogus-event", "")

	frame := readFrame(t, conn)
	assert.Equal(t, EventError, frame["event"])
}

func TestSubscribeWithoutDeviceRejected(t *testing.T) {
	_, _, _, server := newTestGateway(t, testConfig())

	conn := dial(t, server)
	sendFrame(t, conn, EventSubscribe, "")

	frame := readFrame(t, conn)
	assert.Equal(t, EventError, frame["event"])
}
