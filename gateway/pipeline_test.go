package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutuCH/opcua-backend-sub000/process"
	"github.com/tutuCH/opcua-backend-sub000/queue"
	"github.com/tutuCH/opcua-backend-sub000/status"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// loopbackBus couples the worker's publish side to the gateway's subscribe
// side in process, standing in for NATS.
type loopbackBus struct {
	fakeBus
}

func (l *loopbackBus) PublishProcessed(event telemetry.ProcessedEvent) error {
	l.emitProcessed(event)
	return nil
}

func (l *loopbackBus) PublishAlert(alert telemetry.Alert) error {
	l.emitAlert(alert)
	return nil
}

type recordingWriter struct {
	mu   sync.Mutex
	envs []*telemetry.Envelope
}

func (w *recordingWriter) Write(_ context.Context, env *telemetry.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.envs = append(w.envs, env)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.envs)
}

// A valid realtime envelope travels the whole pipeline: reliable queue,
// worker, store write, hot-status refresh, bus, and finally the websocket
// frame a subscribed client sees.
func TestRealtimeEnvelopeReachesSubscribedClient(t *testing.T) {
	st := status.NewStore()
	t.Cleanup(st.Close)

	b := &loopbackBus{}
	g := New(testConfig(), st, b)
	require.NoError(t, g.subscribe())
	server := httptest.NewServer(http.HandlerFunc(g.HandleUpgrade))
	t.Cleanup(server.Close)

	conn := dial(t, server)
	subscribeTo(t, conn, "mb-01")

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.New(client)

	writer := &recordingWriter{}
	proc := process.New(writer, b, st)

	env := &telemetry.Envelope{
		DeviceID:           "mb-01",
		Category:           telemetry.CategoryRealtime,
		CaptureEpochMillis: time.Now().UnixMilli(),
		Data:               map[string]any{"oilTemp": 55.5, "status": 1.0},
	}
	raw, err := env.Marshal()
	require.NoError(t, err)

	ctx := context.Background()
	_, err = q.Enqueue(ctx, telemetry.CategoryRealtime.QueueName(), raw, queue.EnqueueOptions{})
	require.NoError(t, err)

	stop := q.RunWorkerPool(ctx, telemetry.CategoryRealtime.QueueName(),
		proc.Handler(telemetry.CategoryRealtime),
		queue.PoolOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	defer stop()

	frame := readFrame(t, conn)
	assert.Equal(t, EventRealtime, frame["event"])
	assert.Equal(t, "mb-01", frame["deviceId"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, 55.5, data["oilTemp"])

	require.Eventually(t, func() bool { return writer.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	hot, ok := st.HotStatus("mb-01")
	require.True(t, ok)
	assert.Equal(t, 55.5, hot.Data["oilTemp"])
}
