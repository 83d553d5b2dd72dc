package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutuCH/opcua-backend-sub000/config"
	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/metric"
	"github.com/tutuCH/opcua-backend-sub000/status"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// Subscriber is the bus surface the gateway consumes. *bus.Bus satisfies it.
type Subscriber interface {
	SubscribeProcessed(c telemetry.Category, handler func(telemetry.ProcessedEvent)) error
	SubscribeAlerts(handler func(telemetry.Alert)) error
}

// StatusReader serves the hot-status bootstrap on subscribe.
type StatusReader interface {
	HotStatus(deviceID string) (status.HotStatus, bool)
}

// client is one websocket connection. Writes to the connection are
// serialized through writeMu; gorilla/websocket does not allow concurrent
// writers.
type client struct {
	conn      *websocket.Conn
	remote    string
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Gateway is the websocket fan-out server.
type Gateway struct {
	cfg     config.GatewayConfig
	status  StatusReader
	bus     Subscriber
	logger  *slog.Logger
	metrics *metric.Core
	now     func() time.Time

	upgrader websocket.Upgrader
	rooms    *rooms

	clientsMu sync.Mutex
	clients   map[*client]struct{}
	addrConns map[string]int

	lifecycleMu sync.Mutex
	running     bool
	server      *http.Server
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics enables gateway metrics.
func WithMetrics(core *metric.Core) Option {
	return func(g *Gateway) { g.metrics = core }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New builds a Gateway over the given bus and status cache.
func New(cfg config.GatewayConfig, st StatusReader, b Subscriber, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		status: st,
		bus:    b,
		logger: slog.Default(),
		now:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		rooms:     newRooms(),
		clients:   make(map[*client]struct{}),
		addrConns: make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Start wires the bus subscriptions and serves websocket upgrades on the
// configured port. The subscriptions are durable: they live until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "gateway", "Start", "gateway already running")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "gateway", "Start", "context already cancelled")
	}

	if err := g.subscribe(); err != nil {
		return err
	}

	g.shutdown = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, g.HandleUpgrade)
	g.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.cfg.Port),
		Handler: mux,
	}

	g.wg.Add(1)
	go g.serve()

	g.running = true
	g.logger.Info("gateway started", "port", g.cfg.Port, "path", g.cfg.Path)
	return nil
}

func (g *Gateway) serve() {
	defer g.wg.Done()
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		g.logger.Error("gateway server failed", "error", err)
	}
}

// subscribe opens one durable bus subscription per fan-out channel.
func (g *Gateway) subscribe() error {
	channels := map[telemetry.Category]string{
		telemetry.CategoryRealtime: EventRealtime,
		telemetry.CategorySPC:      EventSPC,
		telemetry.CategoryWarning:  EventAlarm,
	}
	for category, event := range channels {
		event := event
		err := g.bus.SubscribeProcessed(category, func(processed telemetry.ProcessedEvent) {
			g.broadcast(processed.DeviceID, serverFrame{
				Event:     event,
				DeviceID:  processed.DeviceID,
				Data:      processed.Data,
				Timestamp: processed.Timestamp,
			})
		})
		if err != nil {
			return err
		}
	}

	return g.bus.SubscribeAlerts(func(alert telemetry.Alert) {
		g.broadcast(alert.DeviceID, serverFrame{
			Event:     EventMachineAlert,
			DeviceID:  alert.DeviceID,
			Data:      alert,
			Timestamp: alert.RaisedAt,
		})
	})
}

// Stop closes the server and every live connection. In-flight broadcasts
// finish; new upgrades are refused once the listener is down.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.running {
		return nil
	}
	g.running = false
	close(g.shutdown)

	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Warn("gateway server shutdown", "error", err)
		}
		g.server = nil
	}

	g.clientsMu.Lock()
	for c := range g.clients {
		_ = c.conn.Close()
	}
	g.clientsMu.Unlock()

	g.wg.Wait()
	g.logger.Info("gateway stopped")
	return nil
}

// HandleUpgrade admits one websocket connection. Exported so the wiring can
// mount it on an existing mux; Start registers it on the gateway's own
// server.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := remoteHost(r)
	if !g.acquireSlot(remote) {
		g.logger.Warn("connection limit reached", "remote", remote)
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.releaseSlot(remote)
		g.logger.Warn("websocket upgrade failed", "remote", remote, "error", err)
		return
	}

	c := &client{conn: conn, remote: remote}
	g.clientsMu.Lock()
	g.clients[c] = struct{}{}
	count := len(g.clients)
	g.clientsMu.Unlock()

	if g.metrics != nil {
		g.metrics.ClientsConnected.Set(float64(count))
	}
	g.logger.Debug("client connected", "remote", remote)

	g.wg.Add(1)
	go g.readLoop(c)
}

// acquireSlot reserves one connection slot for the source address; it
// refuses once the address holds the configured maximum.
func (g *Gateway) acquireSlot(remote string) bool {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	if g.addrConns[remote] >= g.cfg.MaxConnPerAddress {
		return false
	}
	g.addrConns[remote]++
	return true
}

func (g *Gateway) releaseSlot(remote string) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	if g.addrConns[remote] <= 1 {
		delete(g.addrConns, remote)
		return
	}
	g.addrConns[remote]--
}

// readLoop consumes client frames until the connection drops or idles out.
// The read deadline doubles as the idle timer: every frame pushes it
// forward.
func (g *Gateway) readLoop(c *client) {
	defer g.wg.Done()
	defer g.disconnect(c)

	for {
		select {
		case <-g.shutdown:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(g.now().Add(g.cfg.IdleTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		g.dispatch(c, data)
	}
}

func (g *Gateway) dispatch(c *client, data []byte) {
	frame, err := parseClientFrame(data)
	if err != nil {
		g.sendError(c, "", "malformed frame")
		return
	}

	switch frame.Event {
	case EventSubscribe:
		g.handleSubscribe(c, frame.DeviceID)
	case EventUnsubscribe:
		if frame.DeviceID == "" {
			g.sendError(c, "", "deviceId required")
			return
		}
		g.rooms.leave(frame.DeviceID, c)
	case EventGetStatus:
		g.handleGetStatus(c, frame.DeviceID)
	case EventPing:
		g.send(c, serverFrame{Event: EventPong, Timestamp: g.now().UnixMilli()})
	default:
		g.sendError(c, frame.DeviceID, fmt.Sprintf("unknown event %q", frame.Event))
	}
}

// handleSubscribe joins the room and bootstraps the subscriber with the
// current hot status so the first render is never empty.
func (g *Gateway) handleSubscribe(c *client, deviceID string) {
	if deviceID == "" {
		g.sendError(c, "", "deviceId required")
		return
	}

	g.rooms.join(deviceID, c)
	g.send(c, serverFrame{
		Event:     EventConfirmed,
		DeviceID:  deviceID,
		Timestamp: g.now().UnixMilli(),
	})

	if hot, ok := g.status.HotStatus(deviceID); ok {
		g.send(c, serverFrame{
			Event:     EventMachineStatus,
			DeviceID:  deviceID,
			Data:      hot.Data,
			Timestamp: hot.LastUpdated.UnixMilli(),
		})
	}
}

func (g *Gateway) handleGetStatus(c *client, deviceID string) {
	if deviceID == "" {
		g.sendError(c, "", "deviceId required")
		return
	}

	hot, ok := g.status.HotStatus(deviceID)
	if !ok {
		g.sendError(c, deviceID, "no status available")
		return
	}
	g.send(c, serverFrame{
		Event:     EventMachineStatus,
		DeviceID:  deviceID,
		Data:      hot.Data,
		Timestamp: hot.LastUpdated.UnixMilli(),
	})
}

// broadcast delivers a frame to the device's room only.
func (g *Gateway) broadcast(deviceID string, frame serverFrame) {
	members := g.rooms.snapshot(deviceID)
	if len(members) == 0 {
		return
	}

	for _, c := range members {
		if c.closed.Load() {
			continue
		}
		g.send(c, frame)
	}

	if g.metrics != nil {
		g.metrics.EventsFanned.WithLabelValues(frame.Event).Add(float64(len(members)))
	}
}

func (g *Gateway) sendError(c *client, deviceID, message string) {
	g.send(c, serverFrame{
		Event:     EventError,
		DeviceID:  deviceID,
		Message:   message,
		Timestamp: g.now().UnixMilli(),
	})
}

func (g *Gateway) send(c *client, frame serverFrame) {
	data, err := frame.marshal()
	if err != nil {
		g.logger.Error("frame marshal failed", "event", frame.Event, "error", err)
		return
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(g.now().Add(g.cfg.WriteTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		g.disconnect(c)
	}
}

// disconnect releases the address slot, removes the client from every room
// and closes the connection. Safe to call more than once.
func (g *Gateway) disconnect(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		g.rooms.leaveAll(c)

		g.clientsMu.Lock()
		delete(g.clients, c)
		count := len(g.clients)
		if g.addrConns[c.remote] <= 1 {
			delete(g.addrConns, c.remote)
		} else {
			g.addrConns[c.remote]--
		}
		g.clientsMu.Unlock()

		_ = c.conn.Close()

		if g.metrics != nil {
			g.metrics.ClientsConnected.Set(float64(count))
		}
		g.logger.Debug("client disconnected", "remote", c.remote)
	})
}

func parseClientFrame(data []byte) (clientFrame, error) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return clientFrame{}, err
	}
	if frame.Event == "" {
		return clientFrame{}, errors.ErrInvalidPayload
	}
	return frame, nil
}

// remoteHost strips the ephemeral port so the per-address cap counts
// connections per host, not per socket.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
