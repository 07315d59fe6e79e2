package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendBuffer   = 8
)

// StreamMetrics receives stream client events.
type StreamMetrics interface {
	StreamClientConnected()
	StreamClientDisconnected()
	StreamSnapshotDropped()
}

type noopStreamMetrics struct{}

func (noopStreamMetrics) StreamClientConnected()    {}
func (noopStreamMetrics) StreamClientDisconnected() {}
func (noopStreamMetrics) StreamSnapshotDropped()    {}

// hub fans engine snapshots out to WebSocket clients. Each client has a
// bounded send queue; a client that falls behind misses snapshots rather
// than slowing the engine.
type hub struct {
	upgrader   websocket.Upgrader
	limiter    *ipRateLimiter
	trustProxy bool
	scale      float64
	latest     func() model.Snapshot
	metrics    StreamMetrics
	log        logging.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	ip   string
	once sync.Once
}

func newHub(opts StreamOptions, scale float64, latest func() model.Snapshot, metrics StreamMetrics, log logging.Logger) *hub {
	if metrics == nil {
		metrics = noopStreamMetrics{}
	}
	h := &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter:    newIPRateLimiter(rate.Limit(opts.Rate), opts.Burst),
		trustProxy: opts.TrustProxy,
		scale:      scale,
		latest:     latest,
		metrics:    metrics,
		log:        log,
		clients:    make(map[*streamClient]struct{}),
		stop:       make(chan struct{}),
	}
	go h.limiter.run(limiterSweepInterval, h.stop)
	return h
}

// serveWS upgrades the request and streams snapshots until the client goes
// away or the hub closes.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx, h.log)

	ip := clientIP(r, h.trustProxy)
	if !h.limiter.allow(ip) {
		log.Warn(ctx, "stream rate limit exceeded", logging.String("remote_ip", ip))
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorJSON{Error: "too many stream connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Debug(ctx, "websocket upgrade failed", logging.Err(err))
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, sendBuffer), ip: ip}
	if msg, err := h.encode(h.latest()); err == nil {
		c.send <- msg
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	log.Info(ctx, "stream connected", logging.String("remote_ip", ip))

	go h.writePump(c)
	h.readPump(c)
	log.Info(ctx, "stream disconnected", logging.String("remote_ip", ip))
}

func (h *hub) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.StreamClientConnected()
	return true
}

func (h *hub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.StreamClientDisconnected()
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

// readPump discards client messages and keeps the read deadline fresh via
// pongs. It returns when the connection fails.
func (h *hub) readPump(c *streamClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the connection's only writer.
func (h *hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) encode(s model.Snapshot) ([]byte, error) {
	return json.Marshal(toSnapshot(s, h.scale))
}

// broadcast is registered as an engine tick listener.
func (h *hub) broadcast(s model.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) == 0 {
		return
	}
	msg, err := h.encode(s)
	if err != nil {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.metrics.StreamSnapshotDropped()
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// close disconnects every client and refuses new ones.
func (h *hub) close() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
