package viz

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientSendBuffer = 64
	writeWait        = 2 * time.Second
)

// Message is what the hub sends to WebSocket clients.
type Message struct {
	Type   string          `json:"type"`
	Chart  string          `json:"chart,omitempty"`
	Series string          `json:"series,omitempty"`
	Title  string          `json:"title,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	Style  string          `json:"style,omitempty"`
	Point  *Point          `json:"point,omitempty"`
	Charts []ChartSnapshot `json:"charts,omitempty"`
	Data   any             `json:"data,omitempty"`
	Stamp  int64           `json:"stamp"`
}

// Message types.
const (
	MsgCharts = "charts"
	MsgChart  = "chart"
	MsgSeries = "series"
	MsgPoint  = "point"
	MsgEvent  = "event"
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a Store that also streams every change to WebSocket clients.
// New clients first receive a full snapshot. A client that cannot keep up
// loses messages instead of slowing the writer down.
type Hub struct {
	*Store
	log zerolog.Logger

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
	dropped   atomic.Uint64
}

func NewHub(store *Store, log zerolog.Logger) *Hub {
	if store == nil {
		store = NewStore(0)
	}
	return &Hub{
		Store:   store,
		log:     log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) CreateChart(id, title, kind string) error {
	if err := h.Store.CreateChart(id, title, kind); err != nil {
		return err
	}
	c, _ := h.Store.Chart(id)
	h.Broadcast(Message{Type: MsgChart, Chart: id, Title: c.Title, Kind: c.Kind})
	return nil
}

func (h *Hub) AddDataSeries(chartID, series, style string) error {
	if err := h.Store.AddDataSeries(chartID, series, style); err != nil {
		return err
	}
	h.Broadcast(Message{Type: MsgSeries, Chart: chartID, Series: series, Style: style})
	return nil
}

func (h *Hub) AddDataPoint(chartID string, x, y float64, series string) error {
	if err := h.Store.AddDataPoint(chartID, x, y, series); err != nil {
		return err
	}
	h.Broadcast(Message{Type: MsgPoint, Chart: chartID, Series: series, Point: &Point{X: x, Y: y}})
	return nil
}

// Event forwards an arbitrary payload, such as an ECU state change.
func (h *Hub) Event(data any) {
	h.Broadcast(Message{Type: MsgEvent, Data: data})
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg Message) {
	if msg.Stamp == 0 {
		msg.Stamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn().Err(err).Str("type", msg.Type).Msg("marshal message")
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages skipped for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// ServeHTTP upgrades the request and streams to the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	hello, err := json.Marshal(Message{Type: MsgCharts, Charts: h.Store.Snapshot(), Stamp: time.Now().UnixMilli()})
	if err == nil {
		client.send <- hello
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.log.Info().Int("clients", n).Str("remote", r.RemoteAddr).Msg("client connected")

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *Hub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop discards client input and unregisters the client once the
// connection fails.
func (h *Hub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMu.Unlock()
	if ok {
		h.log.Info().Int("clients", n).Msg("client disconnected")
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
