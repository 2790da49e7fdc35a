package acq164d

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// MonitorMessage is one JSON message pushed to websocket monitor clients.
type MonitorMessage struct {
	Type        string    `json:"type"` // "block" or "scalar"
	Channel     int       `json:"channel"`
	FirstSample int64     `json:"first_sample,omitempty"`
	Mean        float64   `json:"mean,omitempty"`
	Samples     []float64 `json:"samples,omitempty"`
}

type monitorClient struct {
	conn *websocket.Conn
	send chan MonitorMessage
}

// writePump pumps messages from the hub to the websocket connection.
func (c *monitorClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Monitor is a websocket hub that mirrors published blocks and scalar means
// to any connected browser client. Like the ZMQ publishers it is
// fire-and-forget: a slow client misses messages rather than slowing the
// pipeline.
type Monitor struct {
	mu       sync.RWMutex
	clients  map[*monitorClient]bool
	upgrader websocket.Upgrader
}

// NewMonitor creates an empty hub.
func NewMonitor() *Monitor {
	return &Monitor{
		clients: make(map[*monitorClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades one HTTP request to a monitor websocket.
func (m *Monitor) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ProblemLogger.Printf("monitor upgrade failed: %s", err)
		return
	}
	client := &monitorClient{conn: conn, send: make(chan MonitorMessage, 16)}
	m.mu.Lock()
	m.clients[client] = true
	m.mu.Unlock()
	go client.writePump()

	// Reader loop: monitor clients send nothing we care about, but reading
	// is how we learn the connection died.
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.clients, client)
			m.mu.Unlock()
			close(client.send)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// NClients returns how many monitor clients are connected.
func (m *Monitor) NClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Monitor) broadcast(msg MonitorMessage) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for client := range m.clients {
		select {
		case client.send <- msg:
		default:
			// client is falling behind; drop the message
		}
	}
}

// OfferBlock mirrors one published block to monitor clients.
func (m *Monitor) OfferBlock(ev BlockEvent) {
	m.broadcast(MonitorMessage{
		Type:        "block",
		Channel:     ev.Channel,
		FirstSample: int64(ev.FirstSample),
		Samples:     ev.Samples,
	})
}

// OfferScalar mirrors one published windowed mean to monitor clients.
func (m *Monitor) OfferScalar(ev ScalarEvent) {
	m.broadcast(MonitorMessage{Type: "scalar", Channel: ev.Channel, Mean: ev.Mean})
}

func httpHandler(m *Monitor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.ServeWS)
	return mux
}

// RunMonitorServer serves the monitor websocket on /ws until the process
// exits.
func RunMonitorServer(m *Monitor, port int) {
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, httpHandler(m)); err != nil {
		ProblemLogger.Printf("monitor server stopped: %s", err)
	}
}
