package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"simflow/internal/metrics"
	"simflow/logger"
)

// streamMetric is the wire shape of one metric pushed over /ws/metrics.
type streamMetric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component,omitempty"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// metricStream fans emitted metrics out to websocket readers. Each reader
// gets its own buffered channel; a reader that cannot keep up loses
// metrics, never the emitter.
type metricStream struct {
	upgrader websocket.Upgrader
	buffer   int
	log      *logger.Log

	mu      sync.Mutex
	clients map[*websocket.Conn]chan metrics.Metric
	closed  bool
}

func newMetricStream(buffer int, log *logger.Log) *metricStream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &metricStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		buffer:  buffer,
		log:     log,
		clients: make(map[*websocket.Conn]chan metrics.Metric),
	}
}

// broadcast offers one metric to every connected reader without blocking.
func (s *metricStream) broadcast(m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		select {
		case ch <- m:
		default:
		}
	}
}

// serve upgrades the request and streams metrics until the reader goes
// away or the monitor shuts down.
func (s *metricStream) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("monitor").WithError(err).Warn("websocket upgrade failed")
		return
	}

	ch := make(chan metrics.Metric, s.buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[conn] = ch
	s.mu.Unlock()

	go s.write(conn, ch)
	s.read(conn)
}

// write drains the reader's channel onto the wire. The channel closing
// means the reader was dropped or the monitor is shutting down.
func (s *metricStream) write(conn *websocket.Conn, ch <-chan metrics.Metric) {
	for m := range ch {
		payload := streamMetric{
			Timestamp: m.Timestamp,
			Component: m.Component,
			Name:      m.Name,
			Value:     m.Value,
			Type:      m.Type,
			Fields:    m.Fields,
		}
		if err := conn.WriteJSON(payload); err != nil {
			s.drop(conn)
			return
		}
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
}

// read blocks on the connection so reader-initiated closes are noticed.
// Inbound payloads are ignored; the stream is one-way.
func (s *metricStream) read(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.drop(conn)
			return
		}
	}
}

// drop detaches one reader. Safe to call from both loops; only the first
// call closes the channel.
func (s *metricStream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	ch, ok := s.clients[conn]
	if ok {
		delete(s.clients, conn)
		close(ch)
	}
	s.mu.Unlock()
	conn.Close()
}

// close detaches every reader. Write loops notice their channels closing
// and send close frames on the way out.
func (s *metricStream) close() {
	s.mu.Lock()
	s.closed = true
	for conn, ch := range s.clients {
		delete(s.clients, conn)
		close(ch)
	}
	s.mu.Unlock()
}

// readers reports how many websocket readers are attached.
func (s *metricStream) readers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
