// Package websocket pushes fabric telemetry to browser clients. A single hub
// goroutine owns the connection set; bus subscriptions feed the broadcast
// channel, so slow clients are disconnected instead of stalling publishers.
package websocket

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
)

// Frame is the wire shape sent to every client.
type Frame struct {
	Topic     string    `json:"topic"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Streamer fans fabric events out to websocket connections.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	nclients   atomic.Int64
	broadcast  chan Frame
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	upgrader   websocket.Upgrader

	reg     *metrics.Registry
	logger  *slog.Logger
	busSubs []*events.Subscription
	bus     *events.Bus

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewStreamer(reg *metrics.Registry) *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Frame, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		reg:    reg,
		logger: slog.Default().With("component", "websocket"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// AttachBus subscribes the streamer to the given topics. Events that arrive
// while the broadcast channel is full are dropped and counted rather than
// blocking the publisher.
func (s *Streamer) AttachBus(bus *events.Bus, topics ...string) {
	s.bus = bus
	for _, topic := range topics {
		sub := bus.Subscribe(topic, nil, func(e *events.Event) error {
			frame := Frame{
				Topic:     e.Topic,
				EventID:   e.ID,
				Timestamp: e.Timestamp,
				Payload:   e.Payload,
			}
			select {
			case s.broadcast <- frame:
			default:
				s.reg.Counter("websocket_frames_dropped").Inc()
			}
			return nil
		})
		s.busSubs = append(s.busSubs, sub)
	}
}

// Run owns the client set until Stop. Callers run it in its own goroutine.
func (s *Streamer) Run() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			for conn := range s.clients {
				conn.Close()
			}
			s.clients = make(map[*websocket.Conn]bool)
			return

		case conn := <-s.register:
			s.clients[conn] = true
			s.syncClientCount()
			s.logger.Info("client connected", "total", len(s.clients))

		case conn := <-s.unregister:
			if _, ok := s.clients[conn]; ok {
				delete(s.clients, conn)
				conn.Close()
				s.syncClientCount()
				s.logger.Info("client disconnected", "total", len(s.clients))
			}

		case frame := <-s.broadcast:
			for conn := range s.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(frame); err != nil {
					s.logger.Warn("write failed, dropping client", "error", err)
					conn.Close()
					delete(s.clients, conn)
				}
			}
			s.syncClientCount()
			s.reg.Counter("websocket_frames_sent").Inc()
		}
	}
}

func (s *Streamer) syncClientCount() {
	s.nclients.Store(int64(len(s.clients)))
	s.reg.Gauge("websocket_clients").Set(float64(len(s.clients)))
}

// ClientCount returns the number of connections the hub currently tracks.
func (s *Streamer) ClientCount() int {
	return int(s.nclients.Load())
}

// Stop unsubscribes from the bus and closes every connection.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() {
		for _, sub := range s.busSubs {
			s.bus.Unsubscribe(sub)
		}
		close(s.stopCh)
		<-s.done
	})
}

// HandleWebSocket upgrades the request and registers the connection. A read
// pump discards inbound messages and unregisters on the first read error,
// which is how client disconnects surface.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	select {
	case s.register <- conn:
	case <-s.stopCh:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.unregister <- conn:
			case <-s.stopCh:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
