// Package monitor exposes a local WebSocket feed of client telemetry:
// spectrum snapshots, gate decisions, and session state changes. It
// replaces an in-process UI with something any local page or tool can
// subscribe to.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Kind tags a telemetry message.
const (
	KindSpectrum = "spectrum"
	KindGate     = "gate"
	KindState    = "state"
)

// Message is the envelope broadcast to every subscriber.
type Message struct {
	Kind    string      `json:"kind"`
	Channel string      `json:"channel,omitempty"`
	Payload interface{} `json:"payload"`
	TS      int64       `json:"ts"`
}

// Server serves GET /ws for subscriptions and GET /healthz for
// liveness. Slow subscribers are dropped rather than allowed to stall
// the broadcast path.
type Server struct {
	logger   *slog.Logger
	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
}

// NewServer binds addr immediately so the caller learns the port before
// any telemetry flows. Pass "127.0.0.1:0" for an ephemeral port.
func NewServer(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:   logger,
		listener: listener,
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local telemetry feed, any origin on the loopback is fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("monitor server stopped", "error", err)
		}
	}()

	logger.Info("monitor listening", "addr", listener.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		sendCh: make(chan []byte, 64),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("monitor client connected", "remote", r.RemoteAddr, "clients", count)

	go s.writeLoop(c)
	s.readLoop(c, r.RemoteAddr)
}

// readLoop exists only to notice disconnects; inbound messages are
// discarded.
func (s *Server) readLoop(c *client, remote string) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(c)
	s.logger.Info("monitor client disconnected", "remote", remote)
}

func (s *Server) writeLoop(c *client) {
	for msg := range c.sendCh {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.drop(c)
			return
		}
	}
	_ = c.conn.Close()
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.sendCh)
	}
	s.mu.Unlock()
}

// Broadcast sends a message to every subscriber. A subscriber whose
// queue is full is dropped.
func (s *Server) Broadcast(kind, channel string, payload interface{}) {
	msg := Message{
		Kind:    kind,
		Channel: channel,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal monitor message", "kind", kind, "error", err)
		return
	}

	s.mu.Lock()
	var slow []*client
	for c := range s.clients {
		select {
		case c.sendCh <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(s.clients, c)
		close(c.sendCh)
	}
	s.mu.Unlock()

	if len(slow) > 0 {
		s.logger.Warn("dropped slow monitor clients", "count", len(slow))
	}
}

// Close shuts the server down and disconnects all subscribers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.sendCh)
	}
	s.mu.Unlock()

	return s.httpSrv.Close()
}
