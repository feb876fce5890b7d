// Package transport carries the command channel: one persistent websocket
// per client, server-side broadcast, client-side reconnection. Every send can
// fail; a failed write means the peer is effectively disconnected.
package transport

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ferngale/syncroom/internal/protocol"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 30 * time.Second
	pingInterval = 10 * time.Second
)

// EventKind classifies hub events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventCommand
	EventResponse
)

// Event is one inbound occurrence on the hub: a connection coming or going,
// or a record received from a client. ConnID identifies the connection so the
// coordinator can answer a specific client.
type Event struct {
	ConnID   string
	Kind     EventKind
	Command  *protocol.Command
	Response *protocol.Response
}

type hubConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// Hub owns the server side of the command channel. All inbound traffic and
// membership changes flow out through Events(); mutation of the connection
// set is serialized behind the hub mutex.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*hubConn
	nextID int
	closed bool

	events chan Event
}

// NewHub returns a hub ready to accept connections via Handler.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Pairing code is the trust boundary; the channel accepts any
			// origin on the local network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*hubConn),
		events: make(chan Event, 256),
	}
}

// Events returns the hub's event stream. The channel is never closed; stop
// consuming when the owning session stops.
func (h *Hub) Events() <-chan Event { return h.events }

// Handler upgrades inbound requests and services each connection until it
// drops.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("level=warn msg=\"websocket upgrade failed\" remote=%s err=%v", r.RemoteAddr, err)
			return
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = ws.Close()
			return
		}
		h.nextID++
		conn := &hubConn{id: fmt.Sprintf("conn-%d", h.nextID), ws: ws}
		h.conns[conn.id] = conn
		h.mu.Unlock()

		h.emit(Event{ConnID: conn.id, Kind: EventConnected})
		go h.pingLoop(conn)
		h.readLoop(conn)
	})
}

// Broadcast fans a command out to every open connection. A connection whose
// write fails is dropped from the set, never retried; the command is not
// re-sent to it. Blocking I/O happens per connection, so callers must not be
// on a latency-sensitive path.
func (h *Hub) Broadcast(cmd *protocol.Command) {
	data, err := protocol.Encode(cmd)
	if err != nil {
		log.Printf("level=error msg=\"encode broadcast\" action=%s err=%v", cmd.Action, err)
		return
	}

	for _, conn := range h.snapshot() {
		if err := conn.write(websocket.TextMessage, data); err != nil {
			log.Printf("level=warn msg=\"broadcast write failed, dropping client\" conn=%s err=%v", conn.id, err)
			h.drop(conn)
		}
	}
}

// Send delivers a command to one connection.
func (h *Hub) Send(connID string, cmd *protocol.Command) error {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %s", connID)
	}

	data, err := protocol.Encode(cmd)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	if err := conn.write(websocket.TextMessage, data); err != nil {
		h.drop(conn)
		return fmt.Errorf("transport: send to %s: %w", connID, err)
	}
	return nil
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every connection. The hub cannot be reused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*hubConn)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (h *Hub) snapshot() []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) drop(conn *hubConn) {
	h.mu.Lock()
	_, present := h.conns[conn.id]
	delete(h.conns, conn.id)
	h.mu.Unlock()

	_ = conn.ws.Close()
	if present {
		h.emit(Event{ConnID: conn.id, Kind: EventDisconnected})
	}
}

func (h *Hub) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		log.Printf("level=warn msg=\"hub event dropped, consumer too slow\" conn=%s kind=%d", ev.ConnID, ev.Kind)
	}
}

func (h *Hub) readLoop(conn *hubConn) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			h.drop(conn)
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		cmd, resp, err := protocol.Decode(data)
		if err != nil {
			// Malformed input is logged and dropped; the connection stays.
			log.Printf("level=warn msg=\"malformed message\" conn=%s err=%v", conn.id, err)
			continue
		}
		if cmd != nil {
			h.emit(Event{ConnID: conn.id, Kind: EventCommand, Command: cmd})
		} else {
			h.emit(Event{ConnID: conn.id, Kind: EventResponse, Response: resp})
		}
	}
}

func (h *Hub) pingLoop(conn *hubConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		h.mu.Lock()
		_, alive := h.conns[conn.id]
		h.mu.Unlock()
		if !alive {
			return
		}
		if err := conn.write(websocket.PingMessage, nil); err != nil {
			h.drop(conn)
			return
		}
	}
}

// Server binds the hub to a TCP listener. Splitting bind from serve lets the
// caller learn the ephemeral port and surface bind failures synchronously.
type Server struct {
	hub  *Hub
	http *http.Server
	ln   net.Listener
}

// NewServer wraps the hub in an HTTP server exposing CommandPath.
func NewServer(hub *Hub) *Server {
	mux := http.NewServeMux()
	mux.Handle(CommandPath, hub.Handler())
	return &Server{
		hub: hub,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// CommandPath is the websocket endpoint of the command channel.
const CommandPath = "/sync"

// Start binds addr and begins serving in the background. A bind error is
// returned synchronously; it is fatal to session start.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: bind %s: %w", addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("level=warn msg=\"command channel server stopped\" err=%v", err)
		}
	}()
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting and drops all connections.
func (s *Server) Close() {
	s.hub.Close()
	_ = s.http.Close()
}
