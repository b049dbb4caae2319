// Package controlserver is the embedded localhost HTTP server: it takes
// Claude Code hook callbacks (a Stop hook means a reply is ready, so the
// mailbox is polled immediately), serves a status snapshot, and streams
// events to websocket clients.
package controlserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjoeboo/relaydeck/internal/logging"
	"github.com/sjoeboo/relaydeck/internal/relay"
)

// Server binds to 127.0.0.1 only and is lifecycle-bound to the relay
// process.
type Server struct {
	port   int
	relay  *relay.Relay
	server *http.Server
	log    *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Localhost-only listener; browser origin checks don't apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates the control server. port=0 is valid for tests (use
// ServeHTTP directly).
func New(port int, r *relay.Relay) *Server {
	s := &Server{
		port:    port,
		relay:   r,
		log:     logging.ForComponent(logging.CompHTTP),
		clients: make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks", s.handleHook)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events holds its connection open.
	}
	return s
}

// ServeHTTP implements http.Handler for testing — delegates to the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start binds to 127.0.0.1:{port} and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("control server listen :%d: %w", s.port, err)
	}
	s.log.Info("control server started", slog.Int("port", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		s.closeClients()
		return nil
	case err := <-errCh:
		return err
	}
}

// hookPayload is the JSON body Claude Code sends for HTTP hook events.
type hookPayload struct {
	HookEventName string `json:"hook_event_name"`
	SessionID     string `json:"session_id"`
}

// Event is one item on the /events stream.
type Event struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Event   string `json:"event,omitempty"`
	Time    string `json:"time"`
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16)) // 64KB max
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload hookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Stop means the worker finished a turn: a reply envelope is likely
	// sitting in the mailbox right now.
	if payload.HookEventName == "Stop" || payload.HookEventName == "SubagentStop" {
		s.relay.Poke()
	}

	s.broadcast(Event{
		Type:    "hook",
		Session: payload.SessionID,
		Event:   payload.HookEventName,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.relay.Status()); err != nil {
		s.log.Warn("status encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Read loop only to observe the close; inbound messages are ignored.
	go func() {
		defer s.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast delivers an event to every connected client, dropping those
// whose connection has gone away.
func (s *Server) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.mu.Lock()
	var dead []*websocket.Conn
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(s.clients, conn)
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopped"))
		_ = conn.Close()
		delete(s.clients, conn)
	}
}
