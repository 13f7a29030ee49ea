// Package dashboard provides a real-time WebSocket server for sync activity.
//
// The dashboard broadcasts completed and failed passes, detected conflicts
// and sync statistics to connected WebSocket clients.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncComplete indicates a pass completed
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncError indicates a pass failed
	MessageTypeSyncError MessageType = "sync_error"

	// MessageTypeConflict indicates a pass detected a conflict
	MessageTypeConflict MessageType = "conflict_detected"

	// MessageTypeStats indicates updated sync statistics
	MessageTypeStats MessageType = "stats"
)

const (
	// sendQueue is how many messages a client may fall behind before it is
	// disconnected.
	sendQueue    = 32
	writeTimeout = 5 * time.Second
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// client is one WebSocket subscriber. Messages are queued on send and
// written by the connection's handler; a closed send means the client was
// dropped for falling behind.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server pushes dashboard messages to WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks the HTTP server and every connected client.
	wg sync.WaitGroup

	mu        sync.Mutex
	clients   map[*client]struct{}
	lastStats []byte
	closed    bool
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8080)
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8080",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a dashboard server. Call Start to listen.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop refuses new clients, disconnects the current ones and waits for
// their handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Println("Stopping dashboard server")
	s.cancel()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return shutdownErr
}

// Broadcast queues msg for every client. Clients whose queue is full are
// dropped. Stats messages are also kept for clients that connect later.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Type == MessageTypeStats {
		s.lastStats = data
	}
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Printf("Dropping client that fell %d messages behind", sendQueue)
			s.dropLocked(c)
		}
	}
}

// register adds c with the latest stats already queued, so nothing
// broadcast afterwards can overtake them. It fails once Stop was called.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	welcome := s.lastStats
	if welcome == nil {
		welcome, _ = json.Marshal(Message{Type: MessageTypeStats, Timestamp: time.Now()})
	}
	c.send <- welcome
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.logger.Printf("Client connected (total: %d)", len(s.clients))
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	s.dropLocked(c)
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client disconnected (total: %d)", total)
}

// dropLocked removes c and closes its queue. s.mu must be held.
func (s *Server) dropLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

// handleWebSocket serves one client for the lifetime of its connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The dashboard binds to loopback by default.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueue)}
	if !s.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()
	defer s.unregister(c)

	// Client messages are ignored; CloseRead's context ends when the client
	// goes away.
	ctx := conn.CloseRead(s.ctx)
	code, reason := s.writeLoop(ctx, c)
	_ = conn.Close(code, reason)
}

// writeLoop writes queued messages until the client leaves, falls behind
// or the server stops, and returns the close status to send.
func (s *Server) writeLoop(ctx context.Context, c *client) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			return websocket.StatusNormalClosure, ""

		case data, ok := <-c.send:
			if !ok {
				return websocket.StatusPolicyViolation, "client too slow"
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}{"ok", s.ClientCount()})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>tasksync dashboard</title></head>
<body>
    <h1>tasksync dashboard</h1>
    <p>Sync events stream from <code>ws://%s/ws</code> as JSON messages:
    sync_complete, sync_error, conflict_detected and stats.</p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
