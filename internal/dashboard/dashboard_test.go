package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

type fixedStats coordinator.Statistics

func (f fixedStats) Statistics() coordinator.Statistics {
	return coordinator.Statistics(f)
}

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" || addr == "127.0.0.1:0" {
		t.Errorf("Addr() = %q, want the bound address", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestNewClientReceivesLatestStats(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, fixedStats{TotalSyncs: 7, FailedSyncs: 2}, log.New(io.Discard, "", 0))
	handler.UpdateStats()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected %s, got %s", MessageTypeStats, msg.Type)
	}
	var stats coordinator.Statistics
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.TotalSyncs != 7 || stats.FailedSyncs != 2 {
		t.Errorf("stats = %+v, want 7 total and 2 failed", stats)
	}
}

func TestHandlerBroadcasts(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, fixedStats{TotalSyncs: 1}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn) // welcome

	handler.OnSyncCompleted(schema.SyncHistoryEntry{
		Direction:  schema.DirectionFileToApp,
		Created:    2,
		Updated:    1,
		Success:    true,
		DurationMs: 12,
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var done SyncCompleteData
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to unmarshal sync data: %v", err)
	}
	if done.Direction != schema.DirectionFileToApp || done.Created != 2 || done.Updated != 1 || done.DurationMs != 12 {
		t.Errorf("sync data = %+v", done)
	}

	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
		t.Errorf("Expected stats after sync_complete, got %s", msg.Type)
	}

	handler.OnSyncError(schema.SyncHistoryEntry{Direction: schema.DirectionAppToFile}, coordinator.ErrAborted)
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncError {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncError, msg.Type)
	}
	var failed SyncErrorData
	if err := json.Unmarshal(msg.Data, &failed); err != nil {
		t.Fatalf("Failed to unmarshal error data: %v", err)
	}
	if failed.Retryable || failed.Error != coordinator.ErrAborted.Error() {
		t.Errorf("error data = %+v", failed)
	}
	readMessage(t, ctx, conn) // stats

	handler.OnConflict(&conflict.Conflict{
		ID:          "c1",
		TaskID:      "t1",
		Type:        conflict.TypeContent,
		FileVersion: &schema.Task{ID: "t1", Title: "Buy milk"},
		Resolved:    true,
		Resolution:  &conflict.Resolution{Method: conflict.MethodAutoMerge},
	})
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConflict {
		t.Fatalf("Expected %s, got %s", MessageTypeConflict, msg.Type)
	}
	var cd ConflictData
	if err := json.Unmarshal(msg.Data, &cd); err != nil {
		t.Fatalf("Failed to unmarshal conflict data: %v", err)
	}
	want := ConflictData{ConflictID: "c1", TaskID: "t1", Title: "Buy milk", Type: conflict.TypeContent, Resolved: true, Method: conflict.MethodAutoMerge}
	if cd != want {
		t.Errorf("conflict data = %+v, want %+v", cd, want)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, nil, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	clients := make([]*websocket.Conn, numClients)
	for i := range clients {
		clients[i] = dial(t, ctx, server)
		readMessage(t, ctx, clients[i]) // welcome
	}
	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}

	handler.OnSyncError(schema.SyncHistoryEntry{Direction: schema.DirectionFileToApp}, errors.New("disk busy"))
	for i, conn := range clients {
		if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeSyncError {
			t.Errorf("client %d got %s, want %s", i, msg.Type, MessageTypeSyncError)
		}
	}
}

func TestBroadcastDropsSlowClient(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	slow := &client{send: make(chan []byte, sendQueue)}
	if !server.register(slow) {
		t.Fatal("register() refused a client before Stop")
	}

	// The welcome message already occupies one slot.
	for i := 0; i < sendQueue; i++ {
		server.Broadcast(Message{Type: MessageTypeSyncComplete})
	}
	if count := server.ClientCount(); count != 0 {
		t.Errorf("ClientCount() = %d, want the slow client dropped", count)
	}

	queued := 0
	for range slow.send {
		queued++
	}
	if queued != sendQueue {
		t.Errorf("queued %d messages before the drop, want %d", queued, sendQueue)
	}
}

func TestStopRefusesNewClients(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if server.register(&client{send: make(chan []byte, sendQueue)}) {
		t.Error("register() accepted a client after Stop")
	}
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestRootNotFoundForOtherPaths(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/nope")
	if err != nil {
		t.Fatalf("GET /nope failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
