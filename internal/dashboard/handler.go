package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// SyncCompleteData contains pass completion information
type SyncCompleteData struct {
	Direction         schema.Direction `json:"direction"`
	Created           int              `json:"created"`
	Updated           int              `json:"updated"`
	Deleted           int              `json:"deleted"`
	Skipped           int              `json:"skipped"`
	Dropped           int              `json:"dropped"`
	ConflictsDetected int              `json:"conflicts_detected"`
	ConflictsResolved int              `json:"conflicts_resolved"`
	DurationMs        int64            `json:"duration_ms"`
}

// SyncErrorData contains pass failure information
type SyncErrorData struct {
	Direction schema.Direction `json:"direction"`
	Error     string           `json:"error"`
	Retryable bool             `json:"retryable"`
}

// ConflictData contains conflict information
type ConflictData struct {
	ConflictID string          `json:"conflict_id"`
	TaskID     string          `json:"task_id"`
	Title      string          `json:"title,omitempty"`
	Type       conflict.Type   `json:"type"`
	Resolved   bool            `json:"resolved"`
	Method     conflict.Method `json:"method,omitempty"`
}

// StatsSource provides the statistics the dashboard publishes.
type StatsSource interface {
	Statistics() coordinator.Statistics
}

// Handler turns coordinator notifications into dashboard messages. It
// implements coordinator.Observer.
type Handler struct {
	server *Server
	source StatsSource
	logger *log.Logger
}

var _ coordinator.Observer = (*Handler)(nil)

// NewHandler creates a handler broadcasting through server. source may be
// nil, in which case no stats messages are sent.
func NewHandler(server *Server, source StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, source: source, logger: logger}
}

// OnSyncCompleted handles completed passes
func (h *Handler) OnSyncCompleted(entry schema.SyncHistoryEntry) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Direction:         entry.Direction,
		Created:           entry.Created,
		Updated:           entry.Updated,
		Deleted:           entry.Deleted,
		Skipped:           entry.Skipped,
		Dropped:           entry.Dropped,
		ConflictsDetected: entry.ConflictsDetected,
		ConflictsResolved: entry.ConflictsResolved,
		DurationMs:        entry.DurationMs,
	})
	h.UpdateStats()
}

// OnSyncError handles failed passes
func (h *Handler) OnSyncError(entry schema.SyncHistoryEntry, err error) {
	h.send(MessageTypeSyncError, SyncErrorData{
		Direction: entry.Direction,
		Error:     err.Error(),
		Retryable: coordinator.IsRetryable(err),
	})
	h.UpdateStats()
}

// OnConflict handles detected conflicts
func (h *Handler) OnConflict(c *conflict.Conflict) {
	data := ConflictData{
		ConflictID: c.ID,
		TaskID:     c.TaskID,
		Type:       c.Type,
		Resolved:   c.Resolved,
	}
	for _, t := range []*schema.Task{c.FileVersion, c.AppVersion, c.BaseVersion} {
		if t != nil {
			data.Title = t.Title
			break
		}
	}
	if c.Resolution != nil {
		data.Method = c.Resolution.Method
	}
	h.send(MessageTypeConflict, data)
}

// UpdateStats broadcasts the current statistics. New clients receive the
// latest ones on connect.
func (h *Handler) UpdateStats() {
	if h.source == nil {
		return
	}
	h.send(MessageTypeStats, h.source.Statistics())
}

func (h *Handler) send(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
