package schema

import "time"

// Direction names which side of a sync pass is read and which is written.
type Direction string

const (
	DirectionFileToApp     Direction = "file_to_app"
	DirectionAppToFile     Direction = "app_to_file"
	DirectionBidirectional Direction = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionFileToApp, DirectionAppToFile, DirectionBidirectional:
		return true
	}
	return false
}

// Includes reports whether a configured direction permits passes of kind pass.
func (d Direction) Includes(pass Direction) bool {
	return d == DirectionBidirectional || d == pass
}

// SyncHistoryEntry records one sync pass.
type SyncHistoryEntry struct {
	ID                int64     `json:"id,omitempty"`
	Direction         Direction `json:"direction"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
	Created           int       `json:"created"`
	Updated           int       `json:"updated"`
	Deleted           int       `json:"deleted"`
	Skipped           int       `json:"skipped"`
	Dropped           int       `json:"dropped"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	DurationMs        int64     `json:"duration_ms"`
}

// Changed is the number of tasks created, updated or deleted by the pass.
func (e *SyncHistoryEntry) Changed() int {
	return e.Created + e.Updated + e.Deleted
}
