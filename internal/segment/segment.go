// Package segment defines the unit of transcription work and its
// lifecycle state machine.
package segment

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a segment. Exactly one status holds
// at any time; legal transitions are enforced by CanTransition.
type Status string

const (
	StatusPending       Status = "pending"
	StatusUploading     Status = "uploading"
	StatusTranscribed   Status = "transcribed"
	StatusFailed        Status = "failed"
	StatusQueuedOffline Status = "queued_offline"
)

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusUploading, StatusTranscribed, StatusFailed, StatusQueuedOffline:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition applies.
// Failed is only conditionally terminal (once fallback has also been
// exhausted), which the orchestrator tracks via FallbackAttempted.
func (s Status) Terminal() bool {
	return s == StatusTranscribed
}

// CanTransition reports whether moving from one status to another is a
// legal edge of the segment state machine.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUploading || to == StatusQueuedOffline
	case StatusUploading:
		// pending: crash recovery or a cancelled upload handed back.
		return to == StatusTranscribed || to == StatusFailed ||
			to == StatusQueuedOffline || to == StatusPending
	case StatusFailed:
		// pending: re-enqueue or manual retry; transcribed: fallback success.
		return to == StatusPending || to == StatusTranscribed
	case StatusQueuedOffline:
		return to == StatusPending
	default:
		return false
	}
}

// ID identifies a segment within a session. Index defines upload
// ordering within the session.
type ID struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"segment_index"`
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.SessionID, id.Index)
}

// Less orders IDs by (SessionID, Index); the dispatch loop picks the
// lowest eligible ID first.
func (id ID) Less(other ID) bool {
	if id.SessionID != other.SessionID {
		return id.SessionID < other.SessionID
	}
	return id.Index < other.Index
}

// Segment is one fixed-duration slice of a recording session.
type Segment struct {
	SessionID         string        `json:"session_id"`
	Index             int           `json:"segment_index"`
	StartOffset       time.Duration `json:"start_offset"`
	Duration          time.Duration `json:"duration"`
	AudioPath         string        `json:"audio_path"`
	Transcript        string        `json:"transcript,omitempty"`
	Status            Status        `json:"status"`
	FailureCount      int           `json:"failure_count"`
	LastError         string        `json:"last_error,omitempty"`
	FallbackAttempted bool          `json:"fallback_attempted"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (s Segment) ID() ID {
	return ID{SessionID: s.SessionID, Index: s.Index}
}

// QueueStatus is a best-effort snapshot of segment counts per status.
type QueueStatus struct {
	Pending       int `json:"pending"`
	Uploading     int `json:"uploading"`
	Transcribed   int `json:"transcribed"`
	Failed        int `json:"failed"`
	QueuedOffline int `json:"queued_offline"`
	InFlight      int `json:"in_flight"`
}

func (q QueueStatus) Total() int {
	return q.Pending + q.Uploading + q.Transcribed + q.Failed + q.QueuedOffline
}
