package segment

import "time"

// EventType classifies orchestrator notifications.
type EventType string

const (
	EventQueued              EventType = "segment.queued"
	EventProcessing          EventType = "segment.processing"
	EventCompleted           EventType = "segment.completed"
	EventFailed              EventType = "segment.failed"
	EventFallbackTriggered   EventType = "fallback.triggered"
	EventReachabilityChanged EventType = "reachability.changed"
	EventOrchestratorPaused  EventType = "orchestrator.paused"
)

// Event is an immutable notification emitted on a state transition.
// Events are fire-and-forget; correctness never depends on one being
// observed.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"session_id,omitempty"`
	Index        int       `json:"segment_index,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	FailureCount int       `json:"failure_count,omitempty"`
	Reachable    bool      `json:"reachable,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
