// Package protocol defines the wire messages and subjects shared over
// the bus.
package protocol

import "github.com/scribelab/scribed/internal/segment"

// AudioFrame carries PCM audio streamed by the capture collaborator.
// A final frame closes the session's current segment regardless of how
// much audio has accumulated.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectEventPrefix      = "scribed.events"
)

// EventSubject returns the bus subject an orchestrator event is
// published on, e.g. scribed.events.segment.completed.
func EventSubject(t segment.EventType) string {
	return SubjectEventPrefix + "." + string(t)
}
