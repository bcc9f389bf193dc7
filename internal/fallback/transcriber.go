// Package fallback performs on-device transcription for segments the
// remote service repeatedly failed.
package fallback

import "context"

// Transcriber abstracts the local speech-to-text backend.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, locale string) (string, error)
}
