package fallback

import (
	"context"
	"fmt"
	"os"
)

type mockTranscriber struct{}

// NewMockTranscriber returns a transcriber that fabricates text from
// the audio file size. Useful for development without a local model.
func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, audioPath string, locale string) (string, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return "", fmt.Errorf("stat audio: %w", err)
	}
	return fmt.Sprintf("[local %s transcript bytes=%d]", locale, info.Size()), nil
}
