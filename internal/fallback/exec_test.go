package fallback

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/scribelab/scribed/internal/config"
)

func TestNewExecTranscriberRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecTranscriber(config.FallbackConfig{Command: ""}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecTranscriber(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "recognizer.sh")
	body := "#!/bin/sh\necho '{\"text\": \"local result\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	tr, err := NewExecTranscriber(config.FallbackConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}

	text, err := tr.Transcribe(context.Background(), filepath.Join(dir, "audio.wav"), "en-US")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "local result" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestExecTranscriberCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "broken.sh")
	body := "#!/bin/sh\necho 'permission denied' >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	tr, err := NewExecTranscriber(config.FallbackConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}

	_, err = tr.Transcribe(context.Background(), "/nonexistent.wav", "en-US")
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected stderr in error, got: %v", err)
	}
}

func TestMockTranscriber(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audio.wav")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	text, err := NewMockTranscriber().Transcribe(context.Background(), path, "en-US")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(text, "bytes=10") {
		t.Fatalf("unexpected text: %q", text)
	}
}
