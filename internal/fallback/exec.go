package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/scribelab/scribed/internal/config"
)

type execTranscriber struct {
	cmd []string
	mu  sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecTranscriber wraps an external recognizer invoked per segment.
// The command receives --audio and --locale flags and must print a JSON
// object with a "text" field on stdout.
func NewExecTranscriber(cfg config.FallbackConfig) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse fallback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("fallback command is empty")
	}
	return &execTranscriber{cmd: args}, nil
}

func (r *execTranscriber) Transcribe(ctx context.Context, audioPath string, locale string) (string, error) {
	// One recognizer process at a time; local models are memory-hungry.
	r.mu.Lock()
	defer r.mu.Unlock()

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", audioPath)
	if locale != "" {
		args = append(args, "--locale", locale)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("fallback command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode fallback response: %w", err)
	}
	return resp.Text, nil
}
