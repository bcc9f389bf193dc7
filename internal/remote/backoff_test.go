package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/scribelab/scribed/internal/segment"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedClient struct {
	calls   int
	results []error
	text    string
}

func (c *scriptedClient) Upload(_ context.Context, _ segment.Segment) (Result, error) {
	idx := c.calls
	c.calls++
	if idx < len(c.results) && c.results[idx] != nil {
		return Result{}, c.results[idx]
	}
	return Result{Transcript: c.text}, nil
}

func retryableErr(status int) error {
	return &Error{StatusCode: status, Message: "server error", Retryable: classifyStatus(status)}
}

func TestDelayGrowsExponentiallyWithJitter(t *testing.T) {
	p := DefaultPolicy()
	rng := rand.New(rand.NewSource(42))

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, base := range expected {
		d := p.Delay(i+1, rng)
		low := time.Duration(float64(base) * 0.9)
		high := time.Duration(float64(base) * 1.1)
		if d < low || d > high {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", i+1, d, low, high)
		}
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	p := DefaultPolicy()
	rng := rand.New(rand.NewSource(1))
	d := p.Delay(10, rng)
	if d > time.Duration(float64(p.MaxDelay)*1.1) {
		t.Fatalf("delay %s exceeds jittered cap", d)
	}
}

func TestShouldRetry(t *testing.T) {
	p := DefaultPolicy()
	retryable := retryableErr(503)
	nonRetryable := &Error{StatusCode: 401, Retryable: false}

	if !p.ShouldRetry(1, retryable) || !p.ShouldRetry(4, retryable) {
		t.Fatal("retryable error within budget must retry")
	}
	if p.ShouldRetry(5, retryable) {
		t.Fatal("budget exhausted must not retry")
	}
	if p.ShouldRetry(1, nonRetryable) {
		t.Fatal("non-retryable error must never retry")
	}
}

func TestUploaderAbsorbsTransientFailures(t *testing.T) {
	client := &scriptedClient{
		results: []error{retryableErr(503), retryableErr(503), retryableErr(503), retryableErr(503)},
		text:    "hello world",
	}
	u := NewUploader(client, DefaultPolicy(), newLogger())
	u.Seed(7)

	var delays []time.Duration
	u.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	result, err := u.Do(context.Background(), segment.Segment{SessionID: "s", Index: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Transcript != "hello world" {
		t.Fatalf("unexpected transcript: %q", result.Transcript)
	}
	if client.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", client.calls)
	}

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(expected) {
		t.Fatalf("expected %d delays, got %d", len(expected), len(delays))
	}
	for i, base := range expected {
		low := time.Duration(float64(base) * 0.9)
		high := time.Duration(float64(base) * 1.1)
		if delays[i] < low || delays[i] > high {
			t.Fatalf("delay %d: %s outside [%s, %s]", i, delays[i], low, high)
		}
	}
}

func TestUploaderExhaustsBudget(t *testing.T) {
	client := &scriptedClient{results: []error{
		retryableErr(500), retryableErr(500), retryableErr(500), retryableErr(500), retryableErr(500),
	}}
	u := NewUploader(client, DefaultPolicy(), newLogger())
	u.Sleep = func(context.Context, time.Duration) error { return nil }

	_, err := u.Do(context.Background(), segment.Segment{SessionID: "s", Index: 0})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if client.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", client.calls)
	}
}

func TestUploaderNonRetryableShortCircuits(t *testing.T) {
	client := &scriptedClient{results: []error{
		&Error{StatusCode: 401, Code: CodeInvalidToken, Retryable: false},
	}}
	u := NewUploader(client, DefaultPolicy(), newLogger())

	slept := false
	u.Sleep = func(context.Context, time.Duration) error { slept = true; return nil }

	_, err := u.Do(context.Background(), segment.Segment{SessionID: "s", Index: 0})
	var ue *Error
	if !errors.As(err, &ue) || ue.StatusCode != 401 {
		t.Fatalf("expected 401 error, got %v", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatal("non-retryable error must not report exhausted retries")
	}
	if client.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", client.calls)
	}
	if slept {
		t.Fatal("no retry delay may be incurred for a non-retryable error")
	}
}

func TestUploaderStopsOnCancelledContext(t *testing.T) {
	client := &scriptedClient{results: []error{retryableErr(503), retryableErr(503)}}
	u := NewUploader(client, DefaultPolicy(), newLogger())
	u.Sleep = sleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.Do(ctx, segment.Segment{SessionID: "s", Index: 0})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
