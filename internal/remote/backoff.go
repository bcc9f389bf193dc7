package remote

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/scribelab/scribed/internal/segment"
)

// Policy computes retry eligibility and delay for request-level
// failures. It is a pure function of (attempt, classification) plus the
// injected random source.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the service contract: up to 5 attempts,
// exponential delay from 1s capped at 30s.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}
}

// ShouldRetry reports whether a failed attempt (1-indexed) leaves
// retries in the budget. Non-retryable errors never retry.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if !Retryable(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay returns the backoff before the attempt following a failed
// attempt n: min(base*2^(n-1), max) with multiplicative jitter drawn
// uniformly from [0.9, 1.1].
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := 0.9 + 0.2*rng.Float64()
	return time.Duration(float64(d) * jitter)
}

// SleepFunc suspends the retrying call. Tests substitute a virtual
// delay sink.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Uploader drives one dispatch of a segment through the retry policy.
// Request-level retryable errors are absorbed here and never surface
// past the worker; only an exhausted budget or a non-retryable error
// propagates.
type Uploader struct {
	Client Client
	Policy Policy
	Sleep  SleepFunc
	Log    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewUploader seeds the random source from the clock; tests use Seed.
func NewUploader(client Client, policy Policy, log *slog.Logger) *Uploader {
	return &Uploader{
		Client: client,
		Policy: policy,
		Sleep:  sleep,
		Log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed replaces the random source, pinning jitter for tests.
func (u *Uploader) Seed(seed int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rng = rand.New(rand.NewSource(seed))
}

func (u *Uploader) delay(attempt int) time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Policy.Delay(attempt, u.rng)
}

// Do uploads seg, retrying in-process per the policy. Each call gets a
// fresh attempt budget.
func (u *Uploader) Do(ctx context.Context, seg segment.Segment) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= u.Policy.MaxAttempts; attempt++ {
		result, err := u.Client.Upload(ctx, seg)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !u.Policy.ShouldRetry(attempt, err) {
			if Retryable(err) {
				return Result{}, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
			return Result{}, err
		}

		d := u.delay(attempt)
		u.Log.Debug("upload retry scheduled",
			slog.String("segment", seg.ID().String()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", d))
		if err := u.Sleep(ctx, d); err != nil {
			return Result{}, err
		}
	}
	return Result{}, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}
