// Package orchestrator coordinates segment transcription: bounded
// concurrent uploads, offline queueing, failure-count escalation to the
// local fallback transcriber, and durable state transitions through the
// segment store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/fallback"
	"github.com/scribelab/scribed/internal/reachability"
	"github.com/scribelab/scribed/internal/remote"
	"github.com/scribelab/scribed/internal/segment"
	"github.com/scribelab/scribed/internal/store"
)

// Store is the durable segment mapping the orchestrator recovers from.
// Updates must be atomic per segment; store.Store satisfies this.
type Store interface {
	Put(ctx context.Context, seg segment.Segment) error
	Get(ctx context.Context, id segment.ID) (segment.Segment, error)
	UpdateStatus(ctx context.Context, seg segment.Segment, expected segment.Status) error
	ListByStatus(ctx context.Context, status segment.Status) ([]segment.Segment, error)
	CountByStatus(ctx context.Context) (segment.QueueStatus, error)
	ResetInFlight(ctx context.Context) (int64, error)
}

// Uploader performs one dispatch of a segment, absorbing request-level
// retries; *remote.Uploader satisfies this.
type Uploader interface {
	Do(ctx context.Context, seg segment.Segment) (remote.Result, error)
}

// ErrNotRetryable is returned by ManualRetry for segments that are not
// in a failed state.
var ErrNotRetryable = errors.New("segment is not in a retryable state")

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store    Store
	Uploader Uploader
	Fallback fallback.Transcriber
	Monitor  reachability.Monitor
	Locale   string
	Logger   *slog.Logger
}

// Orchestrator owns the worker pool and the per-segment state machine.
// The store, not in-memory state, is the source of truth for recovery.
type Orchestrator struct {
	cfg  config.OrchestratorConfig
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sema chan struct{}
	wake chan struct{}

	mu       sync.Mutex
	running  bool
	loopOnce sync.Once
	inFlight map[segment.ID]struct{}
	subs     []func(segment.Event)

	metrics metrics
}

// New builds an orchestrator. Call Start to begin dispatching and Close
// to release it.
func New(parent context.Context, cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With(slog.String("component", "orchestrator")),
		ctx:      ctx,
		cancel:   cancel,
		sema:     make(chan struct{}, cfg.Concurrency),
		wake:     make(chan struct{}, 1),
		inFlight: make(map[segment.ID]struct{}),
	}
	o.initMetrics()

	deps.Monitor.Subscribe(o.onReachabilityChange)
	return o
}

// Subscribe registers an observer for orchestrator events. Observers
// must not block; delivery is fire-and-forget.
func (o *Orchestrator) Subscribe(fn func(segment.Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

func (o *Orchestrator) emit(evt segment.Event) {
	evt.Timestamp = time.Now().UTC()
	o.mu.Lock()
	subs := make([]func(segment.Event), len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// Start reconciles persisted state and begins the dispatch loop.
// Segments left uploading by a crashed run become pending again.
// Idempotent.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	if _, err := o.deps.Store.ResetInFlight(o.ctx); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return fmt.Errorf("reconcile in-flight segments: %w", err)
	}
	o.beginPass(o.ctx)

	o.loopOnce.Do(func() {
		o.wg.Add(1)
		go o.run()
	})

	o.signalWake()
	o.log.Info("orchestrator started", slog.Int("concurrency", o.cfg.Concurrency))
	return nil
}

// Stop suspends dispatch. In-flight uploads finish; no new work starts.
// Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	wasRunning := o.running
	o.running = false
	o.mu.Unlock()
	if wasRunning {
		o.emit(segment.Event{Type: segment.EventOrchestratorPaused, Reason: "stopped"})
		o.log.Info("orchestrator stopped")
	}
}

// Close stops dispatch, cancels in-flight work and waits for workers.
func (o *Orchestrator) Close() {
	o.Stop()
	o.cancel()
	o.wg.Wait()
}

// Enqueue admits a newly closed segment as pending. Segments already
// tracked are left untouched.
func (o *Orchestrator) Enqueue(ctx context.Context, seg segment.Segment) error {
	if _, err := o.deps.Store.Get(ctx, seg.ID()); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	seg.Status = segment.StatusPending
	seg.Transcript = ""
	seg.FailureCount = 0
	if err := o.deps.Store.Put(ctx, seg); err != nil {
		return fmt.Errorf("persist segment: %w", err)
	}
	o.emit(segment.Event{Type: segment.EventQueued, SessionID: seg.SessionID, Index: seg.Index})
	o.signalWake()
	return nil
}

// Status returns a best-effort snapshot of queue counts. Never
// authoritative for recovery.
func (o *Orchestrator) Status(ctx context.Context) (segment.QueueStatus, error) {
	qs, err := o.deps.Store.CountByStatus(ctx)
	if err != nil {
		return segment.QueueStatus{}, err
	}
	o.mu.Lock()
	qs.InFlight = len(o.inFlight)
	o.mu.Unlock()
	return qs, nil
}

// ManualRetry resets a failed segment for a fresh set of passes:
// failure count to zero, fallback re-armed, status pending.
func (o *Orchestrator) ManualRetry(ctx context.Context, id segment.ID) error {
	seg, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if seg.Status != segment.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, seg.Status)
	}
	seg.Status = segment.StatusPending
	seg.FailureCount = 0
	seg.LastError = ""
	seg.FallbackAttempted = false
	if err := o.deps.Store.UpdateStatus(ctx, seg, segment.StatusFailed); err != nil {
		return err
	}
	o.emit(segment.Event{Type: segment.EventQueued, SessionID: id.SessionID, Index: id.Index, Reason: "manual_retry"})
	o.signalWake()
	return nil
}

// Drain performs one bounded pass over queued-offline and pending
// segments. The caller's context carries the time budget; state is
// checkpointed through the store after every segment, so an expiry
// mid-pass loses at most the in-flight segment's progress.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.beginPass(ctx)

	var passWG sync.WaitGroup
	for {
		if ctx.Err() != nil {
			break
		}
		dispatched, err := o.dispatchNext(ctx, &passWG, true)
		if err != nil {
			o.log.Warn("drain dispatch error", slog.String("error", err.Error()))
			break
		}
		if !dispatched {
			break
		}
	}

	done := make(chan struct{})
	go func() {
		passWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return ctx.Err()
}

// beginPass promotes segments that became eligible again: queued-offline
// work when the network is back, failed segments still below the
// escalation threshold, and failed segments whose fallback is owed but
// never completed.
func (o *Orchestrator) beginPass(ctx context.Context) {
	if o.deps.Monitor.Current().Reachable {
		o.promoteOffline(ctx)
	}
	o.requeueFailed(ctx)
}

func (o *Orchestrator) promoteOffline(ctx context.Context) {
	segs, err := o.deps.Store.ListByStatus(ctx, segment.StatusQueuedOffline)
	if err != nil {
		o.log.Warn("list queued-offline failed", slog.String("error", err.Error()))
		return
	}
	for _, seg := range segs {
		seg.Status = segment.StatusPending
		if err := o.deps.Store.UpdateStatus(ctx, seg, segment.StatusQueuedOffline); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				o.log.Warn("promote offline segment failed",
					slog.String("segment", seg.ID().String()), slog.String("error", err.Error()))
			}
			continue
		}
		o.emit(segment.Event{Type: segment.EventQueued, SessionID: seg.SessionID, Index: seg.Index, Reason: "reachability_restored"})
	}
}

func (o *Orchestrator) requeueFailed(ctx context.Context) {
	segs, err := o.deps.Store.ListByStatus(ctx, segment.StatusFailed)
	if err != nil {
		o.log.Warn("list failed segments failed", slog.String("error", err.Error()))
		return
	}
	for _, seg := range segs {
		o.mu.Lock()
		_, busy := o.inFlight[seg.ID()]
		o.mu.Unlock()
		if busy {
			continue
		}
		if seg.FallbackAttempted {
			// Permanently failed; only ManualRetry moves it now.
			continue
		}
		if seg.FailureCount >= o.cfg.FailureThreshold {
			// Fallback is owed but never completed: a crash landed between
			// the failed write and the attempt flag, or an interrupted
			// recognizer run re-armed it.
			o.escalateFallback(ctx, seg)
			continue
		}
		seg.Status = segment.StatusPending
		if err := o.deps.Store.UpdateStatus(ctx, seg, segment.StatusFailed); err != nil && !errors.Is(err, store.ErrConflict) {
			o.log.Warn("requeue failed segment failed",
				slog.String("segment", seg.ID().String()), slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) onReachabilityChange(s reachability.State) {
	o.emit(segment.Event{Type: segment.EventReachabilityChanged, Reachable: s.Reachable, Reason: s.Kind})
	if !s.Reachable {
		o.emit(segment.Event{Type: segment.EventOrchestratorPaused, Reason: "unreachable"})
		return
	}
	// Restored: move offline work back to pending and drain immediately,
	// without waiting for the next background wake.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.promoteOffline(o.ctx)
		o.signalWake()
	}()
}

func (o *Orchestrator) signalWake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var loopWG sync.WaitGroup
	defer loopWG.Wait()

	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}

		o.mu.Lock()
		running := o.running
		o.mu.Unlock()

		dispatched := false
		if running {
			var err error
			dispatched, err = o.dispatchNext(o.ctx, &loopWG, false)
			if err != nil && o.ctx.Err() == nil {
				o.log.Warn("dispatch error", slog.String("error", err.Error()))
			}
		}

		if !dispatched {
			select {
			case <-o.ctx.Done():
				return
			case <-o.wake:
			case <-ticker.C:
			}
		}
	}
}

// dispatchNext assigns the lowest eligible pending segment to a worker.
// With blockOnSlot the call waits for a free slot (drain pass); the
// background loop instead backs off and retries.
func (o *Orchestrator) dispatchNext(ctx context.Context, wg *sync.WaitGroup, blockOnSlot bool) (bool, error) {
	if !o.deps.Monitor.Current().Reachable {
		return false, o.parkPending(ctx)
	}

	pending, err := o.deps.Store.ListByStatus(ctx, segment.StatusPending)
	if err != nil {
		return false, err
	}

	var next *segment.Segment
	o.mu.Lock()
	for i := range pending {
		if _, busy := o.inFlight[pending[i].ID()]; busy {
			continue
		}
		if next == nil || pending[i].ID().Less(next.ID()) {
			next = &pending[i]
		}
	}
	o.mu.Unlock()
	if next == nil {
		return false, nil
	}

	if blockOnSlot {
		select {
		case o.sema <- struct{}{}:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	} else {
		select {
		case o.sema <- struct{}{}:
		default:
			return false, nil
		}
	}

	seg := *next
	seg.Status = segment.StatusUploading
	if err := o.deps.Store.UpdateStatus(ctx, seg, segment.StatusPending); err != nil {
		<-o.sema
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	o.mu.Lock()
	o.inFlight[seg.ID()] = struct{}{}
	o.mu.Unlock()

	wg.Add(1)
	o.wg.Add(1)
	go func() {
		defer wg.Done()
		defer o.wg.Done()
		defer func() {
			<-o.sema
			o.mu.Lock()
			delete(o.inFlight, seg.ID())
			o.mu.Unlock()
			o.signalWake()
		}()
		o.processSegment(ctx, seg)
	}()
	return true, nil
}

// parkPending moves pending segments straight to queued-offline while
// the network is down; no attempt is made and no failure is counted.
func (o *Orchestrator) parkPending(ctx context.Context) error {
	pending, err := o.deps.Store.ListByStatus(ctx, segment.StatusPending)
	if err != nil {
		return err
	}
	for _, seg := range pending {
		o.mu.Lock()
		_, busy := o.inFlight[seg.ID()]
		o.mu.Unlock()
		if busy {
			continue
		}
		seg.Status = segment.StatusQueuedOffline
		if err := o.deps.Store.UpdateStatus(ctx, seg, segment.StatusPending); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return err
		}
		o.metrics.addOffline(ctx)
		o.emit(segment.Event{Type: segment.EventQueued, SessionID: seg.SessionID, Index: seg.Index, Reason: "unreachable"})
	}
	return nil
}

// processSegment owns the segment for the duration of the call; no
// other goroutine applies transitions to it meanwhile.
func (o *Orchestrator) processSegment(ctx context.Context, seg segment.Segment) {
	o.emit(segment.Event{Type: segment.EventProcessing, SessionID: seg.SessionID, Index: seg.Index})

	result, err := o.deps.Uploader.Do(ctx, seg)

	// Checkpoints below outlive the caller's time budget: once an upload
	// finished, its outcome is worth the write.
	persistCtx := context.WithoutCancel(ctx)

	if err == nil {
		seg.Transcript = result.Transcript
		seg.LastError = ""
		seg.Status = segment.StatusTranscribed
		if !o.persist(persistCtx, seg, segment.StatusUploading) {
			return
		}
		o.metrics.addTranscribed(ctx)
		o.emit(segment.Event{
			Type: segment.EventCompleted, SessionID: seg.SessionID, Index: seg.Index,
			Transcript: seg.Transcript,
		})
		return
	}

	if ctx.Err() != nil {
		// Budget expiry or shutdown mid-upload: hand the segment back the
		// same way crash recovery does, with no failure counted.
		seg.Status = segment.StatusPending
		o.persist(persistCtx, seg, segment.StatusUploading)
		return
	}

	if !o.deps.Monitor.Current().Reachable {
		// The upload failed while the network was down; let it queue
		// offline rather than charging a failure.
		seg.Status = segment.StatusQueuedOffline
		if o.persist(persistCtx, seg, segment.StatusUploading) {
			o.metrics.addOffline(ctx)
			o.emit(segment.Event{Type: segment.EventQueued, SessionID: seg.SessionID, Index: seg.Index, Reason: "unreachable"})
		}
		return
	}

	seg.FailureCount++
	seg.LastError = err.Error()
	seg.Status = segment.StatusFailed
	if !o.persist(persistCtx, seg, segment.StatusUploading) {
		return
	}
	o.metrics.addFailed(ctx)
	o.emit(segment.Event{
		Type: segment.EventFailed, SessionID: seg.SessionID, Index: seg.Index,
		Reason: seg.LastError, FailureCount: seg.FailureCount,
	})
	o.log.Warn("segment dispatch failed",
		slog.String("segment", seg.ID().String()),
		slog.Int("failure_count", seg.FailureCount),
		slog.String("error", err.Error()))

	if seg.FailureCount >= o.cfg.FailureThreshold && !seg.FallbackAttempted {
		o.escalateFallback(ctx, seg)
	}
}

// escalateFallback invokes the on-device transcriber once per threshold
// crossing. The attempt is flagged durably before the recognizer runs
// so a restart cannot re-trigger it.
func (o *Orchestrator) escalateFallback(ctx context.Context, seg segment.Segment) {
	persistCtx := context.WithoutCancel(ctx)

	seg.FallbackAttempted = true
	if !o.persist(persistCtx, seg, segment.StatusFailed) {
		return
	}
	o.metrics.addFallback(ctx)
	o.emit(segment.Event{
		Type: segment.EventFallbackTriggered, SessionID: seg.SessionID, Index: seg.Index,
		Reason: "failure_threshold", FailureCount: seg.FailureCount,
	})
	o.log.Info("escalating to local fallback", slog.String("segment", seg.ID().String()))

	text, err := o.deps.Fallback.Transcribe(ctx, seg.AudioPath, o.deps.Locale)
	if err != nil {
		if ctx.Err() != nil {
			// The recognizer was cut short by the caller's time budget or
			// shutdown, not by a local failure. Re-arm the escalation so a
			// later pass runs it to completion.
			seg.FallbackAttempted = false
			o.persist(persistCtx, seg, segment.StatusFailed)
			o.log.Info("local fallback interrupted; re-armed",
				slog.String("segment", seg.ID().String()))
			return
		}
		seg.LastError = err.Error()
		if o.persist(persistCtx, seg, segment.StatusFailed) {
			o.emit(segment.Event{
				Type: segment.EventFailed, SessionID: seg.SessionID, Index: seg.Index,
				Reason: "fallback: " + err.Error(), FailureCount: seg.FailureCount,
			})
		}
		o.log.Error("local fallback failed; segment is permanently failed",
			slog.String("segment", seg.ID().String()), slog.String("error", err.Error()))
		return
	}

	seg.Transcript = text
	seg.LastError = ""
	seg.Status = segment.StatusTranscribed
	if !o.persist(persistCtx, seg, segment.StatusFailed) {
		return
	}
	o.metrics.addTranscribed(ctx)
	o.emit(segment.Event{
		Type: segment.EventCompleted, SessionID: seg.SessionID, Index: seg.Index,
		Transcript: text, Reason: "fallback",
	})
}

// persist writes a transition through the store, retrying transient
// I/O failures so in-memory state never diverges from disk. A CAS
// conflict means another owner moved the segment; the local transition
// is abandoned.
func (o *Orchestrator) persist(ctx context.Context, seg segment.Segment, expected segment.Status) bool {
	if seg.Status != expected && !segment.CanTransition(expected, seg.Status) {
		o.log.Error("illegal transition refused",
			slog.String("segment", seg.ID().String()),
			slog.String("from", string(expected)),
			slog.String("to", string(seg.Status)))
		return false
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := o.deps.Store.UpdateStatus(ctx, seg, expected)
		if err == nil {
			return true
		}
		if errors.Is(err, store.ErrConflict) {
			o.log.Warn("transition lost to concurrent writer",
				slog.String("segment", seg.ID().String()),
				slog.String("to", string(seg.Status)))
			return false
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	o.log.Error("failed to persist transition; store remains authoritative",
		slog.String("segment", seg.ID().String()),
		slog.String("to", string(seg.Status)),
		slog.String("error", lastErr.Error()))
	return false
}
