package segmenter

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/protocol"
	"github.com/scribelab/scribed/internal/segment"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	segs []segment.Segment
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, seg segment.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segs = append(r.segs, seg)
	return nil
}

func newService(t *testing.T, rec *recordingEnqueuer, segmentSeconds int) *Service {
	t.Helper()
	cfg := config.SegmenterConfig{
		Enabled:        true,
		SegmentSeconds: segmentSeconds,
		SampleRate:     16000,
		Channels:       1,
		DataDir:        t.TempDir(),
	}
	svc := NewService(context.Background(), cfg, nil, rec, newLogger())
	t.Cleanup(svc.Close)
	return svc
}

func pcmSeconds(seconds float64) []byte {
	return make([]byte, int(seconds*16000*2))
}

func TestSegmentClosesAtConfiguredDuration(t *testing.T) {
	rec := &recordingEnqueuer{}
	svc := newService(t, rec, 1)

	// 2.5 seconds across several frames closes two full segments.
	for seq := 0; seq < 5; seq++ {
		frame := protocol.AudioFrame{
			SessionID:  "session-1",
			Sequence:   seq,
			SampleRate: 16000,
			Channels:   1,
			PCM:        pcmSeconds(0.5),
		}
		if err := svc.Ingest(frame); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if len(rec.segs) != 2 {
		t.Fatalf("expected 2 closed segments, got %d", len(rec.segs))
	}
	for i, seg := range rec.segs {
		if seg.Index != i {
			t.Fatalf("expected index %d, got %d", i, seg.Index)
		}
		if seg.Duration != time.Second {
			t.Fatalf("expected 1s duration, got %s", seg.Duration)
		}
		if seg.StartOffset != time.Duration(i)*time.Second {
			t.Fatalf("expected offset %ds, got %s", i, seg.StartOffset)
		}
		info, err := os.Stat(seg.AudioPath)
		if err != nil {
			t.Fatalf("segment file missing: %v", err)
		}
		if info.Size() == 0 {
			t.Fatal("segment file is empty")
		}
	}
}

func TestFinalFrameFlushesRemainder(t *testing.T) {
	rec := &recordingEnqueuer{}
	svc := newService(t, rec, 30)

	frame := protocol.AudioFrame{
		SessionID:  "session-1",
		SampleRate: 16000,
		Channels:   1,
		PCM:        pcmSeconds(2),
		Final:      true,
	}
	if err := svc.Ingest(frame); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(rec.segs) != 1 {
		t.Fatalf("expected 1 flushed segment, got %d", len(rec.segs))
	}
	if rec.segs[0].Duration != 2*time.Second {
		t.Fatalf("expected 2s remainder, got %s", rec.segs[0].Duration)
	}

	// Session state is gone; a new frame starts at index 0 again.
	if err := svc.Ingest(protocol.AudioFrame{SessionID: "session-1", PCM: pcmSeconds(1), Final: true}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(rec.segs) != 2 || rec.segs[1].Index != 0 {
		t.Fatalf("expected fresh session numbering, got %+v", rec.segs)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	rec := &recordingEnqueuer{}
	svc := newService(t, rec, 1)

	for _, session := range []string{"aaa", "bbb"} {
		if err := svc.Ingest(protocol.AudioFrame{SessionID: session, PCM: pcmSeconds(1)}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if len(rec.segs) != 2 {
		t.Fatalf("expected one segment per session, got %d", len(rec.segs))
	}
	if rec.segs[0].SessionID == rec.segs[1].SessionID {
		t.Fatal("expected distinct sessions")
	}
	for _, seg := range rec.segs {
		if seg.Index != 0 {
			t.Fatalf("expected per-session index 0, got %d", seg.Index)
		}
	}
}
