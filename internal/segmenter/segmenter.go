// Package segmenter turns the capture collaborator's PCM frame stream
// into fixed-duration WAV segments and hands them to the orchestrator.
package segmenter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/nats-io/nats.go"
	"github.com/scribelab/scribed/internal/bus"
	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/protocol"
	"github.com/scribelab/scribed/internal/segment"
)

// Enqueuer admits closed segments; the orchestrator satisfies this.
type Enqueuer interface {
	Enqueue(ctx context.Context, seg segment.Segment) error
}

type sessionState struct {
	buffer    []byte
	nextIndex int
	offset    time.Duration
}

// Service accumulates PCM per session and closes a segment whenever the
// configured duration of audio is buffered or a final frame arrives.
type Service struct {
	cfg      config.SegmenterConfig
	bus      *bus.Client
	enqueuer Enqueuer
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
}

func NewService(parent context.Context, cfg config.SegmenterConfig, busClient *bus.Client, enqueuer Enqueuer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		enqueuer: enqueuer,
		log:      log.With(slog.String("component", "segmenter")),
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the audio frame stream.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if err := s.Ingest(frame); err != nil {
		s.log.Warn("failed to ingest audio frame",
			slog.String("session", frame.SessionID), slog.String("error", err.Error()))
	}
}

// Ingest buffers one frame and closes segments as their duration fills.
func (s *Service) Ingest(frame protocol.AudioFrame) error {
	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.buffer = append(state.buffer, frame.PCM...)

	target := s.cfg.SampleRate * s.cfg.Channels * 2 * s.cfg.SegmentSeconds
	var closed []closedChunk
	for len(state.buffer) >= target {
		closed = append(closed, s.cutLocked(frame.SessionID, state, target))
	}
	if frame.Final {
		if len(state.buffer) > 0 {
			closed = append(closed, s.cutLocked(frame.SessionID, state, len(state.buffer)))
		}
		delete(s.sessions, frame.SessionID)
	}
	s.mu.Unlock()

	for _, chunk := range closed {
		if err := s.closeSegment(chunk); err != nil {
			return err
		}
	}
	return nil
}

type closedChunk struct {
	sessionID string
	index     int
	offset    time.Duration
	pcm       []byte
}

func (s *Service) cutLocked(sessionID string, state *sessionState, n int) closedChunk {
	chunk := closedChunk{
		sessionID: sessionID,
		index:     state.nextIndex,
		offset:    state.offset,
		pcm:       append([]byte(nil), state.buffer[:n]...),
	}
	state.buffer = state.buffer[n:]
	state.nextIndex++
	state.offset += s.pcmDuration(n)
	return chunk
}

func (s *Service) pcmDuration(bytes int) time.Duration {
	frameBytes := s.cfg.SampleRate * s.cfg.Channels * 2
	return time.Duration(float64(bytes) / float64(frameBytes) * float64(time.Second))
}

func (s *Service) closeSegment(chunk closedChunk) error {
	dir := filepath.Join(s.cfg.DataDir, chunk.sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("segment-%05d.wav", chunk.index))

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	if err := writePCMToWav(file, chunk.pcm, s.cfg.SampleRate, s.cfg.Channels); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close segment file: %w", err)
	}

	seg := segment.Segment{
		SessionID:   chunk.sessionID,
		Index:       chunk.index,
		StartOffset: chunk.offset,
		Duration:    s.pcmDuration(len(chunk.pcm)),
		AudioPath:   path,
	}
	if err := s.enqueuer.Enqueue(s.ctx, seg); err != nil {
		return fmt.Errorf("enqueue segment: %w", err)
	}
	s.log.Info("segment closed",
		slog.String("session", chunk.sessionID),
		slog.Int("index", chunk.index),
		slog.Duration("duration", seg.Duration))
	return nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
