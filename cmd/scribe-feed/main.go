// scribe-feed streams a WAV file onto the bus as audio frames, one
// session per invocation. Useful for exercising a running daemon
// without a live capture source.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/scribelab/scribed/internal/bus"
	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/protocol"
)

func main() {
	var (
		configPath string
		audioPath  string
		chunkMS    int
		realtime   bool
	)

	flag.StringVar(&configPath, "config", "scribed.yaml", "Path to configuration file")
	flag.StringVar(&audioPath, "file", "", "WAV file to stream")
	flag.IntVar(&chunkMS, "chunk-ms", 250, "Frame size in milliseconds")
	flag.BoolVar(&realtime, "realtime", false, "Pace frames at playback speed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if audioPath == "" {
		logger.Error("missing required -file flag")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(cfg, logger, audioPath, chunkMS, realtime); err != nil {
		logger.Error("feed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, audioPath string, chunkMS int, realtime bool) error {
	file, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	pcmBuf, err := decoder.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode wav: %w", err)
	}
	if decoder.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth %d, want 16", decoder.BitDepth)
	}

	sampleRate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)
	pcm := make([]byte, len(pcmBuf.Data)*2)
	for i, sample := range pcmBuf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}

	client, err := bus.Connect(context.Background(), cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer client.Close()

	sessionID := uuid.NewString()
	subject := protocol.SubjectAudioFramePrefix + "." + sessionID
	chunkBytes := sampleRate * channels * 2 * chunkMS / 1000
	pace := time.Duration(chunkMS) * time.Millisecond

	sequence := 0
	for offset := 0; offset < len(pcm); offset += chunkBytes {
		end := offset + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := protocol.AudioFrame{
			SessionID:  sessionID,
			Sequence:   sequence,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        pcm[offset:end],
			Final:      end == len(pcm),
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if err := client.Conn().Publish(subject, payload); err != nil {
			return fmt.Errorf("publish frame: %w", err)
		}
		sequence++
		if realtime {
			time.Sleep(pace)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	logger.Info("session streamed",
		slog.String("session", sessionID),
		slog.Int("frames", sequence),
		slog.Int("bytes", len(pcm)))
	return nil
}
