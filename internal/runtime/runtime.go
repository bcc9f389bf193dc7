// Package runtime wires the daemon together: store, bus, reachability,
// remote uploader, fallback recognizer, orchestrator, segmenter, and
// the HTTP control surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribelab/scribed/internal/bus"
	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/fallback"
	"github.com/scribelab/scribed/internal/natsserver"
	"github.com/scribelab/scribed/internal/orchestrator"
	"github.com/scribelab/scribed/internal/reachability"
	"github.com/scribelab/scribed/internal/remote"
	"github.com/scribelab/scribed/internal/segmenter"
	"github.com/scribelab/scribed/internal/store"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store *store.Store
	orch  *orchestrator.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect message bus: %w", err)
	}
	defer busClient.Close()

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open segment store: %w", err)
	}
	defer st.Close()
	r.store = st

	monitor := reachability.New(ctx, r.cfg.Reachability, r.logger)
	if probe, ok := monitor.(*reachability.Probe); ok {
		defer probe.Close()
	}

	transcriber, err := newTranscriber(r.cfg.Fallback)
	if err != nil {
		return fmt.Errorf("failed to configure fallback recognizer: %w", err)
	}

	uploader := remote.NewUploader(remote.NewHTTPClient(r.cfg.Remote), remotePolicy(r.cfg.Remote), r.logger)

	orch := orchestrator.New(ctx, r.cfg.Orchestrator, orchestrator.Deps{
		Store:    st,
		Uploader: uploader,
		Fallback: transcriber,
		Monitor:  monitor,
		Locale:   r.cfg.Fallback.Locale,
		Logger:   r.logger,
	})
	orch.Subscribe(busClient.PublishEvent)
	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Close()
	r.orch = orch

	seg := segmenter.NewService(ctx, r.cfg.Segmenter, busClient, orch, r.logger)
	if err := seg.Start(); err != nil {
		return fmt.Errorf("failed to start segmenter: %w", err)
	}
	defer seg.Close()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.buildMux(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(),
		time.Duration(r.cfg.Orchestrator.DrainBudget)*time.Millisecond)
	if err := orch.Drain(drainCtx); err != nil {
		r.logger.Warn("drain ended before queue emptied", slog.String("error", err.Error()))
	}
	cancelDrain()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func newTranscriber(cfg config.FallbackConfig) (fallback.Transcriber, error) {
	switch cfg.Mode {
	case "exec":
		return fallback.NewExecTranscriber(cfg)
	default:
		return fallback.NewMockTranscriber(), nil
	}
}

func remotePolicy(cfg config.RemoteConfig) remote.Policy {
	policy := remote.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		policy.BaseDelay = time.Duration(cfg.BaseDelay) * time.Millisecond
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = time.Duration(cfg.MaxDelay) * time.Millisecond
	}
	return policy
}
