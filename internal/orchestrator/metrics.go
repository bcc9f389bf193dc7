package orchestrator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	transcribed metric.Int64Counter
	failed      metric.Int64Counter
	fallbacks   metric.Int64Counter
	offline     metric.Int64Counter
	inFlight    metric.Int64ObservableGauge
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter("github.com/scribelab/scribed/internal/orchestrator")

	var err error
	if o.metrics.transcribed, err = meter.Int64Counter("scribed.segments.transcribed",
		metric.WithDescription("Segments reaching transcribed state")); err != nil {
		o.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if o.metrics.failed, err = meter.Int64Counter("scribed.segments.failed",
		metric.WithDescription("Dispatches ending in a failed transition")); err != nil {
		o.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if o.metrics.fallbacks, err = meter.Int64Counter("scribed.fallback.runs",
		metric.WithDescription("Local fallback escalations")); err != nil {
		o.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if o.metrics.offline, err = meter.Int64Counter("scribed.segments.queued_offline",
		metric.WithDescription("Transitions into the offline queue")); err != nil {
		o.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}

	o.metrics.inFlight, err = meter.Int64ObservableGauge("scribed.uploads.in_flight",
		metric.WithDescription("Uploads currently holding a worker slot"))
	if err != nil {
		o.log.Warn("failed to create gauge", slog.String("error", err.Error()))
		return
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		o.mu.Lock()
		n := len(o.inFlight)
		o.mu.Unlock()
		obs.ObserveInt64(o.metrics.inFlight, int64(n))
		return nil
	}, o.metrics.inFlight); err != nil {
		o.log.Warn("failed to register gauge callback", slog.String("error", err.Error()))
	}
}

func (m metrics) addTranscribed(ctx context.Context) {
	if m.transcribed != nil {
		m.transcribed.Add(ctx, 1)
	}
}

func (m metrics) addFailed(ctx context.Context) {
	if m.failed != nil {
		m.failed.Add(ctx, 1)
	}
}

func (m metrics) addFallback(ctx context.Context) {
	if m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1)
	}
}

func (m metrics) addOffline(ctx context.Context) {
	if m.offline != nil {
		m.offline.Add(ctx, 1)
	}
}
