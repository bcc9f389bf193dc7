// Package reachability exposes current network connectivity as an
// observable state.
package reachability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scribelab/scribed/internal/config"
)

// State is the current connectivity snapshot.
type State struct {
	Reachable bool   `json:"reachable"`
	Kind      string `json:"kind"`
}

// Monitor is an observable connectivity source. Subscribers are
// notified on every state change; notifications run on the monitor's
// goroutine, so handlers must not block.
type Monitor interface {
	Current() State
	Subscribe(fn func(State))
}

type notifier struct {
	mu    sync.RWMutex
	state State
	subs  []func(State)
}

func (n *notifier) Current() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *notifier) Subscribe(fn func(State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *notifier) set(s State) {
	n.mu.Lock()
	if n.state == s {
		n.mu.Unlock()
		return
	}
	n.state = s
	subs := make([]func(State), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Manual is a monitor whose state is set by the caller. Used for tests
// and for deployments without a probe target.
type Manual struct {
	notifier
}

func NewManual(initial State) *Manual {
	m := &Manual{}
	m.state = initial
	return m
}

// Set updates the state and notifies subscribers on change.
func (m *Manual) Set(s State) {
	m.set(s)
}

// Probe polls an HTTP endpoint on a fixed interval and derives
// connectivity from the outcome.
type Probe struct {
	notifier
	cfg    config.ReachabilityConfig
	log    *slog.Logger
	hc     *http.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProbe(cfg config.ReachabilityConfig, log *slog.Logger) *Probe {
	p := &Probe{
		cfg: cfg,
		log: log.With(slog.String("component", "reachability")),
		hc:  &http.Client{Timeout: 3 * time.Second},
	}
	p.state = State{Reachable: false, Kind: "unknown"}
	return p
}

// Start launches the probe loop. An immediate probe runs before the
// first tick so startup does not wait a full interval.
func (p *Probe) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		interval := time.Duration(p.cfg.ProbeInterval) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

// Close stops the probe loop.
func (p *Probe) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Probe) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.ProbeURL, nil)
	if err != nil {
		p.set(State{Reachable: false, Kind: "unknown"})
		return
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		p.log.Debug("probe failed", slog.String("error", err.Error()))
		p.set(State{Reachable: false, Kind: "unknown"})
		return
	}
	resp.Body.Close()
	p.set(State{Reachable: resp.StatusCode < 500, Kind: "http"})
}

// New builds a monitor for the configured mode. Static mode assumes
// connectivity and relies on upload failures for offline detection.
func New(ctx context.Context, cfg config.ReachabilityConfig, log *slog.Logger) Monitor {
	switch cfg.Mode {
	case "probe":
		p := NewProbe(cfg, log)
		p.Start(ctx)
		return p
	default:
		return NewManual(State{Reachable: true, Kind: "assumed"})
	}
}
