// Package app wires all vexa subsystems into a running service.
//
// The App owns the full lifecycle: New creates and connects the subsystems,
// Run serves until the context is cancelled or the self-monitor gives up,
// and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithPublisher,
// WithAdmission, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jasonkneen/vexa/internal/admission"
	"github.com/jasonkneen/vexa/internal/config"
	"github.com/jasonkneen/vexa/internal/eventlog"
	"github.com/jasonkneen/vexa/internal/gateway"
	"github.com/jasonkneen/vexa/internal/health"
	"github.com/jasonkneen/vexa/internal/observe"
	"github.com/jasonkneen/vexa/pkg/provider/stt"
	"github.com/jasonkneen/vexa/pkg/provider/vad"
)

const (
	// drainTimeout bounds how long a stopping HTTP server waits for
	// in-flight requests.
	drainTimeout = 5 * time.Second

	// sweepInterval is how often overtime sessions are collected. The
	// receive loop also checks per frame, but an idle client may never
	// send another frame.
	sweepInterval = time.Second
)

// Deps carries the provider implementations the caller selected, usually
// built from the config registry in cmd/vexa. Transcriber is required;
// Detector is optional and nil disables server-side voice gating.
type Deps struct {
	Transcriber stt.Transcriber
	Detector    vad.Detector
}

// App owns all subsystem lifetimes: the WebSocket gateway, the event-log
// publisher, the admission manager, and the health endpoint plus its
// self-monitor.
type App struct {
	cfg *config.Config

	gateway   *gateway.Gateway
	publisher *eventlog.Publisher
	admission *admission.Manager
	handler   *health.Handler
	monitor   *health.Monitor
	metrics   *observe.Metrics

	// Bound listener addresses, set once Run has bound them. Tests use
	// these to reach servers configured with port 0.
	gatewayAddr atomic.Value
	healthAddr  atomic.Value

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPublisher injects an event-log publisher instead of creating one from
// config. The App still owns its lifecycle.
func WithPublisher(p *eventlog.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithAdmission injects an admission manager instead of creating one from
// config.
func WithAdmission(m *admission.Manager) Option {
	return func(a *App) { a.admission = m }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The deps struct
// comes from main (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// Nothing dials out during New; the event-log connection and all listeners
// are established by Run.
func New(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if deps.Transcriber == nil {
		return nil, errors.New("app: a transcriber is required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	transcriber := deps.Transcriber
	if cfg.Server.SingleModel {
		transcriber = stt.Serialized(transcriber)
	}

	// ── 1. Event-log publisher ───────────────────────────────────────────
	if a.publisher == nil {
		pub, err := eventlog.New(eventlog.Config{
			URL:       cfg.EventLog.URL,
			StreamKey: cfg.EventLog.StreamKey,
			Metrics:   a.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("app: init event log: %w", err)
		}
		a.publisher = pub
	}
	a.closers = append(a.closers, a.publisher.Close)

	// ── 2. Admission ─────────────────────────────────────────────────────
	if a.admission == nil {
		a.admission = admission.New(
			cfg.Server.MaxClients,
			time.Duration(cfg.Server.MaxConnectionTime)*time.Second,
		)
	}

	// ── 3. Gateway ───────────────────────────────────────────────────────
	gw, err := gateway.New(gateway.Config{
		Backend:         cfg.Server.Backend,
		DefaultLanguage: cfg.Transcriber.Language,
		DefaultTask:     string(cfg.Transcriber.Task),
		Transcriber:     transcriber,
		Detector:        deps.Detector,
		Admission:       a.admission,
		Publisher:       a.publisher,
		Metrics:         a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gateway = gw

	// ── 4. Health handler + self-monitor ─────────────────────────────────
	sources := []health.Source{
		{Name: "gateway", Check: gw.Probe},
		{Name: "eventlog", Check: a.publisher.Probe},
	}
	a.handler = health.NewHandler(sources...)
	a.monitor = health.NewMonitor(health.MonitorConfig{
		Interval:    time.Duration(cfg.Health.MonitorInterval) * time.Second,
		Threshold:   cfg.Health.FailureThreshold,
		Sources:     sources,
		OnUnhealthy: func() { gw.SetReady(false) },
		Metrics:     a.metrics,
	})

	_ = ctx // nothing dials during construction
	return a, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// GatewayAddr returns the bound gateway listener address, or "" before Run
// has bound it.
func (a *App) GatewayAddr() string {
	addr, _ := a.gatewayAddr.Load().(string)
	return addr
}

// HealthAddr returns the bound health listener address, or "" before Run
// has bound it.
func (a *App) HealthAddr() string {
	addr, _ := a.healthAddr.Load().(string)
	return addr
}

// Gateway returns the WebSocket gateway, mainly for tests.
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every worker and blocks until one of them fails or ctx is
// cancelled. On a clean signal shutdown it returns the context error; when
// the self-monitor gives up it returns [health.ErrUnhealthy].
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Event-log connection worker: dial, keepalive, reconnect.
	g.Go(func() error { return a.publisher.Run(ctx) })

	// WebSocket gateway. Hijacked connections inherit the run context via
	// BaseContext, so cancelling it unwinds every live session.
	g.Go(func() error { return a.serveGateway(ctx) })

	// Health endpoint.
	g.Go(func() error { return a.serveHealth(ctx) })

	// Prometheus scrape endpoint, only when configured.
	if a.cfg.Observability.MetricsAddr != "" {
		g.Go(func() error { return a.serveMetrics(ctx) })
	}

	// Overtime sweeper.
	g.Go(func() error { return a.sweepLoop(ctx) })

	// Self-monitor.
	g.Go(func() error { return a.monitor.Run(ctx) })

	slog.Info("app running",
		"backend", string(a.cfg.Server.Backend),
		"listen_addr", a.cfg.Server.ListenAddr,
		"health_addr", a.cfg.Health.ListenAddr,
	)
	return g.Wait()
}

func (a *App) serveGateway(ctx context.Context) error {
	srv := &http.Server{
		Addr:        a.cfg.Server.ListenAddr,
		Handler:     a.gateway,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	return a.serve(ctx, "gateway", srv, func(addr net.Addr) {
		a.gatewayAddr.Store(addr.String())
		a.gateway.SetReady(true)
	})
}

func (a *App) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Health.ListenAddr,
		Handler: observe.Instrument(a.metrics, a.handler),
	}
	return a.serve(ctx, "health", srv, func(addr net.Addr) {
		a.healthAddr.Store(addr.String())
	})
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    a.cfg.Observability.MetricsAddr,
		Handler: mux,
	}
	return a.serve(ctx, "metrics", srv, nil)
}

// serve binds srv's address, reports it through onListen, and serves until
// ctx is cancelled, then drains in-flight requests for up to drainTimeout.
func (a *App) serve(ctx context.Context, name string, srv *http.Server, onListen func(net.Addr)) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("app: %s: listen on %q: %w", name, srv.Addr, err)
	}
	if onListen != nil {
		onListen(ln.Addr())
	}
	slog.Info(name+" listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: %s: serve: %w", name, err)
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Warn("server drain incomplete", "server", name, "error", err)
		}
		return ctx.Err()
	}
}

// sweepLoop periodically disconnects sessions that exceeded their
// connection time.
func (a *App) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.admission.SweepTimeouts()
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.gateway.SetReady(false)

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
