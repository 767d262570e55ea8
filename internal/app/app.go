// Package app wires the murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP (and optionally the console loop) until the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithMetrics, WithConsole). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/api"
	"github.com/MrWong99/murmur/internal/archive"
	"github.com/MrWong99/murmur/internal/asset"
	"github.com/MrWong99/murmur/internal/backend"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/pipeline"
	"github.com/MrWong99/murmur/internal/session"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown at the end of Run.
const serverShutdownTimeout = 10 * time.Second

// Providers holds the providers of the active backend mode. Populated by
// main.go via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	providers      *Providers
	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	archive  archive.Store
	assets   *asset.Manager
	session  *session.Session
	backends *backend.Set
	pipeline *pipeline.Pipeline
	handler  http.Handler

	consoleIn  io.Reader
	consoleOut io.Writer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithArchive injects a session archive instead of opening the configured
// backend.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler behind /metrics, normally
// [observe.Telemetry.MetricsHandler]. Default: the global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConsole enables the console loop: Run reads recording paths from in and
// writes the conversation to out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.consoleIn = in
		a.consoleOut = out
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go and must all be set.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, llm, and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transient assets ──────────────────────────────────────────────
	assets, err := asset.New(cfg.Audio.TempDir)
	if err != nil {
		return nil, fmt.Errorf("app: init assets: %w", err)
	}
	a.assets = assets
	a.sweep(ctx, "startup", asset.Purposes...)

	// ── 2. Session archive ───────────────────────────────────────────────
	if a.archive == nil {
		store, err := OpenArchive(ctx, cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("app: init archive: %w", err)
		}
		a.archive = store
	}
	if a.archive != nil {
		a.closers = append(a.closers, a.archive.Close)
	}

	// ── 3. Session ───────────────────────────────────────────────────────
	var sessArchive session.Archive
	if a.archive != nil {
		sessArchive = a.archive
	}
	a.session = session.New(session.Config{
		SystemPrompt: cfg.Conversation.SystemPrompt,
		Archive:      sessArchive,
	})
	a.metrics.ActiveSessions.Add(ctx, 1)
	a.closers = append(a.closers, func() error {
		a.metrics.ActiveSessions.Add(context.Background(), -1)
		return nil
	})

	// ── 4. Backends + pipeline ───────────────────────────────────────────
	active := cfg.Active()
	a.backends, err = backend.New(providers.STT, providers.LLM,
		backend.WithMode(cfg.Mode),
		backend.WithNames(active.STT.Name, active.LLM.Name),
		backend.WithSampling(cfg.Conversation.Temperature, cfg.Conversation.MaxReplyTokens),
		backend.WithBreaker(cfg.Resilience.MaxFailures, cfg.Resilience.ResetTimeout),
		backend.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init backends: %w", err)
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		Backend:           a.backends,
		TTS:               providers.TTS,
		TTSName:           cfg.Providers.TTS.Name,
		Assets:            a.assets,
		MaxTurns:          cfg.Conversation.MaxTurns,
		RollbackOnFailure: cfg.Conversation.RollbackOnFailure,
		Metrics:           a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	checkers := []health.Checker{{Name: "temp_dir", Check: a.assets.CheckWritable}}
	if a.archive != nil {
		checkers = append(checkers, health.PingChecker("archive", a.archive))
	}
	a.handler = api.New(api.Config{
		Pipeline: a.pipeline,
		Session:  a.session,
		Assets:   a.assets,
		Reset:    a,
		Archive:  a.archive,
		Health:   health.New(checkers...),
		Metrics:  a.metrics,

		MetricsHandler: a.metricsHandler,
	}).Router()

	slog.Info("app initialised",
		"mode", cfg.Mode,
		"session_id", a.session.ID(),
		"temp_dir", a.assets.Dir(),
		"archive", cfg.Archive.Backend,
	)
	return a, nil
}

// Session returns the single active session.
func (a *App) Session() *session.Session { return a.session }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// ResetSession archives and resets the session, then sweeps synthesized
// replies. Uploads and recordings are left alone because a turn in flight may
// still be transcribing one; each turn releases its own. It returns the new
// session id. On archive failure the session is left as it was and nothing is
// swept.
func (a *App) ResetSession(ctx context.Context) (string, error) {
	prev := a.session.ID()
	id, err := a.session.Reset(ctx)
	if err != nil {
		return "", fmt.Errorf("app: reset session: %w", err)
	}
	a.sweep(ctx, "reset", asset.PurposeTTS)
	observe.Logger(ctx).Info("session reset", "previous_id", prev, "session_id", id)
	return id, nil
}

func (a *App) sweep(ctx context.Context, reason string, purposes ...asset.Purpose) {
	n, err := a.assets.SweepPurposes(purposes...)
	if err != nil {
		slog.Warn("asset sweep failed", "reason", reason, "err", err)
	}
	if n > 0 {
		a.metrics.AssetsSwept.Add(ctx, int64(n))
		slog.Debug("swept transient assets", "reason", reason, "count", n)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address until ctx is cancelled.
// With a console attached, the console loop runs alongside the server and
// ending it (an exit phrase or end of input) stops the server too.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
//
// Request contexts do not inherit the cancellation of ctx: when ctx ends the
// server stops accepting connections and in-flight turns get up to
// serverShutdownTimeout to finish and commit.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	if a.consoleIn != nil {
		g.Go(func() error {
			defer cancel()
			return a.runConsole(runCtx)
		})
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown sweeps transient assets and runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.sweep(ctx, "shutdown", asset.Purposes...)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

var (
	_ api.Resetter     = (*App)(nil)
	_ pipeline.Backend = (*backend.Set)(nil)
	_ session.Archive  = (archive.Store)(nil)
)
