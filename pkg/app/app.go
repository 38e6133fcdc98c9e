// Package app assembles a running service from configuration: telemetry,
// plan store, backends, dispatcher, policy, action runtime, state machine
// and the HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/actions"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/dispatch"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/policy"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/router"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stores"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/telemetry"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports/local"
)

// App is a fully wired service.
type App struct {
	Config     *config.Config
	Telemetry  *telemetry.Telemetry
	Store      stores.Store
	Generator  *local.Generator
	Actions    *actions.Registry
	Dispatcher *dispatch.Dispatcher
	Policy     *policy.Engine
	Machine    *engine.Machine
	Router     *router.Router

	logger       zerolog.Logger
	policyLoader *policy.Loader
	stopWatch    context.CancelFunc
}

// New wires every component described by cfg. ctx bounds startup work such
// as migrations and plugin loading.
func New(ctx context.Context, cfg *config.Config, version string) (a *App, err error) {
	tel, err := telemetry.New(cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &App{
		Config:    cfg,
		Telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("app").Zerolog(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	if a.Store, err = openStore(ctx, cfg.Store); err != nil {
		return a, err
	}
	tel.Events.Subscribe("store", telemetry.StoreSubscriber(a.Store, a.logger), nil)

	var allowed engine.ActionSet
	if len(cfg.Actions.Allowed) > 0 {
		allowed = engine.NewActionSet(cfg.Actions.Allowed...)
	}
	if cfg.Actions.Enabled {
		a.Actions = actions.NewRegistry(allowed)
		plugins, err := actions.LoadPlugins(ctx, cfg.Actions.PluginDir, tel.Logger.NewComponentLogger("actions").Zerolog())
		if err != nil {
			return a, err
		}
		a.Actions.ReplacePlugins(plugins)
	}

	if cfg.Fallback.Enabled {
		if a.Generator, err = NewGenerator(cfg.Fallback, cfg.Stream); err != nil {
			return a, fmt.Errorf("failed to create local generator: %w", err)
		}
	}

	registry, err := BuildRegistry(cfg, a.Generator, a.Actions)
	if err != nil {
		return a, fmt.Errorf("failed to build backend registry: %w", err)
	}
	health := dispatch.NewHealthTracker(dispatch.HealthConfig{
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         cfg.Health.Cooldown,
	})
	a.Dispatcher = dispatch.New(registry, health,
		dispatch.WithLogger(tel.Logger.NewComponentLogger("dispatch").Zerolog()),
		dispatch.WithTracer(tel.Tracer),
		dispatch.WithMetrics(tel.Metrics),
		dispatch.WithEvents(tel.Events),
	)

	if a.Policy, err = newPolicyEngine(ctx, cfg.Policy, tel.Logger.NewComponentLogger("policy").Zerolog()); err != nil {
		return a, err
	}
	if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		watchCtx, cancel := context.WithCancel(context.Background())
		a.stopWatch = cancel
		if a.policyLoader, err = a.Policy.Watch(watchCtx, cfg.Policy.Paths); err != nil {
			return a, fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	machineOpts := []engine.MachineOption{
		engine.WithStepPolicy(a.Policy),
		engine.WithEventPublisher(tel.Events),
	}
	if allowed != nil {
		machineOpts = append(machineOpts, engine.WithActions(allowed))
	}
	a.Machine = engine.NewMachine(a.Dispatcher, a.Store, machineOpts...)

	a.Router = router.New(a.Dispatcher, a.Machine, a.Store,
		router.WithLogger(tel.Logger.NewComponentLogger("router").Zerolog()),
		router.WithTracer(tel.Tracer),
		router.WithTokenRecorder(tel.Metrics),
	)

	a.logger.Info().
		Int("backends", len(registry.Backends())).
		Bool("fallback", a.Generator != nil).
		Bool("actions", a.Actions != nil).
		Str("store", cfg.Store.Driver).
		Msg("Service assembled")
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	if cfg.Driver == "memory" {
		return stores.NewMemoryStore(), nil
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open plan store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate plan store: %w", err)
	}
	return store, nil
}

func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return router.Handler(a.Router, router.ServerOptions{
		CORSOrigins:  a.Config.Server.CORSOrigins,
		MaxBodyBytes: a.Config.Server.MaxBodyBytes,
		Metrics:      a.Telemetry.Metrics.Handler(),
		Logger:       a.Telemetry.Logger.Zerolog(),
	})
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts the listener down gracefully.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.Server.Address, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.Config.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.Telemetry.WithContext(context.Background()) },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(ln)
	}()
	go a.checkBackends(ctx)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info().Msg("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

// checkBackends logs backends that cannot be reached at startup. Requests
// are still routed to them; health only changes on real traffic.
func (a *App) checkBackends(ctx context.Context) {
	for _, b := range a.Dispatcher.Registry().Backends() {
		if err := a.Dispatcher.Ping(ctx, b.ID()); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn().Str("backend", b.ID()).Err(err).Msg("Backend unreachable at startup")
			continue
		}
		a.logger.Debug().Str("backend", b.ID()).Msg("Backend reachable")
	}
}

// Close releases every component in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.policyLoader != nil {
		errs = append(errs, a.policyLoader.StopWatching())
	}
	if a.Dispatcher != nil {
		errs = append(errs, a.Dispatcher.Registry().Close())
	} else if a.Generator != nil {
		errs = append(errs, a.Generator.Close())
	}
	// Drain events before the store they are written to closes.
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
