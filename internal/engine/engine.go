// Package engine wires together ken's components into a runnable
// process: config, logging, store, bus, spawner, handler, scheduler,
// and tracing, plus the restart recovery pipeline.
package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/j-tyler/ken/internal/bus"
	"github.com/j-tyler/ken/internal/compose"
	"github.com/j-tyler/ken/internal/config"
	"github.com/j-tyler/ken/internal/handler"
	"github.com/j-tyler/ken/internal/kenning"
	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/observer"
	"github.com/j-tyler/ken/internal/scheduler"
	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/socket"
	"github.com/j-tyler/ken/internal/spawn"
	"github.com/j-tyler/ken/internal/store"
	"github.com/j-tyler/ken/internal/store/sqlite"
)

// Engine is ken's fully wired process: every component constructed and
// ready to drive via its CLI entry points.
type Engine struct {
	Config    *config.Config
	Log       *logger.Logger
	Store     store.Store
	Bus       bus.EventBus
	Handler   *handler.Handler
	Scheduler *scheduler.Scheduler
	Observer  *observer.Observer
	Socket    *socket.Server

	tracerShutdown func(context.Context) error
}

// Build constructs an Engine from cfg, performing the restart recovery
// pass described in the engine's concurrency model before returning.
func Build(ctx context.Context, cfg *config.Config) (*Engine, error) {
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		return nil, fmt.Errorf("engine: build logger: %w", err)
	}
	logger.SetDefault(log)

	tracerShutdown, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("engine: setup tracing: %w", err)
	}

	var eventBus bus.EventBus
	if cfg.Bus.NATSURL != "" {
		nb, err := bus.NewNATSEventBus(cfg.Bus.NATSURL)
		if err != nil {
			log.Warn("nats bus unavailable, falling back to in-memory", zap.Error(err))
			eventBus = bus.NewMemoryEventBus()
		} else {
			eventBus = nb
		}
	} else {
		eventBus = bus.NewMemoryEventBus()
	}

	st, err := sqlite.Open(cfg.Store.Path, cfg.Store.BusyTimeout, eventBus, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	driver, err := buildDriver(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("engine: build spawn driver: %w", err)
	}

	h := handler.New(st, log)
	composer := compose.New(func(sessionID string, w kenning.Warning) {
		log.Warn("grounding token unresolved", zap.String("session_id", sessionID), zap.String("token", w.Token), zap.Error(w.Err))
	})
	sch := scheduler.New(st, driver, composer, eventBus, log, scheduler.Config{
		MaxActive:    cfg.Scheduler.MaxActive,
		PollInterval: cfg.Scheduler.PollInterval,
		ProjectRoot:  cfg.ProjectRoot,
		SocketPath:   cfg.Socket.Path,
	})
	obs := observer.New(st)

	var sockSrv *socket.Server
	if cfg.Socket.Enabled {
		sockSrv = socket.New(cfg.Socket.Path, h, log)
		if err := sockSrv.Start(ctx); err != nil {
			return nil, fmt.Errorf("engine: start socket server: %w", err)
		}
	}

	e := &Engine{
		Config:         cfg,
		Log:            log,
		Store:          st,
		Bus:            eventBus,
		Handler:        h,
		Scheduler:      sch,
		Observer:       obs,
		Socket:         sockSrv,
		tracerShutdown: tracerShutdown,
	}

	if err := e.recover(ctx); err != nil {
		return nil, fmt.Errorf("engine: recovery pass: %w", err)
	}

	return e, nil
}

func buildDriver(cfg *config.Config, log *logger.Logger) (spawn.Driver, error) {
	switch cfg.Spawner.Driver {
	case "docker":
		return spawn.NewDockerDriver(cfg.Spawner.DockerHost, cfg.Spawner.DockerImage, log)
	default:
		command := cfg.Spawner.Command
		argv := []string{command}
		return spawn.NewExecDriver(argv, log), nil
	}
}

func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// recover implements the restart recovery policy: waking sessions
// revert to pending (their agent, if any, is orphaned), and active
// sessions without a live agent are marked failed with a synthetic
// result noting loss of the agent, flagged recoverable so an operator
// may re-spawn them.
func (e *Engine) recover(ctx context.Context) error {
	wakingStatus := session.StatusWaking
	waking, err := e.Store.Query(ctx, session.Filter{Status: &wakingStatus})
	if err != nil {
		return err
	}
	for _, s := range waking {
		pending := session.StatusPending
		if _, err := e.Store.UpdateSession(ctx, s.ID, session.Patch{Status: &pending}); err != nil {
			return fmt.Errorf("engine: recover waking session %s: %w", s.ID, err)
		}
		e.Log.Info("recovered orphaned waking session to pending", zap.String("session_id", s.ID))
	}

	activeStatus := session.StatusActive
	active, err := e.Store.Query(ctx, session.Filter{Status: &activeStatus})
	if err != nil {
		return err
	}
	for _, s := range active {
		failed := session.StatusFailed
		result := "engine restarted: agent process lost"
		recoverable := true
		err := e.Store.Transaction(ctx, func(tx store.Tx) error {
			if _, err := tx.UpdateSession(ctx, s.ID, session.Patch{Status: &failed, Result: &result, Recoverable: &recoverable}); err != nil {
				return err
			}
			_, err := tx.AppendEvent(ctx, session.Event{SessionID: s.ID, Kind: session.EventFailed, Data: result})
			return err
		})
		if err != nil {
			return fmt.Errorf("engine: recover active session %s: %w", s.ID, err)
		}
		e.Log.Warn("marked orphaned active session failed", zap.String("session_id", s.ID))
	}

	return nil
}

// Shutdown releases engine resources (store, bus, tracer).
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Scheduler.Stop()
	if e.Socket != nil {
		_ = e.Socket.Stop()
	}
	if e.tracerShutdown != nil {
		_ = e.tracerShutdown(ctx)
	}
	_ = e.Bus.Close()
	return e.Store.Close()
}
