// Package daemon is the composition root: it builds the stores, registry,
// queue, reasoner, dispatcher and gateway from configuration and manages
// their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stepwire/stepwire/internal/config"
	"github.com/stepwire/stepwire/internal/logger"
	"github.com/stepwire/stepwire/internal/observability"
	"github.com/stepwire/stepwire/internal/tracing"
	"github.com/stepwire/stepwire/pkg/dispatcher"
	"github.com/stepwire/stepwire/pkg/gateway"
	"github.com/stepwire/stepwire/pkg/history"
	"github.com/stepwire/stepwire/pkg/reasoner"
	"github.com/stepwire/stepwire/pkg/registry"
	"github.com/stepwire/stepwire/pkg/runqueue"
	"github.com/stepwire/stepwire/pkg/snapshot"
)

// Daemon owns every long-lived component of the process
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store      *snapshot.Store
	historyLog *history.Log
	registry   *registry.Registry
	queue      *runqueue.Queue
	dispatcher *dispatcher.Dispatcher
	gateway    *gateway.Server
	evictor    *registry.Evictor

	tracingEnabled bool

	mu      sync.Mutex
	running bool
}

// New builds the daemon in dependency order
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()
	tracingEnabled := true
	if err := tracing.InitOpenTelemetry("stepwire"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		tracingEnabled = false
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		tracingEnabled: tracingEnabled,
	}

	if err := d.initialize(); err != nil {
		d.teardown()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	store, err := snapshot.New(d.config.SnapshotDir())
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	d.store = store
	d.logger.Info().Str("dir", d.config.SnapshotDir()).Msg("Snapshot store initialized")

	historyLog, err := history.Open(d.config.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	d.historyLog = historyLog
	d.logger.Info().Str("path", d.config.HistoryPath()).Msg("History log initialized")

	reg, err := registry.New(registry.Config{
		Store:            store,
		CredentialSource: buildCredentialSource(d.config.Downstream, zl),
		Logger:           zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.registry = reg

	d.queue = runqueue.New()
	d.logger.Info().Msg("Run queue initialized")

	provider, err := reasoner.NewProvider(d.config.Reasoner.Provider, d.config.Reasoner.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	llm, err := reasoner.NewLLMReasoner(reasoner.Config{
		Provider:         provider,
		Model:            d.config.Reasoner.Model,
		Temperature:      d.config.Reasoner.Temperature,
		MaxTokens:        d.config.Reasoner.MaxTokens,
		PlanningInterval: d.config.Reasoner.PlanningInterval,
		MaxSteps:         d.config.Reasoner.MaxSteps,
		Logger:           zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create reasoner: %w", err)
	}
	d.logger.Info().
		Str("provider", d.config.Reasoner.Provider).
		Str("model", d.config.Reasoner.Model).
		Msg("Reasoner initialized")

	disp, err := dispatcher.New(dispatcher.Config{
		Registry:  reg,
		Snapshots: store,
		History:   historyLog,
		Reasoner:  llm,
		Queue:     d.queue,
		Logger:    zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d.dispatcher = disp

	gw, err := gateway.NewServer(gateway.Config{
		Host:       d.config.Gateway.Host,
		Port:       d.config.Gateway.Port,
		Dispatcher: disp,
		History:    historyLog,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = gw

	if d.config.Sessions.EvictionEnabled {
		idle := time.Duration(d.config.Sessions.IdleTimeoutMin) * time.Minute
		evictor, err := registry.NewEvictor(reg, d.config.Sessions.EvictionSchedule, idle, zl)
		if err != nil {
			return fmt.Errorf("failed to create session evictor: %w", err)
		}
		d.evictor = evictor
	}

	return nil
}

// Start brings the services up
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	if d.evictor != nil {
		if err := d.evictor.Start(); err != nil {
			return fmt.Errorf("failed to start evictor: %w", err)
		}
	}

	d.running = true
	d.logger.Info().Msg("Daemon started")
	return nil
}

// Stop shuts the services down in reverse order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return fmt.Errorf("daemon is not running")
	}
	d.running = false

	if d.evictor != nil {
		d.evictor.Stop()
	}
	if err := d.gateway.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop gateway cleanly")
	}

	d.teardown()
	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Dispatcher exposes the dispatcher for embedding callers
func (d *Daemon) Dispatcher() *dispatcher.Dispatcher {
	return d.dispatcher
}

// Registry exposes the session registry
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

func (d *Daemon) teardown() {
	if d.queue != nil {
		_ = d.queue.Close()
		d.queue = nil
	}
	if d.historyLog != nil {
		_ = d.historyLog.Close()
		d.historyLog = nil
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tracing.ShutdownOpenTelemetry(ctx)
		cancel()
		d.tracingEnabled = false
	}
}
