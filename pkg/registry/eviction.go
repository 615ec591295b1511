package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Evictor runs the idle-session flush sweep on a cron schedule. It is an
// opt-in component; the registry works without one.
type Evictor struct {
	registry    *Registry
	schedule    string
	idleTimeout time.Duration
	logger      zerolog.Logger

	cron    *cron.Cron
	running bool
}

// NewEvictor creates an evictor for the given schedule expression.
// Standard cron specs and descriptors like "@every 5m" are accepted.
func NewEvictor(registry *Registry, schedule string, idleTimeout time.Duration, logger zerolog.Logger) (*Evictor, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if idleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", schedule, err)
	}

	return &Evictor{
		registry:    registry,
		schedule:    schedule,
		idleTimeout: idleTimeout,
		logger:      logger,
	}, nil
}

// Start begins the scheduled sweeps
func (e *Evictor) Start() error {
	if e.running {
		return fmt.Errorf("evictor is already running")
	}

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.schedule, e.sweep); err != nil {
		return fmt.Errorf("failed to schedule eviction sweep: %w", err)
	}
	e.cron.Start()
	e.running = true

	e.logger.Info().
		Str("schedule", e.schedule).
		Dur("idleTimeout", e.idleTimeout).
		Msg("Session eviction started")

	return nil
}

// Stop halts the sweeps, waiting for an in-flight sweep to finish
func (e *Evictor) Stop() {
	if !e.running {
		return
	}
	ctx := e.cron.Stop()
	<-ctx.Done()
	e.running = false
	e.logger.Info().Msg("Session eviction stopped")
}

func (e *Evictor) sweep() {
	flushed, err := e.registry.FlushIdle(context.Background(), e.idleTimeout)
	if err != nil {
		e.logger.Error().Err(err).Msg("Eviction sweep completed with errors")
	}
	e.logger.Debug().Int("flushed", flushed).Msg("Eviction sweep finished")
}
