// Package shutdown provides phased graceful shutdown with hooks
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase represents a shutdown phase
type Phase string

const (
	// PhasePreShutdown runs before shutdown begins (health check flips unhealthy)
	PhasePreShutdown Phase = "pre_shutdown"

	// PhaseStopAccepting stops accepting new HTTP requests and push connections
	PhaseStopAccepting Phase = "stop_accepting"

	// PhaseDrain closes push connections with a server-shutting-down reason and
	// drains the dispatcher worker pool
	PhaseDrain Phase = "drain"

	// PhaseCleanup closes external clients (Postgres, Redis, NATS, AMQP, Mongo, ClickHouse)
	PhaseCleanup Phase = "cleanup"

	// PhasePostShutdown runs final tasks (flush logs)
	PhasePostShutdown Phase = "post_shutdown"
)

// Hook is a function that runs during a specific shutdown phase
type Hook func(ctx context.Context) error

// Manager manages graceful shutdown with phased execution
type Manager struct {
	logger *zap.Logger
	phases map[Phase][]Hook
	mu     sync.RWMutex
}

// NewManager creates a new shutdown manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger,
		phases: make(map[Phase][]Hook),
	}
}

// RegisterHook registers a shutdown hook for a specific phase
func (m *Manager) RegisterHook(phase Phase, name string, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wrapped := func(ctx context.Context) error {
		m.logger.Info("executing shutdown hook",
			zap.String("phase", string(phase)),
			zap.String("hook", name),
		)

		start := time.Now()
		err := hook(ctx)
		duration := time.Since(start)

		if err != nil {
			m.logger.Error("shutdown hook failed",
				zap.String("phase", string(phase)),
				zap.String("hook", name),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
			return fmt.Errorf("hook %s failed: %w", name, err)
		}

		m.logger.Info("shutdown hook completed",
			zap.String("phase", string(phase)),
			zap.String("hook", name),
			zap.Duration("duration", duration),
		)
		return nil
	}

	m.phases[phase] = append(m.phases[phase], wrapped)
}

// Shutdown executes all shutdown hooks in phase order with per-phase timeouts
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("starting graceful shutdown")
	startTime := time.Now()

	phasesWithTimeouts := []struct {
		phase   Phase
		timeout time.Duration
	}{
		{PhasePreShutdown, 2 * time.Second},
		{PhaseStopAccepting, 2 * time.Second},
		{PhaseDrain, 15 * time.Second},
		{PhaseCleanup, 8 * time.Second},
		{PhasePostShutdown, 2 * time.Second},
	}

	var shutdownErrors []error

	for _, pt := range phasesWithTimeouts {
		if err := m.executePhase(ctx, pt.phase, pt.timeout); err != nil {
			m.logger.Error("shutdown phase failed",
				zap.String("phase", string(pt.phase)),
				zap.Error(err),
			)
			shutdownErrors = append(shutdownErrors, err)
			// keep going; later phases still need to run
		}
	}

	m.logger.Info("graceful shutdown completed",
		zap.Duration("total_duration", time.Since(startTime)),
		zap.Int("error_count", len(shutdownErrors)),
	)

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown completed with %d errors", len(shutdownErrors))
	}

	return nil
}

// executePhase executes all hooks for a specific phase with timeout
func (m *Manager) executePhase(parentCtx context.Context, phase Phase, timeout time.Duration) error {
	m.mu.RLock()
	hooks := m.phases[phase]
	m.mu.RUnlock()

	if len(hooks) == 0 {
		m.logger.Debug("no hooks registered for phase", zap.String("phase", string(phase)))
		return nil
	}

	m.logger.Info("executing shutdown phase",
		zap.String("phase", string(phase)),
		zap.Int("hook_count", len(hooks)),
		zap.Duration("timeout", timeout),
	)

	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(hooks))

	for _, hook := range hooks {
		wg.Add(1)
		go func(h Hook) {
			defer wg.Done()
			if err := h(ctx); err != nil {
				errChan <- err
			}
		}(hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errChan)

		var errs []error
		for err := range errChan {
			errs = append(errs, err)
		}

		if len(errs) > 0 {
			return fmt.Errorf("phase %s: %d hooks failed", phase, len(errs))
		}

		return nil

	case <-ctx.Done():
		m.logger.Warn("shutdown phase timed out",
			zap.String("phase", string(phase)),
			zap.Duration("timeout", timeout),
		)
		return fmt.Errorf("phase %s timed out after %s", phase, timeout)
	}
}
