// Package shutdown sequences the gateway's graceful stop: drain client
// traffic first, then halt the background loops, then flush.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stopper is a component that participates in graceful shutdown.
type Stopper interface {
	// Name identifies the component in shutdown logs.
	Name() string
	// Stop performs the component's shutdown and returns when done.
	Stop(ctx context.Context) error
}

// StopFunc adapts a function to the Stopper interface.
type StopFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (s StopFunc) Name() string                   { return s.ComponentName }
func (s StopFunc) Stop(ctx context.Context) error { return s.Fn(ctx) }

// Phase orders shutdown. Components in the same phase stop concurrently;
// phases run in sequence.
type Phase int

const (
	// PhaseDrain stops the listener and waits out in-flight requests.
	PhaseDrain Phase = iota
	// PhaseBackground halts the prober, limiter GC, and other loops.
	PhaseBackground
	// PhaseFlush releases remaining resources and flushes buffers.
	PhaseFlush
)

func (p Phase) String() string {
	switch p {
	case PhaseDrain:
		return "drain"
	case PhaseBackground:
		return "background"
	case PhaseFlush:
		return "flush"
	default:
		return "unknown"
	}
}

var phaseOrder = []Phase{PhaseDrain, PhaseBackground, PhaseFlush}

// Coordinator runs the phased shutdown sequence under one total timeout.
type Coordinator struct {
	mu       sync.Mutex
	stoppers map[Phase][]Stopper

	timeout time.Duration
	logger  *zap.Logger

	startedCh chan struct{}
	startOnce sync.Once
	doneCh    chan struct{}
}

// NewCoordinator creates a coordinator with the given total timeout.
func NewCoordinator(timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		stoppers:  make(map[Phase][]Stopper),
		timeout:   timeout,
		logger:    logger,
		startedCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Register adds a component to the given phase.
func (c *Coordinator) Register(phase Phase, s Stopper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stoppers[phase] = append(c.stoppers[phase], s)
}

// RegisterFunc registers a shutdown function under a component name.
func (c *Coordinator) RegisterFunc(phase Phase, name string, fn func(ctx context.Context) error) {
	c.Register(phase, StopFunc{ComponentName: name, Fn: fn})
}

// Shutdown runs the sequence once and blocks until it finishes or ctx is
// done. Concurrent callers share the same run.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.startOnce.Do(func() {
		close(c.startedCh)
		go c.run()
	})

	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started returns a channel closed when shutdown begins. The readiness
// probe watches it to flip not-ready before the listener stops.
func (c *Coordinator) Started() <-chan struct{} {
	return c.startedCh
}

func (c *Coordinator) run() {
	defer close(c.doneCh)

	// The sequence gets its full timeout even if the caller's context is
	// already expiring.
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.logger.Info("shutdown started", zap.Duration("timeout", c.timeout))

	var failed []error
	for _, phase := range phaseOrder {
		c.mu.Lock()
		stoppers := c.stoppers[phase]
		c.mu.Unlock()
		if len(stoppers) == 0 {
			continue
		}

		c.logger.Info("shutdown phase",
			zap.String("phase", phase.String()),
			zap.Int("components", len(stoppers)),
		)
		failed = append(failed, c.stopPhase(ctx, phase, stoppers)...)

		if ctx.Err() != nil {
			c.logger.Error("shutdown timeout exceeded",
				zap.String("phase", phase.String()),
			)
			break
		}
	}

	if len(failed) > 0 {
		c.logger.Error("shutdown finished with errors", zap.Int("errors", len(failed)))
		return
	}
	c.logger.Info("shutdown complete")
}

// stopPhase stops every component in the phase concurrently and collects
// failures.
func (c *Coordinator) stopPhase(ctx context.Context, phase Phase, stoppers []Stopper) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(stoppers))

	for _, s := range stoppers {
		wg.Add(1)
		go func(s Stopper) {
			defer wg.Done()

			start := time.Now()
			if err := s.Stop(ctx); err != nil {
				c.logger.Error("component stop failed",
					zap.String("component", s.Name()),
					zap.String("phase", phase.String()),
					zap.Duration("took", time.Since(start)),
					zap.Error(err),
				)
				errCh <- fmt.Errorf("%s: %w", s.Name(), err)
				return
			}
			c.logger.Debug("component stopped",
				zap.String("component", s.Name()),
				zap.String("phase", phase.String()),
				zap.Duration("took", time.Since(start)),
			)
		}(s)
	}

	wg.Wait()
	close(errCh)

	var out []error
	for err := range errCh {
		out = append(out, err)
	}
	return out
}

// ReadinessProbe reports whether the gateway should receive traffic. It
// flips to draining the moment shutdown begins, ahead of the listener
// actually closing, so load balancers stop routing first.
type ReadinessProbe struct {
	mu       sync.RWMutex
	draining bool
}

// NewReadinessProbe creates a probe watching the coordinator.
func NewReadinessProbe(c *Coordinator) *ReadinessProbe {
	rp := &ReadinessProbe{}
	go func() {
		<-c.Started()
		rp.mu.Lock()
		rp.draining = true
		rp.mu.Unlock()
	}()
	return rp
}

// Draining reports whether shutdown has begun.
func (rp *ReadinessProbe) Draining() bool {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return rp.draining
}
