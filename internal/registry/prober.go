package registry

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/clock"
	"github.com/kestrelgw/kestrel/internal/metrics"
	"github.com/kestrelgw/kestrel/internal/observe"
)

// Prober keeps the registry's health state fresh. Every tick it probes each
// instance's health endpoint; probes for different instances run
// concurrently, probes for the same instance never overlap.
type Prober struct {
	registry *Registry
	client   *http.Client
	clock    clock.Clock
	sink     observe.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger

	interval        time.Duration
	timeout         time.Duration
	shutdownGrace   time.Duration
	heartbeatExpiry time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ProberConfig holds prober settings and dependencies.
type ProberConfig struct {
	Registry *Registry
	Client   *http.Client
	Clock    clock.Clock
	Sink     observe.Sink
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Interval between probe rounds. Default 30s.
	Interval time.Duration
	// Timeout per probe. Default 5s; overridden per descriptor.
	Timeout time.Duration
	// ShutdownGrace bounds the wait for in-flight probes on Stop.
	ShutdownGrace time.Duration
	// HeartbeatExpiry evicts dynamic instances without liveness signals.
	// Zero disables eviction.
	HeartbeatExpiry time.Duration
}

// NewProber creates a prober. It does not start probing until Start.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Sink == nil {
		cfg.Sink = observe.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}

	return &Prober{
		registry:        cfg.Registry,
		client:          cfg.Client,
		clock:           cfg.Clock,
		sink:            cfg.Sink,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		interval:        cfg.Interval,
		timeout:         cfg.Timeout,
		shutdownGrace:   cfg.ShutdownGrace,
		heartbeatExpiry: cfg.HeartbeatExpiry,
		inFlight:        make(map[string]bool),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	go p.run()
}

// run executes probe rounds until Stop.
func (p *Prober) run() {
	defer close(p.doneCh)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C():
			p.ProbeAll()
			if p.heartbeatExpiry > 0 {
				p.registry.EvictExpired(p.heartbeatExpiry)
			}
		}
	}
}

// ProbeAll probes every registered instance once, skipping instances whose
// previous probe is still in flight.
func (p *Prober) ProbeAll() {
	for _, in := range p.registry.Snapshot() {
		in := in

		p.mu.Lock()
		if p.inFlight[in.ID] {
			p.mu.Unlock()
			p.sink.ProbeOverrun(in.Descriptor.Name, in.ID)
			continue
		}
		p.inFlight[in.ID] = true
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				delete(p.inFlight, in.ID)
				p.mu.Unlock()
			}()
			p.probe(&in)
		}()
	}
}

// probe issues one liveness probe and records the result.
func (p *Prober) probe(in *Instance) {
	timeout := p.timeout
	if in.Descriptor.Timeout > 0 {
		timeout = in.Descriptor.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	probeURL := joinPath(in.URL(), in.Descriptor.HealthCheckPath)
	start := p.clock.Now()

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err == nil {
		resp, reqErr := p.client.Do(req)
		if reqErr == nil {
			healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
			_ = resp.Body.Close()
		} else {
			p.logger.Debug("probe failed",
				zap.String("service", in.Descriptor.Name),
				zap.String("instance_id", in.ID),
				zap.Error(reqErr),
			)
		}
	}

	latency := p.clock.Since(start)
	if p.metrics != nil {
		p.metrics.RecordProbe(in.Descriptor.Name, healthy)
	}

	// Instance may have been deregistered while the probe was in flight.
	if err := p.registry.UpdateHealth(in.ID, healthy, latency); err != nil {
		p.logger.Debug("probe result dropped", zap.String("instance_id", in.ID))
	}
}

// Stop halts the probe loop and waits at most the shutdown grace for
// in-flight probes before abandoning them.
func (p *Prober) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	<-p.doneCh

	waitCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitCh)
	}()

	grace := p.clock.NewTimer(p.shutdownGrace)
	defer grace.Stop()

	select {
	case <-waitCh:
		return nil
	case <-grace.C():
		p.logger.Warn("abandoning in-flight health probes")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func joinPath(base *url.URL, path string) string {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String()
}
