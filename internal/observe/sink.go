// Package observe defines the gateway's observability sink. Every request
// lifecycle and state transition is emitted through a single Sink interface;
// the production sink fans out to structured logs and Prometheus metrics.
package observe

import (
	"time"

	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/metrics"
)

// RequestRecord is the observability record for one completed request.
// Exactly one record is emitted per response sent to a client.
type RequestRecord struct {
	RequestID  string
	Method     string
	Path       string
	Service    string
	InstanceID string
	Principal  string
	Status     int
	Latency    time.Duration
	ErrorKind  string
}

// Sink receives observability events from the gateway core.
type Sink interface {
	RequestCompleted(rec RequestRecord)
	BreakerTransition(service, from, to string)
	HealthTransition(service, instanceID, from, to string)
	ProbeOverrun(service, instanceID string)
}

// LogSink emits events to zap and mirrors them into Prometheus metrics.
type LogSink struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLogSink creates the production sink. metrics may be nil.
func NewLogSink(logger *zap.Logger, m *metrics.Metrics) *LogSink {
	return &LogSink{logger: logger, metrics: m}
}

// RequestCompleted emits the structured request log and request metrics.
func (s *LogSink) RequestCompleted(rec RequestRecord) {
	fields := []zap.Field{
		zap.String("request_id", rec.RequestID),
		zap.String("method", rec.Method),
		zap.String("path", rec.Path),
		zap.Int("status", rec.Status),
		zap.Duration("latency", rec.Latency),
	}
	if rec.Service != "" {
		fields = append(fields, zap.String("service", rec.Service))
	}
	if rec.InstanceID != "" {
		fields = append(fields, zap.String("instance_id", rec.InstanceID))
	}
	if rec.Principal != "" {
		fields = append(fields, zap.String("principal", rec.Principal))
	}
	if rec.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", rec.ErrorKind))
	}

	s.logger.Info("request", fields...)

	if s.metrics != nil {
		service := rec.Service
		if service == "" {
			service = "none"
		}
		s.metrics.RecordRequest(rec.Method, service, rec.Status, rec.Latency)
	}
}

// BreakerTransition emits a breaker state change.
func (s *LogSink) BreakerTransition(service, from, to string) {
	s.logger.Warn("breaker transition",
		zap.String("service", service),
		zap.String("from", from),
		zap.String("to", to),
	)
	if s.metrics == nil {
		return
	}
	switch to {
	case "open":
		s.metrics.SetBreakerState(service, metrics.BreakerStateOpen)
		s.metrics.RecordBreakerTrip(service)
	case "half-open":
		s.metrics.SetBreakerState(service, metrics.BreakerStateHalfOpen)
	case "closed":
		s.metrics.SetBreakerState(service, metrics.BreakerStateClosed)
	}
}

// HealthTransition emits an instance health change.
func (s *LogSink) HealthTransition(service, instanceID, from, to string) {
	s.logger.Info("health transition",
		zap.String("service", service),
		zap.String("instance_id", instanceID),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// ProbeOverrun emits a warning for a probe skipped due to overlap.
func (s *LogSink) ProbeOverrun(service, instanceID string) {
	s.logger.Warn("health probe still in flight, skipping tick",
		zap.String("service", service),
		zap.String("instance_id", instanceID),
	)
	if s.metrics != nil {
		s.metrics.RecordProbeSkipped(service)
	}
}

// NopSink discards all events. Used in tests.
type NopSink struct{}

func (NopSink) RequestCompleted(RequestRecord)           {}
func (NopSink) BreakerTransition(string, string, string) {}
func (NopSink) HealthTransition(_, _, _, _ string)       {}
func (NopSink) ProbeOverrun(string, string)              {}
