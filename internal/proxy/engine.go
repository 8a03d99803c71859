package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/auth"
	"github.com/kestrelgw/kestrel/internal/breaker"
	"github.com/kestrelgw/kestrel/internal/clock"
	"github.com/kestrelgw/kestrel/internal/config"
	"github.com/kestrelgw/kestrel/internal/errors"
	"github.com/kestrelgw/kestrel/internal/metrics"
	"github.com/kestrelgw/kestrel/internal/middleware"
	"github.com/kestrelgw/kestrel/internal/observe"
	"github.com/kestrelgw/kestrel/internal/ratelimit"
	"github.com/kestrelgw/kestrel/internal/registry"
)

// Trusted headers the gateway owns. Client-supplied copies are stripped
// before forwarding; only verified values are injected.
var trustedHeaders = []string{
	"X-Request-Id",
	"X-User-Id",
	"X-User-Email",
	"X-User-Role",
	"X-Tenant-Id",
}

// Hop-by-hop headers per RFC 9110 §7.6.1, removed in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Engine is the forwarding core. One instance serves all proxied routes;
// it holds no per-request state.
type Engine struct {
	table    *Table
	registry *registry.Registry
	breakers *breaker.Set
	verifier *auth.Verifier
	general  *ratelimit.Limiter
	authLim  *ratelimit.Limiter

	client  *http.Client
	clock   clock.Clock
	sink    observe.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger

	upstreamTimeout time.Duration
	trustedProxies  int

	// Per-service in-flight caps. Acquire never blocks; a full semaphore
	// rejects the request instead of queueing it.
	semMu         sync.Mutex
	sems          map[string]chan struct{}
	maxConcurrent int
}

// EngineConfig holds engine dependencies and settings.
type EngineConfig struct {
	Table    *Table
	Registry *registry.Registry
	Breakers *breaker.Set
	Verifier *auth.Verifier

	GeneralLimiter *ratelimit.Limiter
	AuthLimiter    *ratelimit.Limiter

	Client  *http.Client
	Clock   clock.Clock
	Sink    observe.Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	UpstreamTimeout         time.Duration
	MaxConcurrentPerService int
	TrustedProxies          int
}

// NewEngine creates the forwarding engine.
func NewEngine(cfg EngineConfig) *Engine {
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
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrentPerService <= 0 {
		cfg.MaxConcurrentPerService = 64
	}

	return &Engine{
		table:           cfg.Table,
		registry:        cfg.Registry,
		breakers:        cfg.Breakers,
		verifier:        cfg.Verifier,
		general:         cfg.GeneralLimiter,
		authLim:         cfg.AuthLimiter,
		client:          cfg.Client,
		clock:           cfg.Clock,
		sink:            cfg.Sink,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		upstreamTimeout: cfg.UpstreamTimeout,
		trustedProxies:  cfg.TrustedProxies,
		sems:            make(map[string]chan struct{}),
		maxConcurrent:   cfg.MaxConcurrentPerService,
	}
}

// NewTransport builds the upstream transport from config. Connection
// pooling is tuned here; everything else is the stdlib default.
func NewTransport(cfg config.ProxyConfig) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		t.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		t.IdleConnTimeout = cfg.IdleConnTimeout
	}
	return t
}

// request carries the per-request state through the forwarding steps.
type request struct {
	start     time.Time
	rule      Rule
	principal auth.Principal
	hasAuth   bool
	instance  registry.Instance
}

// ServeHTTP runs one request through the pipeline: route match, rate limit,
// auth, instance selection, backpressure, breaker gate, forward. Exactly one
// response and one observability record are produced.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &request{start: e.clock.Now()}

	rule, ok := e.table.Match(r.URL.Path)
	if !ok {
		e.respondError(w, r, st, errors.ErrNotFound)
		return
	}
	st.rule = rule

	if err := e.rateLimit(r, rule); err != nil {
		e.respondError(w, r, st, err)
		return
	}

	if err := e.authenticate(r, st); err != nil {
		e.respondError(w, r, st, err)
		return
	}

	in, ok := e.registry.Pick(rule.Service)
	if !ok {
		e.respondError(w, r, st, errors.ErrServiceUnavailable)
		return
	}
	st.instance = in

	sem := e.semaphore(rule.Service)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	default:
		e.respondError(w, r, st, errors.New(errors.CodeServiceUnavailable, "service concurrency limit reached"))
		return
	}

	decision, retryAfter := e.breakers.Admit(rule.Service)
	if decision == breaker.Reject {
		err := errors.ErrBreakerOpen
		if retryAfter > 0 {
			err = err.WithRetryAfter(ceilSeconds(retryAfter))
		}
		e.respondError(w, r, st, err)
		return
	}

	e.forward(w, r, st)
}

// rateLimit applies the route's rate policy, keyed by client IP. The auth
// policy reserves without consuming; only failed attempts are counted, in
// recordAuthOutcome.
func (e *Engine) rateLimit(r *http.Request, rule Rule) error {
	identity := middleware.ClientIP(r, e.trustedProxies)

	var res ratelimit.Result
	switch rule.RatePolicy {
	case config.RatePolicyAuth:
		if e.authLim == nil {
			return nil
		}
		res = e.authLim.Reserve(identity)
	default:
		if e.general == nil {
			return nil
		}
		res = e.general.Allow(identity)
	}

	if res.Allowed {
		return nil
	}
	if e.metrics != nil {
		e.metrics.RecordRateLimited(rule.RatePolicy)
	}
	return errors.ErrRateLimited.WithRetryAfter(ceilSeconds(res.RetryAfter))
}

// authenticate applies the route's auth policy. Optional routes ignore
// every verification failure, expired tokens included; the request simply
// proceeds unauthenticated.
func (e *Engine) authenticate(r *http.Request, st *request) error {
	if st.rule.AuthPolicy == config.AuthPublic {
		return nil
	}

	token := auth.FromHeader(r.Header.Get("Authorization"))
	p, verr := e.verifier.Verify(token)
	if verr == nil {
		if e.metrics != nil {
			e.metrics.RecordTokenVerification("ok")
		}
		st.principal = p
		st.hasAuth = true
		return nil
	}

	if e.metrics != nil {
		e.metrics.RecordTokenVerification(verr.Kind.String())
	}
	if st.rule.AuthPolicy == config.AuthOptional {
		return nil
	}
	if verr.Kind == auth.ErrExpired {
		return errors.ErrTokenExpired
	}
	return errors.ErrUnauthenticated
}

// forward performs the upstream round trip and streams the response back.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, st *request) {
	service := st.rule.Service

	timeout := e.upstreamTimeout
	if d := st.instance.Descriptor.Timeout; d > 0 {
		timeout = d
	}

	// The upstream deadline layers on the client context, so expiry and
	// client disconnect stay distinguishable afterwards.
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	target := upstreamURL(st.instance.URL(), st.rule.RewritePath(r.URL.Path), rewriteRawPath(st.rule, r.URL), r.URL.RawQuery)
	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		e.recordOutcome(service, breaker.Outcome{Failure: true, Latency: e.clock.Since(st.start)})
		e.respondError(w, r, st, errors.Wrap(err, "proxy.forward", errors.CodeInternal, "internal gateway error"))
		return
	}
	out.ContentLength = r.ContentLength
	e.prepareHeaders(out, r, st)

	if e.metrics != nil {
		e.metrics.UpstreamInFlight.WithLabelValues(service).Inc()
	}
	upstreamStart := e.clock.Now()
	resp, err := e.client.Do(out)
	upstreamLatency := e.clock.Since(upstreamStart)
	if e.metrics != nil {
		e.metrics.UpstreamInFlight.WithLabelValues(service).Dec()
	}

	if err != nil {
		e.forwardError(w, r, st, err, upstreamLatency)
		return
	}
	defer resp.Body.Close()

	outcome := "ok"
	failure := resp.StatusCode >= http.StatusInternalServerError
	if failure {
		outcome = "upstream_5xx"
	}
	if e.metrics != nil {
		e.metrics.RecordUpstream(service, outcome, upstreamLatency)
	}
	e.recordOutcome(service, breaker.Outcome{Failure: failure, Latency: upstreamLatency})
	e.recordAuthFailure(r, st, resp.StatusCode)

	// Upstream bytes are the response, 5xx included; the breaker has
	// already recorded the failure.
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Response-Time", strconv.FormatInt(e.clock.Since(st.start).Milliseconds(), 10))
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Debug("response stream interrupted",
			zap.String("service", service),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
	}

	e.emit(r, st, resp.StatusCode, "")
}

// forwardError maps a transport-level failure: upstream deadline expiry is
// UpstreamTimeout, client disconnect is an aborted request, a body over the
// cap is PayloadTooLarge; neither of those counts against the breaker.
// Anything else is BadGateway.
func (e *Engine) forwardError(w http.ResponseWriter, r *http.Request, st *request, err error, latency time.Duration) {
	service := st.rule.Service

	if r.Context().Err() == context.Canceled {
		e.recordOutcome(service, breaker.Outcome{Canceled: true, Latency: latency})
		if e.metrics != nil {
			e.metrics.RecordUpstream(service, "canceled", latency)
		}
		// Client is gone; no response can be delivered.
		e.emit(r, st, statusClientClosed, "Canceled")
		return
	}

	// A request body over the configured cap fails mid-send. That is the
	// client's error, not upstream evidence; no breaker outcome.
	var maxBytes *http.MaxBytesError
	if stderrors.As(err, &maxBytes) {
		e.respondError(w, r, st, errors.ErrPayloadTooLarge)
		return
	}

	e.recordOutcome(service, breaker.Outcome{Failure: true, Latency: latency})

	if stderrors.Is(err, context.DeadlineExceeded) {
		if e.metrics != nil {
			e.metrics.RecordUpstream(service, "timeout", latency)
		}
		e.respondError(w, r, st, errors.Wrap(err, "proxy.forward", errors.CodeUpstreamTimeout, "upstream request timed out"))
		return
	}

	if e.metrics != nil {
		e.metrics.RecordUpstream(service, "transport_error", latency)
	}
	e.respondError(w, r, st, errors.Wrap(err, "proxy.forward", errors.CodeBadGateway, "upstream request failed"))
}

// statusClientClosed marks client-aborted requests in observability records.
// No response with this status is ever written.
const statusClientClosed = 499

// prepareHeaders builds the outbound header set: inbound headers minus
// hop-by-hop and trusted headers, plus the gateway's own identity and
// forwarding headers.
func (e *Engine) prepareHeaders(out, in *http.Request, st *request) {
	copyHeaders(out.Header, in.Header)
	for _, h := range trustedHeaders {
		out.Header.Del(h)
	}

	out.Header.Set("X-Request-Id", middleware.GetRequestID(in.Context()))
	if st.hasAuth {
		out.Header.Set("X-User-Id", st.principal.ID)
		if st.principal.Email != "" {
			out.Header.Set("X-User-Email", st.principal.Email)
		}
		if st.principal.Role != "" {
			out.Header.Set("X-User-Role", st.principal.Role)
		}
		if st.principal.TenantID != "" {
			out.Header.Set("X-Tenant-Id", st.principal.TenantID)
		}
	}

	if ip := middleware.ClientIP(in, e.trustedProxies); ip != "" {
		prior := in.Header.Get("X-Forwarded-For")
		if prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			out.Header.Set("X-Forwarded-For", ip)
		}
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

// recordAuthFailure counts a failed attempt against the auth rate policy.
// An attempt fails when the upstream rejects the credentials.
func (e *Engine) recordAuthFailure(r *http.Request, st *request, status int) {
	if st.rule.RatePolicy != config.RatePolicyAuth || e.authLim == nil {
		return
	}
	if status == http.StatusUnauthorized {
		e.authLim.RecordFailure(middleware.ClientIP(r, e.trustedProxies))
	}
}

// respondError writes the error response and emits the request record.
func (e *Engine) respondError(w http.ResponseWriter, r *http.Request, st *request, err error) {
	ge := errors.AsError(err)
	if ge.Kind == errors.KindSystem && ge.Err != nil {
		e.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(ge),
		)
	}
	middleware.WriteError(w, r, ge)
	e.emit(r, st, ge.HTTPStatus(), string(ge.Code))
}

// emit sends the single observability record for this request.
func (e *Engine) emit(r *http.Request, st *request, status int, errorKind string) {
	rec := observe.RequestRecord{
		RequestID: middleware.GetRequestID(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		Service:   st.rule.Service,
		Status:    status,
		Latency:   e.clock.Since(st.start),
		ErrorKind: errorKind,
	}
	if st.instance.ID != "" {
		rec.InstanceID = st.instance.ID
	}
	if st.hasAuth {
		rec.Principal = st.principal.ID
	}
	e.sink.RequestCompleted(rec)
}

func (e *Engine) recordOutcome(service string, out breaker.Outcome) {
	e.breakers.Record(service, out)
}

// semaphore returns the per-service in-flight cap, creating it on first use.
func (e *Engine) semaphore(service string) chan struct{} {
	e.semMu.Lock()
	defer e.semMu.Unlock()
	sem, ok := e.sems[service]
	if !ok {
		sem = make(chan struct{}, e.maxConcurrent)
		e.sems[service] = sem
	}
	return sem
}

// upstreamURL joins the instance base URL with the rewritten path and the
// original query, untouched. rawPath, when set, preserves the client's
// percent-encoding; an encoding that no longer matches the path falls back
// to re-encoding inside url.URL.
func upstreamURL(base *url.URL, path, rawPath, rawQuery string) string {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	if rawPath != "" {
		u.RawPath = strings.TrimRight(base.EscapedPath(), "/") + rawPath
	}
	u.RawQuery = rawQuery
	return u.String()
}

// rewriteRawPath applies the route rewrite to the escaped request path, so
// encoded separators inside segments survive forwarding. Route prefixes are
// plain ASCII segments, so the same prefix trim applies to both forms.
func rewriteRawPath(rule Rule, u *url.URL) string {
	if u.RawPath == "" {
		return ""
	}
	return rule.RewritePath(u.RawPath)
}

// copyHeaders copies src into dst, dropping hop-by-hop headers and any
// header named in the Connection header.
func copyHeaders(dst, src http.Header) {
	dropped := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		dropped[http.CanonicalHeaderKey(h)] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dropped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for name, values := range src {
		if dropped[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
