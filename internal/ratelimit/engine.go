package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"go.gearno.de/kit/log"
	"go.gearno.de/steward/internal/otelutils"
)

// Decision is the outcome of evaluating a request against the current
// rule set.
type Decision int

const (
	Ok Decision = iota
	OverLimit
)

func (d Decision) String() string {
	if d == OverLimit {
		return "over_limit"
	}

	return "ok"
}

// CounterStore is the abstract counter-store collaborator C6 drives. A
// single Increment/Expire pair is one evaluation-set entry's round trip;
// the Engine never retries either call itself.
type CounterStore interface {
	// Increment adds delta to key and returns the post-increment value.
	// A store that has never seen key treats it as zero.
	Increment(ctx context.Context, key string, delta uint32) (int64, error)

	// Expire sets key's TTL to seconds.
	Expire(ctx context.Context, key string, seconds int64) error
}

const tracerName = "go.gearno.de/steward/ratelimit"

type (
	// Option configures an Engine during construction.
	Option func(e *Engine)

	// Engine is the decision pipeline (C6): it reads the current
	// snapshot from a Cache, asks the matcher for an evaluation set,
	// fans increments out to a CounterStore bounded by a connection
	// gate, and aggregates the results into a Decision.
	Engine struct {
		store  CounterStore
		cache  *Cache
		logger *log.Logger
		tracer trace.Tracer
		gate   *semaphore.Weighted

		decisionsTotal    *prometheus.CounterVec
		evaluateDuration  prometheus.Histogram
		incrementFailures prometheus.Counter

		defaultTTLSeconds int64
	}
)

// WithLogger sets the logger used for permissive-on-failure diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing for Evaluate spans.
// Descriptor keys and values come straight off the wire from the calling
// proxy, so the provider is wrapped to sanitize span attributes built from
// them before they reach an OTLP exporter.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = otelutils.WrapTracerProvider(tp).Tracer(tracerName)
	}
}

// WithRegisterer registers the Engine's Prometheus metrics against r
// instead of the default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerMetrics(r)
	}
}

// WithDefaultTTLSeconds sets the Expire TTL used when an evaluation-set
// entry's unit cannot be resolved. A well-formed rule set never reaches
// this path (Rule.Validate rejects unresolved units at load time, §7), but
// a request descriptor's inline override is not run through Validate, so a
// caller is free to send one with an unresolved unit; falling back here
// instead of on Unit.ToSeconds's panic keeps that a config-fallback
// situation rather than a crash. Default 60.
func WithDefaultTTLSeconds(n int64) Option {
	return func(e *Engine) {
		e.defaultTTLSeconds = n
	}
}

// WithConnectionLimit bounds the number of concurrent CounterStore
// round-trips a single Evaluate call, and Evaluate calls collectively, may
// have in flight. This is the pool-size gate named in §4.1/§5; default 1.
func WithConnectionLimit(n int64) Option {
	return func(e *Engine) {
		e.gate = semaphore.NewWeighted(n)
	}
}

// NewEngine constructs an Engine reading rules from cache and driving
// store for counter operations.
func NewEngine(store CounterStore, cache *Cache, options ...Option) *Engine {
	e := &Engine{
		store:  store,
		cache:  cache,
		logger: log.NewLogger(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		gate:   semaphore.NewWeighted(1),

		defaultTTLSeconds: 60,
	}

	e.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(e)
	}

	return e
}

func (e *Engine) registerMetrics(r prometheus.Registerer) {
	e.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions, by outcome.",
		},
		[]string{"decision"},
	)
	if err := r.Register(e.decisionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			e.decisionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	e.evaluateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "evaluate_duration_seconds",
			Help:      "Duration of a full ShouldRateLimit evaluation.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	if err := r.Register(e.evaluateDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			e.evaluateDuration = are.ExistingCollector.(prometheus.Histogram)
		}
	}

	e.incrementFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "increment_failures_total",
			Help:      "Total number of counter-store increment failures, treated as permissive.",
		},
	)
	if err := r.Register(e.incrementFailures); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			e.incrementFailures = are.ExistingCollector.(prometheus.Counter)
		}
	}
}

// Evaluate runs the full decision pipeline for req: it loads the current
// snapshot, builds the evaluation set, fans increments out to the counter
// store, and aggregates the result. It never returns a non-nil error for a
// decision-level denial, and counter-store failures are absorbed into the
// permissive policy rather than returned; the RPC boundary maps any error
// it does return to Internal, not to a decision.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = e.tracer.Start(
			ctx,
			"ratelimit.Evaluate",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.domain", req.Domain),
				attribute.Int("ratelimit.descriptor_count", len(req.Descriptors)),
			),
		)
		defer span.End()
	}

	snap := e.cache.Load()
	rules := snap.Rules(req.Domain)

	if len(rules) == 0 {
		e.logger.WarnCtx(ctx, "domain has no configured rules, answering permissively",
			log.String("domain", req.Domain),
		)

		e.recordDecision(Ok, time.Since(start))

		return Ok, nil
	}

	evaluation := BuildEvaluationSet(req.Domain, req, rules)
	if len(evaluation) == 0 {
		e.recordDecision(Ok, time.Since(start))
		return Ok, nil
	}

	results := e.incrementAll(ctx, evaluation, req.Delta())

	decision := Ok
	for cfgKey, limit := range evaluation {
		if results[cfgKey] >= limit.RequestsPerUnit {
			decision = OverLimit
			break
		}
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.String("ratelimit.decision", decision.String()),
			attribute.Int("ratelimit.evaluation_set_size", len(evaluation)),
		)
	}

	e.recordDecision(decision, time.Since(start))

	return decision, nil
}

// incrementAll dispatches one increment (and conditional expire) per
// evaluation-set entry, bounded by the connection gate, and collects the
// post-increment value of every key that could be incremented. A key that
// fails to increment is simply absent from the result, which aggregation
// treats as 0 per the permissive-on-failure policy.
func (e *Engine) incrementAll(ctx context.Context, evaluation map[string]RateLimit, delta uint32) map[string]int64 {
	var (
		mu      sync.Mutex
		results = make(map[string]int64, len(evaluation))
	)

	g, gctx := errgroup.WithContext(ctx)

	for cfgKey, limit := range evaluation {
		cfgKey, limit := cfgKey, limit

		g.Go(func() error {
			if err := e.gate.Acquire(gctx, 1); err != nil {
				e.logger.ErrorCtx(ctx, "cannot acquire counter store connection",
					log.String("cfg_key", cfgKey),
					log.Error(err),
				)
				e.incrementFailures.Inc()

				return nil
			}
			defer e.gate.Release(1)

			value, err := e.store.Increment(gctx, cfgKey, delta)
			if err != nil {
				e.logger.ErrorCtx(ctx, "counter store increment failed",
					log.String("cfg_key", cfgKey),
					log.Error(err),
				)
				e.incrementFailures.Inc()

				return nil
			}

			mu.Lock()
			results[cfgKey] = value
			mu.Unlock()

			if value == 1 {
				if err := e.store.Expire(gctx, cfgKey, e.ttlSeconds(limit)); err != nil {
					e.logger.WarnCtx(ctx, "counter store expire failed",
						log.String("cfg_key", cfgKey),
						log.Error(err),
					)
				}
			}

			return nil
		})
	}

	// Every goroutine above always returns nil: failures are absorbed
	// into the permissive policy, not propagated as pipeline errors.
	_ = g.Wait()

	return results
}

// ttlSeconds resolves the Expire TTL for limit, falling back to
// e.defaultTTLSeconds when the unit is unresolved rather than calling
// Unit.ToSeconds, which panics on UnitUnknown.
func (e *Engine) ttlSeconds(limit RateLimit) int64 {
	if limit.Unit == UnitUnknown {
		e.logger.Warn("rate limit has unresolved unit, falling back to configured default TTL",
			log.Int64("default_ttl_seconds", e.defaultTTLSeconds),
		)

		return e.defaultTTLSeconds
	}

	return limit.Unit.ToSeconds()
}

func (e *Engine) recordDecision(d Decision, dur time.Duration) {
	e.decisionsTotal.WithLabelValues(d.String()).Inc()
	e.evaluateDuration.Observe(dur.Seconds())
}
