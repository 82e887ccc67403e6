// Package counterstore implements the counter store client (C1): pooled
// access to the external atomic-counter store the decision pipeline
// drives, backed by Redis.
package counterstore

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"go.gearno.de/kit/log"
	"go.gearno.de/steward/internal/otelutils"
)

const tracerName = "go.gearno.de/steward/counterstore"

type (
	// Option configures the Client during initialization.
	Option func(c *Client)

	// Client is a pooled Redis client implementing ratelimit.CounterStore.
	// Acquisition of the connection-count semaphore gate IS acquisition of
	// a pool connection for the purposes of §4.1's acquisition-failure
	// contract; go-redis's own internal pool is sized identically so the
	// gate and the pool never disagree about how many operations may be
	// in flight.
	Client struct {
		addr     string
		poolSize int

		rdb  *redis.Client
		gate *semaphore.Weighted

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		registerer     prometheus.Registerer

		operationsTotal   *prometheus.CounterVec
		operationDuration *prometheus.HistogramVec
	}
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("counterstore.client")
	}
}

// WithAddr specifies the Redis address in "host:port" form, as named by
// the redis_host configuration key.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithPoolSize bounds both the semaphore gate and the underlying
// go-redis pool at n connections. Default 1, per redis_connections.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		c.poolSize = n
	}
}

// WithTracerProvider configures OpenTelemetry tracing for Increment/Expire
// spans. Redis keys echoed onto span attributes are built from
// client-controlled descriptor values, so the provider is wrapped to
// sanitize them before export.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = otelutils.WrapTracerProvider(tp)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates a Redis-backed counter store client. It does not
// connect eagerly; the first Increment/Expire call establishes the
// connection through go-redis's own lazy dialing.
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "127.0.0.1:6379",
		poolSize:       1,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	c.tracer = c.tracerProvider.Tracer(tracerName)
	c.gate = semaphore.NewWeighted(int64(c.poolSize))

	c.rdb = redis.NewClient(&redis.Options{
		Addr:     c.addr,
		PoolSize: c.poolSize,
	})

	c.registerMetrics()

	if err := c.registerer.Register(newCollector(c.rdb, c.addr)); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, fmt.Errorf("counterstore: cannot register collector: %w", err)
		}
	}

	return c, nil
}

func (c *Client) registerMetrics() {
	c.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "counterstore",
			Name:      "operations_total",
			Help:      "Total number of counter store operations, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	if err := c.registerer.Register(c.operationsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.operationsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "counterstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of counter store operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	if err := c.registerer.Register(c.operationDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.operationDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
}

// Close releases the underlying Redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Increment issues INCRBY key delta and returns the post-increment value.
// Acquiring the semaphore gate failing (e.g. ctx deadline exceeded while
// waiting for a free slot) is reported as an acquisition error, distinct
// from a Redis-level error, though both are treated identically by the
// decision pipeline's permissive policy.
func (c *Client) Increment(ctx context.Context, key string, delta uint32) (int64, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"counterstore.Increment",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("counterstore.key", key),
				attribute.Int64("counterstore.delta", int64(delta)),
			),
		)
		defer span.End()
	}

	if err := c.gate.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("counterstore: cannot acquire connection: %w", err)
		c.record("increment", "acquire_error")

		if rootSpan.IsRecording() {
			recordError(span, err)
		}

		return 0, err
	}
	defer c.gate.Release(1)

	value, err := c.timed("increment", func() (int64, error) {
		return c.rdb.IncrBy(ctx, key, int64(delta)).Result()
	})
	if err != nil {
		err = fmt.Errorf("counterstore: INCRBY %s failed: %w", key, err)

		if rootSpan.IsRecording() {
			recordError(span, err)
		}

		return 0, err
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Int64("counterstore.value", value))
	}

	return value, nil
}

// Expire issues EXPIRE key seconds.
func (c *Client) Expire(ctx context.Context, key string, seconds int64) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"counterstore.Expire",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("counterstore.key", key),
				attribute.Int64("counterstore.seconds", seconds),
			),
		)
		defer span.End()
	}

	if err := c.gate.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("counterstore: cannot acquire connection: %w", err)
		c.record("expire", "acquire_error")

		if rootSpan.IsRecording() {
			recordError(span, err)
		}

		return err
	}
	defer c.gate.Release(1)

	_, err := c.timed("expire", func() (int64, error) {
		ok, err := c.rdb.Expire(ctx, key, secondsToDuration(seconds)).Result()
		if ok {
			return 1, err
		}
		return 0, err
	})
	if err != nil {
		err = fmt.Errorf("counterstore: EXPIRE %s failed: %w", key, err)

		if rootSpan.IsRecording() {
			recordError(span, err)
		}

		return err
	}

	return nil
}

func (c *Client) timed(operation string, f func() (int64, error)) (int64, error) {
	timer := prometheus.NewTimer(c.operationDuration.WithLabelValues(operation))
	defer timer.ObserveDuration()

	value, err := f()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.operationsTotal.WithLabelValues(operation, outcome).Inc()

	return value, err
}

func (c *Client) record(operation, outcome string) {
	c.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
