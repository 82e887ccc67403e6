// Package rpc implements the RPC surface (C7): the
// envoy.service.ratelimit.v3.RateLimitService/ShouldRateLimit endpoint,
// translating between the wire types and the decision pipeline's
// transport-agnostic domain types.
package rpc

import (
	"context"

	envoy "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.gearno.de/kit/log"
	"go.gearno.de/steward/internal/otelutils"
	"go.gearno.de/steward/internal/ratelimit"
)

const tracerName = "go.gearno.de/steward/rpc"

// Evaluator is the decision pipeline collaborator the server drives. It
// is satisfied by *ratelimit.Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
}

type (
	// Option configures the Server during construction.
	Option func(s *Server)

	// Server implements envoy.service.ratelimit.v3.RateLimitServiceServer,
	// wrapping the untyped UnimplementedRateLimitServiceServer for
	// forward-compatibility with future methods the proto may add.
	Server struct {
		envoy.UnimplementedRateLimitServiceServer

		engine Evaluator
		logger *log.Logger
		tracer trace.Tracer
	}
)

// WithLogger sets the logger used for decode-failure and decision
// diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("rpc.server")
	}
}

// WithTracerProvider configures OpenTelemetry tracing for ShouldRateLimit
// spans. The request carries attacker-reachable strings straight from the
// calling proxy, so the provider is wrapped to sanitize span attributes
// built from them before export.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracer = otelutils.WrapTracerProvider(tp).Tracer(tracerName)
	}
}

// NewServer returns a Server driving engine for every ShouldRateLimit
// call.
func NewServer(engine Evaluator, options ...Option) *Server {
	s := &Server{
		engine: engine,
		logger: log.NewLogger(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// ShouldRateLimit decodes req, drives the decision pipeline, and encodes
// the response. Per §4.7, a decision of OVER_LIMIT is a successful RPC
// response, never an RPC-level error; per §8's fuzz invariant, no shape of
// (domain, entries, rules) — including an empty domain or a descriptor
// with no entries — may surface as an RPC-level error either. Only an
// error returned by the Evaluator does, as Internal; *ratelimit.Engine
// absorbs counter-store failures and answers OK instead of returning one.
func (s *Server) ShouldRateLimit(ctx context.Context, req *envoy.RateLimitRequest) (*envoy.RateLimitResponse, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = s.tracer.Start(
			ctx,
			"rpc.ShouldRateLimit",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("ratelimit.domain", req.GetDomain()),
			),
		)
		defer span.End()
	}

	domainReq := decodeRequest(req)

	decision, err := s.engine.Evaluate(ctx, domainReq)
	if err != nil {
		s.logger.ErrorCtx(ctx, "rate limit evaluation failed",
			log.String("domain", domainReq.Domain),
			log.Error(err),
		)

		return nil, status.Errorf(codes.Internal, "rate limit evaluation failed: %s", err)
	}

	return encodeResponse(decision), nil
}

// decodeRequest translates the wire request into its transport-agnostic
// form. Per §4.5/§8, an empty domain and a descriptor with no entries are
// not decode errors: they simply contribute nothing to the evaluation set
// BuildEvaluationSet builds, so the decision falls through to OK.
func decodeRequest(req *envoy.RateLimitRequest) ratelimit.Request {
	descriptors := make([]ratelimit.Descriptor, 0, len(req.GetDescriptors()))

	for _, d := range req.GetDescriptors() {
		entries := make([]ratelimit.Entry, 0, len(d.GetEntries()))
		for _, e := range d.GetEntries() {
			entries = append(entries, ratelimit.Entry{Key: e.GetKey(), Value: e.GetValue()})
		}

		descriptor := ratelimit.Descriptor{Entries: entries}

		if ov := d.GetLimit(); ov != nil {
			limit := ratelimit.RateLimitFromOverride(int64(ov.GetRequestsPerUnit()), int32(ov.GetUnit()))
			descriptor.Override = &limit
		}

		descriptors = append(descriptors, descriptor)
	}

	return ratelimit.Request{
		Domain:      req.GetDomain(),
		Descriptors: descriptors,
		HitsAddend:  req.GetHitsAddend(),
	}
}

func encodeResponse(decision ratelimit.Decision) *envoy.RateLimitResponse {
	code := envoy.RateLimitResponse_OK
	if decision == ratelimit.OverLimit {
		code = envoy.RateLimitResponse_OVER_LIMIT
	}

	return &envoy.RateLimitResponse{
		OverallCode: code,
	}
}
