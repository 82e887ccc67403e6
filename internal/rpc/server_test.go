package rpc

import (
	"context"
	"io"
	"testing"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	envoy "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.gearno.de/kit/log"
	"go.gearno.de/steward/internal/ratelimit"
)

// fakeEvaluator stands in for *ratelimit.Engine, returning a fixed
// decision/error pair so the RPC boundary can be exercised in isolation.
type fakeEvaluator struct {
	decision ratelimit.Decision
	err      error
	gotReq   ratelimit.Request
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req ratelimit.Request) (ratelimit.Decision, error) {
	f.gotReq = req
	return f.decision, f.err
}

func TestDecodeRequest_EmptyDomainDecodesWithoutError(t *testing.T) {
	decoded := decodeRequest(&envoy.RateLimitRequest{Domain: ""})
	assert.Equal(t, "", decoded.Domain)
	assert.Empty(t, decoded.Descriptors)
}

func TestDecodeRequest_DescriptorWithNoEntriesDecodesAsEmptyEntries(t *testing.T) {
	req := &envoy.RateLimitRequest{
		Domain: "messaging",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{
			{Entries: nil},
		},
	}

	decoded := decodeRequest(req)
	require.Len(t, decoded.Descriptors, 1)
	assert.Empty(t, decoded.Descriptors[0].Entries)
}

func TestDecodeRequest_TranslatesEntriesAndHitsAddend(t *testing.T) {
	req := &envoy.RateLimitRequest{
		Domain: "messaging",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{
			{
				Entries: []*ratelimitv3.RateLimitDescriptor_Entry{
					{Key: "account", Value: "free"},
				},
			},
		},
		HitsAddend: 3,
	}

	decoded := decodeRequest(req)

	assert.Equal(t, "messaging", decoded.Domain)
	assert.Equal(t, uint32(3), decoded.HitsAddend)
	require.Len(t, decoded.Descriptors, 1)
	assert.Equal(t, []ratelimit.Entry{{Key: "account", Value: "free"}}, decoded.Descriptors[0].Entries)
	assert.Nil(t, decoded.Descriptors[0].Override)
}

func TestDecodeRequest_TranslatesOverride(t *testing.T) {
	req := &envoy.RateLimitRequest{
		Domain: "messaging",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{
			{
				Entries: []*ratelimitv3.RateLimitDescriptor_Entry{
					{Key: "account", Value: "free"},
				},
				Limit: &ratelimitv3.RateLimitDescriptor_RateLimitOverride{
					RequestsPerUnit: 7,
					Unit:            typev3.RateLimitUnit_MINUTE,
				},
			},
		},
	}

	decoded := decodeRequest(req)

	require.NotNil(t, decoded.Descriptors[0].Override)
	assert.Equal(t, ratelimit.UnitMinute, decoded.Descriptors[0].Override.Unit)
	assert.Equal(t, int64(7), decoded.Descriptors[0].Override.RequestsPerUnit)
}

func TestEncodeResponse(t *testing.T) {
	resp := encodeResponse(ratelimit.Ok)
	assert.Equal(t, envoy.RateLimitResponse_OK, resp.OverallCode)

	resp = encodeResponse(ratelimit.OverLimit)
	assert.Equal(t, envoy.RateLimitResponse_OVER_LIMIT, resp.OverallCode)
}

func newTestServer(evaluator Evaluator) *Server {
	return NewServer(evaluator, WithLogger(log.NewLogger(log.WithOutput(io.Discard))))
}

func TestServer_ShouldRateLimit_EmptyDomainAndEntriesAreNeverRPCErrors(t *testing.T) {
	evaluator := &fakeEvaluator{decision: ratelimit.Ok}
	s := newTestServer(evaluator)

	req := &envoy.RateLimitRequest{
		Domain: "",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{
			{Entries: nil},
		},
	}

	resp, err := s.ShouldRateLimit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, envoy.RateLimitResponse_OK, resp.OverallCode)
}

func TestServer_ShouldRateLimit_EvaluatorErrorIsInternal(t *testing.T) {
	evaluator := &fakeEvaluator{err: assert.AnError}
	s := newTestServer(evaluator)

	req := &envoy.RateLimitRequest{
		Domain: "messaging",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{
			{Entries: []*ratelimitv3.RateLimitDescriptor_Entry{{Key: "account", Value: "free"}}},
		},
	}

	_, err := s.ShouldRateLimit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestServer_ShouldRateLimit_Success(t *testing.T) {
	evaluator := &fakeEvaluator{decision: ratelimit.OverLimit}
	s := newTestServer(evaluator)

	req := &envoy.RateLimitRequest{
		Domain: "messaging",
		Descriptors: []*ratelimitv3.RateLimitDescriptor{
			{Entries: []*ratelimitv3.RateLimitDescriptor_Entry{{Key: "account", Value: "free"}}},
		},
	}

	resp, err := s.ShouldRateLimit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, envoy.RateLimitResponse_OVER_LIMIT, resp.OverallCode)
	assert.Equal(t, "messaging", evaluator.gotReq.Domain)
}
