package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"go.gearno.de/kit/log"
)

// RefresherState is the refresher's current position in its state
// machine: Idle -> Fetching -> (Publishing | Failed) -> Idle, with
// Stopped reachable from any state on context cancellation.
type RefresherState int32

const (
	StateIdle RefresherState = iota
	StateFetching
	StatePublishing
	StateFailed
	StateStopped
)

func (s RefresherState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePublishing:
		return "publishing"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source is the abstract rule-set source collaborator: file or HTTP, as
// implemented by internal/rulesource. Declared here, rather than imported
// from that package, so ratelimit has no dependency on its collaborators'
// transport details.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type (
	// RefresherOption configures a Refresher during construction.
	RefresherOption func(r *Refresher)

	// Refresher is the background task (C8) that periodically pulls a
	// rule-set document from a Source, validates it, and publishes it
	// to a Cache. It never blocks request handling: until the first
	// successful publish, every Cache.Load call keeps returning an
	// empty snapshot and the service stays permissive.
	Refresher struct {
		source Source
		cache  *Cache
		logger *log.Logger
		cron   *cron.Cron
		spec   string

		state     atomic.Int32
		published atomic.Bool
	}
)

// WithRefresherLogger sets the logger the refresher uses for fetch and
// validation diagnostics.
func WithRefresherLogger(l *log.Logger) RefresherOption {
	return func(r *Refresher) {
		r.logger = l.Named("ratelimit.refresher")
	}
}

// WithRefresherSchedule overrides the default "@every 60s" cadence with an
// arbitrary robfig/cron schedule spec.
func WithRefresherSchedule(spec string) RefresherOption {
	return func(r *Refresher) {
		r.spec = spec
	}
}

// NewRefresher constructs a Refresher pulling from source and publishing
// into cache. Call Start to begin the periodic pull; call FetchOnce
// beforehand to perform the mandatory first publish before accepting
// traffic, per §4.8.
func NewRefresher(source Source, cache *Cache, options ...RefresherOption) *Refresher {
	r := &Refresher{
		source: source,
		cache:  cache,
		logger: log.NewLogger(),
		cron:   cron.New(),
		spec:   "@every 60s",
	}

	for _, o := range options {
		o(r)
	}

	r.state.Store(int32(StateIdle))

	return r
}

// State reports the refresher's current position in its state machine.
// Safe to call concurrently with Start/FetchOnce.
func (r *Refresher) State() RefresherState {
	return RefresherState(r.state.Load())
}

// Published reports whether at least one successful publish has happened.
// Used by the readiness surface: traffic should not be considered
// fully-served until this is true, though the service itself answers OK
// regardless (see package doc).
func (r *Refresher) Published() bool {
	return r.published.Load()
}

// FetchOnce runs a single fetch/validate/publish cycle synchronously. The
// caller is expected to run this once at startup, before the RPC surface
// starts accepting traffic, so the first snapshot is in place as early as
// possible.
func (r *Refresher) FetchOnce(ctx context.Context) error {
	return r.refresh(ctx)
}

// Start begins the periodic refresh on the configured cron schedule. It
// returns once the schedule is registered; refreshes themselves run on
// the cron scheduler's own goroutine. Cancelling ctx stops the scheduler
// and transitions the state to Stopped.
func (r *Refresher) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.spec, func() {
		if err := r.refresh(ctx); err != nil {
			r.logger.ErrorCtx(ctx, "rule-set refresh failed, retaining previous snapshot",
				log.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("ratelimit: cannot schedule refresher on %q: %w", r.spec, err)
	}

	r.cron.Start()

	go func() {
		<-ctx.Done()
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
		r.state.Store(int32(StateStopped))
		r.logger.InfoCtx(context.Background(), "rule-set refresher stopped")
	}()

	return nil
}

func (r *Refresher) refresh(ctx context.Context) error {
	r.state.Store(int32(StateFetching))

	data, err := r.source.Fetch(ctx)
	if err != nil {
		r.state.Store(int32(StateFailed))
		r.state.Store(int32(StateIdle))
		return fmt.Errorf("ratelimit: fetch failed: %w", err)
	}

	domains, err := ParseRuleSet(data)
	if err != nil {
		r.state.Store(int32(StateFailed))
		r.state.Store(int32(StateIdle))
		return fmt.Errorf("ratelimit: parse/validate failed: %w", err)
	}

	r.state.Store(int32(StatePublishing))
	r.cache.Store(NewSnapshot(domains))
	r.published.Store(true)
	r.state.Store(int32(StateIdle))

	r.logger.InfoCtx(ctx, "published new rule-set snapshot",
		log.Int("domain_count", len(domains)),
	)

	return nil
}

// ParseRuleSet decodes the wire document shape `{domain: [rule, ...]}`
// and validates every rule (resolvable unit, positive requests-per-unit),
// rejecting the whole document if any rule fails validation — a
// partially-valid rule set is never published.
func ParseRuleSet(data []byte) (map[string][]Rule, error) {
	var domains map[string][]Rule
	if err := json.Unmarshal(data, &domains); err != nil {
		return nil, fmt.Errorf("cannot decode rule-set document: %w", err)
	}

	for domain, rules := range domains {
		for _, rule := range rules {
			if err := rule.Validate(); err != nil {
				return nil, fmt.Errorf("domain %q: %w", domain, err)
			}
		}
	}

	return domains, nil
}
