// Package modelrouter implements the Model Router: candidate selection,
// pool/selector strategies, and fallback-chain scoring. It implements the
// RoutingContext -> RoutingDecision pipeline, consuming the
// provider registry's HEALTH_CACHE and the circuit breaker manager instead
// of its own health map.
package modelrouter

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/registry"
	"github.com/BaSui01/agentflow/types"
)

// Strategy is the pluggable selector algorithm used to pick a primary
// provider from the filtered candidate set.
type Strategy string

const (
	RoundRobin    Strategy = "ROUND_ROBIN"
	WeightedRandom Strategy = "WEIGHTED_RANDOM"
	LeastLoaded   Strategy = "LEAST_LOADED"
	Failover      Strategy = "FAILOVER"
)

// RoutingContext is the input to Select.
type RoutingContext struct {
	ModelID           string
	Request           types.InferenceRequest
	Tenant            types.TenantContext
	PreferredProvider string
	PreferredDevice   string
	CostSensitive     bool
	PoolHint          string
}

// RoutingDecision is the output of Select: a primary provider plus an
// ordered fallback chain.
type RoutingDecision struct {
	RequestID string
	Primary   llm.InferenceProvider
	Fallbacks []llm.InferenceProvider
	Score     float64
	PoolID    string
	DecidedAt time.Time
}

// InFlightCounter is satisfied by the orchestrator's per-provider inflight
// tracker; the LEAST_LOADED selector reads it.
type InFlightCounter interface {
	InFlight(providerID string) int
}

// Router selects a primary provider and fallback chain for a request.
type Router struct {
	reg      *registry.Registry
	breakers *circuitbreaker.Manager
	inflight InFlightCounter

	strategy Strategy

	rrMu sync.Mutex
	rrCounters map[string]uint64 // per pool, round-robin cursor

	wrMu sync.Mutex
	rng  *rand.Rand

	histMu   sync.Mutex
	history  []RoutingDecision // ring buffer, last N
	historyN int
}

// Option configures a Router at construction.
type Option func(*Router)

// WithStrategy sets the selector strategy. Defaults to WEIGHTED_RANDOM.
func WithStrategy(s Strategy) Option { return func(r *Router) { r.strategy = s } }

// WithInFlightCounter wires the orchestrator's load tracker for
// LEAST_LOADED scoring.
func WithInFlightCounter(c InFlightCounter) Option {
	return func(r *Router) { r.inflight = c }
}

// WithHistorySize overrides the default 1024 decisions retained for
// introspection.
func WithHistorySize(n int) Option { return func(r *Router) { r.historyN = n } }

// DefaultHistorySize is the number of past decisions retained, per spec.
const DefaultHistorySize = 1024

// New creates a Router backed by reg (provider catalogue + health cache)
// and breakers (circuit state).
func New(reg *registry.Registry, breakers *circuitbreaker.Manager, opts ...Option) *Router {
	r := &Router{
		reg:        reg,
		breakers:   breakers,
		strategy:   WeightedRandom,
		rrCounters: make(map[string]uint64),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		historyN:   DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select runs the candidate -> pool -> pin -> select -> score pipeline
// and records the decision in history.
func (r *Router) Select(rc RoutingContext) (RoutingDecision, error) {
	candidates := r.candidateSet(rc)
	candidates = r.poolFilter(candidates, rc)

	if len(candidates) == 0 {
		return RoutingDecision{}, types.NewError(types.ErrAllProvidersUnavailable,
			"no candidate provider available for model "+rc.ModelID).WithRetryable(false)
	}

	primary, fallbacks := r.pinPreferred(candidates, rc.PreferredProvider)
	if primary == nil {
		primary, fallbacks = r.selectByStrategy(candidates, rc)
	}

	score := r.score(primary, rc)
	decision := RoutingDecision{
		RequestID: rc.Request.RequestID,
		Primary:   primary,
		Fallbacks: fallbacks,
		Score:     score,
		PoolID:    rc.PoolHint,
		DecidedAt: time.Now(),
	}
	r.record(decision)
	return decision, nil
}

// candidateSet filters by Supports, health, and circuit state, per spec
// §4.4 step 1. Providers with an OPEN circuit are excluded from the main
// set but appended as a last-resort tail so a request never hard-fails
// when every other option is also unavailable.
func (r *Router) candidateSet(rc RoutingContext) []llm.InferenceProvider {
	all := r.reg.ForModel(rc.ModelID, rc.Tenant)

	var healthy, openTail []llm.InferenceProvider
	for _, p := range all {
		health, _ := r.reg.Health(p.ID())
		if health.Status != types.HealthHealthy && health.Status != types.HealthDegraded && health.Status != types.HealthUnknown {
			continue
		}
		if r.breakers.IsOpen(p.ID()) {
			openTail = append(openTail, p)
			continue
		}
		healthy = append(healthy, p)
	}
	return append(healthy, openTail...)
}

// poolFilter restricts candidates to the pool named by rc.PoolHint,
// keeping providers that declare no pool. Only the pool hint is read; a
// tenant routing policy is not consulted. When no candidate matches, the
// unfiltered candidates are returned.
func (r *Router) poolFilter(candidates []llm.InferenceProvider, rc RoutingContext) []llm.InferenceProvider {
	pool := rc.PoolHint
	if pool == "" {
		return candidates
	}
	var out []llm.InferenceProvider
	for _, p := range candidates {
		if p.Descriptor().Pool == "" || p.Descriptor().Pool == pool {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

// pinPreferred promotes rc.PreferredProvider to primary when present in
// candidates; all others become fallbacks in their existing order. When
// not found, returns (nil, nil) so the caller falls through to the
// configured selector.
func (r *Router) pinPreferred(candidates []llm.InferenceProvider, preferred string) (llm.InferenceProvider, []llm.InferenceProvider) {
	if preferred == "" {
		return nil, nil
	}
	for i, p := range candidates {
		if p.ID() == preferred {
			fallbacks := make([]llm.InferenceProvider, 0, len(candidates)-1)
			fallbacks = append(fallbacks, candidates[:i]...)
			fallbacks = append(fallbacks, candidates[i+1:]...)
			return p, fallbacks
		}
	}
	return nil, nil
}

func (r *Router) selectByStrategy(candidates []llm.InferenceProvider, rc RoutingContext) (llm.InferenceProvider, []llm.InferenceProvider) {
	sorted := append([]llm.InferenceProvider(nil), candidates...)
	// OPEN providers stay behind the others (last-resort tail); each group
	// is ordered by ID.
	open := make(map[string]bool, len(sorted))
	live := 0
	for _, p := range sorted {
		if r.breakers.IsOpen(p.ID()) {
			open[p.ID()] = true
		} else {
			live++
		}
	}
	if live == 0 {
		live = len(sorted)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if oi, oj := open[sorted[i].ID()], open[sorted[j].ID()]; oi != oj {
			return oj
		}
		return sorted[i].ID() < sorted[j].ID()
	})

	var idx int
	switch r.strategy {
	case RoundRobin:
		idx = r.roundRobinIndex(rc.PoolHint, live)
	case LeastLoaded:
		idx = r.leastLoadedIndex(sorted[:live])
	case Failover:
		idx = 0
	default: // WeightedRandom
		idx = r.weightedRandomIndex(sorted[:live], rc)
	}

	primary := sorted[idx]
	fallbacks := make([]llm.InferenceProvider, 0, len(sorted)-1)
	fallbacks = append(fallbacks, sorted[:idx]...)
	fallbacks = append(fallbacks, sorted[idx+1:]...)
	return primary, fallbacks
}

func (r *Router) roundRobinIndex(pool string, n int) int {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	c := r.rrCounters[pool]
	r.rrCounters[pool] = c + 1
	return int(c % uint64(n))
}

func (r *Router) leastLoadedIndex(sorted []llm.InferenceProvider) int {
	if r.inflight == nil {
		return 0
	}
	best, bestLoad := 0, -1
	for i, p := range sorted {
		load := r.inflight.InFlight(p.ID())
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}

func (r *Router) weightedRandomIndex(sorted []llm.InferenceProvider, rc RoutingContext) int {
	weights := make([]float64, len(sorted))
	var total float64
	for i, p := range sorted {
		w := 1.0
		cap := p.Capabilities()
		if cap.MaxContextTokens > 0 {
			w += float64(cap.MaxContextTokens) / 1_000_000
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return 0
	}

	r.wrMu.Lock()
	pick := r.rng.Float64() * total
	r.wrMu.Unlock()

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if pick <= cumulative {
			return i
		}
	}
	return len(sorted) - 1
}

// score computes the introspection score for the primary per spec §4.4
// step 5: 100 base, -20 per consecutive recent failure, +10 device
// match, +5 cost-sensitive + LOCAL pool.
func (r *Router) score(primary llm.InferenceProvider, rc RoutingContext) float64 {
	score := 100.0
	snap := r.breakers.Snapshot(primary.ID())
	score -= 20 * float64(snap.ConsecutiveFailures)
	if rc.PreferredDevice != "" {
		for _, d := range primary.Capabilities().SupportedDevices {
			if d == rc.PreferredDevice {
				score += 10
				break
			}
		}
	}
	if rc.CostSensitive && primary.Descriptor().Pool == "LOCAL" {
		score += 5
	}
	return score
}

func (r *Router) record(d RoutingDecision) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	r.history = append(r.history, d)
	if len(r.history) > r.historyN {
		r.history = r.history[len(r.history)-r.historyN:]
	}
}

// DecisionFor returns the most recent decision recorded for requestID,
// for introspection.
func (r *Router) DecisionFor(requestID string) (RoutingDecision, bool) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].RequestID == requestID {
			return r.history[i], true
		}
	}
	return RoutingDecision{}, false
}
