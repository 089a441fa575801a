// Package registry implements the Provider Registry: a versioned catalogue
// of InferenceProvider instances keyed by provider id, with a background
// health poller feeding a HEALTH_CACHE. It generalizes the teacher's flat
// name->Provider map (llm.ProviderRegistry) to the spec's
// providerId -> (version -> provider) shape.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
)

// ProviderSource is injected to seed the registry in one shot via
// Discover. It is the only collaborator that knows how to materialize
// concrete provider instances (construction, credentials, etc.); the
// registry itself never constructs providers.
type ProviderSource interface {
	Discover(ctx context.Context) ([]llm.InferenceProvider, error)
}

// Event is emitted on the registry's event channel for the few lifecycle
// transitions worth observing outside the registry (wired to AuditSink by
// callers that care).
type Event struct {
	Type      string // "PROVIDER_REGISTERED" | "PROVIDER_UNREGISTERED"
	ProviderID string
	Version    string
	Timestamp  time.Time
}

const (
	// DefaultHealthInterval is how often the background poller probes
	// every registered provider.
	DefaultHealthInterval = 15 * time.Second
	// DefaultProbeTimeout bounds a single provider's Health call.
	DefaultProbeTimeout = 5 * time.Second
)

type versionSet struct {
	// versions is kept sorted ascending by semver-ish string compare;
	// "latest" is versions[len(versions)-1].
	order     []string
	instances map[string]llm.InferenceProvider
}

func newVersionSet() *versionSet {
	return &versionSet{instances: make(map[string]llm.InferenceProvider)}
}

func (vs *versionSet) insert(version string, p llm.InferenceProvider) (replaced llm.InferenceProvider) {
	if old, ok := vs.instances[version]; ok {
		replaced = old
	} else {
		vs.order = append(vs.order, version)
		sort.Strings(vs.order)
	}
	vs.instances[version] = p
	return replaced
}

func (vs *versionSet) remove(version string) (llm.InferenceProvider, bool) {
	p, ok := vs.instances[version]
	if !ok {
		return nil, false
	}
	delete(vs.instances, version)
	for i, v := range vs.order {
		if v == version {
			vs.order = append(vs.order[:i], vs.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (vs *versionSet) latest() (llm.InferenceProvider, bool) {
	if len(vs.order) == 0 {
		return nil, false
	}
	return vs.instances[vs.order[len(vs.order)-1]], true
}

// Registry is the versioned provider catalogue with health polling.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*versionSet // providerId -> versions

	healthMu    sync.RWMutex
	healthCache map[string]types.ProviderHealth // providerId -> health

	healthInterval time.Duration
	probeTimeout   time.Duration

	events chan Event
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithHealthInterval overrides DefaultHealthInterval.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Registry) { r.healthInterval = d }
}

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) { r.probeTimeout = d }
}

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty Registry. Call StartHealthPolling to begin
// background health probing.
func New(opts ...Option) *Registry {
	r := &Registry{
		providers:      make(map[string]*versionSet),
		healthCache:    make(map[string]types.ProviderHealth),
		healthInterval: DefaultHealthInterval,
		probeTimeout:   DefaultProbeTimeout,
		events:         make(chan Event, 64),
		logger:         zap.NewNop(),
		stopCh:         make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the registry's lifecycle event channel.
func (r *Registry) Events() <-chan Event { return r.events }

func (r *Registry) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("registry event dropped, channel full", zap.String("type", ev.Type))
	}
}

// Register inserts a provider. If (id, version) already exists, the
// predecessor is replaced and shut down. Emits PROVIDER_REGISTERED.
func (r *Registry) Register(ctx context.Context, p llm.InferenceProvider) {
	id := p.ID()
	version := p.Version()

	r.mu.Lock()
	vs, ok := r.providers[id]
	if !ok {
		vs = newVersionSet()
		r.providers[id] = vs
	}
	replaced := vs.insert(version, p)
	r.mu.Unlock()

	if replaced != nil {
		if err := replaced.Shutdown(ctx); err != nil {
			r.logger.Warn("shutdown of replaced provider failed",
				zap.String("provider_id", id), zap.String("version", version), zap.Error(err))
		}
	}

	r.setHealth(id, types.ProviderHealth{Status: types.HealthUnknown, Timestamp: time.Now()})
	r.emit(Event{Type: "PROVIDER_REGISTERED", ProviderID: id, Version: version})
	r.logger.Info("provider registered", zap.String("provider_id", id), zap.String("version", version))
}

// Unregister removes and shuts down a provider. If version is empty, all
// versions of id are removed.
func (r *Registry) Unregister(ctx context.Context, id, version string) error {
	r.mu.Lock()
	vs, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %q not registered", id)
	}

	var toShutdown []llm.InferenceProvider
	if version == "" {
		for _, v := range append([]string(nil), vs.order...) {
			if p, ok := vs.remove(v); ok {
				toShutdown = append(toShutdown, p)
			}
		}
		delete(r.providers, id)
	} else {
		p, found := vs.remove(version)
		if !found {
			r.mu.Unlock()
			return fmt.Errorf("provider %q version %q not registered", id, version)
		}
		toShutdown = append(toShutdown, p)
		if len(vs.order) == 0 {
			delete(r.providers, id)
		}
	}
	r.mu.Unlock()

	for _, p := range toShutdown {
		if err := p.Shutdown(ctx); err != nil {
			r.logger.Warn("provider shutdown failed", zap.String("provider_id", id), zap.Error(err))
		}
	}
	r.emit(Event{Type: "PROVIDER_UNREGISTERED", ProviderID: id, Version: version})
	return nil
}

// Get returns the latest version of provider id, or a specific version
// when version is non-empty.
func (r *Registry) Get(id string, version ...string) (llm.InferenceProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	if len(version) > 0 && version[0] != "" {
		p, ok := vs.instances[version[0]]
		return p, ok
	}
	return vs.latest()
}

// ForModel returns every latest-version provider whose Supports(modelID,
// tenant) is true. Linear filter, per spec.
func (r *Registry) ForModel(modelID string, tenant types.TenantContext) []llm.InferenceProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []llm.InferenceProvider
	for _, vs := range r.providers {
		p, ok := vs.latest()
		if !ok {
			continue
		}
		if p.Supports(modelID, tenant) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// StreamingProviders returns every latest-version provider whose
// capabilities.streaming is true.
func (r *Registry) StreamingProviders() []llm.StreamingProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []llm.StreamingProvider
	for _, vs := range r.providers {
		p, ok := vs.latest()
		if !ok {
			continue
		}
		if sp, ok := p.(llm.StreamingProvider); ok && p.Capabilities().Streaming {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// List returns the ids of every registered provider, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Discover performs a one-shot scan of src, registering every provider it
// returns.
func (r *Registry) Discover(ctx context.Context, src ProviderSource) error {
	providers, err := src.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover providers: %w", err)
	}
	for _, p := range providers {
		r.Register(ctx, p)
	}
	return nil
}

// Health returns the cached health of provider id. The cache is the sole
// source the router consults; Health() is never invoked on the hot path.
func (r *Registry) Health(id string) (types.ProviderHealth, bool) {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	h, ok := r.healthCache[id]
	return h, ok
}

// HealthSnapshot returns a copy of the entire HEALTH_CACHE.
func (r *Registry) HealthSnapshot() map[string]types.ProviderHealth {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	out := make(map[string]types.ProviderHealth, len(r.healthCache))
	for k, v := range r.healthCache {
		out[k] = v
	}
	return out
}

func (r *Registry) setHealth(id string, h types.ProviderHealth) {
	r.healthMu.Lock()
	r.healthCache[id] = h
	r.healthMu.Unlock()
}

// StartHealthPolling launches the background poller. It polls every
// registered provider (latest version) every healthInterval, bounding
// each probe with probeTimeout, and stops when ctx is cancelled or Stop
// is called.
func (r *Registry) StartHealthPolling(ctx context.Context) {
	go r.healthLoop(ctx)
}

func (r *Registry) healthLoop(ctx context.Context) {
	defer close(r.stopped)
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pollAll(ctx)
		}
	}
}

func (r *Registry) pollAll(ctx context.Context) {
	r.mu.RLock()
	snapshot := make(map[string]llm.InferenceProvider, len(r.providers))
	for id, vs := range r.providers {
		if p, ok := vs.latest(); ok {
			snapshot[id] = p
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for id, p := range snapshot {
		wg.Add(1)
		go func(id string, p llm.InferenceProvider) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()
			health, err := p.Health(probeCtx)
			if err != nil {
				health = types.ProviderHealth{
					Status:    types.HealthUnhealthy,
					Message:   err.Error(),
					Timestamp: time.Now(),
				}
			}
			if health.Timestamp.IsZero() {
				health.Timestamp = time.Now()
			}
			r.setHealth(id, health)
		}(id, p)
	}
	wg.Wait()
}

// Stop halts the background poller and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.stopped
}
