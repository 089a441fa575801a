package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

var (
	ErrAlreadyRegistered = errors.New("plugin already registered")
	ErrNotFound          = errors.New("plugin not found")
)

// Info bundles a plugin with its current lifecycle state.
type Info struct {
	Plugin Plugin
	State  types.PluginLifecycleState
}

// Registry owns every registered plugin and runs a phase's plugins in
// ascending order for a given request. Health is reported healthy iff
// every ACTIVE plugin is, by definition, not FAILED.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Info
	byPhase map[Phase][]string // plugin ids, kept sorted by Order then ID

	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byID:    make(map[string]*Info),
		byPhase: make(map[Phase][]string),
		logger:  logger.With(zap.String("component", "plugin_registry")),
	}
}

// Register adds p in the REGISTERED state. It does not initialize or
// activate it; call InitAndActivateAll (or Reload) for that.
func (r *Registry) Register(p Plugin) error {
	id := p.ID()
	if id == "" {
		return fmt.Errorf("plugin id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.byID[id] = &Info{Plugin: p, State: types.PluginRegistered}
	r.insertOrdered(p)
	r.logger.Info("plugin registered", zap.String("id", id), zap.String("phase", string(p.Phase())))
	return nil
}

func (r *Registry) insertOrdered(p Plugin) {
	phase := p.Phase()
	ids := r.byPhase[phase]
	ids = append(ids, p.ID())
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := r.byID[ids[i]].Plugin, r.byID[ids[j]].Plugin
		if a.Order() != b.Order() {
			return a.Order() < b.Order()
		}
		return a.ID() < b.ID()
	})
	r.byPhase[phase] = ids
}

func (r *Registry) removeFromPhase(p Plugin) {
	ids := r.byPhase[p.Phase()]
	for i, id := range ids {
		if id == p.ID() {
			r.byPhase[p.Phase()] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Unregister shuts down (if ACTIVE) and removes a plugin.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	info, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.byID, id)
	r.removeFromPhase(info.Plugin)
	r.mu.Unlock()

	if info.State == types.PluginActive {
		if err := info.Plugin.Shutdown(ctx); err != nil {
			r.logger.Warn("plugin shutdown failed during unregister", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// Get returns plugin info by id.
func (r *Registry) Get(id string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	return info, ok
}

// List returns every plugin, sorted by id.
func (r *Registry) List() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Info, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin.ID() < out[j].Plugin.ID() })
	return out
}

// ForPhase returns the ACTIVE plugins for phase, in ascending order.
// FAILED and non-ACTIVE plugins are skipped per spec (the orchestrator
// never invokes them).
func (r *Registry) ForPhase(phase Phase) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byPhase[phase]
	out := make([]Plugin, 0, len(ids))
	for _, id := range ids {
		info := r.byID[id]
		if info.State == types.PluginActive {
			out = append(out, info.Plugin)
		}
	}
	return out
}

// initAndActivate runs REGISTERED(initialize ok) -> INITIALIZED ->
// (activate) -> ACTIVE for one plugin. Any error transitions to FAILED.
func (r *Registry) initAndActivate(ctx context.Context, info *Info, config map[string]any) error {
	if err := info.Plugin.Initialize(ctx, config); err != nil {
		info.State = types.PluginFailed
		return fmt.Errorf("initialize plugin %s: %w", info.Plugin.ID(), err)
	}
	info.State = types.PluginInitialized

	if err := info.Plugin.Activate(ctx); err != nil {
		info.State = types.PluginFailed
		return fmt.Errorf("activate plugin %s: %w", info.Plugin.ID(), err)
	}
	info.State = types.PluginActive
	return nil
}

// InitAndActivateAll initializes and activates every REGISTERED plugin.
// Per-plugin failures are logged and joined; other plugins still run.
func (r *Registry) InitAndActivateAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, info := range r.byID {
		if info.State != types.PluginRegistered {
			continue
		}
		if err := r.initAndActivate(ctx, info, nil); err != nil {
			r.logger.Error("plugin activation failed", zap.String("id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		r.logger.Info("plugin active", zap.String("id", id))
	}
	return errors.Join(errs...)
}

// Reload performs shutdown -> initialize -> activate atomically for a
// single plugin. On failure the plugin remains FAILED and the
// orchestrator skips it (ForPhase excludes non-ACTIVE plugins).
func (r *Registry) Reload(ctx context.Context, id string, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.byID[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if info.State == types.PluginActive {
		if err := info.Plugin.Shutdown(ctx); err != nil {
			info.State = types.PluginFailed
			return fmt.Errorf("shutdown plugin %s during reload: %w", id, err)
		}
	}
	info.State = types.PluginStopped

	return r.initAndActivate(ctx, info, config)
}

// ShutdownAll shuts down every ACTIVE plugin.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, info := range r.byID {
		if info.State != types.PluginActive {
			continue
		}
		if err := info.Plugin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown plugin %s: %w", id, err))
			continue
		}
		info.State = types.PluginStopped
	}
	return errors.Join(errs...)
}

// IsHealthy reports whether every ACTIVE plugin is healthy, i.e. whether
// any plugin has transitioned to FAILED.
func (r *Registry) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.byID {
		if info.State == types.PluginFailed {
			return false
		}
	}
	return true
}

// RunPhase executes every ACTIVE plugin registered for phase, in order,
// against ec. It stops at the first plugin that sets ec.Err.
func RunPhase(ctx context.Context, reg *Registry, phase Phase, ec *ExecutionContext) {
	for _, p := range reg.ForPhase(phase) {
		if ec.ShortCircuit() {
			return
		}
		if err := p.Run(ctx, ec); err != nil {
			ec.Err = err
			return
		}
	}
}
