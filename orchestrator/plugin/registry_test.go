package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

type fakePlugin struct {
	id    string
	phase Phase
	order int

	initErr     error
	activateErr error
	shutdownErr error
	runErr      error

	runCalls      int
	shutdownCalls int
}

func (f *fakePlugin) ID() string { return f.id }

func (f *fakePlugin) Version() string { return "1.0.0" }

func (f *fakePlugin) Phase() Phase { return f.phase }

func (f *fakePlugin) Order() int { return f.order }

func (f *fakePlugin) Initialize(ctx context.Context, config map[string]any) error { return f.initErr }

func (f *fakePlugin) Activate(ctx context.Context) error { return f.activateErr }
func (f *fakePlugin) Shutdown(ctx context.Context) error {
	f.shutdownCalls++
	return f.shutdownErr
}
func (f *fakePlugin) Run(ctx context.Context, ec *ExecutionContext) error {
	f.runCalls++
	return f.runErr
}

func activePlugin(t *testing.T, reg *Registry, p *fakePlugin) {
	t.Helper()
	require.NoError(t, reg.Register(p))
	require.NoError(t, reg.InitAndActivateAll(context.Background()))
}

func TestRegistry_RegisterDuplicateErrors(t *testing.T) {
	reg := New(zap.NewNop())
	require.NoError(t, reg.Register(&fakePlugin{id: "quota", phase: PreInfer}))

	err := reg.Register(&fakePlugin{id: "quota", phase: PreInfer})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegistry_RegisterEmptyIDErrors(t *testing.T) {
	reg := New(zap.NewNop())
	err := reg.Register(&fakePlugin{phase: PreInfer})
	assert.Error(t, err)
}

func TestRegistry_InitAndActivateAll_TransitionsToActive(t *testing.T) {
	reg := New(zap.NewNop())
	p := &fakePlugin{id: "quota", phase: PreInfer}
	require.NoError(t, reg.Register(p))

	require.NoError(t, reg.InitAndActivateAll(context.Background()))

	info, ok := reg.Get("quota")
	require.True(t, ok)
	assert.Equal(t, types.PluginActive, info.State)
}

func TestRegistry_InitAndActivateAll_InitFailureMarksFailed(t *testing.T) {
	reg := New(zap.NewNop())
	p := &fakePlugin{id: "quota", phase: PreInfer, initErr: errors.New("boom")}
	require.NoError(t, reg.Register(p))

	err := reg.InitAndActivateAll(context.Background())
	assert.Error(t, err)

	info, ok := reg.Get("quota")
	require.True(t, ok)
	assert.Equal(t, types.PluginFailed, info.State)
	assert.False(t, reg.IsHealthy())
}

func TestRegistry_ForPhase_OnlyActiveInOrder(t *testing.T) {
	reg := New(zap.NewNop())
	second := &fakePlugin{id: "b", phase: PreInfer, order: 2}
	first := &fakePlugin{id: "a", phase: PreInfer, order: 1}
	failing := &fakePlugin{id: "c", phase: PreInfer, order: 0, initErr: errors.New("boom")}

	require.NoError(t, reg.Register(second))
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(failing))
	_ = reg.InitAndActivateAll(context.Background())

	active := reg.ForPhase(PreInfer)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID())
	assert.Equal(t, "b", active[1].ID())
}

func TestRegistry_ForPhase_TieBreaksByID(t *testing.T) {
	reg := New(zap.NewNop())
	b := &fakePlugin{id: "b", phase: Validate, order: 1}
	a := &fakePlugin{id: "a", phase: Validate, order: 1}
	activePlugin(t, reg, b)
	activePlugin(t, reg, a)

	active := reg.ForPhase(Validate)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID())
	assert.Equal(t, "b", active[1].ID())
}

func TestRegistry_Unregister_ShutsDownActivePlugin(t *testing.T) {
	reg := New(zap.NewNop())
	p := &fakePlugin{id: "quota", phase: PreInfer}
	activePlugin(t, reg, p)

	require.NoError(t, reg.Unregister(context.Background(), "quota"))
	assert.Equal(t, 1, p.shutdownCalls)

	_, ok := reg.Get("quota")
	assert.False(t, ok)

	err := reg.Unregister(context.Background(), "quota")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Reload_ReactivatesPlugin(t *testing.T) {
	reg := New(zap.NewNop())
	p := &fakePlugin{id: "quota", phase: PreInfer}
	activePlugin(t, reg, p)

	require.NoError(t, reg.Reload(context.Background(), "quota", map[string]any{"limit": 10}))

	info, ok := reg.Get("quota")
	require.True(t, ok)
	assert.Equal(t, types.PluginActive, info.State)
}

func TestRegistry_Reload_UnknownPluginErrors(t *testing.T) {
	reg := New(zap.NewNop())
	err := reg.Reload(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ShutdownAll_StopsEveryActivePlugin(t *testing.T) {
	reg := New(zap.NewNop())
	p := &fakePlugin{id: "quota", phase: PreInfer}
	activePlugin(t, reg, p)

	require.NoError(t, reg.ShutdownAll(context.Background()))

	info, ok := reg.Get("quota")
	require.True(t, ok)
	assert.Equal(t, types.PluginStopped, info.State)
}

func TestRunPhase_StopsAtFirstError(t *testing.T) {
	reg := New(zap.NewNop())
	failing := &fakePlugin{id: "a", phase: PreInfer, order: 1, runErr: errors.New("boom")}
	never := &fakePlugin{id: "b", phase: PreInfer, order: 2}
	activePlugin(t, reg, failing)
	activePlugin(t, reg, never)

	ec := NewExecutionContext(types.InferenceRequest{}, types.TenantContext{})
	RunPhase(context.Background(), reg, PreInfer, ec)

	assert.Error(t, ec.Err)
	assert.Equal(t, 1, failing.runCalls)
	assert.Equal(t, 0, never.runCalls)
}

func TestRunPhase_SkipsWhenAlreadyShortCircuited(t *testing.T) {
	reg := New(zap.NewNop())
	p := &fakePlugin{id: "a", phase: PreInfer}
	activePlugin(t, reg, p)

	ec := NewExecutionContext(types.InferenceRequest{}, types.TenantContext{})
	ec.Err = errors.New("already failed upstream")
	RunPhase(context.Background(), reg, PreInfer, ec)

	assert.Equal(t, 0, p.runCalls)
}
