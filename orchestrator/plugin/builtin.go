package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentflow/llm/tokenizer"
	"github.com/BaSui01/agentflow/types"
)

// QuotaStore is the injected collaborator the quota plugin consults.
// Persistence of tenant quotas is out of scope for this subsystem; only
// the interface is specified here.
type QuotaStore interface {
	// Reserve checks and debits estimatedTokens from tenantID's budget,
	// returning an error (non-retryable) if the budget is exhausted.
	Reserve(ctx context.Context, tenantID string, estimatedTokens int) error
	// Reconcile adjusts a prior reservation to the actual tokens used.
	Reconcile(ctx context.Context, tenantID string, estimatedTokens, actualTokens int) error
}

// AuditSink is the injected append-only event store.
type AuditSink interface {
	Record(ctx context.Context, event types.AuditEvent) error
}

// basePlugin provides the Initialize/Activate/Shutdown boilerplate shared
// by the built-in plugins; each embeds it and only implements Run.
type basePlugin struct {
	id      string
	version string
	phase   Phase
	order   int
}

func (b *basePlugin) ID() string      { return b.id }
func (b *basePlugin) Version() string { return b.version }
func (b *basePlugin) Phase() Phase    { return b.phase }
func (b *basePlugin) Order() int      { return b.order }

func (b *basePlugin) Initialize(ctx context.Context, config map[string]any) error { return nil }
func (b *basePlugin) Activate(ctx context.Context) error                         { return nil }
func (b *basePlugin) Shutdown(ctx context.Context) error                         { return nil }

// QuotaPlugin runs PRE_INFER and reserves an estimated token budget
// against an injected QuotaStore before the provider call proceeds.
type QuotaPlugin struct {
	basePlugin
	store     QuotaStore
	tokenizer *tokenizer.TiktokenTokenizer
}

// NewQuotaPlugin creates the PRE_INFER quota-enforcement plugin.
func NewQuotaPlugin(store QuotaStore, order int) *QuotaPlugin {
	if order == 0 {
		order = types.DefaultPluginOrder
	}
	return &QuotaPlugin{
		basePlugin: basePlugin{id: "quota", version: "1.0.0", phase: PreInfer, order: order},
		store:      store,
	}
}

func (p *QuotaPlugin) Initialize(ctx context.Context, config map[string]any) error {
	tk, err := tokenizer.NewTiktokenTokenizer(p.defaultModel(config))
	if err != nil {
		return fmt.Errorf("init quota plugin tokenizer: %w", err)
	}
	p.tokenizer = tk
	return nil
}

func (p *QuotaPlugin) defaultModel(config map[string]any) string {
	if config == nil {
		return "gpt-4o"
	}
	if m, ok := config["model"].(string); ok && m != "" {
		return m
	}
	return "gpt-4o"
}

func (p *QuotaPlugin) Run(ctx context.Context, ec *ExecutionContext) error {
	if p.store == nil {
		return nil
	}
	estimated := 0
	for _, m := range ec.Request.Messages {
		n, err := p.tokenizer.CountTokens(m.Content)
		if err == nil {
			estimated += n
		}
	}
	ec.Attrs["estimatedTokens"] = estimated
	if err := p.store.Reserve(ctx, ec.Tenant.TenantID, estimated); err != nil {
		return types.NewError(types.ErrQuotaExceeded, "quota exceeded").WithCause(err).WithRetryable(false)
	}
	return nil
}

// TokenCountPlugin runs PRE_INFER (estimate) and POST_INFER (reconcile),
// registered as two phase-bound instances sharing a tokenizer.
type TokenCountPlugin struct {
	basePlugin
	store     QuotaStore
	tokenizer *tokenizer.TiktokenTokenizer
	post      bool
}

// NewTokenCountPlugin creates either the PRE_INFER estimator (post=false)
// or the POST_INFER reconciler (post=true).
func NewTokenCountPlugin(store QuotaStore, post bool, order int) *TokenCountPlugin {
	if order == 0 {
		order = types.DefaultPluginOrder
	}
	phase := PreInfer
	id := "tokencount.pre"
	if post {
		phase = PostInfer
		id = "tokencount.post"
	}
	return &TokenCountPlugin{
		basePlugin: basePlugin{id: id, version: "1.0.0", phase: phase, order: order},
		store:      store,
		post:       post,
	}
}

func (p *TokenCountPlugin) Initialize(ctx context.Context, config map[string]any) error {
	model := "gpt-4o"
	if config != nil {
		if m, ok := config["model"].(string); ok && m != "" {
			model = m
		}
	}
	tk, err := tokenizer.NewTiktokenTokenizer(model)
	if err != nil {
		return fmt.Errorf("init tokencount plugin: %w", err)
	}
	p.tokenizer = tk
	return nil
}

func (p *TokenCountPlugin) Run(ctx context.Context, ec *ExecutionContext) error {
	if !p.post {
		estimated, _ := p.tokenizer.CountMessages(toTokenizerMessages(ec.Request.Messages))
		ec.Attrs["estimatedTokens"] = estimated
		return nil
	}
	if ec.Response == nil || p.store == nil {
		return nil
	}
	estimated, _ := ec.Attrs["estimatedTokens"].(int)
	return p.store.Reconcile(ctx, ec.Tenant.TenantID, estimated, ec.Response.TokensUsed)
}

func toTokenizerMessages(msgs []types.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		out[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// ToolSchemaPlugin runs VALIDATE and rejects malformed tool definitions
// or an inconsistent toolChoice before routing.
type ToolSchemaPlugin struct {
	basePlugin
}

// NewToolSchemaPlugin creates the VALIDATE-phase tool schema checker.
func NewToolSchemaPlugin(order int) *ToolSchemaPlugin {
	if order == 0 {
		order = types.DefaultPluginOrder
	}
	return &ToolSchemaPlugin{basePlugin{id: "toolschema", version: "1.0.0", phase: Validate, order: order}}
}

func (p *ToolSchemaPlugin) Run(ctx context.Context, ec *ExecutionContext) error {
	names := make(map[string]struct{}, len(ec.Request.Tools))
	for _, t := range ec.Request.Tools {
		if t.Name == "" {
			return types.NewError(types.ErrInvalidRequest, "tool schema missing name").WithRetryable(false)
		}
		names[t.Name] = struct{}{}
	}
	if ec.Request.ToolChoice.Mode == types.ToolChoiceSpecific {
		if _, ok := names[ec.Request.ToolChoice.Name]; !ok {
			return types.NewError(types.ErrToolValidation,
				"toolChoice references unknown tool "+ec.Request.ToolChoice.Name).WithRetryable(false)
		}
	}
	return nil
}

// AuditLogPlugin runs AUDIT and emits the terminal event for a request.
type AuditLogPlugin struct {
	basePlugin
	sink AuditSink
}

// NewAuditLogPlugin creates the AUDIT-phase event emitter.
func NewAuditLogPlugin(sink AuditSink, order int) *AuditLogPlugin {
	if order == 0 {
		order = types.DefaultPluginOrder
	}
	return &AuditLogPlugin{basePlugin{id: "auditlog", version: "1.0.0", phase: Audit, order: order}, sink}
}

func (p *AuditLogPlugin) Run(ctx context.Context, ec *ExecutionContext) error {
	if p.sink == nil {
		return nil
	}
	event := types.AuditEvent{
		TenantID:  ec.Tenant.TenantID,
		Model:     ec.Request.Model,
		RunID:     ec.Request.RequestID,
		Timestamp: time.Now(),
	}
	if ec.Response != nil {
		event.Timestamp = ec.Response.Timestamp
	}
	switch {
	case ec.Err != nil:
		event.Type = types.AuditInferenceFailed
		event.ErrorKind = types.GetErrorCode(ec.Err)
	case ec.Response != nil:
		event.Type = types.AuditInferenceCompleted
		event.ProviderID = ec.Response.ProviderID
		event.DurationMs = ec.Response.DurationMs
		event.TokensUsed = ec.Response.TokensUsed
	default:
		event.Type = types.AuditInferenceFailed
	}
	// Audit is a boundary observer: a sink failure must not fail the
	// request whose outcome it is merely recording.
	_ = p.sink.Record(ctx, event)
	return nil
}
