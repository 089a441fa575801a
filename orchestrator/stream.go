package orchestrator

import (
	"context"
	"time"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/modelrouter"
	"github.com/BaSui01/agentflow/orchestrator/plugin"
	"github.com/BaSui01/agentflow/types"
)

// Stream executes a streaming request per spec §4.6: the same
// VALIDATE/ROUTE/PRE_INFER phases run first, then INFER subscribes to the
// provider's chunk sequence. If the first chunk does not arrive within
// firstByteTimeout, the orchestrator cancels and fails over like a unary
// call. Once streaming has started, there is no automatic fallback
// mid-stream; any chunk error terminates the stream with an error chunk.
// Cancelling ctx propagates to the active provider call and stops further
// chunk delivery.
func (e *Engine) Stream(ctx context.Context, req types.InferenceRequest, tenant types.TenantContext) (<-chan types.StreamChunk, error) {
	req = req.Normalize()
	if tenant.Timeout <= 0 {
		tenant.Timeout = req.Timeout
	}

	deadline := time.Now().Add(req.Timeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)

	ec := plugin.NewExecutionContext(req, tenant)
	e.runPrePhases(callCtx, ec)
	if ec.ShortCircuit() {
		cancel()
		e.runPostPhases(context.Background(), ec)
		return nil, ec.Err
	}

	decision, err := e.Router.Select(e.routingContext(req, tenant))
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan types.StreamChunk, 8)
	go e.runStream(callCtx, cancel, decision, req, tenant, ec, out)
	return out, nil
}

func (e *Engine) runStream(ctx context.Context, cancel context.CancelFunc, decision modelrouter.RoutingDecision, req types.InferenceRequest, tenant types.TenantContext, ec *plugin.ExecutionContext, out chan<- types.StreamChunk) {
	defer cancel()
	defer close(out)

	chain := providerChain(decision)
	var lastErr error

	for attempt, provider := range chain {
		sp, ok := provider.(llm.StreamingProvider)
		if !ok {
			continue
		}
		providerID := provider.ID()

		if attempt > 0 {
			select {
			case <-time.After(e.cfg.Backoff.Delay(attempt - 1)):
			case <-ctx.Done():
				e.finishStream(ec, timeoutOrCancelled(ctx))
				return
			}
		}

		allowed, breakerErr := e.Breakers.Allow(providerID)
		if !allowed {
			lastErr = breakerErr
			continue
		}

		ok2, err := e.streamOne(ctx, sp, req, tenant, ec, out)
		if ok2 {
			e.Breakers.RecordSuccess(providerID)
			return
		}
		lastErr = err
		retryable := types.IsRetryable(err)
		e.Breakers.RecordFailure(providerID, retryable)
		if !retryable {
			break
		}
	}

	if lastErr == nil {
		lastErr = types.NewError(types.ErrAllProvidersUnavailable, "no streaming provider available").WithRetryable(false)
	}
	e.finishStream(ec, lastErr)
}

// streamOne subscribes to a single provider's chunk sequence, enforcing
// firstByteTimeout and forwarding chunks through POST_INFER in order.
// Returns (true, nil) once the final chunk has been forwarded
// successfully.
func (e *Engine) streamOne(ctx context.Context, sp llm.StreamingProvider, req types.InferenceRequest, tenant types.TenantContext, ec *plugin.ExecutionContext, out chan<- types.StreamChunk) (bool, error) {
	providerID := sp.ID()
	e.beginCall(providerID)
	defer e.endCall(providerID)

	chunks, err := sp.Stream(ctx, req, tenant)
	if err != nil {
		return false, err
	}

	firstByte := time.NewTimer(e.cfg.FirstByteTimeout)
	defer firstByte.Stop()

	gotFirst := false
	for {
		select {
		case <-ctx.Done():
			return false, timeoutOrCancelled(ctx)

		case <-firstByte.C:
			if !gotFirst {
				return false, types.NewError(types.ErrTimeout, "first chunk exceeded firstByteTimeout").
					WithRetryable(true).WithProvider(providerID)
			}

		case chunk, ok := <-chunks:
			if !ok {
				return true, nil
			}
			if !gotFirst {
				gotFirst = true
				firstByte.Stop()
			}
			if chunk.Err != nil {
				return false, chunk.Err
			}

			postCtx := &plugin.ExecutionContext{Request: ec.Request, Tenant: ec.Tenant, Attrs: ec.Attrs}
			plugin.RunPhase(ctx, e.Plugins, plugin.PostInfer, postCtx)

			select {
			case out <- chunk:
			case <-ctx.Done():
				return false, timeoutOrCancelled(ctx)
			}
			if chunk.IsFinal {
				return true, nil
			}
		}
	}
}

// finishStream records the terminal outcome of a stream and runs
// POST_INFER/AUDIT. Streams never set ec.Response; the AUDIT plugin
// reports them as failed whenever ec.Err is non-nil.
func (e *Engine) finishStream(ec *plugin.ExecutionContext, err error) {
	ec.Err = err
	e.runPostPhases(context.Background(), ec)
}
