package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/api"
	"github.com/BaSui01/agentflow/orchestrator"
	"github.com/BaSui01/agentflow/orchestrator/asyncjob"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧭 推理编排接口 Handler
// =============================================================================

// InferenceHandler exposes the Execution Orchestrator, Async Job Manager,
// Provider Registry and Plugin Registry over HTTP.
type InferenceHandler struct {
	engine *orchestrator.Engine
	async  *asyncjob.Manager
	logger *zap.Logger
}

// NewInferenceHandler creates an inference handler.
func NewInferenceHandler(engine *orchestrator.Engine, async *asyncjob.Manager, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{engine: engine, async: async, logger: logger}
}

// HandleCompletion handles a synchronous inference request.
// @Summary 推理补全
// @Description 通过 Provider Registry / Model Router / Execution Orchestrator 执行推理
// @Tags 推理
// @Accept json
// @Produce json
// @Param request body api.InferenceRequest true "推理请求"
// @Success 200 {object} api.InferenceResponse
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Security ApiKeyAuth
// @Router /v1/inference/completions [post]
func (h *InferenceHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.InferenceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	infReq, tenant := h.convertToInferenceRequest(&req)

	start := time.Now()
	resp, err := h.engine.Infer(r.Context(), infReq, tenant)
	duration := time.Since(start)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	h.logger.Info("inference completion",
		zap.String("model", req.Model),
		zap.String("provider", resp.ProviderID),
		zap.Int("tokens_used", resp.TokensUsed),
		zap.Duration("duration", duration),
	)

	WriteSuccess(w, h.convertToAPIResponse(&resp))
}

// HandleStream handles a streaming inference request over SSE.
// @Summary 流式推理补全
// @Description 以 SSE 形式返回流式推理结果
// @Tags 推理
// @Accept json
// @Produce text/event-stream
// @Param request body api.InferenceRequest true "推理请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response
// @Security ApiKeyAuth
// @Router /v1/inference/completions/stream [post]
func (h *InferenceHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.InferenceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	infReq, tenant := h.convertToInferenceRequest(&req)
	infReq.Streaming = true

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stream, err := h.engine.Stream(r.Context(), infReq, tenant)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	for chunk := range stream {
		if chunk.Err != nil {
			h.logger.Error("inference stream error", zap.Error(chunk.Err))
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			w.Write([]byte("event: error\ndata: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		apiChunk := api.InferenceStreamChunk{
			RequestID: chunk.RequestID,
			Index:     chunk.Index,
			Delta:     chunk.Delta,
			IsFinal:   chunk.IsFinal,
		}
		w.Write([]byte("data: "))
		if err := writeJSON(w, apiChunk); err != nil {
			h.logger.Error("failed to write inference chunk", zap.Error(err))
			return
		}
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// HandleAsyncSubmit submits an inference request to the Async Job Manager
// and returns its job ID immediately.
// @Summary 提交异步推理任务
// @Tags 推理
// @Accept json
// @Produce json
// @Param request body api.InferenceRequest true "推理请求"
// @Success 202 {object} api.AsyncSubmitResponse
// @Failure 400 {object} Response
// @Security ApiKeyAuth
// @Router /v1/inference/async [post]
func (h *InferenceHandler) HandleAsyncSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.InferenceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	infReq, tenant := h.convertToInferenceRequest(&req)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	jobID, err := h.async.Submit(r.Context(), infReq, tenant, idempotencyKey)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      api.AsyncSubmitResponse{JobID: jobID},
		Timestamp: time.Now(),
	})
}

// HandleAsyncStatus reports the current state of an async job.
// @Summary 查询异步推理任务状态
// @Tags 推理
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} api.AsyncJobResponse
// @Failure 404 {object} Response
// @Security ApiKeyAuth
// @Router /v1/inference/async/{id} [get]
func (h *InferenceHandler) HandleAsyncStatus(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path, "/v1/inference/async/")
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job id is required", h.logger)
		return
	}

	if r.Method == http.MethodDelete {
		if err := h.async.Cancel(r.Context(), jobID); err != nil {
			h.handleEngineError(w, err)
			return
		}
		WriteSuccess(w, map[string]string{"job_id": jobID, "state": "CANCELLED"})
		return
	}

	job, err := h.async.Status(r.Context(), jobID)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	WriteSuccess(w, h.convertToAPIJob(&job))
}

// HandleListProviders lists every registered provider's descriptor, health,
// and circuit breaker snapshot.
// @Summary 列出 Provider
// @Tags 推理
// @Produce json
// @Success 200 {object} api.InferenceProviderListResponse
// @Security ApiKeyAuth
// @Router /v1/providers [get]
func (h *InferenceHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	summaries := h.engine.ListProviders()
	out := make([]api.InferenceProviderSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, api.InferenceProviderSummary{
			ID:                  s.Descriptor.ID,
			Version:             s.Descriptor.Version,
			DisplayName:         s.Descriptor.DisplayName,
			Vendor:              s.Descriptor.Vendor,
			HealthStatus:        string(s.Health.Status),
			HealthMessage:       s.Health.Message,
			CircuitState:        string(s.Circuit.State),
			ConsecutiveFailures: s.Circuit.ConsecutiveFailures,
		})
	}
	WriteSuccess(w, api.InferenceProviderListResponse{Providers: out})
}

// HandleResetCircuit forces a provider's circuit breaker back to CLOSED.
// @Summary 重置熔断器
// @Tags 推理
// @Produce json
// @Param id path string true "Provider ID"
// @Success 200 {object} Response
// @Security ApiKeyAuth
// @Router /v1/providers/{id}/circuit-breaker/reset [post]
func (h *InferenceHandler) HandleResetCircuit(w http.ResponseWriter, r *http.Request) {
	providerID := jobIDFromPath(r.URL.Path, "/v1/providers/")
	providerID = strings.TrimSuffix(providerID, "/circuit-breaker/reset")
	if providerID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "provider id is required", h.logger)
		return
	}
	h.engine.ResetCircuit(providerID)
	WriteSuccess(w, map[string]string{"provider_id": providerID, "circuit_state": "CLOSED"})
}

// HandleListPlugins lists every registered orchestrator plugin.
// @Summary 列出插件
// @Tags 推理
// @Produce json
// @Success 200 {object} api.PluginListResponse
// @Security ApiKeyAuth
// @Router /v1/plugins [get]
func (h *InferenceHandler) HandleListPlugins(w http.ResponseWriter, r *http.Request) {
	infos := h.engine.ListPlugins()
	out := make([]api.PluginSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, api.PluginSummary{
			ID:    info.Plugin.ID(),
			Phase: string(info.Plugin.Phase()),
			Order: info.Plugin.Order(),
			State: string(info.State),
		})
	}
	WriteSuccess(w, api.PluginListResponse{Plugins: out})
}

// HandleReloadPlugin atomically reloads a plugin's configuration.
// @Summary 重载插件
// @Tags 推理
// @Accept json
// @Produce json
// @Param id path string true "Plugin ID"
// @Param request body api.PluginReloadRequest false "插件配置"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Security ApiKeyAuth
// @Router /v1/plugins/{id}/reload [post]
func (h *InferenceHandler) HandleReloadPlugin(w http.ResponseWriter, r *http.Request) {
	pluginID := jobIDFromPath(r.URL.Path, "/v1/plugins/")
	pluginID = strings.TrimSuffix(pluginID, "/reload")
	if pluginID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "plugin id is required", h.logger)
		return
	}

	var req api.PluginReloadRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.engine.ReloadPlugin(r.Context(), pluginID, req.Config); err != nil {
		h.handleEngineError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"plugin_id": pluginID, "state": "ACTIVE"})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func jobIDFromPath(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func (h *InferenceHandler) validateRequest(req *api.InferenceRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	return nil
}

func (h *InferenceHandler) convertToInferenceRequest(req *api.InferenceRequest) (types.InferenceRequest, types.TenantContext) {
	timeout := 60 * time.Second
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}

	messages := make([]types.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = types.Message{
			Role:       types.Role(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCalls:  convertAPIToolCalls(msg.ToolCalls),
			ToolCallID: msg.ToolCallID,
		}
	}

	tools := make([]types.ToolSchema, len(req.Tools))
	for i, tool := range req.Tools {
		tools[i] = types.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}

	toolChoice := types.ToolChoice{Mode: types.ToolChoiceAuto}
	switch req.ToolChoice {
	case "none":
		toolChoice = types.ToolChoice{Mode: types.ToolChoiceNone}
	case "", "auto":
		toolChoice = types.ToolChoice{Mode: types.ToolChoiceAuto}
	default:
		toolChoice = types.ToolChoice{Mode: types.ToolChoiceSpecific, Name: req.ToolChoice}
	}

	infReq := types.InferenceRequest{
		RequestID:         req.TraceID,
		Model:             req.Model,
		Messages:          messages,
		Parameters:        req.Parameters,
		Tools:             tools,
		ToolChoice:        toolChoice,
		PreferredProvider: req.PreferredProvider,
		Timeout:           timeout,
		Priority:          req.Priority,
	}.Normalize()

	tenant := types.TenantContext{
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		TraceID:       req.TraceID,
		Timeout:       timeout,
		CostSensitive: req.CostSensitive,
		PoolHint:      req.PoolHint,
	}

	return infReq, tenant
}

func (h *InferenceHandler) convertToAPIResponse(resp *types.InferenceResponse) *api.InferenceResponse {
	return &api.InferenceResponse{
		RequestID:    resp.RequestID,
		Model:        resp.Model,
		ProviderID:   resp.ProviderID,
		Content:      resp.Content,
		ToolCalls:    convertToolCalls(resp.ToolCalls),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TokensUsed:   resp.TokensUsed,
		DurationMs:   resp.DurationMs,
		CreatedAt:    resp.Timestamp,
		StopReason:   resp.StopReason,
		Metadata:     resp.Metadata,
	}
}

func convertToolCalls(calls []types.ToolCall) []api.ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]api.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = api.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func convertAPIToolCalls(calls []api.ToolCall) []types.ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]types.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = types.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func (h *InferenceHandler) convertToAPIJob(job *types.AsyncJob) *api.AsyncJobResponse {
	out := &api.AsyncJobResponse{
		JobID:       job.JobID,
		State:       string(job.State),
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Response != nil {
		out.Response = h.convertToAPIResponse(job.Response)
	}
	if job.Error != nil {
		out.Error = &api.ErrorDetail{
			Code:      string(job.Error.Code),
			Message:   job.Error.Message,
			Retryable: job.Error.Retryable,
		}
	}
	return out
}

func (h *InferenceHandler) handleEngineError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}
	internalErr := types.NewError(types.ErrInternalError, "orchestrator error").
		WithCause(err).WithRetryable(false)
	WriteError(w, internalErr, h.logger)
}
