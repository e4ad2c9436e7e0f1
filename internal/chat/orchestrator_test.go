package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/internal/pricing"
	"github.com/haasonsaas/modelgate/internal/security"
	"github.com/haasonsaas/modelgate/internal/transport"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// gatewayScript serves a scripted sequence of completion responses. An int
// step answers with that HTTP status; an openai.ChatCompletionResponse step
// answers with its JSON.
type gatewayScript struct {
	t     *testing.T
	mu    sync.Mutex
	steps []any
	calls []openai.ChatCompletionRequest
}

func (g *gatewayScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.t.Errorf("decoding request: %v", err)
	}
	g.calls = append(g.calls, req)

	if len(g.steps) == 0 {
		g.t.Error("gateway received more requests than scripted")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	step := g.steps[0]
	g.steps = g.steps[1:]

	switch v := step.(type) {
	case int:
		w.WriteHeader(v)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "scripted failure"}})
	case openai.ChatCompletionResponse:
		json.NewEncoder(w).Encode(v)
	default:
		g.t.Fatalf("bad script step %T", step)
	}
}

func (g *gatewayScript) requests() []openai.ChatCompletionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]openai.ChatCompletionRequest{}, g.calls...)
}

func textResponse(id, model, content string, usage openai.Usage) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:    id,
		Model: model,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: usage,
	}
}

func toolCallResponse(id, model string, calls ...openai.ToolCall) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:    id,
		Model: model,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", ToolCalls: calls},
			FinishReason: openai.FinishReasonToolCalls,
		}},
		Usage: openai.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}
}

func wireCall(id, name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:       id,
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: name, Arguments: args},
	}
}

func newTestOrchestrator(t *testing.T, script *gatewayScript, registry *Registry, cfg Config, prices []models.ModelPrice) *Orchestrator {
	t.Helper()
	srv := httptest.NewServer(script)
	t.Cleanup(srv.Close)

	tc, err := transport.New(transport.Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	gate := security.NewGate(nil, nil, nil)
	t.Cleanup(gate.Close)
	metrics := observability.NewMetrics()
	ex := NewExecutor(registry, gate, nil, metrics, nil, ExecutorConfig{})
	catalog := pricing.NewCatalog(pricing.CatalogConfig{InitialPrices: prices, RefreshInterval: -1})
	t.Cleanup(catalog.Close)

	return NewOrchestrator(tc, ex, gate, catalog, events.NewBus(nil), metrics, nil, cfg)
}

func userRequest(model, prompt string) *Request {
	return &Request{
		Model:    model,
		Messages: []models.Message{{Role: models.RoleUser, Content: models.Text(prompt)}},
	}
}

func TestRunSimpleCompletion(t *testing.T) {
	script := &gatewayScript{t: t, steps: []any{
		textResponse("gen-1", "vendor/a", "hello there", openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}),
	}}
	o := newTestOrchestrator(t, script, NewRegistry(),
		Config{MaxToolCalls: DefaultMaxToolCalls, EnableCostTracking: true},
		[]models.ModelPrice{{ID: "vendor/a", PromptCostPerMillion: 3, CompletionCostPerMillion: 15}})

	result, entries, err := o.Run(context.Background(), userRequest("vendor/a", "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ContentText() != "hello there" {
		t.Errorf("content = %v", result.Content)
	}
	if result.Model != "vendor/a" || result.FinishReason != "stop" || result.ID != "gen-1" {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.TotalTokens != 15 || result.ToolCallsCount != 0 {
		t.Errorf("usage = %+v, tool calls = %d", result.Usage, result.ToolCallsCount)
	}
	// 10/1e6*3 + 5/1e6*15
	if result.Cost == nil || *result.Cost != 0.000105 {
		t.Errorf("cost = %v", result.Cost)
	}

	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	meta := entries[0].Metadata
	if meta == nil || meta.ModelUsed != "vendor/a" || meta.FinishReason != "stop" || meta.RequestID != "gen-1" {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Usage == nil || meta.Usage.TotalTokens != 15 || meta.Cost == nil {
		t.Errorf("metadata usage/cost = %+v", meta)
	}
}

func TestRunToolLoop(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&models.Tool{
		Name: "lookup",
		Execute: func(ctx context.Context, args map[string]any, tctx *models.ToolContext) (any, error) {
			return "42", nil
		},
	})
	script := &gatewayScript{t: t, steps: []any{
		toolCallResponse("gen-1", "vendor/a", wireCall("call_1", "lookup", `{"key":"answer"}`)),
		textResponse("gen-2", "vendor/a", "the answer is 42", openai.Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28}),
	}}
	o := newTestOrchestrator(t, script, registry, Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

	result, entries, err := o.Run(context.Background(), userRequest("vendor/a", "what is the answer?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ContentText() != "the answer is 42" || result.ToolCallsCount != 1 || result.ID != "gen-2" {
		t.Errorf("result = %+v", result)
	}
	// Usage accumulates across rounds.
	if result.Usage.TotalTokens != 38 {
		t.Errorf("total tokens = %d, want 38", result.Usage.TotalTokens)
	}

	reqs := script.requests()
	if len(reqs) != 2 {
		t.Fatalf("gateway saw %d requests", len(reqs))
	}
	// Second round carries the assistant tool calls plus the tool result.
	second := reqs[1].Messages
	if len(second) != 3 {
		t.Fatalf("second round transcript = %d messages", len(second))
	}
	if len(second[1].ToolCalls) != 1 || second[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant message = %+v", second[1])
	}
	if second[2].Role != "tool" || second[2].Content != "42" || second[2].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", second[2])
	}

	// History suffix: assistant tool calls, tool result, final assistant.
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Message.Role != models.RoleAssistant || len(entries[0].Message.ToolCalls) != 1 {
		t.Errorf("entry 0 = %+v", entries[0].Message)
	}
	if entries[1].Message.Role != models.RoleTool || entries[1].Metadata != nil {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[2].Message.Role != models.RoleAssistant || entries[2].Metadata == nil {
		t.Errorf("entry 2 = %+v", entries[2])
	}
}

func TestRunZeroBudgetReturnsToolCallsAsIs(t *testing.T) {
	registry := NewRegistry()
	executed := false
	registry.Register(&models.Tool{
		Name: "lookup",
		Execute: func(ctx context.Context, args map[string]any, tctx *models.ToolContext) (any, error) {
			executed = true
			return nil, nil
		},
	})
	script := &gatewayScript{t: t, steps: []any{
		toolCallResponse("gen-1", "vendor/a", wireCall("call_1", "lookup", "{}")),
	}}
	o := newTestOrchestrator(t, script, registry, Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

	zero := 0
	req := userRequest("vendor/a", "go")
	req.MaxToolCalls = &zero
	result, _, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("tool ran despite a zero budget")
	}
	if result.FinishReason != "tool_calls" || result.ToolCallsCount != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Content != nil {
		t.Errorf("content = %v, want nil for a tool-calls-only message", result.Content)
	}
}

func TestRunBudgetExhausted(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&models.Tool{
		Name: "lookup",
		Execute: func(ctx context.Context, args map[string]any, tctx *models.ToolContext) (any, error) {
			return "partial", nil
		},
	})
	script := &gatewayScript{t: t, steps: []any{
		toolCallResponse("gen-1", "vendor/a", wireCall("call_1", "lookup", "{}")),
		toolCallResponse("gen-2", "vendor/a", wireCall("call_2", "lookup", "{}")),
	}}
	o := newTestOrchestrator(t, script, registry, Config{MaxToolCalls: 1}, nil)

	_, _, err := o.Run(context.Background(), userRequest("vendor/a", "go"))
	if !cerrors.HasCode(err, cerrors.CodeTool) {
		t.Fatalf("err = %v, want TOOL_ERROR", err)
	}
	ce, _ := cerrors.Get(err)
	if ce.Details["toolCallsCount"] != 1 {
		t.Errorf("details = %+v", ce.Details)
	}
}

func TestRunModelFallback(t *testing.T) {
	script := &gatewayScript{t: t, steps: []any{
		500,
		textResponse("gen-1", "vendor/b", "from fallback", openai.Usage{TotalTokens: 1}),
	}}
	o := newTestOrchestrator(t, script, NewRegistry(), Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

	req := userRequest("vendor/a", "hi")
	req.Fallbacks = []string{"vendor/b"}
	result, _, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ContentText() != "from fallback" {
		t.Errorf("content = %v", result.Content)
	}
	reqs := script.requests()
	if len(reqs) != 2 || reqs[0].Model != "vendor/a" || reqs[1].Model != "vendor/b" {
		t.Errorf("models tried: %+v", reqs)
	}
}

func TestRunNoFallbackOnClientError(t *testing.T) {
	script := &gatewayScript{t: t, steps: []any{400}}
	o := newTestOrchestrator(t, script, NewRegistry(), Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

	req := userRequest("vendor/a", "hi")
	req.Fallbacks = []string{"vendor/b"}
	_, _, err := o.Run(context.Background(), req)
	if !cerrors.HasCode(err, cerrors.CodeValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}
	if n := len(script.requests()); n != 1 {
		t.Errorf("gateway saw %d requests, want 1", n)
	}
}

func TestRunNoFallbackAfterToolExecution(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&models.Tool{
		Name: "lookup",
		Execute: func(ctx context.Context, args map[string]any, tctx *models.ToolContext) (any, error) {
			return "done", nil
		},
	})
	script := &gatewayScript{t: t, steps: []any{
		toolCallResponse("gen-1", "vendor/a", wireCall("call_1", "lookup", "{}")),
		503,
	}}
	o := newTestOrchestrator(t, script, registry, Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

	req := userRequest("vendor/a", "go")
	req.Fallbacks = []string{"vendor/b"}
	_, _, err := o.Run(context.Background(), req)
	if !cerrors.HasCode(err, cerrors.CodeAPIError) {
		t.Fatalf("err = %v, want API_ERROR", err)
	}
	// The tool already ran, so the 503 must not be retried on vendor/b.
	if n := len(script.requests()); n != 2 {
		t.Errorf("gateway saw %d requests, want 2", n)
	}
}

func TestRunEmptyChoices(t *testing.T) {
	script := &gatewayScript{t: t, steps: []any{openai.ChatCompletionResponse{ID: "gen-1"}}}
	o := newTestOrchestrator(t, script, NewRegistry(), Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

	_, _, err := o.Run(context.Background(), userRequest("vendor/a", "hi"))
	if !cerrors.HasCode(err, cerrors.CodeAPIError) {
		t.Errorf("err = %v, want API_ERROR", err)
	}
}

func TestRunNoModelConfigured(t *testing.T) {
	script := &gatewayScript{t: t}
	o := newTestOrchestrator(t, script, NewRegistry(), Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

	_, _, err := o.Run(context.Background(), &Request{Messages: []models.Message{{Role: models.RoleUser, Content: models.Text("hi")}}})
	if !cerrors.HasCode(err, cerrors.CodeConfig) {
		t.Errorf("err = %v, want CONFIG_ERROR", err)
	}
	if n := len(script.requests()); n != 0 {
		t.Errorf("gateway saw %d requests, want 0", n)
	}
}

func TestRunResponseFormatParsing(t *testing.T) {
	format := &ResponseFormat{Type: "json_object"}

	t.Run("valid json decodes", func(t *testing.T) {
		script := &gatewayScript{t: t, steps: []any{
			textResponse("gen-1", "vendor/a", `{"city":"Berlin","temp":21}`, openai.Usage{}),
		}}
		o := newTestOrchestrator(t, script, NewRegistry(), Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

		req := userRequest("vendor/a", "weather")
		req.ResponseFormat = format
		result, _, err := o.Run(context.Background(), req)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		decoded, ok := result.Content.(map[string]any)
		if !ok || decoded["city"] != "Berlin" {
			t.Errorf("content = %#v", result.Content)
		}
	})

	t.Run("strict rejects malformed json", func(t *testing.T) {
		script := &gatewayScript{t: t, steps: []any{
			textResponse("gen-1", "vendor/a", "sorry, no json today", openai.Usage{}),
		}}
		o := newTestOrchestrator(t, script, NewRegistry(),
			Config{MaxToolCalls: DefaultMaxToolCalls, StrictJSONParsing: true}, nil)

		req := userRequest("vendor/a", "weather")
		req.ResponseFormat = format
		_, _, err := o.Run(context.Background(), req)
		if !cerrors.HasCode(err, cerrors.CodeValidation) {
			t.Errorf("err = %v, want VALIDATION_ERROR", err)
		}
	})

	t.Run("lax returns nil content", func(t *testing.T) {
		script := &gatewayScript{t: t, steps: []any{
			textResponse("gen-1", "vendor/a", "sorry, no json today", openai.Usage{}),
		}}
		o := newTestOrchestrator(t, script, NewRegistry(), Config{MaxToolCalls: DefaultMaxToolCalls}, nil)

		req := userRequest("vendor/a", "weather")
		req.ResponseFormat = format
		result, _, err := o.Run(context.Background(), req)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result.Content != nil {
			t.Errorf("content = %v, want nil", result.Content)
		}
	})
}
