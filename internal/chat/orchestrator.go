package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/internal/pricing"
	"github.com/haasonsaas/modelgate/internal/security"
	"github.com/haasonsaas/modelgate/internal/transport"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// DefaultMaxToolCalls caps tool rounds when the request and client config
// leave it unset.
const DefaultMaxToolCalls = 10

// ResponseFormat asks the model for structured output.
type ResponseFormat struct {
	// Type is "json_object" or "json_schema".
	Type string

	// SchemaName and Schema apply to the json_schema type.
	SchemaName string
	Schema     json.RawMessage

	// Strict requests strict schema adherence from the gateway.
	Strict bool
}

// Request is one fully-resolved chat invocation.
type Request struct {
	Model      string
	Messages   []models.Message
	Tools      []*models.Tool
	ToolChoice any

	Temperature      *float32
	TopP             *float32
	MaxTokens        int
	Stop             []string
	Seed             *int
	PresencePenalty  *float32
	FrequencyPenalty *float32
	LogitBias        map[string]int

	ResponseFormat    *ResponseFormat
	ParallelToolCalls bool

	// User is the authenticated caller, nil for anonymous.
	User *models.UserAuthInfo

	// MaxToolCalls overrides the configured round budget when non-nil.
	MaxToolCalls *int

	// Fallbacks are tried in order on retryable transport failures before
	// any tool has executed.
	Fallbacks []string
}

// Config holds the orchestrator's client-level defaults. MaxToolCalls is
// the resolved round budget; the façade substitutes DefaultMaxToolCalls
// when the user left it unset.
type Config struct {
	DefaultModel       string
	MaxToolCalls       int
	Fallbacks          []string
	StrictJSONParsing  bool
	EnableCostTracking bool
}

// Orchestrator drives the tool-call loop over the transport.
type Orchestrator struct {
	transport *transport.Client
	executor  *Executor
	gate      *security.Gate
	catalog   *pricing.Catalog
	bus       *events.Bus
	metrics   *observability.Metrics
	logger    *observability.Logger
	cfg       Config
}

// NewOrchestrator wires the loop together.
func NewOrchestrator(t *transport.Client, ex *Executor, gate *security.Gate, catalog *pricing.Catalog, bus *events.Bus, metrics *observability.Metrics, logger *observability.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	return &Orchestrator{
		transport: t,
		executor:  ex,
		gate:      gate,
		catalog:   catalog,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// responseMeta records the last round's identity for the final result.
type responseMeta struct {
	model        string
	finishReason string
	id           string
}

// loopState carries the mutable state of one chat invocation.
type loopState struct {
	messages       []models.Message
	usage          models.Usage
	toolCallsCount int
	roundsLeft     int
	meta           responseMeta

	// modelIdx indexes into candidates; once a fallback is taken the
	// loop stays on it.
	candidates []string
	modelIdx   int

	// sideEffects flips once any tool has executed, after which model
	// fallback is no longer safe.
	sideEffects bool

	// newEntries is the history suffix produced by this call.
	newEntries []models.HistoryEntry
}

func (o *Orchestrator) newLoopState(req *Request) (*loopState, error) {
	model := req.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	if model == "" {
		return nil, cerrors.New(cerrors.CodeConfig, "no model configured and none given in the request")
	}
	fallbacks := req.Fallbacks
	if fallbacks == nil {
		fallbacks = o.cfg.Fallbacks
	}
	rounds := o.cfg.MaxToolCalls
	if rounds < 0 {
		rounds = 0
	}
	if req.MaxToolCalls != nil {
		rounds = *req.MaxToolCalls
		if rounds < 0 {
			rounds = 0
		}
	}
	return &loopState{
		messages:   models.CloneMessages(req.Messages),
		roundsLeft: rounds,
		candidates: append([]string{model}, fallbacks...),
	}, nil
}

func (o *Orchestrator) buildWireRequest(req *Request, st *loopState) openai.ChatCompletionRequest {
	wire := openai.ChatCompletionRequest{
		Model:    st.candidates[st.modelIdx],
		Messages: toWireMessages(st.messages),
		Tools:    toWireTools(req.Tools),
	}
	if req.ToolChoice != nil {
		wire.ToolChoice = req.ToolChoice
	}
	if req.Temperature != nil {
		wire.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		wire.TopP = *req.TopP
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		wire.Stop = req.Stop
	}
	if req.Seed != nil {
		wire.Seed = req.Seed
	}
	if req.PresencePenalty != nil {
		wire.PresencePenalty = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		wire.FrequencyPenalty = *req.FrequencyPenalty
	}
	if len(req.LogitBias) > 0 {
		wire.LogitBias = req.LogitBias
	}
	if rf := req.ResponseFormat; rf != nil {
		format := &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatType(rf.Type),
		}
		if rf.Type == "json_schema" && len(rf.Schema) > 0 {
			format.JSONSchema = &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   rf.SchemaName,
				Schema: rf.Schema,
				Strict: rf.Strict,
			}
		}
		wire.ResponseFormat = format
	}
	return wire
}

// sendRound issues one completion request, falling back across the model
// candidates on retryable transport failures while the call is still
// idempotent.
func (o *Orchestrator) sendRound(ctx context.Context, req *Request, st *loopState) (openai.ChatCompletionResponse, error) {
	for {
		wire := o.buildWireRequest(req, st)
		start := time.Now()
		resp, err := o.transport.CreateCompletion(ctx, wire)
		o.metrics.ObserveRequest(wire.Model, time.Since(start).Seconds(), err == nil)
		if err == nil {
			return resp, nil
		}
		if st.sideEffects || st.modelIdx+1 >= len(st.candidates) || !retryableTransport(err) {
			return openai.ChatCompletionResponse{}, err
		}
		st.modelIdx++
		o.logger.Warn("model fallback after transport failure",
			"failed_model", wire.Model, "next_model", st.candidates[st.modelIdx], "error", err)
	}
}

func retryableTransport(err error) bool {
	ce, ok := cerrors.Get(err)
	if !ok {
		return false
	}
	if ce.Code.IsRetryableTransport() {
		return true
	}
	return ce.Code == cerrors.CodeAPIError && ce.StatusCode >= 500
}

// Run executes the non-streaming chat loop and returns the consolidated
// result plus the history suffix the call produced.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (*models.ChatResult, []models.HistoryEntry, error) {
	st, err := o.newLoopState(req)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()

	for {
		resp, err := o.sendRound(ctx, req, st)
		if err != nil {
			return nil, nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, nil, cerrors.New(cerrors.CodeAPIError, "gateway response contains no choices").
				WithDetail("id", resp.ID)
		}

		choice := resp.Choices[0]
		st.usage.Add(ptrUsage(resp.Usage))
		st.meta = responseMeta{
			model:        resp.Model,
			finishReason: string(choice.FinishReason),
			id:           resp.ID,
		}
		if st.meta.model == "" {
			st.meta.model = st.candidates[st.modelIdx]
		}

		assistant := fromWireMessage(choice.Message)

		if choice.FinishReason == openai.FinishReasonToolCalls && len(assistant.ToolCalls) > 0 && st.roundsLeft > 0 {
			st.messages = append(st.messages, assistant)
			st.newEntries = append(st.newEntries, models.HistoryEntry{Message: models.CloneMessage(assistant)})

			toolMsgs, err := o.executor.ExecuteRound(ctx, assistant.ToolCalls, req.User, req.ParallelToolCalls, nil)
			if err != nil {
				return nil, nil, err
			}
			st.sideEffects = true
			st.toolCallsCount += len(toolMsgs)
			for _, msg := range toolMsgs {
				st.messages = append(st.messages, msg)
				st.newEntries = append(st.newEntries, models.HistoryEntry{Message: models.CloneMessage(msg)})
			}
			st.roundsLeft--
			continue
		}

		if choice.FinishReason == openai.FinishReasonToolCalls && len(assistant.ToolCalls) > 0 && st.toolCallsCount > 0 {
			// The budget was spent on earlier rounds and the model still
			// wants tools; surface that instead of a half-finished answer.
			return nil, nil, cerrors.New(cerrors.CodeTool,
				fmt.Sprintf("tool call limit of %d rounds exceeded", o.roundBudget(req))).
				WithDetail("lastContent", assistant.TextContent()).
				WithDetail("toolCallsCount", st.toolCallsCount)
		}

		return o.finish(req, st, assistant, start)
	}
}

func (o *Orchestrator) roundBudget(req *Request) int {
	if req.MaxToolCalls != nil {
		return *req.MaxToolCalls
	}
	return o.cfg.MaxToolCalls
}

// finish builds the final result from the terminal assistant message.
func (o *Orchestrator) finish(req *Request, st *loopState, assistant models.Message, start time.Time) (*models.ChatResult, []models.HistoryEntry, error) {
	content, err := o.parseContent(req, assistant)
	if err != nil {
		return nil, nil, err
	}

	result := &models.ChatResult{
		Content:        content,
		Usage:          st.usage,
		Model:          st.meta.model,
		ToolCallsCount: st.toolCallsCount,
		FinishReason:   st.meta.finishReason,
		DurationMS:     time.Since(start).Milliseconds(),
		ID:             st.meta.id,
	}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	if o.cfg.EnableCostTracking && o.catalog != nil {
		result.Cost = o.catalog.ComputeCost(result.Model, &st.usage)
	}
	o.metrics.ObserveTokens(result.Model, st.usage.PromptTokens, st.usage.CompletionTokens)

	usage := st.usage
	meta := &models.APICallMetadata{
		ModelUsed:    result.Model,
		Usage:        &usage,
		Cost:         result.Cost,
		FinishReason: result.FinishReason,
		Timestamp:    time.Now().UTC(),
		RequestID:    result.ID,
	}
	st.newEntries = append(st.newEntries, models.HistoryEntry{
		Message:  models.CloneMessage(assistant),
		Metadata: meta,
	})
	return result, st.newEntries, nil
}

// parseContent applies the response format rules to the final content.
func (o *Orchestrator) parseContent(req *Request, assistant models.Message) (any, error) {
	text := assistant.TextContent()
	if req.ResponseFormat == nil {
		if assistant.Content == nil {
			return nil, nil
		}
		return text, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		if o.cfg.StrictJSONParsing {
			return nil, cerrors.Wrap(cerrors.CodeValidation, "model output is not the requested JSON", err).
				WithDetail("content", text)
		}
		o.logger.Warn("model output is not the requested JSON; returning null content")
		return nil, nil
	}
	return decoded, nil
}

func ptrUsage(u openai.Usage) *models.Usage {
	converted := fromWireUsage(u)
	return &converted
}
