package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/internal/security"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// ExecutorConfig bounds tool execution for one client.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel tool executions. Default: 5.
	MaxConcurrency int

	// DefaultTimeout bounds a single tool invocation when the request
	// carries no tighter deadline. Default: 30s.
	DefaultTimeout time.Duration
}

// Executor validates, gates, and runs the tool calls of one round.
type Executor struct {
	registry *Registry
	gate     *security.Gate
	bus      *events.Bus
	metrics  *observability.Metrics
	logger   *observability.Logger

	sem     chan struct{}
	timeout time.Duration
}

// ToolEvent reports one tool call's lifecycle to streaming callbacks.
// Events for a round are delivered serially.
type ToolEvent struct {
	Phase    ToolPhase
	CallID   string
	ToolName string
	Args     map[string]any
	Result   any
	Err      error
}

// ToolPhase is the lifecycle stage of a ToolEvent.
type ToolPhase int

const (
	PhaseExecuting ToolPhase = iota
	PhaseResult
)

// NewExecutor builds a tool executor.
func NewExecutor(registry *Registry, gate *security.Gate, bus *events.Bus, metrics *observability.Metrics, logger *observability.Logger, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Executor{
		registry: registry,
		gate:     gate,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		timeout:  cfg.DefaultTimeout,
	}
}

// preparedCall is a tool call that has passed resolution, argument
// parsing, schema validation, and the security gate.
type preparedCall struct {
	call models.ToolCall
	tool *models.Tool
	args map[string]any
}

// prepare runs every pre-execution check for the round's calls. Any
// failure here is fatal to the chat call: nothing has executed yet, so
// aborting is safe.
func (e *Executor) prepare(calls []models.ToolCall, user *models.UserAuthInfo) ([]preparedCall, error) {
	prepared := make([]preparedCall, 0, len(calls))
	for _, call := range calls {
		name := call.Function.Name
		tool, ok := e.registry.Get(name)
		if !ok {
			return nil, cerrors.New(cerrors.CodeTool, fmt.Sprintf("model requested unknown tool %q", name)).
				WithDetail("tool", name)
		}

		args := map[string]any{}
		raw := call.Function.Arguments
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, cerrors.Wrap(cerrors.CodeValidation,
					fmt.Sprintf("arguments for tool %q are not valid JSON", name), err).
					WithDetail("tool", name).
					WithDetail("arguments", raw)
			}
		}

		if len(tool.ParametersSchema) > 0 {
			if err := validateArgs(tool, args); err != nil {
				return nil, err
			}
		}

		if err := e.gate.CheckToolCall(user, tool, args); err != nil {
			return nil, err
		}

		prepared = append(prepared, preparedCall{call: call, tool: tool, args: args})
	}
	return prepared, nil
}

func validateArgs(tool *models.Tool, args map[string]any) error {
	schema, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.ParametersSchema))
	if err != nil {
		return cerrors.Wrap(cerrors.CodeConfig,
			fmt.Sprintf("tool %q has an invalid parameters schema", tool.Name), err).
			WithDetail("tool", tool.Name)
	}
	// The validator wants the generic decoded form, which args already is.
	var value any = args
	if err := schema.Validate(value); err != nil {
		return cerrors.Wrap(cerrors.CodeValidation,
			fmt.Sprintf("arguments for tool %q do not match its schema", tool.Name), err).
			WithDetail("tool", tool.Name)
	}
	return nil
}

// ExecuteRound runs the round's tool calls, in parallel when allowed, and
// returns one tool-role message per call in the original call order. An
// executor failure becomes an error-shaped result message and does not
// abort; pre-execution failures abort the round.
func (e *Executor) ExecuteRound(ctx context.Context, calls []models.ToolCall, user *models.UserAuthInfo, parallel bool, observe func(ToolEvent)) ([]models.Message, error) {
	prepared, err := e.prepare(calls, user)
	if err != nil {
		return nil, err
	}

	results := make([]models.Message, len(prepared))

	// Callbacks and bus events are serialized so handlers never run
	// concurrently with themselves.
	var notifyMu sync.Mutex
	notify := func(ev ToolEvent) {
		notifyMu.Lock()
		defer notifyMu.Unlock()
		if observe != nil {
			observe(ev)
		}
		if e.bus == nil {
			return
		}
		switch ev.Phase {
		case PhaseExecuting:
			e.bus.Emit(events.TopicToolCall, map[string]any{
				"toolCallId": ev.CallID,
				"tool":       ev.ToolName,
				"args":       ev.Args,
			})
		case PhaseResult:
			payload := map[string]any{
				"toolCallId": ev.CallID,
				"tool":       ev.ToolName,
				"success":    ev.Err == nil,
			}
			if ev.Err != nil {
				payload["error"] = ev.Err.Error()
			} else {
				payload["result"] = ev.Result
			}
			e.bus.Emit(events.TopicToolResult, payload)
		}
	}

	if parallel && len(prepared) > 1 {
		var wg sync.WaitGroup
		for i := range prepared {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = e.runOne(ctx, prepared[idx], user, notify)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range prepared {
			results[i] = e.runOne(ctx, prepared[i], user, notify)
		}
	}
	return results, nil
}

// runOne executes a single prepared call under the semaphore and timeout,
// converting the outcome into a tool-role message.
func (e *Executor) runOne(ctx context.Context, pc preparedCall, user *models.UserAuthInfo, notify func(ToolEvent)) models.Message {
	name := pc.tool.Name
	notify(ToolEvent{Phase: PhaseExecuting, CallID: pc.call.ID, ToolName: name, Args: pc.args})

	start := time.Now()
	result, err := e.invoke(ctx, pc, user)
	e.logger.Debug("tool executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "success", err == nil)

	e.metrics.ObserveTool(name, err == nil)
	notify(ToolEvent{Phase: PhaseResult, CallID: pc.call.ID, ToolName: name, Result: result, Err: err})

	msg := models.Message{
		Role:       models.RoleTool,
		Name:       name,
		ToolCallID: pc.call.ID,
	}
	if err != nil {
		e.logger.Warn("tool execution failed", "tool", name, "tool_call_id", pc.call.ID, "error", err)
		body, _ := json.Marshal(map[string]any{"error": err.Error(), "success": false})
		msg.Content = models.Text(string(body))
		return msg
	}
	content, serr := stringifyResult(result)
	if serr != nil {
		terr := cerrors.Wrap(cerrors.CodeTool,
			fmt.Sprintf("tool %q returned a result that cannot be serialized", name), serr)
		e.logger.Warn("tool result not serializable", "tool", name, "tool_call_id", pc.call.ID, "error", terr)
		body, _ := json.Marshal(map[string]any{"error": terr.Error(), "success": false})
		msg.Content = models.Text(string(body))
		return msg
	}
	msg.Content = models.Text(content)
	return msg
}

func (e *Executor) invoke(ctx context.Context, pc preparedCall, user *models.UserAuthInfo) (result any, err error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, cerrors.Normalize(ctx.Err())
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", pc.tool.Name, "panic", r, "stack", string(debug.Stack()))
			err = cerrors.New(cerrors.CodeTool, fmt.Sprintf("tool %q panicked: %v", pc.tool.Name, r))
		}
	}()

	tctx := &models.ToolContext{User: user, ToolCallID: pc.call.ID}
	return pc.tool.Execute(execCtx, pc.args, tctx)
}

// stringifyResult renders a tool result for the transcript: strings pass
// through, everything else is JSON-encoded. A value JSON cannot encode
// is an error; the caller embeds it in the result message.
func stringifyResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
}
