package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// StreamCallbacks receive streaming progress. All callbacks are invoked
// serially; a handler is never re-entered concurrently.
type StreamCallbacks struct {
	// OnContent receives each non-empty content delta in arrival order.
	OnContent func(delta string)

	// OnToolCallExecuting fires before a tool executor runs.
	OnToolCallExecuting func(name string, args map[string]any)

	// OnToolCallResult fires after a tool executor finishes. err is nil
	// on success.
	OnToolCallResult func(name string, result any, err error)

	// OnComplete fires once with the consolidated result before RunStream
	// returns it.
	OnComplete func(result *models.ChatResult)

	// OnError fires once with the terminal error before RunStream
	// returns it.
	OnError func(err error)
}

// roundOutcome is what one streaming round produced.
type roundOutcome struct {
	assistant    models.Message
	finishReason string
	usage        *models.Usage
	model        string
	id           string
}

// RunStream executes the chat loop over streaming completions. Tool
// rounds restart the stream with the extended transcript; the caller's
// context cancels the underlying HTTP stream.
func (o *Orchestrator) RunStream(ctx context.Context, req *Request, cb StreamCallbacks) (*models.ChatResult, []models.HistoryEntry, error) {
	result, entries, err := o.runStream(ctx, req, cb)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, nil, err
	}
	if cb.OnComplete != nil {
		cb.OnComplete(result)
	}
	return result, entries, nil
}

func (o *Orchestrator) runStream(ctx context.Context, req *Request, cb StreamCallbacks) (*models.ChatResult, []models.HistoryEntry, error) {
	st, err := o.newLoopState(req)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	usageSeen := false

	observe := func(ev ToolEvent) {
		switch ev.Phase {
		case PhaseExecuting:
			if cb.OnToolCallExecuting != nil {
				cb.OnToolCallExecuting(ev.ToolName, ev.Args)
			}
		case PhaseResult:
			if cb.OnToolCallResult != nil {
				cb.OnToolCallResult(ev.ToolName, ev.Result, ev.Err)
			}
		}
	}

	for {
		outcome, err := o.streamRound(ctx, req, st, cb)
		if err != nil {
			return nil, nil, err
		}

		st.meta = responseMeta{model: outcome.model, finishReason: outcome.finishReason, id: outcome.id}
		if st.meta.model == "" {
			st.meta.model = st.candidates[st.modelIdx]
		}
		if outcome.usage != nil {
			st.usage.Add(outcome.usage)
			usageSeen = true
		}

		if outcome.finishReason == string(openai.FinishReasonToolCalls) && len(outcome.assistant.ToolCalls) > 0 && st.roundsLeft > 0 {
			st.messages = append(st.messages, outcome.assistant)
			st.newEntries = append(st.newEntries, models.HistoryEntry{Message: models.CloneMessage(outcome.assistant)})

			toolMsgs, err := o.executor.ExecuteRound(ctx, outcome.assistant.ToolCalls, req.User, req.ParallelToolCalls, observe)
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

		if outcome.finishReason == string(openai.FinishReasonToolCalls) && len(outcome.assistant.ToolCalls) > 0 && st.toolCallsCount > 0 {
			return nil, nil, cerrors.New(cerrors.CodeTool,
				fmt.Sprintf("tool call limit of %d rounds exceeded", o.roundBudget(req))).
				WithDetail("lastContent", outcome.assistant.TextContent()).
				WithDetail("toolCallsCount", st.toolCallsCount)
		}

		result, entries, err := o.finish(req, st, outcome.assistant, start)
		if err != nil {
			return nil, nil, err
		}
		if !usageSeen {
			// Without a terminal usage frame there is nothing to price.
			result.Cost = nil
			if len(entries) > 0 && entries[len(entries)-1].Metadata != nil {
				entries[len(entries)-1].Metadata.Usage = nil
				entries[len(entries)-1].Metadata.Cost = nil
			}
		}
		return result, entries, nil
	}
}

// streamRound opens one streaming completion and consumes it to the end,
// accumulating content and tool-call deltas. Model fallback applies while
// the call has no side effects yet.
func (o *Orchestrator) streamRound(ctx context.Context, req *Request, st *loopState, cb StreamCallbacks) (*roundOutcome, error) {
	for {
		wire := o.buildWireRequest(req, st)
		wire.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		start := time.Now()
		stream, err := o.transport.CreateCompletionStream(ctx, wire)
		if err == nil {
			outcome, recvErr := o.consumeStream(ctx, stream, cb)
			o.metrics.ObserveRequest(wire.Model, time.Since(start).Seconds(), recvErr == nil)
			// No fallback once the stream opened: deltas may already have
			// reached the caller's callbacks.
			return outcome, recvErr
		}
		o.metrics.ObserveRequest(wire.Model, time.Since(start).Seconds(), false)

		if st.sideEffects || st.modelIdx+1 >= len(st.candidates) || !retryableTransport(err) {
			return nil, err
		}
		st.modelIdx++
		o.logger.Warn("model fallback after stream failure",
			"failed_model", wire.Model, "next_model", st.candidates[st.modelIdx], "error", err)
	}
}

func (o *Orchestrator) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, cb StreamCallbacks) (*roundOutcome, error) {
	defer stream.Close()

	var content strings.Builder
	contentSeen := false
	toolCalls := map[int]*models.ToolCall{}
	maxIndex := -1
	outcome := &roundOutcome{}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, cerrors.Normalize(ctx.Err())
			}
			return nil, o.transport.WrapError(err)
		}

		if resp.ID != "" {
			outcome.id = resp.ID
		}
		if resp.Model != "" {
			outcome.model = resp.Model
		}
		if resp.Usage != nil {
			u := fromWireUsage(*resp.Usage)
			outcome.usage = &u
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			outcome.finishReason = string(choice.FinishReason)
		}
		delta := choice.Delta

		if delta.Content != "" {
			contentSeen = true
			content.WriteString(delta.Content)
			if cb.OnContent != nil {
				cb.OnContent(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if index > maxIndex {
				maxIndex = index
			}
			acc := toolCalls[index]
			if acc == nil {
				acc = &models.ToolCall{Type: models.ToolCallTypeFunction}
				toolCalls[index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	// A stream that ends without a finish_reason is treated as a normal
	// stop.
	if outcome.finishReason == "" {
		outcome.finishReason = "stop"
	}

	assistant := models.Message{Role: models.RoleAssistant}
	for i := 0; i <= maxIndex; i++ {
		if tc := toolCalls[i]; tc != nil && tc.ID != "" && tc.Function.Name != "" {
			assistant.ToolCalls = append(assistant.ToolCalls, *tc)
		}
	}
	if contentSeen || len(assistant.ToolCalls) == 0 {
		assistant.Content = models.Text(content.String())
	}
	outcome.assistant = assistant
	return outcome, nil
}
