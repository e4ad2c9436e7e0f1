package models

// ChatResult is the consolidated outcome of one chat call, covering every
// round of the tool loop.
type ChatResult struct {
	// Content is the final assistant output: a string for plain text, a
	// decoded value when a JSON response format was requested, or nil
	// when the model returned no content (or strict parsing was off and
	// the JSON was malformed).
	Content any `json:"content"`

	// Usage is cumulative across all rounds.
	Usage Usage `json:"usage"`

	// Model is the model that produced the final round.
	Model string `json:"model"`

	// ToolCallsCount is the number of tool executions performed.
	ToolCallsCount int `json:"toolCallsCount"`

	FinishReason string `json:"finishReason"`
	DurationMS   int64  `json:"durationMs"`

	// ID is the gateway request id of the final round.
	ID string `json:"id"`

	// Cost is the estimated total cost in USD, nil when the model's price
	// is unknown or cost tracking is disabled.
	Cost *float64 `json:"cost"`
}

// ContentText returns the content as a string when it is one.
func (r *ChatResult) ContentText() string {
	if r == nil {
		return ""
	}
	if s, ok := r.Content.(string); ok {
		return s
	}
	return ""
}
