package models

// Usage is the token accounting block of a completion response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ModelPrice is the per-million-token pricing for one model.
type ModelPrice struct {
	ID                       string  `json:"id" yaml:"id"`
	PromptCostPerMillion     float64 `json:"promptCostPerMillion" yaml:"promptCostPerMillion"`
	CompletionCostPerMillion float64 `json:"completionCostPerMillion" yaml:"completionCostPerMillion"`
	ContextLength            int     `json:"contextLength,omitempty" yaml:"contextLength"`
}

// CreditBalance is the gateway account balance snapshot.
type CreditBalance struct {
	Limit float64 `json:"limit"`
	Usage float64 `json:"usage"`
}
