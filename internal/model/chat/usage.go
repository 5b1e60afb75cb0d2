package chat

import "time"

// UsageRecord is the token accounting for one completed generation.
type UsageRecord struct {
	ChatID           string    `json:"chatId"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	Estimated        bool      `json:"estimated,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsageTotals aggregates usage records.
type UsageTotals struct {
	ChatID           string `json:"chatId,omitempty"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// TotalTokens is the sum of prompt and completion tokens.
func (u UsageTotals) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}
