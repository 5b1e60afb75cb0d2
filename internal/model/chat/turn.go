package chat

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a chat's bounded history. Turns are immutable once appended.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount *int      `json:"tokenCount,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TokenCounts carries the token usage of one completed exchange.
type TokenCounts struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	Estimated        bool `json:"estimated,omitempty"`
}
