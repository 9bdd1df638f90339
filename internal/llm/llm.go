// Package llm generates reply text through an OpenAI compatible chat
// completions endpoint.
package llm

import (
	"context"
	"strings"
)

const (
	DefaultModel       = "deepseek-chat"
	DefaultAPIBase     = "https://api.deepseek.com/v1"
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.8
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options tune a single generation. Zero values use the client defaults.
type Options struct {
	MaxTokens   int
	Temperature *float64
}

// Generator produces text. Errors are classified with apperr kinds
// (RateLimit, Connection, Auth).
type Generator interface {
	Generate(ctx context.Context, prompt, system string, opts Options) (string, error)
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
}

// BuildMessages returns the message list for a single-turn prompt.
func BuildMessages(prompt, system string) []Message {
	var out []Message
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, Message{Role: RoleSystem, Content: s})
	}
	return append(out, Message{Role: RoleUser, Content: strings.TrimSpace(prompt)})
}
