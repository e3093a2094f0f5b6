package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider sends a chat to an upstream model and returns the reply text.
// Providers built for this service request JSON output from the model.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
