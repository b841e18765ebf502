// Package types holds the OpenAI-compatible chat wire types shared by the
// LLM provider layer and the streaming normalizer.
package types //nolint:revive // package name is intentional

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// SystemPrompt joins all system messages.
func (r *ChatRequest) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != "system" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// Validate checks the minimal shape required by every provider.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}
