package llm

import "context"

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// JSONSchema asks the provider for structured output matching Schema.
type JSONSchema struct {
	Name   string
	Schema map[string]any
	Strict bool
}

type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Schema      *JSONSchema
	// Purpose labels the call for metrics ("reply", "extraction").
	Purpose string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Adapter is the text-generation collaborator. Implementations may fail or time out;
// callers own the fallback.
type Adapter interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
