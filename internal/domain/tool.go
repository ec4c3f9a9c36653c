package domain

import "context"

// ToolInvocation carries the arguments and the conversation a tool runs for.
type ToolInvocation struct {
	ConversationID string
	Args           map[string]any
}

// ToolResult is the output of a tool. AttachmentIDs are delivered to the
// user after the reply text.
type ToolResult struct {
	Content       string
	AttachmentIDs []string
}

// Tool is the interface for agent capabilities (notes, events, exports).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, inv ToolInvocation) (*ToolResult, error)
}
