package domain

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one persisted message in a conversation.
type Turn struct {
	ID             int64            `json:"id"`
	Interface      string           `json:"interface"`
	ConversationID string           `json:"conversation_id"`
	ExternalID     string           `json:"external_id,omitempty"`
	ThreadRootID   *int64           `json:"thread_root_id,omitempty"`
	ProfileID      string           `json:"profile_id"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	ToolCallID     string           `json:"tool_call_id,omitempty"`
	ToolName       string           `json:"tool_name,omitempty"`
	ErrorTrace     string           `json:"error_trace,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ToolCallRecord is a tool call requested by the model in an assistant turn.
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// MessageHistory is the turn storage consumed by the orchestration layer.
// Lookups return (nil, nil) when nothing matches.
type MessageHistory interface {
	AddTurn(ctx context.Context, turn Turn) (int64, error)
	GetTurn(ctx context.Context, id int64) (*Turn, error)
	GetTurnByExternalID(ctx context.Context, iface, conversationID, externalID string) (*Turn, error)
	UpdateTurnExternalID(ctx context.Context, id int64, externalID string) error
	AttachTurnErrorTrace(ctx context.Context, id int64, trace string) error
	ThreadTurns(ctx context.Context, iface, conversationID string, threadRootID *int64, limit int) ([]Turn, error)
}

// Note is a free-form note kept for a conversation.
type Note struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Tags           string    `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is a calendar-style entry kept for a conversation.
type Event struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"starts_at"`
	Location       string    `json:"location,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
