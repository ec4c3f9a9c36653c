package domain

import (
	"context"
	"time"
)

// Resolution is the state of a pending confirmation. It leaves
// ResolutionPending exactly once.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
	ResolutionExpired  Resolution = "expired"
)

// PendingConfirmation is an outstanding request for the user to approve a
// tool call.
type PendingConfirmation struct {
	Interface      string     `json:"interface"`
	ConversationID string     `json:"conversation_id"`
	TurnID         int64      `json:"turn_id"`
	ToolName       string     `json:"tool_name"`
	CallID         string     `json:"call_id"`
	Arguments      string     `json:"arguments"`
	Prompt         string     `json:"prompt"`
	Deadline       time.Time  `json:"deadline"`
	Resolution     Resolution `json:"resolution"`
}

// ConfirmationRequest is what the processing service asks the user to approve.
type ConfirmationRequest struct {
	ToolName  string
	CallID    string
	Arguments string
	// Prompt is optional; the orchestrator fills in a generic one.
	Prompt string
}

// ConfirmationRequester blocks until the user approves, rejects, or the
// request expires. Only ResolutionApproved permits the tool to run.
type ConfirmationRequester interface {
	RequestConfirmation(ctx context.Context, req ConfirmationRequest) (Resolution, error)
}

// ConfirmationPresenter shows a confirmation prompt on a surface.
type ConfirmationPresenter interface {
	PresentConfirmation(ctx context.Context, pc PendingConfirmation) error
}

// ConfirmationDismisser is optionally implemented by presenters that want to
// update the prompt once it is resolved.
type ConfirmationDismisser interface {
	DismissConfirmation(ctx context.Context, pc PendingConfirmation)
}
