package domain

import "context"

type SecurityAction string

const (
	ActionAllow   SecurityAction = "allow"
	ActionBlock   SecurityAction = "block"
	ActionConfirm SecurityAction = "confirm"
)

// SecurityEngine evaluates tool invocations against blacklist/whitelist/confirm policies.
type SecurityEngine interface {
	Check(ctx context.Context, toolName string, command string) (SecurityAction, error)
	LogAction(ctx context.Context, entry AuditEntry) error
}

type AuditEntry struct {
	Action   string // tool_exec | command_blocked | confirm_yes | confirm_no | confirm_expired
	ToolName string
	Command  string
	Result   string // allowed | blocked | confirmed | denied | expired
	Details  string
}
