// Package security decides whether a tool invocation runs, is blocked or
// needs the user's confirmation.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"hearthbot/internal/config"
	"hearthbot/internal/domain"
)

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Engine matches invocations against blacklist, whitelist and confirm
// patterns, in that order, then falls back to the default policy.
type Engine struct {
	cfg         config.SecurityConfig
	auditLogger AuditLogger
	logger      *slog.Logger

	blacklistRe []*regexp.Regexp
	whitelistRe []*regexp.Regexp
	confirmRe   []*regexp.Regexp
}

func NewEngine(cfg config.SecurityConfig, auditLogger AuditLogger, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	e.blacklistRe, err = compilePatterns(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}
	e.whitelistRe, err = compilePatterns(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}
	e.confirmRe, err = compilePatterns(cfg.ConfirmPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid confirm pattern: %w", err)
	}

	return e, nil
}

// Command renders a tool invocation as the string patterns are matched
// against: the tool name, a space, and the arguments as JSON with sorted keys.
func Command(toolName string, args map[string]any) string {
	if len(args) == 0 {
		return toolName + " {}"
	}
	// encoding/json sorts map keys
	raw, err := json.Marshal(args)
	if err != nil {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return toolName + " " + strings.Join(keys, ",")
	}
	return toolName + " " + string(raw)
}

func (e *Engine) Check(ctx context.Context, toolName string, command string) (domain.SecurityAction, error) {
	cmd := strings.TrimSpace(command)

	for _, re := range e.blacklistRe {
		if re.MatchString(cmd) {
			e.logger.Warn("tool call blocked by blacklist", "tool", toolName, "command", cmd, "pattern", re.String())
			e.logAction(ctx, "command_blocked", toolName, cmd, "blocked", "blacklist match: "+re.String())
			return domain.ActionBlock, nil
		}
	}

	for _, re := range e.whitelistRe {
		if re.MatchString(cmd) {
			e.logAction(ctx, "tool_exec", toolName, cmd, "allowed", "whitelist match: "+re.String())
			return domain.ActionAllow, nil
		}
	}

	for _, re := range e.confirmRe {
		if re.MatchString(cmd) {
			e.logger.Info("tool call requires confirmation", "tool", toolName, "command", cmd)
			return domain.ActionConfirm, nil
		}
	}

	switch e.cfg.DefaultPolicy {
	case "allow", "":
		e.logAction(ctx, "tool_exec", toolName, cmd, "allowed", "default policy: allow")
		return domain.ActionAllow, nil
	case "deny":
		e.logAction(ctx, "command_blocked", toolName, cmd, "blocked", "default policy: deny")
		return domain.ActionBlock, nil
	default: // "ask"
		return domain.ActionConfirm, nil
	}
}

func (e *Engine) LogAction(ctx context.Context, entry domain.AuditEntry) error {
	return e.logAction(ctx, entry.Action, entry.ToolName, entry.Command, entry.Result, entry.Details)
}

func (e *Engine) logAction(ctx context.Context, action, toolName, command, result, details string) error {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return nil
	}
	err := e.auditLogger.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Command:  command,
		Result:   result,
		Details:  details,
	})
	if err != nil {
		e.logger.Warn("failed to write audit entry", "action", action, "tool", toolName, "err", err)
	}
	return err
}

// compilePatterns compiles regex-looking patterns as is and everything else
// as a case-insensitive substring match.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
