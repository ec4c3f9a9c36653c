package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"hearthbot/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/" and without a @botname suffix
	Args []string // arguments after the command
	Rest string   // text after the command token, untouched
	Raw  string   // original full text
}

// ParseCommand parses a message starting with "/". Returns nil otherwise.
func ParseCommand(text string) *ChatCommand {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return nil
	}

	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return nil
	}

	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, parts[0]))
	return &ChatCommand{
		Name: name,
		Args: parts[1:],
		Rest: rest,
		Raw:  trimmed,
	}
}

// CommandProfiles maps slash commands to profile ids.
type CommandProfiles map[string]string

// Match returns the profile bound to the message's leading command and the
// remaining text. ok is false when the message is not a mapped command.
func (c CommandProfiles) Match(text string) (profileID, rest string, ok bool) {
	cmd := ParseCommand(text)
	if cmd == nil {
		return "", text, false
	}
	profileID, ok = c[cmd.Name]
	if !ok {
		return "", text, false
	}
	return profileID, cmd.Rest, true
}

// handleBuiltin answers a builtin command that reached a batch, which
// happens when the surface hands updates to the batcher directly.
func (o *Orchestrator) handleBuiltin(ctx context.Context, batch domain.Batch, text string) (bool, error) {
	name, reply, ok := o.builtinReply(batch.ConversationID, text)
	if !ok {
		return false, nil
	}
	_, err := o.surface.SendText(ctx, domain.OutgoingText{
		ConversationID: batch.ConversationID,
		Text:           reply,
		ReplyToID:      batch.Last().ExternalID,
		Plain:          true,
	})
	if err != nil {
		return true, fmt.Errorf("send /%s reply: %w", name, err)
	}
	return true, nil
}

// builtinReply returns the answer to one of the commands that never reach
// a processor. Commands mapped to a profile take precedence.
func (o *Orchestrator) builtinReply(conversationID, text string) (name, reply string, ok bool) {
	cmd := ParseCommand(text)
	if cmd == nil {
		return "", "", false
	}
	if _, mapped := o.commands[cmd.Name]; mapped {
		return "", "", false
	}
	switch cmd.Name {
	case "start", "help":
		return cmd.Name, o.helpText(), true
	case "pending":
		return cmd.Name, o.pendingText(conversationID), true
	}
	return "", "", false
}

// Intake wraps next, the batcher's Add, so builtin commands are answered
// as they arrive instead of queueing behind the conversation's running
// turn. A turn waiting on a confirmation holds that queue until the user
// decides, and /pending has to be answerable meanwhile.
func (o *Orchestrator) Intake(ctx context.Context, next func(domain.InboundUpdate) error) func(domain.InboundUpdate) error {
	return func(u domain.InboundUpdate) error {
		if u.Attachment != nil {
			return next(u)
		}
		name, reply, ok := o.builtinReply(u.ConversationID, u.Text)
		if !ok {
			return next(u)
		}
		go func() {
			rctx, cancel := context.WithTimeout(ctx, reportTimeout)
			defer cancel()
			_, err := o.surface.SendText(rctx, domain.OutgoingText{
				ConversationID: u.ConversationID,
				Text:           reply,
				ReplyToID:      u.ExternalID,
				Plain:          true,
			})
			if err != nil {
				o.logger.Warn("failed to answer command", "command", name, "conversation", u.ConversationID, "err", err)
			}
		}()
		return nil
	}
}

func (o *Orchestrator) helpText() string {
	var sb strings.Builder
	sb.WriteString("Send me a message and I'll take it from there. Reply to one of my messages to continue that thread.\n")

	names := make([]string, 0, len(o.commands))
	for name := range o.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		sb.WriteString("\nProfiles:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "/%s <message> - talk to the %s profile\n", name, o.commands[name])
		}
	}
	sb.WriteString("\n/pending - list actions waiting for your confirmation\n/help - show this message")
	return sb.String()
}

func (o *Orchestrator) pendingText(conversationID string) string {
	pending := o.confirmations.Pending(conversationID)
	if len(pending) == 0 {
		return "Nothing is waiting for your confirmation."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d action(s) waiting for confirmation:\n", len(pending))
	for _, pc := range pending {
		fmt.Fprintf(&sb, "- %s (expires in %s)\n", pc.Prompt, time.Until(pc.Deadline).Round(time.Second))
	}
	return strings.TrimRight(sb.String(), "\n")
}
