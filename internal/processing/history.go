package processing

import (
	"github.com/tmc/langchaingo/llms"

	"hearthbot/internal/domain"
)

// historyMessages converts stored thread turns into model messages. The turn
// with id skip (the user turn being processed) is left out. Tool calls whose
// results are missing from the window, and results whose call is missing,
// are dropped so the providers see a well-formed exchange.
func historyMessages(turns []domain.Turn, skip int64) []llms.MessageContent {
	answered := make(map[string]bool)
	for _, t := range turns {
		if t.Role == domain.RoleTool && t.ToolCallID != "" {
			answered[t.ToolCallID] = true
		}
	}

	announced := make(map[string]bool)
	var out []llms.MessageContent
	for _, t := range turns {
		if t.ID == skip {
			continue
		}
		switch t.Role {
		case domain.RoleUser:
			if t.Content == "" {
				continue
			}
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, t.Content))

		case domain.RoleAssistant:
			var parts []llms.ContentPart
			if t.Content != "" {
				parts = append(parts, llms.TextContent{Text: t.Content})
			}
			for _, tc := range t.ToolCalls {
				if !answered[tc.ID] {
					continue
				}
				announced[tc.ID] = true
				parts = append(parts, llms.ToolCall{
					ID:           tc.ID,
					Type:         "function",
					FunctionCall: &llms.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})

		case domain.RoleTool:
			if !announced[t.ToolCallID] {
				continue
			}
			delete(announced, t.ToolCallID)
			out = append(out, toolResponse(t.ToolCallID, t.ToolName, t.Content))
		}
	}
	return out
}

func toolResponse(callID, name, content string) llms.MessageContent {
	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: callID,
			Name:       name,
			Content:    content,
		}},
	}
}

func assistantMessage(content string, calls []llms.ToolCall) llms.MessageContent {
	var parts []llms.ContentPart
	if content != "" {
		parts = append(parts, llms.TextContent{Text: content})
	}
	for _, tc := range calls {
		parts = append(parts, tc)
	}
	return llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts}
}
