package processing

import (
	"encoding/json"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// textToolCall is the shape smaller models use when they write a tool call
// into the message body instead of the structured tool_calls field.
type textToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

// extractToolCalls finds tool calls written as JSON in content. It handles a
// bare object or array, a fenced code block, and JSON surrounded by prose.
// Calls naming a tool for which known returns false are dropped.
func extractToolCalls(content string, known func(string) bool) []llms.ToolCall {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	parsed := parseToolJSON(content)
	if len(parsed) == 0 {
		if start, end := findJSONBounds(content); start >= 0 {
			parsed = parseToolJSON(content[start:end])
		}
	}

	var calls []llms.ToolCall
	for _, p := range parsed {
		name := normalizeToolName(p.Name)
		if known != nil && !known(name) {
			continue
		}
		args := p.Parameters
		if args == nil {
			args = p.Arguments
		}
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			continue
		}
		calls = append(calls, llms.ToolCall{
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: string(raw)},
		})
	}
	return calls
}

// findJSONBounds locates the first top-level JSON object or array in s and
// returns its start and end+1 offsets, or (-1, -1).
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}
	open := s[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch ch {
			case '\\':
				i++
			case '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

func parseToolJSON(raw string) []textToolCall {
	text := raw
	if !json.Valid([]byte(text)) {
		text = sanitizeJSONEscapes(text)
	}

	var single textToolCall
	if err := json.Unmarshal([]byte(text), &single); err == nil && single.Name != "" {
		return []textToolCall{single}
	}

	var multi []textToolCall
	if err := json.Unmarshal([]byte(text), &multi); err != nil {
		return nil
	}
	out := multi[:0]
	for _, c := range multi {
		if c.Name != "" {
			out = append(out, c)
		}
	}
	return out
}

var toolAliases = map[string]string{
	"createnote":  "create_note",
	"create-note": "create_note",
	"addnote":     "create_note",
	"listnotes":   "list_notes",
	"list-notes":  "list_notes",
	"searchnotes": "search_notes",
	"search-note": "search_notes",
	"deletenote":  "delete_note",
	"delete-note": "delete_note",
	"createevent": "create_event",
	"addevent":    "create_event",
	"listevents":  "list_events",
	"list-events": "list_events",
	"deleteevent": "delete_event",
	"exportnotes": "export_notes",
}

// normalizeToolName maps spellings smaller models produce to registered names.
func normalizeToolName(name string) string {
	if mapped, ok := toolAliases[strings.ToLower(name)]; ok {
		return mapped
	}
	return name
}

var rolePrefixes = []string{
	"assistant\n",
	"Assistant\n",
	"assistant:\n",
	"Assistant:\n",
	"assistant: ",
	"Assistant: ",
}

// stripRolePrefix removes a leaked chat-template role name from content.
func stripRolePrefix(content string) string {
	for _, p := range rolePrefixes {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// sanitizeJSONEscapes drops the backslash from escape sequences JSON does
// not allow, such as \% or \Y.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				i++
				buf.WriteByte(s[i])
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
