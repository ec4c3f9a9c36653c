package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownTools(name string) bool {
	switch name {
	case "create_note", "list_notes", "delete_note":
		return true
	}
	return false
}

func TestExtractToolCallsSingleObject(t *testing.T) {
	calls := extractToolCalls(`{"name": "create_note", "arguments": {"title": "milk"}}`, knownTools)
	require.Len(t, calls, 1)
	assert.Equal(t, "create_note", calls[0].FunctionCall.Name)
	assert.JSONEq(t, `{"title":"milk"}`, calls[0].FunctionCall.Arguments)
	assert.Empty(t, calls[0].ID)
}

func TestExtractToolCallsParametersField(t *testing.T) {
	calls := extractToolCalls(`{"name": "delete_note", "parameters": {"id": 3}}`, knownTools)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"id":3}`, calls[0].FunctionCall.Arguments)
}

func TestExtractToolCallsArray(t *testing.T) {
	calls := extractToolCalls(`[{"name": "list_notes"}, {"name": "create_note", "arguments": {"body": "x"}}]`, knownTools)
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{}`, calls[0].FunctionCall.Arguments)
}

func TestExtractToolCallsCodeFence(t *testing.T) {
	calls := extractToolCalls("```json\n{\"name\": \"list_notes\", \"arguments\": {}}\n```", knownTools)
	require.Len(t, calls, 1)
	assert.Equal(t, "list_notes", calls[0].FunctionCall.Name)
}

func TestExtractToolCallsSurroundedByProse(t *testing.T) {
	content := "assistant\nSure.\n{\"name\": \"list_notes\", \"arguments\": {\"limit\": \"5 {x}\"}}\nOne moment."
	calls := extractToolCalls(content, knownTools)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"limit":"5 {x}"}`, calls[0].FunctionCall.Arguments)
}

func TestExtractToolCallsAliases(t *testing.T) {
	calls := extractToolCalls(`{"name": "CreateNote", "arguments": {"title": "a"}}`, knownTools)
	require.Len(t, calls, 1)
	assert.Equal(t, "create_note", calls[0].FunctionCall.Name)
}

func TestExtractToolCallsIgnoresUnknownAndPlainText(t *testing.T) {
	assert.Empty(t, extractToolCalls("Sure, I can help with that!", knownTools))
	assert.Empty(t, extractToolCalls(`{"name": "shell", "arguments": {"command": "ls"}}`, knownTools))
	assert.Empty(t, extractToolCalls(`{"temperature": 21}`, knownTools))
}

func TestExtractToolCallsInvalidEscapes(t *testing.T) {
	calls := extractToolCalls(`{"name": "create_note", "arguments": {"body": "50\% off"}}`, knownTools)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"body":"50% off"}`, calls[0].FunctionCall.Arguments)
}

func TestSanitizeJSONEscapesKeepsValidEscapes(t *testing.T) {
	assert.Equal(t, `{"a":"x\"y\\"}`, sanitizeJSONEscapes(`{"a":"x\"y\\"}`))
	assert.Equal(t, `{"a":"Y"}`, sanitizeJSONEscapes(`{"a":"\Y"}`))
}

func TestStripRolePrefix(t *testing.T) {
	assert.Equal(t, "Hello", stripRolePrefix("assistant\nHello"))
	assert.Equal(t, "Hello", stripRolePrefix("Assistant: Hello"))
	assert.Equal(t, "Hello there", stripRolePrefix("Hello there"))
}
