package processing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"hearthbot/internal/domain"
	"hearthbot/internal/memory"
)

// scriptedModel replays canned responses and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	err       error
	requests  [][]llms.MessageContent
	options   []llms.CallOptions
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	m.requests = append(m.requests, append([]llms.MessageContent(nil), messages...))
	m.options = append(m.options, opts)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedModel) request(i int) []llms.MessageContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func (m *scriptedModel) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func textReply(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}
}

func toolReply(calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{ToolCalls: calls}}}
}

func call(id, name, args string) llms.ToolCall {
	return llms.ToolCall{ID: id, Type: "function", FunctionCall: &llms.FunctionCall{Name: name, Arguments: args}}
}

// scriptedConfirmer answers every confirmation with the same resolution.
type scriptedConfirmer struct {
	mu         sync.Mutex
	resolution domain.Resolution
	err        error
	requests   []domain.ConfirmationRequest
}

func (c *scriptedConfirmer) RequestConfirmation(ctx context.Context, req domain.ConfirmationRequest) (domain.Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.resolution, c.err
}

// memAttachments serves attachment content from memory.
type memAttachments map[string][]byte

func (m memAttachments) ReadAll(ctx context.Context, id string) (*domain.AttachmentInfo, []byte, error) {
	data, ok := m[id]
	if !ok {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return &domain.AttachmentInfo{ID: id}, data, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "hearthbot.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// addUserTurn persists the user turn the way the orchestrator does before
// processing starts.
func addUserTurn(t *testing.T, store *memory.SQLiteStore, root *int64, text string) domain.Interaction {
	t.Helper()
	id, err := store.AddTurn(context.Background(), domain.Turn{
		Interface:      "telegram",
		ConversationID: "c1",
		ThreadRootID:   root,
		ProfileID:      "assistant",
		Role:           domain.RoleUser,
		Content:        text,
	})
	require.NoError(t, err)
	return domain.Interaction{
		Interface:      "telegram",
		ConversationID: "c1",
		UserTurnID:     id,
		ThreadRootID:   root,
		ProfileID:      "assistant",
		Text:           text,
	}
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
