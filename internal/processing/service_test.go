package processing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"hearthbot/internal/bus"
	"hearthbot/internal/config"
	"hearthbot/internal/domain"
	"hearthbot/internal/memory"
	"hearthbot/internal/metrics"
	"hearthbot/internal/profile"
	"hearthbot/internal/security"
	"hearthbot/internal/tool"
)

type serviceHarness struct {
	store   *memory.SQLiteStore
	model   *scriptedModel
	events  *bus.EventBus
	metrics *metrics.Metrics
	svc     *Service
}

func assistantProfile() profile.Profile {
	for _, p := range profile.Builtin() {
		if p.ID == "assistant" {
			return p
		}
	}
	panic("assistant profile missing")
}

func newServiceHarness(t *testing.T, model *scriptedModel, mutate ...func(*Config)) *serviceHarness {
	t.Helper()
	store := testStore(t)
	h := &serviceHarness{
		store:   store,
		model:   model,
		events:  bus.NewEventBus(testLogger()),
		metrics: metrics.New(),
	}
	engine, err := security.NewEngine(config.SecurityConfig{DefaultPolicy: "allow"}, store, testLogger())
	require.NoError(t, err)

	cfg := Config{
		Profile:   assistantProfile(),
		Model:     model,
		ModelName: "scripted",
		Tools:     tool.NewBuiltinRegistry(store, nil, time.UTC, testLogger()),
		Security:  engine,
		History:   store,
		Limiter:   NewRateLimiter(100, 6000),
		Location:  time.UTC,
		Now:       fixedNow,
		Events:    h.events,
		Metrics:   h.metrics,
		Logger:    testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.svc, err = NewService(cfg)
	require.NoError(t, err)
	return h
}

func (h *serviceHarness) thread(t *testing.T, root int64) []domain.Turn {
	t.Helper()
	turns, err := h.store.ThreadTurns(context.Background(), "telegram", "c1", &root, 100)
	require.NoError(t, err)
	return turns
}

func TestHandleInteractionPlainReply(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textReply("assistant\nHello there!")}}
	h := newServiceHarness(t, model)
	in := addUserTurn(t, h.store, nil, "hi")

	out, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", out.ReplyText)
	assert.Empty(t, out.ErrorTrace)
	assert.Nil(t, out.Markup)

	msgs := model.request(0)
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Parts[0].(llms.TextContent).Text, "2026-03-14 09:30")
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeHuman, "hi"), msgs[1])
	assert.NotEmpty(t, model.options[0].Tools)

	reply, err := h.store.GetTurn(context.Background(), out.AssistantTurnID)
	require.NoError(t, err)
	require.NotNil(t, reply.ThreadRootID)
	assert.Equal(t, in.UserTurnID, *reply.ThreadRootID)
	assert.Equal(t, "assistant", reply.ProfileID)
	assert.Equal(t, "Hello there!", reply.Content)
	assert.Equal(t, int64(1), h.metrics.LLMRequests.Value())
}

func TestHandleInteractionToolLoop(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolReply(call("call_1", "create_note", `{"title":"milk","body":"buy oat milk"}`)),
		textReply("Saved it."),
	}}
	h := newServiceHarness(t, model)
	var executed []bus.Event
	h.events.On(bus.EventToolExecuted, func(e bus.Event) { executed = append(executed, e) })
	in := addUserTurn(t, h.store, nil, "remember to buy oat milk")

	out, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Saved it.", out.ReplyText)

	notes, err := h.store.ListNotes(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "milk", notes[0].Title)

	turns := h.thread(t, in.UserTurnID)
	require.Len(t, turns, 4)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "call_1", turns[1].ToolCalls[0].ID)
	assert.Equal(t, domain.RoleTool, turns[2].Role)
	assert.Equal(t, "call_1", turns[2].ToolCallID)
	assert.Contains(t, turns[2].Content, "Saved note #1")
	assert.Equal(t, "Saved it.", turns[3].Content)

	second := model.request(1)
	last := second[len(second)-1]
	assert.Equal(t, llms.ChatMessageTypeTool, last.Role)
	resp := last.Parts[0].(llms.ToolCallResponse)
	assert.Equal(t, "call_1", resp.ToolCallID)
	assert.Equal(t, "create_note", resp.Name)

	require.Len(t, executed, 1)
	assert.Equal(t, "create_note", executed[0].Payload["tool"])
	assert.Equal(t, int64(1), h.metrics.ToolExecutions.Value())
}

func TestHandleInteractionParsesToolCallsFromContent(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		textReply("```json\n{\"name\": \"createnote\", \"arguments\": {\"title\": \"keys\"}}\n```"),
		textReply("Done."),
	}}
	h := newServiceHarness(t, model)
	in := addUserTurn(t, h.store, nil, "note: keys are under the mat")

	out, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Done.", out.ReplyText)

	notes, err := h.store.ListNotes(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	turns := h.thread(t, in.UserTurnID)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.True(t, strings.HasPrefix(turns[1].ToolCalls[0].ID, "call_"))
}

func TestHandleInteractionReplacesUnusableCallIDs(t *testing.T) {
	long := strings.Repeat("x", 60)
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolReply(call(long, "list_notes", `{}`), call("", "list_events", `{}`)),
		textReply("Nothing yet."),
	}}
	h := newServiceHarness(t, model)
	in := addUserTurn(t, h.store, nil, "what do I have?")

	_, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)

	turns := h.thread(t, in.UserTurnID)
	require.Len(t, turns[1].ToolCalls, 2)
	for _, tc := range turns[1].ToolCalls {
		assert.NotEmpty(t, tc.ID)
		assert.LessOrEqual(t, len(tc.ID), maxCallIDBytes)
	}
	assert.NotEqual(t, turns[1].ToolCalls[0].ID, turns[1].ToolCalls[1].ID)
	assert.Equal(t, turns[1].ToolCalls[0].ID, turns[2].ToolCallID)
	assert.Equal(t, turns[1].ToolCalls[1].ID, turns[3].ToolCallID)
}

func TestHandleInteractionBlockedTool(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolReply(call("call_1", "create_event", `{"title":"x","starts_at":"2026-03-15"}`)),
		textReply("I can't do that."),
	}}
	h := newServiceHarness(t, model, func(c *Config) {
		engine, err := security.NewEngine(config.SecurityConfig{
			DefaultPolicy: "allow",
			Blacklist:     []string{"create_event"},
		}, nil, testLogger())
		require.NoError(t, err)
		c.Security = engine
	})
	var blocked []bus.Event
	h.events.On(bus.EventSecurityBlocked, func(e bus.Event) { blocked = append(blocked, e) })
	in := addUserTurn(t, h.store, nil, "add an event")

	_, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)

	turns := h.thread(t, in.UserTurnID)
	assert.Contains(t, turns[2].Content, "blocked by security policy")
	events, err := h.store.ListEvents(context.Background(), "c1", time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Len(t, blocked, 1)
	assert.Equal(t, int64(1), h.metrics.SecurityBlocks.Value())
}

func TestHandleInteractionConfirmation(t *testing.T) {
	cases := []struct {
		resolution domain.Resolution
		result     string
		deleted    bool
	}{
		{domain.ResolutionApproved, "Deleted note #1.", true},
		{domain.ResolutionRejected, resultRejected, false},
		{domain.ResolutionExpired, resultExpired, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.resolution), func(t *testing.T) {
			model := &scriptedModel{responses: []*llms.ContentResponse{
				toolReply(call("call_del", "delete_note", `{"id":1}`)),
				textReply("ok"),
			}}
			h := newServiceHarness(t, model)
			_, err := h.store.CreateNote(context.Background(), domain.Note{ConversationID: "c1", Title: "old"})
			require.NoError(t, err)

			confirmer := &scriptedConfirmer{resolution: tc.resolution}
			in := addUserTurn(t, h.store, nil, "delete the old note")
			in.Confirmer = confirmer

			_, err = h.svc.HandleInteraction(context.Background(), in)
			require.NoError(t, err)

			require.Len(t, confirmer.requests, 1)
			req := confirmer.requests[0]
			assert.Equal(t, "delete_note", req.ToolName)
			assert.Equal(t, "call_del", req.CallID)
			assert.Equal(t, `{"id":1}`, req.Arguments)
			assert.Contains(t, req.Prompt, "delete note")

			turns := h.thread(t, in.UserTurnID)
			assert.Equal(t, tc.result, turns[2].Content)

			notes, err := h.store.ListNotes(context.Background(), "c1", 10)
			require.NoError(t, err)
			assert.Equal(t, tc.deleted, len(notes) == 0)
		})
	}
}

func TestHandleInteractionConfirmationCancelled(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolReply(call("call_del", "delete_note", `{"id":1}`)),
	}}
	h := newServiceHarness(t, model)
	ctx, cancel := context.WithCancel(context.Background())
	in := addUserTurn(t, h.store, nil, "delete note 1")
	in.Confirmer = confirmerFunc(func(context.Context, domain.ConfirmationRequest) (domain.Resolution, error) {
		cancel()
		return domain.ResolutionExpired, context.Canceled
	})

	_, err := h.svc.HandleInteraction(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)
}

type confirmerFunc func(context.Context, domain.ConfirmationRequest) (domain.Resolution, error)

func (f confirmerFunc) RequestConfirmation(ctx context.Context, req domain.ConfirmationRequest) (domain.Resolution, error) {
	return f(ctx, req)
}

func TestHandleInteractionToolNotAllowedByProfile(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolReply(call("call_1", "delete_event", `{"id":1}`)),
		textReply("Sorry."),
	}}
	h := newServiceHarness(t, model, func(c *Config) {
		p := c.Profile
		p.Tools = []string{"list_notes"}
		c.Profile = p
	})
	in := addUserTurn(t, h.store, nil, "drop the event")

	_, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)

	turns := h.thread(t, in.UserTurnID)
	assert.Equal(t, "Error: tool delete_event is not available.", turns[2].Content)
	require.Len(t, model.options[0].Tools, 1)
	assert.Equal(t, "list_notes", model.options[0].Tools[0].Function.Name)
}

func TestHandleInteractionLLMError(t *testing.T) {
	model := &scriptedModel{err: errors.New("connection refused")}
	h := newServiceHarness(t, model)
	in := addUserTurn(t, h.store, nil, "hi")

	out, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, out.ReplyText)
	assert.Contains(t, out.ErrorTrace, "connection refused")
	assert.Len(t, h.thread(t, in.UserTurnID), 1)
}

func TestHandleInteractionStopsAfterMaxIterations(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolReply(call("a", "list_notes", `{}`)),
		toolReply(call("b", "list_notes", `{}`)),
	}}
	h := newServiceHarness(t, model, func(c *Config) { c.MaxIterations = 2 })
	in := addUserTurn(t, h.store, nil, "loop")

	out, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, stoppedEarly, out.ReplyText)
	assert.Contains(t, out.ErrorTrace, "2 model iterations")
	assert.NotZero(t, out.AssistantTurnID)
	assert.Equal(t, 2, model.requestCount())
}

func TestHandleInteractionContinuesThread(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textReply("first answer"), textReply("second answer")}}
	h := newServiceHarness(t, model)

	first := addUserTurn(t, h.store, nil, "question one")
	_, err := h.svc.HandleInteraction(context.Background(), first)
	require.NoError(t, err)

	root := first.UserTurnID
	second := addUserTurn(t, h.store, &root, "follow up")
	_, err = h.svc.HandleInteraction(context.Background(), second)
	require.NoError(t, err)

	msgs := model.request(1)
	require.Len(t, msgs, 4)
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeHuman, "question one"), msgs[1])
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[2].Role)
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeHuman, "follow up"), msgs[3])

	unrelated := addUserTurn(t, h.store, nil, "new topic")
	model.responses = append(model.responses, textReply("fresh"))
	_, err = h.svc.HandleInteraction(context.Background(), unrelated)
	require.NoError(t, err)
	assert.Len(t, model.request(2), 2)
}

func TestHandleInteractionInlinesTextAttachment(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textReply("Got it.")}}
	h := newServiceHarness(t, model, func(c *Config) {
		c.Attachments = memAttachments{"att-1": []byte("eggs\nflour")}
	})
	in := addUserTurn(t, h.store, nil, "my list")
	in.Attachment = &domain.AttachmentInfo{ID: "att-1", Filename: "list.txt", MimeType: "text/plain", Size: 10}

	_, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)

	msgs := model.request(0)
	text := msgs[len(msgs)-1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, text, "my list")
	assert.Contains(t, text, "list.txt (text/plain, 10 bytes)")
	assert.Contains(t, text, "eggs\nflour")
}

func TestHandleInteractionDescribesBinaryAttachment(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textReply("Nice photo.")}}
	h := newServiceHarness(t, model, func(c *Config) {
		c.Attachments = memAttachments{}
	})
	in := addUserTurn(t, h.store, nil, "")
	in.Attachment = &domain.AttachmentInfo{ID: "att-2", Filename: "cat.jpg", MimeType: "image/jpeg", Size: 2048, URL: "http://h/attachments/att-2"}

	_, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)

	msgs := model.request(0)
	text := msgs[len(msgs)-1].Parts[0].(llms.TextContent).Text
	assert.Equal(t, "[The user attached cat.jpg (image/jpeg, 2048 bytes), available at http://h/attachments/att-2]", text)
}

func TestHandleInteractionQuickReplies(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{textReply("Here is the summary.")}}
	h := newServiceHarness(t, model, func(c *Config) {
		for _, p := range profile.Builtin() {
			if p.ID == "research" {
				c.Profile = p
			}
		}
	})
	in := addUserTurn(t, h.store, nil, "/research tides")

	out, err := h.svc.HandleInteraction(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, out.Markup)
	assert.Equal(t, []string{"Save as note", "Export notes"}, out.Markup.QuickReplies)
}

func TestHistoryMessagesDropsUnmatchedToolTurns(t *testing.T) {
	turns := []domain.Turn{
		{ID: 1, Role: domain.RoleTool, ToolCallID: "orphan", Content: "stale"},
		{ID: 2, Role: domain.RoleUser, Content: "hi"},
		{ID: 3, Role: domain.RoleAssistant, ToolCalls: []domain.ToolCallRecord{
			{ID: "a", Name: "list_notes", Arguments: "{}"},
			{ID: "b", Name: "list_events", Arguments: "{}"},
		}},
		{ID: 4, Role: domain.RoleTool, ToolCallID: "a", ToolName: "list_notes", Content: "No notes yet."},
		{ID: 5, Role: domain.RoleAssistant, Content: "nothing"},
		{ID: 6, Role: domain.RoleUser, Content: "current"},
	}

	msgs := historyMessages(turns, 6)
	require.Len(t, msgs, 4)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[0].Role)
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, "a", msgs[1].Parts[0].(llms.ToolCall).ID)
	assert.Equal(t, "a", msgs[2].Parts[0].(llms.ToolCallResponse).ToolCallID)
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeAI, "nothing"), msgs[3])
}

func TestNewServiceRequiresModelAndHistory(t *testing.T) {
	_, err := NewService(Config{Profile: assistantProfile()})
	assert.Error(t, err)
}
