package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthbot/internal/config"
	"hearthbot/internal/domain"
	"hearthbot/internal/metrics"
)

type webHarness struct {
	web *Web
	srv *httptest.Server

	mu      sync.Mutex
	updates []domain.InboundUpdate
	sinkErr error
}

func newWebHarness(t *testing.T, cfg WebConfig) *webHarness {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &webHarness{web: NewWeb(cfg)}
	h.srv = httptest.NewServer(h.web.Handler(h.sink))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *webHarness) sink(u domain.InboundUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sinkErr != nil {
		return h.sinkErr
	}
	h.updates = append(h.updates, u)
	return nil
}

func (h *webHarness) received() []domain.InboundUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.InboundUpdate(nil), h.updates...)
}

// dial connects to the conversation and consumes the hello message.
func (h *webHarness) dial(t *testing.T, conversation string) (*websocket.Conn, string) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if conversation != "" {
		u += "?conversation=" + conversation
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readWS(t, conn)
	require.Equal(t, wsHello, hello.Type)
	require.NotEmpty(t, hello.ConversationID)
	return conn, hello.ConversationID
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebAssignsConversation(t *testing.T) {
	h := newWebHarness(t, WebConfig{})

	_, conv := h.dial(t, "")
	assert.True(t, strings.HasPrefix(conv, "web-"))

	_, named := h.dial(t, "kitchen")
	assert.Equal(t, "kitchen", named)
}

func TestWebInboundMessage(t *testing.T) {
	h := newWebHarness(t, WebConfig{})
	conn, _ := h.dial(t, "c1")

	require.NoError(t, conn.WriteJSON(WSMessage{
		Type:       wsMessage,
		ID:         "m1",
		Text:       "what's on today?",
		ReplyTo:    "m0",
		SenderName: "Ada",
		Attachment: &WSAttachment{Filename: "list.txt", MimeType: "text/plain", Data: []byte("eggs")},
	}))

	ack := readWS(t, conn)
	assert.Equal(t, wsAck, ack.Type)
	assert.Equal(t, "m1", ack.ID)

	got := h.received()
	require.Len(t, got, 1)
	u := got[0]
	assert.Equal(t, WebInterface, u.Interface)
	assert.Equal(t, "c1", u.ConversationID)
	assert.Equal(t, "m1", u.ExternalID)
	assert.Equal(t, "m0", u.ReplyToID)
	assert.Equal(t, "Ada", u.SenderName)
	require.NotNil(t, u.Attachment)
	assert.Equal(t, []byte("eggs"), u.Attachment.Data)
}

func TestWebInboundErrors(t *testing.T) {
	h := newWebHarness(t, WebConfig{})
	conn, _ := h.dial(t, "c1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "invalid message", readWS(t, conn).Error)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: wsMessage, Text: "   "}))
	assert.Equal(t, "empty message", readWS(t, conn).Error)

	h.mu.Lock()
	h.sinkErr = errors.New("batcher closed")
	h.mu.Unlock()
	require.NoError(t, conn.WriteJSON(WSMessage{Type: wsMessage, Text: "hi"}))
	msg := readWS(t, conn)
	assert.Equal(t, wsError, msg.Type)
	assert.NotEmpty(t, msg.ID)

	assert.Empty(t, h.received())
}

func TestWebSendTextBroadcastsToConversation(t *testing.T) {
	h := newWebHarness(t, WebConfig{})
	a, _ := h.dial(t, "c1")
	b, _ := h.dial(t, "c1")
	other, _ := h.dial(t, "c2")

	id, err := h.web.SendText(context.Background(), domain.OutgoingText{
		ConversationID: "c1",
		Text:           "done",
		ReplyToID:      "m1",
		Markup:         &domain.ReplyMarkup{QuickReplies: []string{"Thanks"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readWS(t, conn)
		assert.Equal(t, wsMessage, msg.Type)
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, "done", msg.Text)
		assert.Equal(t, "m1", msg.ReplyTo)
		assert.Equal(t, []string{"Thanks"}, msg.QuickReplies)
	}

	// c2 only sees its own traffic
	require.NoError(t, h.web.SendPresence(context.Background(), "c2"))
	assert.Equal(t, wsTyping, readWS(t, other).Type)
}

func TestWebSendTextWithoutClients(t *testing.T) {
	h := newWebHarness(t, WebConfig{})

	_, err := h.web.SendText(context.Background(), domain.OutgoingText{ConversationID: "nobody", Text: "hi"})
	assert.ErrorIs(t, err, ErrNoClients)

	err = h.web.SendAttachments(context.Background(), "nobody", []domain.AttachmentInfo{{ID: "a1", Filename: "x.md"}}, "")
	assert.ErrorIs(t, err, ErrNoClients)
}

func TestWebSendAttachments(t *testing.T) {
	h := newWebHarness(t, WebConfig{})
	conn, _ := h.dial(t, "c1")

	err := h.web.SendAttachments(context.Background(), "c1", []domain.AttachmentInfo{
		{ID: "a1", Filename: "notes.md", MimeType: "text/markdown", Size: 12, URL: "http://h/attachments/a1"},
	}, "r1")
	require.NoError(t, err)

	msg := readWS(t, conn)
	assert.Equal(t, wsAttachment, msg.Type)
	assert.Equal(t, "r1", msg.ReplyTo)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "http://h/attachments/a1", msg.Attachment.URL)
	assert.Empty(t, msg.Attachment.Data)
}

func TestWebConfirmationFlow(t *testing.T) {
	deadline := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	pc := domain.PendingConfirmation{
		ConversationID: "c1",
		CallID:         "call_1",
		ToolName:       "delete_note",
		Prompt:         "Allow delete note?",
		Deadline:       deadline,
	}
	resolver := newFakeResolver(pc)
	h := newWebHarness(t, WebConfig{Confirmations: resolver})
	ctx := context.Background()

	// nobody connected yet; the request waits for the next connection
	require.NoError(t, h.web.PresentConfirmation(ctx, pc))

	conn, _ := h.dial(t, "c1")
	req := readWS(t, conn)
	assert.Equal(t, wsConfirmRequest, req.Type)
	assert.Equal(t, "call_1", req.CallID)
	assert.Equal(t, "delete_note", req.Tool)
	assert.Equal(t, "Allow delete note?", req.Text)
	require.NotNil(t, req.Deadline)
	assert.True(t, deadline.Equal(*req.Deadline))

	intruder, _ := h.dial(t, "c2")
	require.NoError(t, intruder.WriteJSON(WSMessage{Type: wsConfirm, CallID: "call_1", Approved: true}))
	assert.Equal(t, wsError, readWS(t, intruder).Type)
	assert.Empty(t, resolver.decisions())

	require.NoError(t, conn.WriteJSON(WSMessage{Type: wsConfirm, CallID: "call_1", Approved: false}))
	assert.Eventually(t, func() bool {
		return len(resolver.decisions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]bool{"call_1": false}, resolver.decisions())

	pc.Resolution = domain.ResolutionRejected
	h.web.DismissConfirmation(ctx, pc)
	done := readWS(t, conn)
	assert.Equal(t, wsConfirmResolved, done.Type)
	assert.Equal(t, "rejected", done.Resolution)

	// settled requests are not offered again
	require.NoError(t, conn.WriteJSON(WSMessage{Type: wsConfirm, CallID: "call_1", Approved: true}))
	assert.Equal(t, wsError, readWS(t, conn).Type)
}

type stubOpener map[string]string

func (s stubOpener) Open(_ context.Context, id string) (*domain.AttachmentInfo, io.ReadCloser, error) {
	body, ok := s[id]
	if !ok {
		return nil, nil, errors.New("not found")
	}
	info := &domain.AttachmentInfo{ID: id, Filename: "notes.md", MimeType: "text/markdown", Size: int64(len(body))}
	return info, io.NopCloser(strings.NewReader(body)), nil
}

func TestWebAttachmentRoute(t *testing.T) {
	h := newWebHarness(t, WebConfig{Attachments: stubOpener{"a1": "# Notes\n"}})

	resp, err := http.Get(h.srv.URL + "/attachments/a1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/markdown", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename="notes.md"`)
	assert.Equal(t, "# Notes\n", string(body))

	missing, err := http.Get(h.srv.URL + "/attachments/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestWebMetricsAndHealth(t *testing.T) {
	m := metrics.New()
	h := newWebHarness(t, WebConfig{Metrics: m})

	h.dial(t, "c1")
	assert.Equal(t, int64(1), m.WebConnections.Value())

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "hearthbot_web_connections 1")

	resp, err = http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["clients"])
}

func TestWebConfigEndpointMasksSecrets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.Telegram.Token = "123456:ABCDEFGHIJKLMNOP"
	h := newWebHarness(t, WebConfig{Config: cfg})

	resp, err := http.Get(h.srv.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "ABCDEFGHIJKLMNOP")
	assert.Contains(t, string(body), "1234****MNOP")
}

func TestWebCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"same host", nil, "http://chat.local", true},
		{"cross origin refused", nil, "http://evil.example", false},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "http://chat.local", false},
		{"wildcard", []string{"*"}, "http://anything.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWeb(WebConfig{AllowedOrigins: tt.allowed})
			r := httptest.NewRequest(http.MethodGet, "http://chat.local/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, w.checkOrigin(r))
		})
	}
}

func TestWebEscapeDebug(t *testing.T) {
	w := NewWeb(WebConfig{})
	assert.Equal(t, "```\npanic: '''x'''\n```", w.EscapeDebug("panic: ```x```"))
	out, err := w.Render("**bold**")
	require.NoError(t, err)
	assert.Equal(t, "**bold**", out)
}
