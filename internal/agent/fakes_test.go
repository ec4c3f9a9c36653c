package agent

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"hearthbot/internal/domain"
)

// fakeSurface records everything sent to it.
type fakeSurface struct {
	mu          sync.Mutex
	sent        []domain.OutgoingText
	presence    int
	attachments []domain.AttachmentInfo
	prompts     chan domain.PendingConfirmation
	nextID      int

	failSendAt   map[int]error // 1-based send index -> error
	renderErr    error
	rejectMarkup bool
	sendCount    int
	limit        int  // PlainLimit
	utf16        bool // count length like Telegram
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{prompts: make(chan domain.PendingConfirmation, 8), nextID: 100, failSendAt: map[int]error{}}
}

func (s *fakeSurface) Interface() string { return "test" }

func (s *fakeSurface) SendText(ctx context.Context, msg domain.OutgoingText) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCount++
	if err, ok := s.failSendAt[s.sendCount]; ok {
		return "", err
	}
	if s.rejectMarkup && !msg.Plain {
		return "", fmt.Errorf("bad request: %w", domain.ErrMarkupRejected)
	}
	s.sent = append(s.sent, msg)
	s.nextID++
	return fmt.Sprint(s.nextID), nil
}

func (s *fakeSurface) SendPresence(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence++
	return nil
}

func (s *fakeSurface) SendAttachments(ctx context.Context, conversationID string, atts []domain.AttachmentInfo, replyToID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, atts...)
	return nil
}

func (s *fakeSurface) Render(text string) (string, error) {
	if s.renderErr != nil {
		return "", s.renderErr
	}
	return "<p>" + text + "</p>", nil
}

func (s *fakeSurface) EscapeDebug(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}

func (s *fakeSurface) PlainLimit() int { return s.limit }

func (s *fakeSurface) RuneLength(r rune) int {
	if s.utf16 {
		return utf16.RuneLen(r)
	}
	return 1
}

func (s *fakeSurface) PresentConfirmation(ctx context.Context, pc domain.PendingConfirmation) error {
	s.prompts <- pc
	return nil
}

func (s *fakeSurface) messages() []domain.OutgoingText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutgoingText(nil), s.sent...)
}

// memHistory is an in-memory MessageHistory.
type memHistory struct {
	mu     sync.Mutex
	turns  []domain.Turn
	addErr error
}

func (h *memHistory) AddTurn(ctx context.Context, turn domain.Turn) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.addErr != nil {
		return 0, h.addErr
	}
	turn.ID = int64(len(h.turns) + 1)
	turn.CreatedAt = time.Now()
	h.turns = append(h.turns, turn)
	return turn.ID, nil
}

func (h *memHistory) GetTurn(ctx context.Context, id int64) (*domain.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id < 1 || int(id) > len(h.turns) {
		return nil, nil
	}
	t := h.turns[id-1]
	return &t, nil
}

func (h *memHistory) GetTurnByExternalID(ctx context.Context, iface, conversationID, externalID string) (*domain.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.turns) - 1; i >= 0; i-- {
		t := h.turns[i]
		if t.Interface == iface && t.ConversationID == conversationID && t.ExternalID == externalID {
			return &t, nil
		}
	}
	return nil, nil
}

func (h *memHistory) UpdateTurnExternalID(ctx context.Context, id int64, externalID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id < 1 || int(id) > len(h.turns) {
		return errors.New("no such turn")
	}
	if h.turns[id-1].ExternalID != "" {
		return errors.New("external id already set")
	}
	h.turns[id-1].ExternalID = externalID
	return nil
}

func (h *memHistory) AttachTurnErrorTrace(ctx context.Context, id int64, trace string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id < 1 || int(id) > len(h.turns) {
		return errors.New("no such turn")
	}
	h.turns[id-1].ErrorTrace = trace
	return nil
}

func (h *memHistory) ThreadTurns(ctx context.Context, iface, conversationID string, threadRootID *int64, limit int) ([]domain.Turn, error) {
	return nil, nil
}

func (h *memHistory) turn(id int64) domain.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turns[id-1]
}

func (h *memHistory) byRole(role string) []domain.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Turn
	for _, t := range h.turns {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// processorFunc adapts a function to domain.Processor.
type processorFunc func(ctx context.Context, in domain.Interaction) (*domain.Outcome, error)

func (f processorFunc) HandleInteraction(ctx context.Context, in domain.Interaction) (*domain.Outcome, error) {
	return f(ctx, in)
}

// staticProcessors is a fixed profile table.
type staticProcessors struct {
	def   string
	procs map[string]domain.Processor
}

func (s staticProcessors) Processor(id string) (domain.Processor, bool) {
	p, ok := s.procs[id]
	return p, ok
}

func (s staticProcessors) DefaultProfile() string { return s.def }

// replyingProcessor persists an assistant turn the way processing does and
// replies with text.
func replyingProcessor(h *memHistory, reply string, seen *[]domain.Interaction) processorFunc {
	var mu sync.Mutex
	return func(ctx context.Context, in domain.Interaction) (*domain.Outcome, error) {
		mu.Lock()
		if seen != nil {
			*seen = append(*seen, in)
		}
		mu.Unlock()
		root := in.UserTurnID
		if in.ThreadRootID != nil {
			root = *in.ThreadRootID
		}
		id, err := h.AddTurn(ctx, domain.Turn{
			Interface:      in.Interface,
			ConversationID: in.ConversationID,
			ThreadRootID:   &root,
			ProfileID:      in.ProfileID,
			Role:           domain.RoleAssistant,
			Content:        reply,
		})
		if err != nil {
			return nil, err
		}
		return &domain.Outcome{ReplyText: reply, AssistantTurnID: id}, nil
	}
}

// memAttachments is an in-memory AttachmentStore.
type memAttachments struct {
	mu    sync.Mutex
	items map[string]*domain.AttachmentInfo
	data  map[string][]byte
}

func newMemAttachments() *memAttachments {
	return &memAttachments{items: map[string]*domain.AttachmentInfo{}, data: map[string][]byte{}}
}

func (m *memAttachments) StoreFile(ctx context.Context, conversationID string, data []byte, filename, contentType string) (*domain.AttachmentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("att-%d", len(m.items)+1)
	info := &domain.AttachmentInfo{ID: id, ConversationID: conversationID, Filename: filename, MimeType: contentType, Size: int64(len(data))}
	m.items[id] = info
	m.data[id] = data
	return info, nil
}

func (m *memAttachments) Get(ctx context.Context, id string) (*domain.AttachmentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id], nil
}

func textUpdate(conv, externalID, text string) domain.InboundUpdate {
	return domain.InboundUpdate{Interface: "test", ConversationID: conv, ExternalID: externalID, Text: text, ReceivedAt: time.Now()}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
