package domain

import (
	"context"
	"errors"
	"time"
)

// ErrMarkupRejected is returned by SendText when the surface refused the
// formatted text. The caller may retry with Plain set.
var ErrMarkupRejected = errors.New("surface rejected message markup")

// ChatSurface is the outbound side of a user-facing transport (Telegram, Web).
type ChatSurface interface {
	Interface() string
	// SendText delivers one message and returns the surface's id for it.
	SendText(ctx context.Context, msg OutgoingText) (string, error)
	SendPresence(ctx context.Context, conversationID string) error
	SendAttachments(ctx context.Context, conversationID string, attachments []AttachmentInfo, replyToID string) error
	// Render converts plain assistant text into the surface's markup dialect.
	Render(text string) (string, error)
	// EscapeDebug makes arbitrary text safe to send with surface formatting.
	EscapeDebug(text string) string
	// PlainLimit is the longest single message the surface accepts, in the
	// units of its LengthCounter (characters by default). Zero means no limit.
	PlainLimit() int
}

// LengthCounter is implemented by surfaces that do not count message
// length in characters. Telegram counts UTF-16 code units.
type LengthCounter interface {
	RuneLength(r rune) int
}

// AttachmentInfo describes a stored attachment.
type AttachmentInfo struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Filename       string    `json:"filename"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	URL            string    `json:"url"`
	StoragePath    string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// AttachmentStore persists files produced by or sent to the assistant.
type AttachmentStore interface {
	StoreFile(ctx context.Context, conversationID string, data []byte, filename, contentType string) (*AttachmentInfo, error)
	Get(ctx context.Context, id string) (*AttachmentInfo, error)
}
