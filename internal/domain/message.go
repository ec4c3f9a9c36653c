package domain

import "time"

// ForwardKind identifies where a forwarded message originally came from.
type ForwardKind string

const (
	ForwardUser       ForwardKind = "user"
	ForwardHiddenUser ForwardKind = "hidden_user"
	ForwardChat       ForwardKind = "chat"
	ForwardChannel    ForwardKind = "channel"
)

// ForwardOrigin is resolved once by the surface adapter.
type ForwardOrigin struct {
	Kind        ForwardKind
	DisplayName string
}

// InboundAttachment is a file the user sent alongside a message.
type InboundAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// InboundUpdate is one message received from a chat surface. It is not
// modified after the adapter hands it to the batcher.
type InboundUpdate struct {
	Interface      string
	ConversationID string
	ExternalID     string
	SenderName     string
	Text           string
	Attachment     *InboundAttachment
	ReplyToID      string
	Forward        *ForwardOrigin
	ReceivedAt     time.Time
}

// Batch is the ordered set of updates from one conversation that become a
// single turn.
type Batch struct {
	ConversationID string
	Updates        []InboundUpdate
}

// Last returns the most recent update in the batch.
func (b Batch) Last() InboundUpdate {
	return b.Updates[len(b.Updates)-1]
}

// ReplyMarkup is an optional keyboard attached to an outgoing message.
type ReplyMarkup struct {
	QuickReplies []string `json:"quick_replies,omitempty"`
}

// OutgoingText is one message sent to a surface.
type OutgoingText struct {
	ConversationID string
	Text           string
	ReplyToID      string
	Markup         *ReplyMarkup
	Plain          bool // send without surface formatting
}
