package domain

import "context"

// Interaction is the input to a processing service for one turn.
type Interaction struct {
	Interface      string
	ConversationID string
	UserTurnID     int64
	ThreadRootID   *int64
	ProfileID      string
	Text           string
	Attachment     *AttachmentInfo
	Confirmer      ConfirmationRequester
}

// Outcome is what a processing service produced for a turn.
type Outcome struct {
	ReplyText       string
	AssistantTurnID int64
	AttachmentIDs   []string
	Markup          *ReplyMarkup
	ErrorTrace      string
}

// Processor runs the LLM side of a turn for one profile.
type Processor interface {
	HandleInteraction(ctx context.Context, in Interaction) (*Outcome, error)
}

// ProcessorLookup maps profile ids to processors. It is read-only after
// construction.
type ProcessorLookup interface {
	Processor(profileID string) (Processor, bool)
	DefaultProfile() string
}
