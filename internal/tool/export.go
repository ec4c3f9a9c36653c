package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hearthbot/internal/domain"
)

// ExportNotesTool writes the chat's notes to a Markdown file and hands it
// to the user as an attachment.
type ExportNotesTool struct {
	Notes       NoteStore
	Attachments domain.AttachmentStore
	Now         func() time.Time
}

func (t *ExportNotesTool) Name() string { return "export_notes" }
func (t *ExportNotesTool) Description() string {
	return "Export this chat's notes (optionally only those matching a keyword) as a Markdown file sent to the user."
}
func (t *ExportNotesTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"query": {Type: "string", Description: "Optional keyword filter"},
	}, nil)
}

func (t *ExportNotesTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	query := strings.TrimSpace(ArgsString(inv.Args, "query"))
	var notes []domain.Note
	var err error
	if query != "" {
		notes, err = t.Notes.SearchNotes(ctx, inv.ConversationID, query, 500)
	} else {
		notes, err = t.Notes.ListNotes(ctx, inv.ConversationID, 500)
	}
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return &domain.ToolResult{Content: "There are no notes to export."}, nil
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	stamp := now()

	var sb strings.Builder
	sb.WriteString("# Notes\n\n")
	fmt.Fprintf(&sb, "_Exported %s_\n", stamp.Format("2006-01-02 15:04"))
	// oldest first reads better in a document
	for i := len(notes) - 1; i >= 0; i-- {
		n := notes[i]
		fmt.Fprintf(&sb, "\n## %s\n\n", n.Title)
		if n.Tags != "" {
			fmt.Fprintf(&sb, "Tags: %s\n\n", n.Tags)
		}
		if body := strings.TrimSpace(n.Body); body != "" {
			sb.WriteString(body)
			sb.WriteString("\n")
		}
	}

	filename := "notes-" + stamp.Format("2006-01-02") + ".md"
	info, err := t.Attachments.StoreFile(ctx, inv.ConversationID, []byte(sb.String()), filename, "text/markdown; charset=utf-8")
	if err != nil {
		return nil, fmt.Errorf("store export: %w", err)
	}
	return &domain.ToolResult{
		Content:       fmt.Sprintf("Exported %d notes to %s; the file will be sent with the reply.", len(notes), filename),
		AttachmentIDs: []string{info.ID},
	}, nil
}
