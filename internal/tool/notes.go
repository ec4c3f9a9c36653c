package tool

import (
	"context"
	"fmt"
	"strings"

	"hearthbot/internal/domain"
)

// NoteStore is the storage the note tools work on.
type NoteStore interface {
	CreateNote(ctx context.Context, note domain.Note) (*domain.Note, error)
	ListNotes(ctx context.Context, conversationID string, limit int) ([]domain.Note, error)
	SearchNotes(ctx context.Context, conversationID, query string, limit int) ([]domain.Note, error)
	DeleteNote(ctx context.Context, conversationID string, id int64) (bool, error)
}

const defaultListLimit = 20

// CreateNoteTool saves a note for the conversation.
type CreateNoteTool struct{ Store NoteStore }

func (t *CreateNoteTool) Name() string        { return "create_note" }
func (t *CreateNoteTool) Description() string { return "Save a note (shopping lists, ideas, reminders) for this chat." }
func (t *CreateNoteTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"title": {Type: "string", Description: "Short title"},
		"body":  {Type: "string", Description: "Note content"},
		"tags":  {Type: "string", Description: "Optional comma-separated tags"},
	}, []string{"title"})
}

func (t *CreateNoteTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	note, err := t.Store.CreateNote(ctx, domain.Note{
		ConversationID: inv.ConversationID,
		Title:          strings.TrimSpace(ArgsString(inv.Args, "title")),
		Body:           ArgsString(inv.Args, "body"),
		Tags:           ArgsString(inv.Args, "tags"),
	})
	if err != nil {
		return nil, err
	}
	return &domain.ToolResult{Content: fmt.Sprintf("Saved note #%d %q.", note.ID, note.Title)}, nil
}

// ListNotesTool lists the newest notes.
type ListNotesTool struct{ Store NoteStore }

func (t *ListNotesTool) Name() string        { return "list_notes" }
func (t *ListNotesTool) Description() string { return "List the most recent notes of this chat." }
func (t *ListNotesTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"limit": {Type: "integer", Description: "Maximum number of notes (default 20)"},
	}, nil)
}

func (t *ListNotesTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	limit, ok := ArgsInt(inv.Args, "limit")
	if !ok || limit <= 0 {
		limit = defaultListLimit
	}
	notes, err := t.Store.ListNotes(ctx, inv.ConversationID, int(limit))
	if err != nil {
		return nil, err
	}
	return &domain.ToolResult{Content: formatNotes(notes, "No notes yet.")}, nil
}

// SearchNotesTool finds notes by keyword.
type SearchNotesTool struct{ Store NoteStore }

func (t *SearchNotesTool) Name() string        { return "search_notes" }
func (t *SearchNotesTool) Description() string { return "Search this chat's notes by keyword in title, body or tags." }
func (t *SearchNotesTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"query": {Type: "string", Description: "Keyword to look for"},
	}, []string{"query"})
}

func (t *SearchNotesTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	query := strings.TrimSpace(ArgsString(inv.Args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	notes, err := t.Store.SearchNotes(ctx, inv.ConversationID, query, defaultListLimit)
	if err != nil {
		return nil, err
	}
	return &domain.ToolResult{Content: formatNotes(notes, fmt.Sprintf("No notes match %q.", query))}, nil
}

// DeleteNoteTool removes a note by id.
type DeleteNoteTool struct{ Store NoteStore }

func (t *DeleteNoteTool) Name() string        { return "delete_note" }
func (t *DeleteNoteTool) Description() string { return "Delete a note by its id." }
func (t *DeleteNoteTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"id": {Type: "integer", Description: "Note id as shown by list_notes"},
	}, []string{"id"})
}

func (t *DeleteNoteTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	id, ok := ArgsInt(inv.Args, "id")
	if !ok {
		return nil, fmt.Errorf("id must be an integer")
	}
	deleted, err := t.Store.DeleteNote(ctx, inv.ConversationID, id)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return &domain.ToolResult{Content: fmt.Sprintf("Note #%d does not exist.", id)}, nil
	}
	return &domain.ToolResult{Content: fmt.Sprintf("Deleted note #%d.", id)}, nil
}

func formatNotes(notes []domain.Note, empty string) string {
	if len(notes) == 0 {
		return empty
	}
	var sb strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&sb, "#%d %s (%s)", n.ID, n.Title, n.CreatedAt.Format("2006-01-02"))
		if n.Tags != "" {
			fmt.Fprintf(&sb, " [%s]", n.Tags)
		}
		if body := strings.TrimSpace(n.Body); body != "" {
			sb.WriteString(": ")
			sb.WriteString(body)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
