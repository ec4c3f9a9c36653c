package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hearthbot/internal/domain"
)

// EventStore is the storage the event tools work on.
type EventStore interface {
	CreateEvent(ctx context.Context, ev domain.Event) (*domain.Event, error)
	ListEvents(ctx context.Context, conversationID string, from time.Time, limit int) ([]domain.Event, error)
	DeleteEvent(ctx context.Context, conversationID string, id int64) (bool, error)
}

// CreateEventTool adds a calendar entry.
type CreateEventTool struct {
	Store    EventStore
	Location *time.Location // zone for times given without one; defaults to local
}

func (t *CreateEventTool) Name() string        { return "create_event" }
func (t *CreateEventTool) Description() string { return "Add an event (appointment, birthday, school trip) to this chat's calendar." }
func (t *CreateEventTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"title":     {Type: "string", Description: "What is happening"},
		"starts_at": {Type: "string", Description: "Start as YYYY-MM-DD or YYYY-MM-DDTHH:MM"},
		"location":  {Type: "string", Description: "Optional place"},
		"notes":     {Type: "string", Description: "Optional details"},
	}, []string{"title", "starts_at"})
}

func (t *CreateEventTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	startsAt, err := ArgsTime(inv.Args, "starts_at", zoneOrLocal(t.Location))
	if err != nil {
		return nil, err
	}
	ev, err := t.Store.CreateEvent(ctx, domain.Event{
		ConversationID: inv.ConversationID,
		Title:          strings.TrimSpace(ArgsString(inv.Args, "title")),
		StartsAt:       startsAt,
		Location:       ArgsString(inv.Args, "location"),
		Notes:          ArgsString(inv.Args, "notes"),
	})
	if err != nil {
		return nil, err
	}
	return &domain.ToolResult{Content: fmt.Sprintf("Added event #%d %q on %s.", ev.ID, ev.Title, formatWhen(ev.StartsAt, t.Location))}, nil
}

// ListEventsTool lists upcoming events.
type ListEventsTool struct {
	Store    EventStore
	Location *time.Location
	Now      func() time.Time
}

func (t *ListEventsTool) Name() string        { return "list_events" }
func (t *ListEventsTool) Description() string { return "List upcoming events of this chat, soonest first." }
func (t *ListEventsTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"days": {Type: "integer", Description: "Only events within this many days (default: all upcoming)"},
	}, nil)
}

func (t *ListEventsTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	from := now()
	events, err := t.Store.ListEvents(ctx, inv.ConversationID, from, 50)
	if err != nil {
		return nil, err
	}
	if days, ok := ArgsInt(inv.Args, "days"); ok && days > 0 {
		until := from.Add(time.Duration(days) * 24 * time.Hour)
		kept := events[:0]
		for _, ev := range events {
			if ev.StartsAt.Before(until) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	if len(events) == 0 {
		return &domain.ToolResult{Content: "No upcoming events."}, nil
	}

	var sb strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&sb, "#%d %s: %s", ev.ID, formatWhen(ev.StartsAt, t.Location), ev.Title)
		if ev.Location != "" {
			fmt.Fprintf(&sb, " @ %s", ev.Location)
		}
		sb.WriteByte('\n')
	}
	return &domain.ToolResult{Content: strings.TrimRight(sb.String(), "\n")}, nil
}

// DeleteEventTool removes an event by id.
type DeleteEventTool struct{ Store EventStore }

func (t *DeleteEventTool) Name() string        { return "delete_event" }
func (t *DeleteEventTool) Description() string { return "Delete an event by its id." }
func (t *DeleteEventTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"id": {Type: "integer", Description: "Event id as shown by list_events"},
	}, []string{"id"})
}

func (t *DeleteEventTool) Execute(ctx context.Context, inv domain.ToolInvocation) (*domain.ToolResult, error) {
	id, ok := ArgsInt(inv.Args, "id")
	if !ok {
		return nil, fmt.Errorf("id must be an integer")
	}
	deleted, err := t.Store.DeleteEvent(ctx, inv.ConversationID, id)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return &domain.ToolResult{Content: fmt.Sprintf("Event #%d does not exist.", id)}, nil
	}
	return &domain.ToolResult{Content: fmt.Sprintf("Deleted event #%d.", id)}, nil
}

func zoneOrLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}

func formatWhen(t time.Time, loc *time.Location) string {
	t = t.In(zoneOrLocal(loc))
	if t.Hour() == 0 && t.Minute() == 0 {
		return t.Format("Mon 2006-01-02")
	}
	return t.Format("Mon 2006-01-02 15:04")
}
