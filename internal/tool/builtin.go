package tool

import (
	"log/slog"
	"time"

	"hearthbot/internal/domain"
)

// Store is the storage behind the built-in tools.
type Store interface {
	NoteStore
	EventStore
}

// NewBuiltinRegistry registers the note, event and export tools. Export is
// left out when attachments is nil.
func NewBuiltinRegistry(store Store, attachments domain.AttachmentStore, loc *time.Location, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(&CreateNoteTool{Store: store})
	r.Register(&ListNotesTool{Store: store})
	r.Register(&SearchNotesTool{Store: store})
	r.Register(&DeleteNoteTool{Store: store})
	r.Register(&CreateEventTool{Store: store, Location: loc})
	r.Register(&ListEventsTool{Store: store, Location: loc})
	r.Register(&DeleteEventTool{Store: store})
	if attachments != nil {
		r.Register(&ExportNotesTool{Notes: store, Attachments: attachments})
	}
	return r
}
