package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hearthbot/internal/domain"
)

// --- notes ---

func (s *SQLiteStore) CreateNote(ctx context.Context, note domain.Note) (*domain.Note, error) {
	if strings.TrimSpace(note.Title) == "" && strings.TrimSpace(note.Body) == "" {
		return nil, fmt.Errorf("note needs a title or a body")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (conversation_id, title, body, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		note.ConversationID, note.Title, note.Body, note.Tags, note.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	note.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// ListNotes returns the newest notes of a conversation first.
func (s *SQLiteStore) ListNotes(ctx context.Context, conversationID string, limit int) ([]domain.Note, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, title, body, tags, created_at
		 FROM notes WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

// SearchNotes matches the query against title, body and tags.
func (s *SQLiteStore) SearchNotes(ctx context.Context, conversationID, query string, limit int) ([]domain.Note, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, title, body, tags, created_at
		 FROM notes
		 WHERE conversation_id = ? AND (title LIKE ? OR body LIKE ? OR tags LIKE ?)
		 ORDER BY id DESC LIMIT ?`,
		conversationID, pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

// DeleteNote removes a note of the conversation. Reports whether it existed.
func (s *SQLiteStore) DeleteNote(ctx context.Context, conversationID string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ? AND conversation_id = ?`, id, conversationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanNotes(rows *sql.Rows) ([]domain.Note, error) {
	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		var tags sql.NullString
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.Title, &n.Body, &tags, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Tags = tags.String
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// --- events ---

func (s *SQLiteStore) CreateEvent(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	if strings.TrimSpace(ev.Title) == "" {
		return nil, fmt.Errorf("event needs a title")
	}
	if ev.StartsAt.IsZero() {
		return nil, fmt.Errorf("event needs a start time")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (conversation_id, title, starts_at, location, notes, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ConversationID, ev.Title, ev.StartsAt.UTC(), ev.Location, ev.Notes, ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListEvents returns events starting at or after from, soonest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, conversationID string, from time.Time, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, title, starts_at, location, notes, created_at
		 FROM events WHERE conversation_id = ? AND starts_at >= ?
		 ORDER BY starts_at ASC LIMIT ?`,
		conversationID, from.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var location, notes sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.Title, &ev.StartsAt, &location, &notes, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Location, ev.Notes = location.String, notes.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) DeleteEvent(ctx context.Context, conversationID string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND conversation_id = ?`, id, conversationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- attachments ---

func (s *SQLiteStore) SaveAttachment(ctx context.Context, info domain.AttachmentInfo) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, conversation_id, filename, mime_type, size, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.ConversationID, info.Filename, info.MimeType, info.Size, info.StoragePath, info.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// GetAttachment returns nil, nil for an unknown id.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*domain.AttachmentInfo, error) {
	var info domain.AttachmentInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, filename, mime_type, size, storage_path, created_at
		 FROM attachments WHERE id = ?`, id,
	).Scan(&info.ID, &info.ConversationID, &info.Filename, &info.MimeType, &info.Size, &info.StoragePath, &info.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}
