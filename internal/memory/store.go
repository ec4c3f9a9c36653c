package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"hearthbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps turns, notes, events, attachment metadata and the audit
// log in one SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the handle for collaborators sharing the database.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- turns ---

const turnColumns = `id, interface_type, conversation_id, external_id, thread_root_id, profile_id,
	role, content, tool_calls, tool_call_id, tool_name, error_trace, created_at`

func (s *SQLiteStore) AddTurn(ctx context.Context, turn domain.Turn) (int64, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	var toolCalls sql.NullString
	if len(turn.ToolCalls) > 0 {
		raw, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}
	var root sql.NullInt64
	if turn.ThreadRootID != nil {
		root = sql.NullInt64{Int64: *turn.ThreadRootID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (interface_type, conversation_id, external_id, thread_root_id, profile_id,
			role, content, tool_calls, tool_call_id, tool_name, error_trace, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.Interface, turn.ConversationID, nullString(turn.ExternalID), root, turn.ProfileID,
		turn.Role, turn.Content, toolCalls, nullString(turn.ToolCallID), nullString(turn.ToolName),
		nullString(turn.ErrorTrace), turn.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id int64) (*domain.Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	return scanTurnRow(row)
}

// GetTurnByExternalID finds the turn a surface message id maps to. Surface
// ids are only unique within one conversation of one interface.
func (s *SQLiteStore) GetTurnByExternalID(ctx context.Context, iface, conversationID, externalID string) (*domain.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE interface_type = ? AND conversation_id = ? AND external_id = ?
		 ORDER BY id DESC LIMIT 1`,
		iface, conversationID, externalID,
	)
	return scanTurnRow(row)
}

// UpdateTurnExternalID sets the external id of a turn that has none yet.
func (s *SQLiteStore) UpdateTurnExternalID(ctx context.Context, id int64, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET external_id = ? WHERE id = ? AND (external_id IS NULL OR external_id = '')`,
		externalID, id,
	)
	if err != nil {
		return fmt.Errorf("update turn %d external id: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("turn %d not found or already has an external id", id)
	}
	return nil
}

func (s *SQLiteStore) AttachTurnErrorTrace(ctx context.Context, id int64, trace string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET error_trace = ? WHERE id = ?`, trace, id)
	if err != nil {
		return fmt.Errorf("attach error trace to turn %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("turn %d not found", id)
	}
	return nil
}

// ThreadTurns returns up to limit most recent turns of a thread, oldest
// first. The thread is the root turn plus every turn pointing at it. A nil
// root returns the conversation's recent turns regardless of thread.
func (s *SQLiteStore) ThreadTurns(ctx context.Context, iface, conversationID string, threadRootID *int64, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if threadRootID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+turnColumns+` FROM turns
			 WHERE interface_type = ? AND conversation_id = ?
			 ORDER BY id DESC LIMIT ?`,
			iface, conversationID, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+turnColumns+` FROM turns
			 WHERE interface_type = ? AND conversation_id = ? AND (id = ? OR thread_root_id = ?)
			 ORDER BY id DESC LIMIT ?`,
			iface, conversationID, *threadRootID, *threadRootID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query thread turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ConversationSummary describes one conversation for listings.
type ConversationSummary struct {
	Interface      string
	ConversationID string
	Turns          int
	LastAt         time.Time
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT interface_type, conversation_id, COUNT(*), MAX(id)
		 FROM turns GROUP BY interface_type, conversation_id
		 ORDER BY MAX(id) DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type pending struct {
		summary ConversationSummary
		lastID  int64
	}
	var list []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.summary.Interface, &p.summary.ConversationID, &p.summary.Turns, &p.lastID); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	out := make([]ConversationSummary, 0, len(list))
	for _, p := range list {
		if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM turns WHERE id = ?`, p.lastID).Scan(&p.summary.LastAt); err != nil {
			return nil, err
		}
		out = append(out, p.summary)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurnRow(row *sql.Row) (*domain.Turn, error) {
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTurns(rows *sql.Rows) ([]domain.Turn, error) {
	var turns []domain.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

func scanTurn(r rowScanner) (*domain.Turn, error) {
	var t domain.Turn
	var externalID, toolCalls, toolCallID, toolName, errorTrace sql.NullString
	var root sql.NullInt64
	if err := r.Scan(&t.ID, &t.Interface, &t.ConversationID, &externalID, &root, &t.ProfileID,
		&t.Role, &t.Content, &toolCalls, &toolCallID, &toolName, &errorTrace, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ExternalID = externalID.String
	t.ToolCallID = toolCallID.String
	t.ToolName = toolName.String
	t.ErrorTrace = errorTrace.String
	if root.Valid {
		id := root.Int64
		t.ThreadRootID = &id
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls of turn %d: %w", t.ID, err)
		}
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// --- audit ---

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, tool_name, command, result, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Action, entry.ToolName, entry.Command, entry.Result, entry.Details, time.Now(),
	)
	return err
}

// RecentAudit returns the newest audit entries first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, tool_name, command, result, details FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var toolName, command, result, details sql.NullString
		if err := rows.Scan(&e.Action, &toolName, &command, &result, &details); err != nil {
			return nil, err
		}
		e.ToolName, e.Command, e.Result, e.Details = toolName.String, command.String, result.String, details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
