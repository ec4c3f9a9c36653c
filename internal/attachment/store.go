// Package attachment stores files on disk and indexes them for delivery.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"hearthbot/internal/domain"
)

const defaultMaxSize = 50 * 1024 * 1024

// ErrTooLarge is returned when a file exceeds the configured size limit.
var ErrTooLarge = errors.New("attachment too large")

// Index records attachment metadata.
type Index interface {
	SaveAttachment(ctx context.Context, info domain.AttachmentInfo) error
	GetAttachment(ctx context.Context, id string) (*domain.AttachmentInfo, error)
}

type Config struct {
	StoragePath   string // base directory for stored files
	PublicBaseURL string // attachments are served at <PublicBaseURL>/attachments/<id>
	MaxSizeBytes  int64
	Index         Index
	Logger        *slog.Logger
}

// Store implements domain.AttachmentStore on the local filesystem.
type Store struct {
	storagePath  string
	baseURL      string
	maxSizeBytes int64
	index        Index
	logger       *slog.Logger
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("attachment store needs an index")
	}
	storage := cfg.StoragePath
	if storage == "" {
		home, _ := os.UserHomeDir()
		storage = filepath.Join(home, ".hearthbot", "attachments")
	}
	if err := os.MkdirAll(storage, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment storage: %w", err)
	}
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		storagePath:  storage,
		baseURL:      strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxSizeBytes: maxSize,
		index:        cfg.Index,
		logger:       cfg.Logger,
	}, nil
}

// StoreFile writes data to disk and records it. An empty contentType is
// guessed from the file extension, then from the content.
func (s *Store) StoreFile(ctx context.Context, conversationID string, data []byte, filename, contentType string) (*domain.AttachmentInfo, error) {
	return s.Store(ctx, conversationID, filename, contentType, bytes.NewReader(data))
}

// Store saves a file read from r.
func (s *Store) Store(ctx context.Context, conversationID, filename, contentType string, r io.Reader) (*domain.AttachmentInfo, error) {
	filename = sanitizeFilename(filename)
	id := uuid.NewString()
	storagePath := filepath.Join(s.storagePath, id+filepath.Ext(filename))

	out, err := os.Create(storagePath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	sniff := &sniffWriter{}
	written, err := io.Copy(io.MultiWriter(out, sniff), io.LimitReader(r, s.maxSizeBytes+1))
	out.Close()
	if err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("write file: %w", err)
	}
	if written > s.maxSizeBytes {
		os.Remove(storagePath)
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxSizeBytes)
	}

	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	}
	if contentType == "" {
		contentType = http.DetectContentType(sniff.buf)
	}

	info := &domain.AttachmentInfo{
		ID:             id,
		ConversationID: conversationID,
		Filename:       filename,
		MimeType:       contentType,
		Size:           written,
		StoragePath:    storagePath,
		CreatedAt:      time.Now(),
	}
	if err := s.index.SaveAttachment(ctx, *info); err != nil {
		os.Remove(storagePath)
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	info.URL = s.URL(id)

	s.logger.Info("file stored", "id", id, "filename", filename, "size", written, "mime_type", contentType)
	return info, nil
}

// Get returns nil, nil for an unknown id.
func (s *Store) Get(ctx context.Context, id string) (*domain.AttachmentInfo, error) {
	info, err := s.index.GetAttachment(ctx, id)
	if err != nil || info == nil {
		return nil, err
	}
	info.URL = s.URL(id)
	return info, nil
}

// Open returns the stored file's content. The caller closes it.
func (s *Store) Open(ctx context.Context, id string) (*domain.AttachmentInfo, io.ReadCloser, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if info == nil {
		return nil, nil, fmt.Errorf("attachment %s not found", id)
	}
	f, err := os.Open(info.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open attachment %s: %w", id, err)
	}
	return info, f, nil
}

// ReadAll returns the content of a stored attachment.
func (s *Store) ReadAll(ctx context.Context, id string) (*domain.AttachmentInfo, []byte, error) {
	info, rc, err := s.Open(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return info, data, err
}

func (s *Store) URL(id string) string {
	return s.baseURL + "/attachments/" + id
}

// IsText reports whether the MIME type is something a model can read as-is.
func IsText(mimeType string) bool {
	m := strings.ToLower(mimeType)
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	switch {
	case strings.HasPrefix(m, "text/"),
		m == "application/json",
		m == "application/xml",
		m == "application/csv":
		return true
	}
	return false
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// sniffWriter keeps the first 512 bytes for content detection.
type sniffWriter struct {
	buf []byte
}

func (w *sniffWriter) Write(p []byte) (int, error) {
	if room := 512 - len(w.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	return len(p), nil
}
