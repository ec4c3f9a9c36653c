package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hearthbot/internal/config"
	"hearthbot/internal/domain"
	"hearthbot/internal/metrics"
)

const (
	WebInterface = "web"

	// base64 attachments arrive inside a single frame
	maxWSMessageBytes = 16 << 20
	wsWriteTimeout    = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// ErrNoClients is returned by SendText when nobody is connected to the
// conversation.
var ErrNoClients = errors.New("no web client connected to conversation")

// WS protocol message types.
const (
	wsHello           = "hello"
	wsMessage         = "message"
	wsAck             = "ack"
	wsTyping          = "typing"
	wsAttachment      = "attachment"
	wsConfirm         = "confirm"
	wsConfirmRequest  = "confirm_request"
	wsConfirmResolved = "confirm_resolved"
	wsError           = "error"
)

// WSMessage is the JSON protocol spoken over the chat socket.
type WSMessage struct {
	Type           string        `json:"type"`
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Text           string        `json:"text,omitempty"`
	ReplyTo        string        `json:"reply_to,omitempty"`
	SenderName     string        `json:"sender_name,omitempty"`
	QuickReplies   []string      `json:"quick_replies,omitempty"`
	Attachment     *WSAttachment `json:"attachment,omitempty"`

	// confirmations
	CallID     string     `json:"call_id,omitempty"`
	Tool       string     `json:"tool,omitempty"`
	Approved   bool       `json:"approved,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`

	Error string `json:"error,omitempty"`
}

// WSAttachment carries an uploaded file (Data, base64 in JSON) or a link to
// a stored one.
type WSAttachment struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// AttachmentOpener serves stored files over HTTP.
type AttachmentOpener interface {
	Open(ctx context.Context, id string) (*domain.AttachmentInfo, io.ReadCloser, error)
}

type WebConfig struct {
	Host           string
	Port           int
	Path           string // socket endpoint (default /ws)
	AllowedOrigins []string
	Attachments    AttachmentOpener
	Confirmations  ConfirmationResolver
	Metrics        *metrics.Metrics
	MetricsPath    string         // default /metrics
	Config         *config.Config // served with secrets masked at /api/config
	Logger         *slog.Logger
}

// Web is the browser chat surface. Each socket joins one conversation;
// several sockets may share a conversation and all receive its output.
type Web struct {
	host          string
	port          int
	path          string
	origins       []string
	attachments   AttachmentOpener
	confirmations ConfirmationResolver
	metrics       *metrics.Metrics
	metricsPath   string
	cfg           *config.Config
	logger        *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn           *websocket.Conn
	conversationID string
	mu             sync.Mutex
}

func (c *wsClient) send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Web{
		host:          cfg.Host,
		port:          cfg.Port,
		path:          cfg.Path,
		origins:       cfg.AllowedOrigins,
		attachments:   cfg.Attachments,
		confirmations: cfg.Confirmations,
		metrics:       cfg.Metrics,
		metricsPath:   cfg.MetricsPath,
		cfg:           cfg.Config,
		logger:        cfg.Logger.With("interface", WebInterface),
		clients:       make(map[*wsClient]struct{}),
	}
	w.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     w.checkOrigin,
	}
	return w
}

func (w *Web) Interface() string { return WebInterface }

// checkOrigin allows same-host requests, or the configured origins when set.
func (w *Web) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(w.origins) == 0 {
		host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		return strings.EqualFold(host, r.Host)
	}
	return slices.Contains(w.origins, "*") || slices.Contains(w.origins, origin)
}

// Handler returns the surface's HTTP routes. Inbound chat messages go to sink.
func (w *Web) Handler(sink UpdateSink) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+w.path, func(rw http.ResponseWriter, r *http.Request) {
		w.handleUpgrade(rw, r, sink)
	})
	mux.HandleFunc("GET /attachments/{id}", w.handleAttachment)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"status": "ok", "clients": w.clientCount()})
	})
	if w.metrics != nil {
		mux.HandleFunc("GET "+w.metricsPath, w.metrics.Handler())
	}
	if w.cfg != nil {
		mux.HandleFunc("GET /api/config", w.handleConfig)
	}
	return mux
}

// Start serves until ctx is done.
func (w *Web) Start(ctx context.Context, sink UpdateSink) error {
	server := &http.Server{
		Addr:              net.JoinHostPort(w.host, strconv.Itoa(w.port)),
		Handler:           w.Handler(sink),
		ReadHeaderTimeout: 10 * time.Second,
	}
	w.logger.Info("web server starting", "addr", server.Addr, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	}
}

func (w *Web) handleUpgrade(rw http.ResponseWriter, r *http.Request, sink UpdateSink) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxWSMessageBytes)

	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		conversationID = "web-" + uuid.NewString()
	}
	client := &wsClient{conn: conn, conversationID: conversationID}

	w.mu.Lock()
	w.clients[client] = struct{}{}
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.WebConnections.Inc()
	}
	w.logger.Info("web client connected", "conversation", conversationID, "remote", r.RemoteAddr)

	defer func() {
		w.mu.Lock()
		delete(w.clients, client)
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.WebConnections.Dec()
		}
		conn.Close()
		w.logger.Info("web client disconnected", "conversation", conversationID)
	}()

	if err := client.send(WSMessage{Type: wsHello, ConversationID: conversationID}); err != nil {
		return
	}
	if w.confirmations != nil {
		for _, pc := range w.confirmations.Pending(conversationID) {
			_ = client.send(confirmRequest(pc))
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("websocket read error", "conversation", conversationID, "err", err)
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = client.send(WSMessage{Type: wsError, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case wsMessage:
			w.handleInbound(client, msg, sink)
		case wsConfirm:
			w.handleConfirm(client, msg)
		default:
			w.logger.Debug("ignoring web message", "type", msg.Type)
		}
	}
}

func (w *Web) handleInbound(client *wsClient, msg WSMessage, sink UpdateSink) {
	in := domain.InboundUpdate{
		Interface:      WebInterface,
		ConversationID: client.conversationID,
		ExternalID:     msg.ID,
		SenderName:     msg.SenderName,
		Text:           msg.Text,
		ReplyToID:      msg.ReplyTo,
		ReceivedAt:     time.Now(),
	}
	if in.ExternalID == "" {
		in.ExternalID = uuid.NewString()
	}
	if a := msg.Attachment; a != nil && len(a.Data) > 0 {
		in.Attachment = &domain.InboundAttachment{Filename: a.Filename, ContentType: a.MimeType, Data: a.Data}
	}
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil {
		_ = client.send(WSMessage{Type: wsError, ID: msg.ID, Error: "empty message"})
		return
	}

	if err := sink(in); err != nil {
		w.logger.Warn("failed to queue web update", "conversation", client.conversationID, "err", err)
		_ = client.send(WSMessage{Type: wsError, ID: in.ExternalID, Error: "message not accepted"})
		return
	}
	_ = client.send(WSMessage{Type: wsAck, ID: in.ExternalID, ConversationID: client.conversationID})
}

func (w *Web) handleConfirm(client *wsClient, msg WSMessage) {
	if w.confirmations == nil || msg.CallID == "" {
		return
	}
	pc, ok := w.confirmations.Lookup(msg.CallID)
	if !ok || pc.ConversationID != client.conversationID {
		_ = client.send(WSMessage{Type: wsError, CallID: msg.CallID, Error: "confirmation is no longer pending"})
		return
	}
	if !w.confirmations.Resolve(msg.CallID, msg.Approved) {
		_ = client.send(WSMessage{Type: wsError, CallID: msg.CallID, Error: "confirmation was already settled"})
	}
	// the coordinator reports the outcome through DismissConfirmation
}

func (w *Web) handleAttachment(rw http.ResponseWriter, r *http.Request) {
	if w.attachments == nil {
		http.NotFound(rw, r)
		return
	}
	info, rc, err := w.attachments.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		w.logger.Debug("attachment not served", "id", r.PathValue("id"), "err", err)
		http.NotFound(rw, r)
		return
	}
	defer rc.Close()

	if info.MimeType != "" {
		rw.Header().Set("Content-Type", info.MimeType)
	}
	if info.Size > 0 {
		rw.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Filename))
	if _, err := io.Copy(rw, rc); err != nil {
		w.logger.Warn("attachment download interrupted", "id", info.ID, "err", err)
	}
}

func (w *Web) handleConfig(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(rw).Encode(config.Sanitize(w.cfg))
}

// broadcast writes msg to every client of the conversation and returns how
// many received it.
func (w *Web) broadcast(conversationID string, msg WSMessage) int {
	w.mu.RLock()
	var targets []*wsClient
	for c := range w.clients {
		if c.conversationID == conversationID {
			targets = append(targets, c)
		}
	}
	w.mu.RUnlock()

	msg.ConversationID = conversationID
	delivered := 0
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			w.logger.Debug("web send failed", "conversation", conversationID, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (w *Web) clientCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients)
}

func (w *Web) closeAll() {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for c := range w.clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}

func (w *Web) SendText(_ context.Context, out domain.OutgoingText) (string, error) {
	msg := WSMessage{
		Type:    wsMessage,
		ID:      uuid.NewString(),
		Text:    out.Text,
		ReplyTo: out.ReplyToID,
	}
	if out.Markup != nil {
		msg.QuickReplies = out.Markup.QuickReplies
	}
	if w.broadcast(out.ConversationID, msg) == 0 {
		return "", ErrNoClients
	}
	return msg.ID, nil
}

func (w *Web) SendPresence(_ context.Context, conversationID string) error {
	w.broadcast(conversationID, WSMessage{Type: wsTyping})
	return nil
}

func (w *Web) SendAttachments(_ context.Context, conversationID string, attachments []domain.AttachmentInfo, replyToID string) error {
	var errs []error
	for _, att := range attachments {
		msg := WSMessage{
			Type:    wsAttachment,
			ID:      uuid.NewString(),
			ReplyTo: replyToID,
			Attachment: &WSAttachment{
				ID:       att.ID,
				Filename: att.Filename,
				MimeType: att.MimeType,
				Size:     att.Size,
				URL:      att.URL,
			},
		}
		if w.broadcast(conversationID, msg) == 0 {
			errs = append(errs, fmt.Errorf("%s: %w", att.Filename, ErrNoClients))
		}
	}
	return errors.Join(errs...)
}

// Render passes text through; the browser client renders Markdown itself.
func (w *Web) Render(text string) (string, error) { return text, nil }

func (w *Web) EscapeDebug(text string) string {
	return "```\n" + strings.ReplaceAll(text, "```", "'''") + "\n```"
}

// PlainLimit is zero: websocket frames have no per-message text limit.
func (w *Web) PlainLimit() int { return 0 }

// PresentConfirmation never fails for lack of clients: pending requests are
// re-sent when a client reconnects to the conversation.
func (w *Web) PresentConfirmation(_ context.Context, pc domain.PendingConfirmation) error {
	if w.broadcast(pc.ConversationID, confirmRequest(pc)) == 0 {
		w.logger.Info("confirmation queued for next web connection", "conversation", pc.ConversationID, "call_id", pc.CallID)
	}
	return nil
}

func (w *Web) DismissConfirmation(_ context.Context, pc domain.PendingConfirmation) {
	w.broadcast(pc.ConversationID, WSMessage{
		Type:       wsConfirmResolved,
		CallID:     pc.CallID,
		Tool:       pc.ToolName,
		Resolution: string(pc.Resolution),
	})
}

func confirmRequest(pc domain.PendingConfirmation) WSMessage {
	msg := WSMessage{
		Type:           wsConfirmRequest,
		ConversationID: pc.ConversationID,
		CallID:         pc.CallID,
		Tool:           pc.ToolName,
		Text:           pc.Prompt,
	}
	if !pc.Deadline.IsZero() {
		deadline := pc.Deadline
		msg.Deadline = &deadline
	}
	return msg
}
