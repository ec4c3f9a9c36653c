package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"hearthbot/internal/domain"
)

const (
	TelegramInterface = "telegram"

	// Bot API file downloads are capped at 20 MB.
	defaultTelegramMaxDownload = 20 << 20
	telegramMaxSendRetries     = 3
	telegramPollTimeout        = 30
	// Measured after entity parsing, in UTF-16 code units.
	telegramMaxMessageLength   = 4096

	confirmCallbackPrefix = "cf"
)

// UpdateSink receives inbound updates from a surface; the batcher's Add.
type UpdateSink func(domain.InboundUpdate) error

// ConfirmationResolver is the part of the confirmation coordinator the
// surfaces use to apply the user's decision.
type ConfirmationResolver interface {
	Resolve(callID string, approved bool) bool
	Lookup(callID string) (domain.PendingConfirmation, bool)
	Pending(conversationID string) []domain.PendingConfirmation
}

type TelegramConfig struct {
	Token string
	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API server.
	APIEndpoint      string
	HTTPClient       *http.Client
	AllowFrom        []string // user ids; empty allows everyone
	ParseMode        string   // "HTML" (default) or "none"
	MaxDownloadBytes int64
	Confirmations    ConfirmationResolver
	Logger           *slog.Logger
}

// Telegram is the Telegram bot surface. Inbound messages are converted to
// domain.InboundUpdate and handed to the batcher; outbound calls implement
// domain.ChatSurface and the confirmation presenter.
type Telegram struct {
	token         string
	endpoint      string
	httpClient    *http.Client
	allowFrom     map[int64]bool
	parseMode     string
	maxDownload   int64
	confirmations ConfirmationResolver
	logger        *slog.Logger

	bot *tgbotapi.BotAPI

	// confirmation call id -> prompt message id
	promptsMu sync.Mutex
	prompts   map[string]int
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	switch strings.ToLower(cfg.ParseMode) {
	case "", "html":
		cfg.ParseMode = tgbotapi.ModeHTML
	default:
		cfg.ParseMode = ""
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * telegramPollTimeout * time.Second}
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultTelegramMaxDownload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:         cfg.Token,
		endpoint:      cfg.APIEndpoint,
		httpClient:    cfg.HTTPClient,
		allowFrom:     allowed,
		parseMode:     cfg.ParseMode,
		maxDownload:   cfg.MaxDownloadBytes,
		confirmations: cfg.Confirmations,
		logger:        cfg.Logger.With("interface", TelegramInterface),
		prompts:       make(map[string]int),
	}
}

func (t *Telegram) Interface() string { return TelegramInterface }

// Connect authenticates the bot token. It must succeed before Start or any
// outbound call.
func (t *Telegram) Connect() error {
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.httpClient)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// Start polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, sink UpdateSink) error {
	if t.bot == nil {
		return errors.New("telegram: Connect must be called before Start")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update, sink)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update, sink UpdateSink) {
	if update.CallbackQuery != nil {
		t.handleCallback(ctx, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", msg.From.ID, "username", msg.From.UserName)
		_, _ = t.SendText(ctx, domain.OutgoingText{
			ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
			Text:           "Sorry, this bot is private.",
			Plain:          true,
		})
		return
	}

	in := t.inboundUpdate(ctx, msg)
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil {
		return
	}
	t.logger.Info("telegram message received",
		"chat_id", msg.Chat.ID,
		"message_id", msg.MessageID,
		"text_len", len(in.Text),
		"attachment", in.Attachment != nil,
	)
	if err := sink(in); err != nil {
		t.logger.Warn("failed to queue telegram update", "chat_id", msg.Chat.ID, "err", err)
	}
}

// inboundUpdate converts a Telegram message. Attachment download failures
// are logged and the message is delivered without the file.
func (t *Telegram) inboundUpdate(ctx context.Context, msg *tgbotapi.Message) domain.InboundUpdate {
	in := domain.InboundUpdate{
		Interface:      TelegramInterface,
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		ExternalID:     strconv.Itoa(msg.MessageID),
		SenderName:     displayName(msg.From),
		Text:           msg.Text,
		Forward:        forwardOrigin(msg),
		ReceivedAt:     time.Unix(int64(msg.Date), 0),
	}
	if in.Text == "" {
		in.Text = msg.Caption
	}
	if msg.ReplyToMessage != nil {
		in.ReplyToID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	ref := attachmentRef(msg)
	if ref == nil {
		return in
	}
	if ref.size > t.maxDownload {
		t.logger.Warn("telegram attachment too large, skipping", "filename", ref.filename, "size", ref.size)
		return in
	}
	data, err := t.download(ctx, ref.fileID)
	if err != nil {
		t.logger.Warn("failed to download telegram attachment", "filename", ref.filename, "err", err)
		return in
	}
	in.Attachment = &domain.InboundAttachment{Filename: ref.filename, ContentType: ref.contentType, Data: data}
	return in
}

type fileRef struct {
	fileID      string
	filename    string
	contentType string
	size        int64
}

func attachmentRef(msg *tgbotapi.Message) *fileRef {
	switch {
	case msg.Document != nil:
		return &fileRef{msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType, int64(msg.Document.FileSize)}
	case len(msg.Photo) > 0:
		p := msg.Photo[len(msg.Photo)-1] // largest size
		return &fileRef{p.FileID, fmt.Sprintf("photo_%d.jpg", msg.MessageID), "image/jpeg", int64(p.FileSize)}
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = fmt.Sprintf("audio_%d", msg.MessageID)
		}
		return &fileRef{msg.Audio.FileID, name, msg.Audio.MimeType, int64(msg.Audio.FileSize)}
	case msg.Voice != nil:
		return &fileRef{msg.Voice.FileID, fmt.Sprintf("voice_%d.ogg", msg.MessageID), "audio/ogg", int64(msg.Voice.FileSize)}
	}
	return nil
}

func (t *Telegram) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if int64(len(data)) > t.maxDownload {
		return nil, fmt.Errorf("download: file exceeds %d bytes", t.maxDownload)
	}
	return data, nil
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// forwardOrigin resolves where a forwarded message came from.
func forwardOrigin(msg *tgbotapi.Message) *domain.ForwardOrigin {
	switch {
	case msg.ForwardFrom != nil:
		return &domain.ForwardOrigin{Kind: domain.ForwardUser, DisplayName: displayName(msg.ForwardFrom)}
	case msg.ForwardSenderName != "":
		return &domain.ForwardOrigin{Kind: domain.ForwardHiddenUser, DisplayName: msg.ForwardSenderName}
	case msg.ForwardFromChat != nil:
		kind := domain.ForwardChat
		if msg.ForwardFromChat.IsChannel() {
			kind = domain.ForwardChannel
		}
		name := msg.ForwardFromChat.Title
		if name == "" {
			name = msg.ForwardFromChat.UserName
		}
		return &domain.ForwardOrigin{Kind: kind, DisplayName: name}
	}
	return nil
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || t.allowFrom[userID]
}

// SendText sends one message. A message Telegram cannot parse as HTML is
// reported as domain.ErrMarkupRejected so the caller can resend it plain.
func (t *Telegram) SendText(ctx context.Context, out domain.OutgoingText) (string, error) {
	chatID, err := parseChatID(out.ConversationID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, out.Text)
	if !out.Plain {
		msg.ParseMode = t.parseMode
	}
	if id, err := strconv.Atoi(out.ReplyToID); err == nil && id > 0 {
		msg.ReplyToMessageID = id
		msg.AllowSendingWithoutReply = true
	}
	if out.Markup != nil && len(out.Markup.QuickReplies) > 0 {
		msg.ReplyMarkup = quickReplyKeyboard(out.Markup.QuickReplies)
	}

	sent, err := t.send(ctx, msg)
	if err != nil {
		if msg.ParseMode != "" && isParseError(err) {
			return "", fmt.Errorf("%w: %v", domain.ErrMarkupRejected, err)
		}
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func quickReplyKeyboard(replies []string) tgbotapi.ReplyKeyboardMarkup {
	row := make([]tgbotapi.KeyboardButton, 0, len(replies))
	for _, r := range replies {
		row = append(row, tgbotapi.NewKeyboardButton(r))
	}
	kb := tgbotapi.NewOneTimeReplyKeyboard(row)
	kb.ResizeKeyboard = true
	return kb
}

func (t *Telegram) SendPresence(ctx context.Context, conversationID string) error {
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	_, err = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// SendAttachments uploads each file from disk, images as photos and
// everything else as documents. It keeps going after a failure.
func (t *Telegram) SendAttachments(ctx context.Context, conversationID string, attachments []domain.AttachmentInfo, replyToID string) error {
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	replyTo, _ := strconv.Atoi(replyToID)

	var errs []error
	for _, att := range attachments {
		if err := t.sendFile(ctx, chatID, att, replyTo); err != nil {
			t.logger.Warn("failed to send attachment", "chat_id", chatID, "id", att.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", att.Filename, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) sendFile(ctx context.Context, chatID int64, att domain.AttachmentInfo, replyTo int) error {
	f, err := os.Open(att.StoragePath)
	if err != nil {
		return err
	}
	defer f.Close()
	file := tgbotapi.FileReader{Name: att.Filename, Reader: f}

	var c tgbotapi.Chattable
	if strings.HasPrefix(att.MimeType, "image/") && att.MimeType != "image/svg+xml" {
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.ReplyToMessageID = replyTo
		photo.AllowSendingWithoutReply = true
		c = photo
	} else {
		doc := tgbotapi.NewDocument(chatID, file)
		doc.ReplyToMessageID = replyTo
		doc.AllowSendingWithoutReply = true
		c = doc
	}
	// uploads consume the reader, so they are not retried
	_, err = t.bot.Send(c)
	return err
}

func (t *Telegram) Render(text string) (string, error) {
	if t.parseMode != tgbotapi.ModeHTML {
		return text, nil
	}
	return renderTelegramHTML(text), nil
}

func (t *Telegram) EscapeDebug(text string) string {
	if t.parseMode != tgbotapi.ModeHTML {
		return text
	}
	return escapeTelegramDebug(text)
}

func (t *Telegram) PlainLimit() int { return telegramMaxMessageLength }

// RuneLength counts r the way Telegram measures message length: runes
// outside the Basic Multilingual Plane, emoji included, take two units.
func (t *Telegram) RuneLength(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// PresentConfirmation sends the prompt with Approve / Reject buttons whose
// callback data carries the call id.
func (t *Telegram) PresentConfirmation(ctx context.Context, pc domain.PendingConfirmation) error {
	chatID, err := parseChatID(pc.ConversationID)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, pc.Prompt)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", confirmCallbackData(pc.CallID, true)),
		tgbotapi.NewInlineKeyboardButtonData("Reject", confirmCallbackData(pc.CallID, false)),
	))
	sent, err := t.send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	t.promptsMu.Lock()
	t.prompts[pc.CallID] = sent.MessageID
	t.promptsMu.Unlock()
	return nil
}

// DismissConfirmation replaces the buttons with the outcome.
func (t *Telegram) DismissConfirmation(ctx context.Context, pc domain.PendingConfirmation) {
	t.promptsMu.Lock()
	msgID, ok := t.prompts[pc.CallID]
	delete(t.prompts, pc.CallID)
	t.promptsMu.Unlock()
	if !ok {
		return
	}
	chatID, err := parseChatID(pc.ConversationID)
	if err != nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, pc.Prompt+"\n\n"+resolutionLabel(pc.Resolution))
	if _, err := t.send(ctx, edit); err != nil {
		t.logger.Warn("failed to update confirmation prompt", "call_id", pc.CallID, "err", err)
	}
}

func resolutionLabel(r domain.Resolution) string {
	switch r {
	case domain.ResolutionApproved:
		return "Approved."
	case domain.ResolutionRejected:
		return "Rejected."
	case domain.ResolutionExpired:
		return "Expired without an answer."
	}
	return string(r)
}

func confirmCallbackData(callID string, approve bool) string {
	verb := "r"
	if approve {
		verb = "a"
	}
	return confirmCallbackPrefix + "|" + verb + "|" + callID
}

// parseConfirmCallback returns the call id and decision encoded by
// confirmCallbackData.
func parseConfirmCallback(data string) (callID string, approve bool, ok bool) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) != 3 || parts[0] != confirmCallbackPrefix || parts[2] == "" {
		return "", false, false
	}
	switch parts[1] {
	case "a":
		return parts[2], true, true
	case "r":
		return parts[2], false, true
	}
	return "", false, false
}

func (t *Telegram) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	answer := func(text string) {
		if _, err := t.bot.Request(tgbotapi.NewCallback(cq.ID, text)); err != nil {
			t.logger.Debug("failed to answer callback", "err", err)
		}
	}

	callID, approve, ok := parseConfirmCallback(cq.Data)
	if !ok || cq.Message == nil || cq.Message.Chat == nil || t.confirmations == nil {
		answer("")
		return
	}
	if cq.From == nil || !t.isAllowed(cq.From.ID) {
		answer("Not allowed.")
		return
	}

	pc, found := t.confirmations.Lookup(callID)
	if !found || pc.ConversationID != strconv.FormatInt(cq.Message.Chat.ID, 10) {
		answer("This request is no longer pending.")
		return
	}
	if !t.confirmations.Resolve(callID, approve) {
		answer("Too late, this request was already settled.")
		return
	}
	if approve {
		answer("Approved")
	} else {
		answer("Rejected")
	}
}

// send delivers c, waiting out rate limits (HTTP 429) up to
// telegramMaxSendRetries times.
func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		sent, err := t.bot.Send(c)
		if err == nil {
			return sent, nil
		}
		lastErr = err

		wait, limited := retryAfter(err, attempt)
		if !limited || attempt == telegramMaxSendRetries {
			break
		}
		t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tgbotapi.Message{}, ctx.Err()
		case <-timer.C:
		}
	}
	return tgbotapi.Message{}, lastErr
}

func retryAfter(err error, attempt int) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	if strings.Contains(err.Error(), "Too Many Requests") {
		return time.Duration(attempt+1) * 3 * time.Second, true
	}
	return 0, false
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

func parseChatID(conversationID string) (int64, error) {
	id, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", conversationID, err)
	}
	return id, nil
}
