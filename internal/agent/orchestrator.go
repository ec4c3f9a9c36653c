package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"hearthbot/internal/bus"
	"hearthbot/internal/confirm"
	"hearthbot/internal/domain"
	"hearthbot/internal/metrics"
)

// ErrTurnFailed wraps every error ProcessBatch returns.
var ErrTurnFailed = errors.New("turn failed")

const (
	defaultMaxChunkChars  = 4000
	defaultConfirmTimeout = 10 * time.Minute
	reportTimeout         = 15 * time.Second

	apologyText = "Sorry, something went wrong while handling your message. Please try again in a moment."
)

// ConfirmationBroker registers confirmations and waits for their outcome.
type ConfirmationBroker interface {
	RequestConfirmation(ctx context.Context, req confirm.Request, presenter domain.ConfirmationPresenter) (domain.Resolution, error)
	Pending(conversationID string) []domain.PendingConfirmation
}

// OrchestratorConfig holds the collaborators of one surface's orchestrator.
type OrchestratorConfig struct {
	Surface       domain.ChatSurface
	Presenter     domain.ConfirmationPresenter // defaults to Surface when it implements it
	History       domain.MessageHistory
	Processors    domain.ProcessorLookup
	Attachments   domain.AttachmentStore
	Confirmations ConfirmationBroker
	Commands      CommandProfiles

	Typing         TypingConfig
	MaxChunkChars  int
	ChunkPacing    time.Duration
	ConfirmTimeout time.Duration
	Debug          bool

	Events  *bus.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Orchestrator turns a flushed batch into a persisted user turn, a
// processing call and a delivered reply.
type Orchestrator struct {
	surface       domain.ChatSurface
	presenter     domain.ConfirmationPresenter
	history       domain.MessageHistory
	processors    domain.ProcessorLookup
	attachments   domain.AttachmentStore
	confirmations ConfirmationBroker
	commands      CommandProfiles
	resolver      *Resolver
	typing        *TypingSignaler

	maxChunk       int
	width          func(rune) int
	pacing         time.Duration
	confirmTimeout time.Duration
	debug          bool

	events  *bus.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Surface == nil || cfg.History == nil || cfg.Processors == nil || cfg.Confirmations == nil {
		return nil, fmt.Errorf("orchestrator: surface, history, processors and confirmations are required")
	}
	if cfg.Presenter == nil {
		p, ok := cfg.Surface.(domain.ConfirmationPresenter)
		if !ok {
			return nil, fmt.Errorf("orchestrator: surface %s cannot present confirmations", cfg.Surface.Interface())
		}
		cfg.Presenter = p
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = defaultMaxChunkChars
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if limit := cfg.Surface.PlainLimit(); limit > 0 && limit < cfg.MaxChunkChars {
		cfg.MaxChunkChars = limit
	}
	var width func(rune) int
	if lc, ok := cfg.Surface.(domain.LengthCounter); ok {
		width = lc.RuneLength
	}
	logger := cfg.Logger.With("interface", cfg.Surface.Interface())
	if cfg.Typing.Logger == nil {
		cfg.Typing.Logger = logger
	}

	return &Orchestrator{
		surface:        cfg.Surface,
		presenter:      cfg.Presenter,
		history:        cfg.History,
		processors:     cfg.Processors,
		attachments:    cfg.Attachments,
		confirmations:  cfg.Confirmations,
		commands:       cfg.Commands,
		resolver:       NewResolver(cfg.History, cfg.Processors, logger),
		typing:         NewTypingSignaler(cfg.Surface, cfg.Typing),
		maxChunk:       cfg.MaxChunkChars,
		width:          width,
		pacing:         cfg.ChunkPacing,
		confirmTimeout: cfg.ConfirmTimeout,
		debug:          cfg.Debug,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		logger:         logger,
	}, nil
}

// turnState is what the failure path needs to know about a turn in flight.
type turnState struct {
	conversationID string
	replyToID      string
	userTurnID     int64
}

// ProcessBatch handles one batch end to end. Processing failures are
// reported to the user and recorded on the user turn. Anything else that
// goes wrong, panics included, is reported the same way and then returned
// wrapped in ErrTurnFailed.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch domain.Batch) (err error) {
	if len(batch.Updates) == 0 {
		return nil
	}
	st := &turnState{conversationID: batch.ConversationID, replyToID: batch.Last().ExternalID}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			trace := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
			o.fail(ctx, st, trace)
			err = fmt.Errorf("%w: panic: %v", ErrTurnFailed, r)
		}
	}()

	if perr := o.processBatch(ctx, batch, st); perr != nil {
		o.fail(ctx, st, perr.Error())
		return fmt.Errorf("%w: %w", ErrTurnFailed, perr)
	}

	o.metrics.TurnsTotal.Inc()
	o.metrics.TurnLatency.Observe(time.Since(start).Seconds())
	return nil
}

func (o *Orchestrator) processBatch(ctx context.Context, batch domain.Batch, st *turnState) error {
	iface := o.surface.Interface()
	last := batch.Last()

	text, inbound := o.combine(batch)
	if strings.TrimSpace(text) == "" && inbound == nil {
		o.logger.Debug("ignoring empty batch", "conversation", batch.ConversationID, "updates", len(batch.Updates))
		return nil
	}

	if handled, err := o.handleBuiltin(ctx, batch, text); handled || err != nil {
		return err
	}

	override, rest, hasOverride := o.commands.Match(text)
	if hasOverride {
		if strings.TrimSpace(rest) != "" {
			text = rest
		}
		if !o.resolver.IsLive(override) {
			o.logger.Warn("command mapped to unknown profile", "profile", override)
			hasOverride = false
		}
	}

	threadRoot, profileID := o.resolver.Resolve(ctx, iface, batch.ConversationID, last.ReplyToID)
	if hasOverride {
		profileID = override
	}

	var stored *domain.AttachmentInfo
	if inbound != nil && o.attachments != nil {
		info, err := o.attachments.StoreFile(ctx, batch.ConversationID, inbound.Data, inbound.Filename, inbound.ContentType)
		if err != nil {
			o.logger.Warn("failed to store inbound attachment", "conversation", batch.ConversationID, "filename", inbound.Filename, "err", err)
		} else {
			stored = info
		}
	}

	content := text
	if stored != nil {
		content = strings.TrimSpace(content + "\n\n[attachment: " + stored.Filename + "]")
	}
	userTurnID, err := o.history.AddTurn(ctx, domain.Turn{
		Interface:      iface,
		ConversationID: batch.ConversationID,
		ExternalID:     last.ExternalID,
		ThreadRootID:   threadRoot,
		ProfileID:      profileID,
		Role:           domain.RoleUser,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}
	st.userTurnID = userTurnID

	o.events.Emit(bus.Event{
		Type:          bus.EventTurnReceived,
		Source:        "orchestrator",
		CorrelationID: fmt.Sprint(userTurnID),
		Payload: map[string]any{
			"interface":    iface,
			"conversation": batch.ConversationID,
			"profile":      profileID,
			"updates":      len(batch.Updates),
		},
	})

	processor, ok := o.processors.Processor(profileID)
	if !ok {
		return fmt.Errorf("no processor for profile %q", profileID)
	}

	outcome, perr := o.runProcessor(ctx, processor, domain.Interaction{
		Interface:      iface,
		ConversationID: batch.ConversationID,
		UserTurnID:     userTurnID,
		ThreadRootID:   threadRoot,
		ProfileID:      profileID,
		Text:           text,
		Attachment:     stored,
		Confirmer: &turnConfirmer{
			o:              o,
			conversationID: batch.ConversationID,
			turnID:         userTurnID,
		},
	})
	if perr != nil {
		outcome = &domain.Outcome{ErrorTrace: perr.Error()}
	}
	if outcome == nil {
		outcome = &domain.Outcome{}
	}

	if outcome.ErrorTrace != "" {
		o.logger.Warn("processing failed", "conversation", batch.ConversationID, "turn_id", userTurnID, "profile", profileID)
		if err := o.history.AttachTurnErrorTrace(ctx, userTurnID, outcome.ErrorTrace); err != nil {
			o.logger.Warn("failed to record error trace", "turn_id", userTurnID, "err", err)
		}
		if strings.TrimSpace(outcome.ReplyText) == "" {
			o.metrics.TurnFailures.Inc()
			o.sendFailureNotice(ctx, st, outcome.ErrorTrace)
			o.emitDone(bus.EventTurnFailed, userTurnID, batch.ConversationID, profileID)
			return nil
		}
	}

	if strings.TrimSpace(outcome.ReplyText) != "" {
		firstID, err := o.dispatchReply(ctx, batch.ConversationID, last.ExternalID, outcome.ReplyText, outcome.Markup)
		if err != nil {
			return fmt.Errorf("deliver reply: %w", err)
		}
		if outcome.AssistantTurnID != 0 && firstID != "" {
			if err := o.history.UpdateTurnExternalID(ctx, outcome.AssistantTurnID, firstID); err != nil {
				o.logger.Warn("failed to record reply message id", "turn_id", outcome.AssistantTurnID, "external_id", firstID, "err", err)
			}
		}
	}

	o.sendAttachments(ctx, batch.ConversationID, last.ExternalID, outcome.AttachmentIDs)
	o.emitDone(bus.EventTurnCompleted, userTurnID, batch.ConversationID, profileID)
	return nil
}

// runProcessor holds the typing indicator for the whole processing call.
func (o *Orchestrator) runProcessor(ctx context.Context, p domain.Processor, in domain.Interaction) (*domain.Outcome, error) {
	typing := o.typing.Start(ctx, in.ConversationID)
	defer func() {
		if !typing.Stop() {
			o.logger.Warn("typing loop did not stop in time", "conversation", in.ConversationID)
		}
	}()
	return p.HandleInteraction(ctx, in)
}

// combine merges the batch into one message. The first attachment wins.
func (o *Orchestrator) combine(batch domain.Batch) (string, *domain.InboundAttachment) {
	var parts []string
	var att *domain.InboundAttachment
	for _, u := range batch.Updates {
		if strings.TrimSpace(u.Text) != "" {
			parts = append(parts, u.Text)
		}
		if u.Attachment == nil {
			continue
		}
		if att == nil {
			att = u.Attachment
			continue
		}
		o.logger.Warn("dropping extra attachment in batch",
			"conversation", batch.ConversationID,
			"kept", att.Filename,
			"dropped", u.Attachment.Filename,
		)
	}

	text := strings.Join(parts, "\n\n")
	if fwd := batch.Last().Forward; fwd != nil && fwd.DisplayName != "" {
		marker := "(forwarded from " + fwd.DisplayName + ")"
		if text == "" {
			text = marker
		} else {
			text = marker + "\n" + text
		}
	}
	return text, att
}

// dispatchReply sends the reply in chunks and returns the surface id of
// the first one. Only the first chunk replies to the user's message and
// carries the markup. A failed first chunk aborts the reply; a later failure
// stops the remaining chunks and keeps what was sent.
func (o *Orchestrator) dispatchReply(ctx context.Context, conversationID, replyToID, text string, markup *domain.ReplyMarkup) (string, error) {
	chunks := SplitMeasured(text, o.maxChunk, o.width)
	var firstID string
	sent := 0

	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if sent > 0 && o.pacing > 0 {
			select {
			case <-ctx.Done():
				o.logger.Warn("reply dispatch cancelled", "conversation", conversationID, "sent", sent, "chunks", len(chunks))
				return firstID, nil
			case <-time.After(o.pacing):
			}
		}

		msg := domain.OutgoingText{ConversationID: conversationID, Text: chunk}
		if sent == 0 {
			msg.ReplyToID = replyToID
			msg.Markup = markup
		}

		id, err := o.sendChunk(ctx, msg)
		if err != nil {
			o.metrics.ChunkFailures.Inc()
			if sent == 0 {
				return "", err
			}
			o.logger.Warn("stopping reply after chunk failure",
				"conversation", conversationID,
				"chunk", i+1,
				"chunks", len(chunks),
				"err", err,
			)
			return firstID, nil
		}
		o.metrics.ChunksSent.Inc()
		if sent == 0 {
			firstID = id
		}
		sent++
	}
	return firstID, nil
}

// sendChunk renders the chunk for the surface and falls back to plain text
// when rendering or the formatted send fails.
func (o *Orchestrator) sendChunk(ctx context.Context, msg domain.OutgoingText) (string, error) {
	plain := msg
	plain.Plain = true

	rendered, err := o.surface.Render(msg.Text)
	if err != nil {
		o.logger.Debug("render failed, sending plain text", "conversation", msg.ConversationID, "err", err)
		return o.surface.SendText(ctx, plain)
	}

	msg.Text = rendered
	id, err := o.surface.SendText(ctx, msg)
	if errors.Is(err, domain.ErrMarkupRejected) {
		o.logger.Debug("surface rejected markup, sending plain text", "conversation", msg.ConversationID)
		return o.surface.SendText(ctx, plain)
	}
	return id, err
}

func (o *Orchestrator) sendAttachments(ctx context.Context, conversationID, replyToID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if o.attachments == nil {
		o.logger.Warn("reply has attachments but no attachment store is configured", "count", len(ids))
		return
	}

	infos := make([]domain.AttachmentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := o.attachments.Get(ctx, id)
		if err != nil || info == nil {
			o.logger.Warn("attachment not found", "attachment_id", id, "err", err)
			continue
		}
		infos = append(infos, *info)
	}
	if len(infos) == 0 {
		return
	}
	if err := o.surface.SendAttachments(ctx, conversationID, infos, replyToID); err != nil {
		o.logger.Warn("failed to send attachments", "conversation", conversationID, "count", len(infos), "err", err)
	}
}

// fail is the last-resort failure path for unexpected errors.
func (o *Orchestrator) fail(ctx context.Context, st *turnState, trace string) {
	o.metrics.TurnFailures.Inc()
	o.logger.Error("turn failed", "conversation", st.conversationID, "turn_id", st.userTurnID, "err", firstLine(trace))

	o.sendFailureNotice(ctx, st, trace)
	if st.userTurnID != 0 {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		if err := o.history.AttachTurnErrorTrace(rctx, st.userTurnID, trace); err != nil {
			o.logger.Warn("failed to record error trace", "turn_id", st.userTurnID, "err", err)
		}
	}
	o.emitDone(bus.EventTurnFailed, st.userTurnID, st.conversationID, "")
}

// sendFailureNotice tells the user something went wrong: the trace itself in
// debug mode, an apology otherwise. Failures here are only logged.
func (o *Orchestrator) sendFailureNotice(ctx context.Context, st *turnState, trace string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	msg := domain.OutgoingText{ConversationID: st.conversationID, ReplyToID: st.replyToID, Text: apologyText, Plain: true}
	if o.debug {
		if parts := SplitMeasured(trace, o.maxChunk-100, o.width); len(parts) > 1 {
			trace = parts[0] + "…"
		}
		msg.Text = o.surface.EscapeDebug(trace)
		msg.Plain = false
	}
	if _, err := o.surface.SendText(rctx, msg); err != nil {
		o.logger.Warn("failed to send failure notice", "conversation", st.conversationID, "err", err)
	}
}

func (o *Orchestrator) emitDone(eventType string, turnID int64, conversationID, profileID string) {
	o.events.Emit(bus.Event{
		Type:          eventType,
		Source:        "orchestrator",
		CorrelationID: fmt.Sprint(turnID),
		Payload: map[string]any{
			"interface":    o.surface.Interface(),
			"conversation": conversationID,
			"profile":      profileID,
		},
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// confirmationKey scopes a model-supplied call id to its turn. Providers
// reuse ids across conversations; turn ids are unique.
func confirmationKey(turnID int64, callID string) string {
	return "t" + strconv.FormatInt(turnID, 10) + ":" + callID
}

// turnConfirmer is the confirmation capability handed to processing for
// one turn.
type turnConfirmer struct {
	o              *Orchestrator
	conversationID string
	turnID         int64
}

func (c *turnConfirmer) RequestConfirmation(ctx context.Context, req domain.ConfirmationRequest) (domain.Resolution, error) {
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = "Confirm execution of tool: " + req.ToolName
	}
	return c.o.confirmations.RequestConfirmation(ctx, confirm.Request{
		Interface:      c.o.surface.Interface(),
		ConversationID: c.conversationID,
		TurnID:         c.turnID,
		ToolName:       req.ToolName,
		CallID:         confirmationKey(c.turnID, req.CallID),
		Arguments:      req.Arguments,
		Prompt:         prompt,
		Timeout:        c.o.confirmTimeout,
	}, c.o.presenter)
}
