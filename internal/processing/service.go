package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"hearthbot/internal/attachment"
	"hearthbot/internal/bus"
	"hearthbot/internal/domain"
	"hearthbot/internal/metrics"
	"hearthbot/internal/profile"
	"hearthbot/internal/security"
	"hearthbot/internal/tool"
)

const (
	defaultMaxIterations    = 8
	defaultHistoryLimit     = 40
	defaultMaxParallelTools = 4
	defaultMaxTokens        = 4096

	// Confirmation keys add the turn id to the call id and travel in
	// Telegram callback data, which is limited to 64 bytes.
	maxCallIDBytes = 37
	// Text attachments larger than this are cut before being shown to the model.
	maxInlineAttachment = 32 * 1024
)

const (
	resultRejected = "Not executed: rejected by the user."
	resultExpired  = "Not executed: timed out waiting for confirmation."
	stoppedEarly   = "I had to stop before finishing this. Ask me to continue if you still need it."
)

// AttachmentReader loads a stored attachment so it can be shown to the model.
type AttachmentReader interface {
	ReadAll(ctx context.Context, id string) (*domain.AttachmentInfo, []byte, error)
}

// Config wires one profile's processing service.
type Config struct {
	Profile   profile.Profile
	Model     llms.Model
	ModelName string
	Tools     *tool.Registry
	Security  domain.SecurityEngine
	History   domain.MessageHistory

	Attachments      AttachmentReader
	Limiter          *RateLimiter
	MaxIterations    int
	HistoryLimit     int
	MaxParallelTools int
	Location         *time.Location
	Now              func() time.Time

	Events  *bus.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service runs the tool-calling loop for turns processed under one profile.
type Service struct {
	profile   profile.Profile
	model     llms.Model
	modelName string
	tools     *tool.Registry
	security  domain.SecurityEngine
	history   domain.MessageHistory

	attachments   AttachmentReader
	limiter       *RateLimiter
	maxIterations int
	historyLimit  int
	toolSem       chan struct{}
	loc           *time.Location
	now           func() time.Time

	events  *bus.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Model == nil || cfg.History == nil {
		return nil, fmt.Errorf("processing: model and history are required")
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry(cfg.Logger)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(0, 0)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Profile.HistoryLimit > 0 {
		cfg.HistoryLimit = cfg.Profile.HistoryLimit
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallelTools
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		profile:       cfg.Profile,
		model:         cfg.Model,
		modelName:     cfg.ModelName,
		tools:         cfg.Tools,
		security:      cfg.Security,
		history:       cfg.History,
		attachments:   cfg.Attachments,
		limiter:       cfg.Limiter,
		maxIterations: cfg.MaxIterations,
		historyLimit:  cfg.HistoryLimit,
		toolSem:       make(chan struct{}, cfg.MaxParallelTools),
		loc:           cfg.Location,
		now:           cfg.Now,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("profile", cfg.Profile.ID),
	}, nil
}

// HandleInteraction answers one user turn. Model failures are reported
// through Outcome.ErrorTrace; the returned error is reserved for storage
// failures and cancellation.
func (s *Service) HandleInteraction(ctx context.Context, in domain.Interaction) (*domain.Outcome, error) {
	root := in.ThreadRootID
	if root == nil {
		id := in.UserTurnID
		root = &id
	}

	turns, err := s.history.ThreadTurns(ctx, in.Interface, in.ConversationID, root, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load thread history: %w", err)
	}

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt())}
	messages = append(messages, historyMessages(turns, in.UserTurnID)...)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, s.userContent(ctx, in)))

	defs := s.tools.Definitions(s.profile.AllowsTool)
	opts := []llms.CallOption{llms.WithMaxTokens(defaultMaxTokens)}
	if s.profile.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(s.profile.Temperature))
	}
	if len(defs) > 0 {
		opts = append(opts, llms.WithTools(llmTools(defs)))
	}

	var produced []string
	for iteration := 0; iteration < s.maxIterations; iteration++ {
		s.logger.Debug("llm iteration", "iteration", iteration+1, "messages", len(messages), "conversation", in.ConversationID)

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}

		start := time.Now()
		resp, err := s.model.GenerateContent(ctx, messages, opts...)
		s.metrics.LLMRequests.Inc()
		s.metrics.LLMLatency.Observe(time.Since(start).Seconds())
		if err == nil && len(resp.Choices) == 0 {
			err = errors.New("no response choices")
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Error("llm request failed", "model", s.modelName, "conversation", in.ConversationID, "err", err)
			return &domain.Outcome{
				ErrorTrace:    fmt.Sprintf("LLM error (%s): %v", s.modelName, err),
				AttachmentIDs: produced,
			}, nil
		}

		choice := resp.Choices[0]
		content := choice.Content
		calls := choice.ToolCalls
		if len(calls) == 0 && content != "" && len(defs) > 0 {
			if extracted := extractToolCalls(content, s.knownTool); len(extracted) > 0 {
				s.logger.Info("extracted tool calls from content text", "count", len(extracted))
				calls = extracted
				content = ""
			}
		}

		if len(calls) == 0 {
			return s.finish(ctx, in, root, stripRolePrefix(strings.TrimSpace(content)), produced, "")
		}

		calls = normalizeCallIDs(calls)
		if _, err := s.history.AddTurn(ctx, domain.Turn{
			Interface:      in.Interface,
			ConversationID: in.ConversationID,
			ThreadRootID:   root,
			ProfileID:      s.profile.ID,
			Role:           domain.RoleAssistant,
			Content:        content,
			ToolCalls:      callRecords(calls),
		}); err != nil {
			return nil, fmt.Errorf("persist tool call turn: %w", err)
		}
		messages = append(messages, assistantMessage(content, calls))

		results, err := s.runTools(ctx, in, calls)
		if err != nil {
			return nil, err
		}
		for i, r := range results {
			call := calls[i]
			if _, err := s.history.AddTurn(ctx, domain.Turn{
				Interface:      in.Interface,
				ConversationID: in.ConversationID,
				ThreadRootID:   root,
				ProfileID:      s.profile.ID,
				Role:           domain.RoleTool,
				Content:        r.content,
				ToolCallID:     call.ID,
				ToolName:       call.FunctionCall.Name,
			}); err != nil {
				return nil, fmt.Errorf("persist tool result: %w", err)
			}
			messages = append(messages, toolResponse(call.ID, call.FunctionCall.Name, r.content))
			produced = append(produced, r.attachmentIDs...)
		}
	}

	s.logger.Warn("max iterations reached", "max", s.maxIterations, "conversation", in.ConversationID)
	return s.finish(ctx, in, root, stoppedEarly, produced,
		fmt.Sprintf("stopped after %d model iterations without a final answer", s.maxIterations))
}

// finish persists the final assistant reply.
func (s *Service) finish(ctx context.Context, in domain.Interaction, root *int64, reply string, produced []string, trace string) (*domain.Outcome, error) {
	out := &domain.Outcome{ReplyText: reply, AttachmentIDs: produced, ErrorTrace: trace}
	if reply == "" {
		if len(produced) == 0 && trace == "" {
			out.ErrorTrace = "model returned an empty reply"
		}
		return out, nil
	}

	id, err := s.history.AddTurn(ctx, domain.Turn{
		Interface:      in.Interface,
		ConversationID: in.ConversationID,
		ThreadRootID:   root,
		ProfileID:      s.profile.ID,
		Role:           domain.RoleAssistant,
		Content:        reply,
	})
	if err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}
	out.AssistantTurnID = id
	if len(s.profile.QuickReplies) > 0 {
		out.Markup = &domain.ReplyMarkup{QuickReplies: append([]string(nil), s.profile.QuickReplies...)}
	}
	return out, nil
}

type toolOutput struct {
	content       string
	attachmentIDs []string
}

// runTools executes the calls of one model response in parallel, bounded by
// MaxParallelTools. Results keep the order of calls.
func (s *Service) runTools(ctx context.Context, in domain.Interaction, calls []llms.ToolCall) ([]toolOutput, error) {
	results := make([]toolOutput, len(calls))
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case s.toolSem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-s.toolSem }()
			results[i], errs[i] = s.executeTool(ctx, in, call)
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

// executeTool runs one call through the profile filter, the security policy
// and the user's confirmation. Only cancellation is returned as an error;
// every other failure becomes the tool result the model sees.
func (s *Service) executeTool(ctx context.Context, in domain.Interaction, call llms.ToolCall) (toolOutput, error) {
	name := call.FunctionCall.Name
	logger := s.logger.With("tool", name, "call_id", call.ID, "conversation", in.ConversationID)

	if !s.profile.AllowsTool(name) || s.tools.Get(name) == nil {
		logger.Warn("model requested unavailable tool")
		return toolOutput{content: fmt.Sprintf("Error: tool %s is not available.", name)}, nil
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(call.FunctionCall.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return toolOutput{content: fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)}, nil
		}
	}
	logger.Debug("tool call", "args", args)

	command := security.Command(name, args)
	action := domain.ActionAllow
	if s.security != nil {
		a, err := s.security.Check(ctx, name, command)
		if err != nil {
			return toolOutput{content: fmt.Sprintf("Error: security check failed: %v", err)}, nil
		}
		action = a
	}
	if action == domain.ActionAllow && s.profile.RequiresConfirmation(name) {
		action = domain.ActionConfirm
	}

	switch action {
	case domain.ActionBlock:
		s.metrics.SecurityBlocks.Inc()
		s.emit(bus.EventSecurityBlocked, in, map[string]any{"tool": name, "call_id": call.ID})
		logger.Warn("tool call blocked by security policy")
		return toolOutput{content: fmt.Sprintf("Action blocked by security policy: %s", name)}, nil

	case domain.ActionConfirm:
		if in.Confirmer == nil {
			return toolOutput{content: "Not executed: this action needs confirmation, which is not available here."}, nil
		}
		res, err := in.Confirmer.RequestConfirmation(ctx, domain.ConfirmationRequest{
			ToolName:  name,
			CallID:    call.ID,
			Arguments: call.FunctionCall.Arguments,
			Prompt:    confirmPrompt(name, args),
		})
		if ctx.Err() != nil {
			return toolOutput{}, ctx.Err()
		}
		if err != nil {
			logger.Warn("confirmation failed", "err", err)
			return toolOutput{content: fmt.Sprintf("Not executed: could not ask for confirmation: %v", err)}, nil
		}
		switch res {
		case domain.ResolutionApproved:
		case domain.ResolutionRejected:
			return toolOutput{content: resultRejected}, nil
		default:
			return toolOutput{content: resultExpired}, nil
		}
	}

	start := time.Now()
	result, err := s.tools.Execute(ctx, name, domain.ToolInvocation{ConversationID: in.ConversationID, Args: args})
	s.metrics.ToolExecutions.Inc()
	s.emit(bus.EventToolExecuted, in, map[string]any{
		"tool":        name,
		"call_id":     call.ID,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return toolOutput{}, ctx.Err()
		}
		logger.Warn("tool failed", "err", err)
		return toolOutput{content: fmt.Sprintf("Error executing tool %s: %v", name, err)}, nil
	}
	logger.Info("tool executed", "duration", time.Since(start))
	if result == nil {
		return toolOutput{}, nil
	}
	return toolOutput{content: result.Content, attachmentIDs: result.AttachmentIDs}, nil
}

func (s *Service) knownTool(name string) bool {
	return s.profile.AllowsTool(name) && s.tools.Get(name) != nil
}

func (s *Service) systemPrompt() string {
	now := s.now().In(s.loc)
	return strings.TrimSpace(s.profile.Prompt) +
		"\n\nCurrent date and time: " + now.Format("Monday, 2006-01-02 15:04 MST") + "."
}

// userContent is the text of the current turn with its attachment described
// inline. Text attachments are included up to maxInlineAttachment bytes.
func (s *Service) userContent(ctx context.Context, in domain.Interaction) string {
	text := strings.TrimSpace(in.Text)
	att := in.Attachment
	if att == nil {
		return text
	}

	var b strings.Builder
	if text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "[The user attached %s (%s, %d bytes)", att.Filename, att.MimeType, att.Size)
	if att.URL != "" {
		fmt.Fprintf(&b, ", available at %s", att.URL)
	}
	b.WriteString("]")

	if s.attachments == nil || !attachment.IsText(att.MimeType) {
		return b.String()
	}
	_, data, err := s.attachments.ReadAll(ctx, att.ID)
	if err != nil {
		s.logger.Warn("failed to read attachment", "id", att.ID, "err", err)
		return b.String()
	}
	truncated := false
	if len(data) > maxInlineAttachment {
		data = data[:maxInlineAttachment]
		truncated = true
	}
	b.WriteString("\n\n```\n")
	b.Write(data)
	b.WriteString("\n```")
	if truncated {
		b.WriteString("\n(attachment truncated)")
	}
	return b.String()
}

func (s *Service) emit(eventType string, in domain.Interaction, payload map[string]any) {
	payload["interface"] = in.Interface
	payload["conversation"] = in.ConversationID
	payload["profile"] = s.profile.ID
	s.events.Emit(bus.Event{
		Type:          eventType,
		Source:        "processing",
		CorrelationID: fmt.Sprint(in.UserTurnID),
		Payload:       payload,
	})
}

func llmTools(defs []tool.Definition) []llms.Tool {
	out := make([]llms.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// normalizeCallIDs replaces call ids that are empty, too long for a
// confirmation button, or repeated within the response.
func normalizeCallIDs(calls []llms.ToolCall) []llms.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]llms.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" || len(c.ID) > maxCallIDBytes || seen[c.ID] {
			c.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		seen[c.ID] = true
		if c.Type == "" {
			c.Type = "function"
		}
		if c.FunctionCall == nil {
			c.FunctionCall = &llms.FunctionCall{}
		}
		out[i] = c
	}
	return out
}

func callRecords(calls []llms.ToolCall) []domain.ToolCallRecord {
	out := make([]domain.ToolCallRecord, 0, len(calls))
	for _, c := range calls {
		out = append(out, domain.ToolCallRecord{ID: c.ID, Name: c.FunctionCall.Name, Arguments: c.FunctionCall.Arguments})
	}
	return out
}

// confirmPrompt describes a tool call for the person approving it.
func confirmPrompt(name string, args map[string]any) string {
	var b strings.Builder
	b.WriteString("Allow ")
	b.WriteString(strings.ReplaceAll(name, "_", " "))
	b.WriteString("?")
	for _, k := range slices.Sorted(maps.Keys(args)) {
		fmt.Fprintf(&b, "\n%s: %v", k, args[k])
	}
	return b.String()
}
