// Package confirm tracks tool calls waiting for the user's approval.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"hearthbot/internal/bus"
	"hearthbot/internal/domain"
	"hearthbot/internal/metrics"
)

var (
	// ErrDuplicateCall is returned when a call id is already pending.
	ErrDuplicateCall = errors.New("confirmation already pending for call id")
	ErrMissingCallID = errors.New("confirmation request without call id")
)

// dismissTimeout bounds the surface update made after a resolution.
const dismissTimeout = 10 * time.Second

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Request is one confirmation to register.
type Request struct {
	Interface      string
	ConversationID string
	TurnID         int64
	ToolName       string
	CallID         string
	Arguments      string
	Prompt         string
	Timeout        time.Duration
}

type Config struct {
	Audit   AuditLogger
	Events  *bus.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Coordinator holds every outstanding confirmation, keyed by call id.
// Confirmations are independent of each other: each has its own deadline
// and is resolved exactly once.
type Coordinator struct {
	audit   AuditLogger
	events  *bus.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
}

type entry struct {
	pc        domain.PendingConfirmation
	presenter domain.ConfirmationPresenter
	result    chan domain.Resolution // buffered, receives the terminal resolution once
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		audit:   cfg.Audit,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		pending: make(map[string]*entry),
	}
}

// RequestConfirmation registers the request, shows it through presenter and
// blocks the calling goroutine until the user decides, the timeout elapses
// or ctx is cancelled. Cancellation records the request as expired and
// returns ctx.Err().
func (c *Coordinator) RequestConfirmation(ctx context.Context, req Request, presenter domain.ConfirmationPresenter) (domain.Resolution, error) {
	if req.CallID == "" {
		return domain.ResolutionRejected, ErrMissingCallID
	}
	if req.Timeout <= 0 {
		return domain.ResolutionRejected, fmt.Errorf("confirmation %s: timeout must be positive", req.CallID)
	}

	e := &entry{
		pc: domain.PendingConfirmation{
			Interface:      req.Interface,
			ConversationID: req.ConversationID,
			TurnID:         req.TurnID,
			ToolName:       req.ToolName,
			CallID:         req.CallID,
			Arguments:      req.Arguments,
			Prompt:         req.Prompt,
			Deadline:       c.now().Add(req.Timeout),
			Resolution:     domain.ResolutionPending,
		},
		presenter: presenter,
		result:    make(chan domain.Resolution, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[req.CallID]; exists {
		c.mu.Unlock()
		return domain.ResolutionRejected, fmt.Errorf("%w: %s", ErrDuplicateCall, req.CallID)
	}
	c.pending[req.CallID] = e
	c.mu.Unlock()
	c.metrics.PendingConfirms.Inc()

	c.events.Emit(bus.Event{
		Type:          bus.EventConfirmationRequired,
		Source:        "confirm",
		CorrelationID: req.CallID,
		Payload: map[string]any{
			"conversation": req.ConversationID,
			"tool":         req.ToolName,
			"deadline":     e.pc.Deadline,
		},
	})

	if err := presenter.PresentConfirmation(ctx, e.pc); err != nil {
		c.mu.Lock()
		delete(c.pending, req.CallID)
		c.mu.Unlock()
		c.metrics.PendingConfirms.Dec()
		return domain.ResolutionRejected, fmt.Errorf("present confirmation %s: %w", req.CallID, err)
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case res := <-e.result:
		return res, nil
	case <-timer.C:
		return c.settle(e, domain.ResolutionExpired, "no answer before deadline"), nil
	case <-ctx.Done():
		res := c.settle(e, domain.ResolutionExpired, "request cancelled")
		if res != domain.ResolutionExpired {
			// a decision landed just before cancellation
			return res, nil
		}
		return res, ctx.Err()
	}
}

// Resolve records the user's decision for callID. Unknown, already resolved
// and past-deadline call ids are ignored; the return value reports whether
// the decision took effect.
func (c *Coordinator) Resolve(callID string, approved bool) bool {
	c.mu.Lock()
	e, ok := c.pending[callID]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("ignoring resolution for unknown or settled confirmation", "call_id", callID)
		return false
	}
	if !c.now().Before(e.pc.Deadline) {
		c.mu.Unlock()
		c.logger.Info("ignoring late resolution", "call_id", callID, "deadline", e.pc.Deadline)
		return false
	}
	c.mu.Unlock()

	want := domain.ResolutionRejected
	details := "user rejected"
	if approved {
		want = domain.ResolutionApproved
		details = "user approved"
	}
	return c.settle(e, want, details) == want
}

// settle moves e out of pending exactly once and returns the resolution
// that won.
func (c *Coordinator) settle(e *entry, res domain.Resolution, details string) domain.Resolution {
	c.mu.Lock()
	if e.pc.Resolution != domain.ResolutionPending {
		won := e.pc.Resolution
		c.mu.Unlock()
		return won
	}
	e.pc.Resolution = res
	delete(c.pending, e.pc.CallID)
	pc := e.pc
	c.mu.Unlock()

	e.result <- res
	c.metrics.PendingConfirms.Dec()
	c.metrics.ConfirmationsResolved(string(res)).Inc()
	c.logger.Info("confirmation resolved",
		"call_id", pc.CallID,
		"tool", pc.ToolName,
		"conversation", pc.ConversationID,
		"resolution", res,
	)
	c.record(pc, details)

	if d, ok := e.presenter.(domain.ConfirmationDismisser); ok {
		// Resolve runs on surface intake loops; the prompt edit must not hold them.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dismissTimeout)
			defer cancel()
			d.DismissConfirmation(ctx, pc)
		}()
	}
	return res
}

func (c *Coordinator) record(pc domain.PendingConfirmation, details string) {
	c.events.Emit(bus.Event{
		Type:          bus.EventConfirmationResolved,
		Source:        "confirm",
		CorrelationID: pc.CallID,
		Payload: map[string]any{
			"conversation": pc.ConversationID,
			"tool":         pc.ToolName,
			"resolution":   string(pc.Resolution),
		},
	})

	if c.audit == nil {
		return
	}
	action, result := "confirm_expired", "expired"
	switch pc.Resolution {
	case domain.ResolutionApproved:
		action, result = "confirm_yes", "confirmed"
	case domain.ResolutionRejected:
		action, result = "confirm_no", "denied"
	}
	err := c.audit.LogAudit(context.Background(), domain.AuditEntry{
		Action:   action,
		ToolName: pc.ToolName,
		Command:  strings.TrimSpace(pc.ToolName + " " + pc.Arguments),
		Result:   result,
		Details:  details + " (call " + pc.CallID + ")",
	})
	if err != nil {
		c.logger.Warn("failed to write confirmation audit entry", "call_id", pc.CallID, "err", err)
	}
}

// Pending lists open confirmations for a conversation, oldest deadline first.
// An empty conversationID lists all of them.
func (c *Coordinator) Pending(conversationID string) []domain.PendingConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.PendingConfirmation
	for _, e := range c.pending {
		if conversationID == "" || e.pc.ConversationID == conversationID {
			out = append(out, e.pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Lookup returns the pending confirmation for callID.
func (c *Coordinator) Lookup(callID string) (domain.PendingConfirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[callID]
	if !ok {
		return domain.PendingConfirmation{}, false
	}
	return e.pc, true
}
