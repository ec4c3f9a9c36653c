package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PresenceSender sends a "typing…" style signal to a conversation.
type PresenceSender interface {
	SendPresence(ctx context.Context, conversationID string) error
}

// TypingConfig configures the typing keepalive.
type TypingConfig struct {
	Interval   time.Duration // between signals, default 4s
	MaxBackoff time.Duration // cap for the delay after failed sends, default 30s
	StopGrace  time.Duration // how long Stop waits for the loop, default 1s
	Logger     *slog.Logger
}

// TypingSignaler keeps a presence indicator alive while a turn is being
// processed.
type TypingSignaler struct {
	sender PresenceSender
	cfg    TypingConfig
}

func NewTypingSignaler(sender PresenceSender, cfg TypingConfig) *TypingSignaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = max(30*time.Second, cfg.Interval)
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TypingSignaler{sender: sender, cfg: cfg}
}

// TypingHandle is the scope of one typing loop.
type TypingHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	grace  time.Duration
	once   sync.Once
}

// Start sends a presence signal right away and then every Interval until
// the handle is stopped or ctx ends.
func (s *TypingSignaler) Start(ctx context.Context, conversationID string) *TypingHandle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &TypingHandle{cancel: cancel, done: make(chan struct{}), grace: s.cfg.StopGrace}
	go s.loop(loopCtx, conversationID, h.done)
	return h
}

func (s *TypingSignaler) loop(ctx context.Context, conversationID string, done chan<- struct{}) {
	defer close(done)

	var delay time.Duration
	failures := 0
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.sender.SendPresence(ctx, conversationID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			delay = s.backoff(failures)
			s.cfg.Logger.Warn("typing signal failed", "conversation", conversationID, "failures", failures, "retry_in", delay, "err", err)
			continue
		}
		failures = 0
		delay = s.cfg.Interval
	}
}

func (s *TypingSignaler) backoff(failures int) time.Duration {
	d := s.cfg.Interval
	for i := 0; i < failures && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.cfg.MaxBackoff)
}

// Stop ends the loop and waits up to the grace period for it to exit. It
// reports whether the loop finished in time and is safe to call repeatedly.
func (h *TypingHandle) Stop() bool {
	h.once.Do(h.cancel)

	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}
