package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"hearthbot/internal/domain"
	"hearthbot/internal/metrics"
)

// ErrBatcherClosed is returned by Add after Close.
var ErrBatcherClosed = errors.New("batcher closed")

// BatchHandler processes one flushed batch.
type BatchHandler func(ctx context.Context, batch domain.Batch) error

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	Quiet       time.Duration // flush after this long without a new update
	MaxAge      time.Duration // flush no later than this after the first update
	Concurrency int           // max batches processed at once across conversations; 0 = unbounded
	Handler     BatchHandler
	Events      *EventBus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Batcher merges rapid-fire updates from one conversation into a single
// batch. Batches of one conversation are handled one at a time in flush
// order; different conversations are handled concurrently.
type Batcher struct {
	cfg    BatcherConfig
	logger *slog.Logger
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lanes    map[string]*lane
	timerSeq uint64
	closed   bool
}

// lane is the per-conversation state.
type lane struct {
	open     *openBatch
	ready    []domain.Batch
	draining bool
}

type openBatch struct {
	conversationID string
	updates        []domain.InboundUpdate
	started        time.Time
	timer          *time.Timer
	timerSeq       uint64
}

func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("batcher: handler is required")
	}
	if cfg.Quiet < 0 || cfg.MaxAge < cfg.Quiet {
		return nil, fmt.Errorf("batcher: invalid windows quiet=%s maxAge=%s", cfg.Quiet, cfg.MaxAge)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
	if cfg.Concurrency > 0 {
		b.sem = make(chan struct{}, cfg.Concurrency)
	}
	return b, nil
}

func laneKey(iface, conversationID string) string {
	return iface + ":" + conversationID
}

// Add appends the update to its conversation's open batch, opening one if
// needed, and pushes the flush deadline out by the quiet period.
func (b *Batcher) Add(update domain.InboundUpdate) error {
	now := time.Now()
	key := laneKey(update.Interface, update.ConversationID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBatcherClosed
	}

	l, ok := b.lanes[key]
	if !ok {
		l = &lane{}
		b.lanes[key] = l
	}
	if l.open == nil {
		l.open = &openBatch{conversationID: update.ConversationID, started: now}
	}
	ob := l.open
	ob.updates = append(ob.updates, update)
	b.cfg.Metrics.UpdatesReceived.Inc()

	delay := b.cfg.Quiet
	if remaining := b.cfg.MaxAge - now.Sub(ob.started); remaining < delay {
		delay = max(remaining, 0)
	}

	if ob.timer != nil {
		ob.timer.Stop()
	}
	b.timerSeq++
	seq := b.timerSeq
	ob.timerSeq = seq
	ob.timer = time.AfterFunc(delay, func() { b.onTimer(key, seq) })
	return nil
}

// onTimer flushes the open batch unless a later Add rescheduled it or it
// was already flushed.
func (b *Batcher) onTimer(key string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.lanes[key]
	if !ok || l.open == nil || l.open.timerSeq != seq {
		return
	}
	b.flushLocked(key, l)
}

// flushLocked moves the open batch to the ready queue. Updates arriving
// afterwards start a new batch.
func (b *Batcher) flushLocked(key string, l *lane) {
	ob := l.open
	l.open = nil
	if ob.timer != nil {
		ob.timer.Stop()
	}
	l.ready = append(l.ready, domain.Batch{ConversationID: ob.conversationID, Updates: ob.updates})
	b.cfg.Metrics.BatchesFlushed.Inc()

	if !l.draining {
		l.draining = true
		b.wg.Add(1)
		go b.drain(key, l)
	}
}

// drain hands ready batches of one conversation to the handler in order.
func (b *Batcher) drain(key string, l *lane) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(l.ready) == 0 {
			l.draining = false
			if l.open == nil {
				delete(b.lanes, key)
			}
			b.mu.Unlock()
			return
		}
		batch := l.ready[0]
		l.ready = l.ready[1:]
		b.mu.Unlock()

		b.handle(batch)
	}
}

func (b *Batcher) handle(batch domain.Batch) {
	if b.sem != nil {
		b.sem <- struct{}{}
		defer func() { <-b.sem }()
	}

	last := batch.Last()
	b.cfg.Events.Emit(Event{
		Type:   EventBatchFlushed,
		Source: "batcher",
		Payload: map[string]any{
			"interface":    last.Interface,
			"conversation": batch.ConversationID,
			"updates":      len(batch.Updates),
		},
	})

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("batch handler panic",
				"conversation", batch.ConversationID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := b.cfg.Handler(b.ctx, batch); err != nil {
		b.logger.Error("batch handler failed",
			"interface", last.Interface,
			"conversation", batch.ConversationID,
			"updates", len(batch.Updates),
			"err", err,
		)
	}
}

// Flush forces every open batch out immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, l := range b.lanes {
		if l.open != nil {
			b.flushLocked(key, l)
		}
	}
}

// Pending reports the number of updates waiting in open batches.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, l := range b.lanes {
		if l.open != nil {
			n += len(l.open.updates)
		}
	}
	return n
}

// Close flushes open batches and waits for in-flight handlers. When ctx
// expires first, handlers are cancelled and ctx.Err() is returned.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}
