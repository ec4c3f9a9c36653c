package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// NamedModel is one entry of a failover chain.
type NamedModel struct {
	Name  string
	Model llms.Model
}

// FailoverModel tries each model in order, retrying transient failures
// (rate limits, 5xx, timeouts) on the same model before moving on.
type FailoverModel struct {
	models  []NamedModel
	retries int
	backoff func(attempt int) time.Duration
	logger  *slog.Logger
}

func NewFailoverModel(retries int, logger *slog.Logger, models ...NamedModel) *FailoverModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverModel{
		models:  models,
		retries: max(retries, 0),
		backoff: jitteredBackoff,
		logger:  logger,
	}
}

// Name lists the chain, e.g. "llama3.1→gpt-4o-mini".
func (f *FailoverModel) Name() string {
	names := make([]string, len(f.models))
	for i, m := range f.models {
		names[i] = m.Name
	}
	return strings.Join(names, "→")
}

func (f *FailoverModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if len(f.models) == 0 {
		return nil, errors.New("failover: no models configured")
	}
	var lastErr error
	for i, m := range f.models {
		resp, err := f.generate(ctx, m, messages, options)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback model", "model", m.Name, "position", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		f.logger.Warn("failover: model failed, trying next", "model", m.Name, "err", err)
	}
	if len(f.models) == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all models in failover chain failed: %w", lastErr)
}

// generate calls one model, retrying transient errors with backoff.
func (f *FailoverModel) generate(ctx context.Context, m NamedModel, messages []llms.MessageContent, options []llms.CallOption) (*llms.ContentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			wait := f.backoff(attempt)
			f.logger.Warn("retrying model call", "model", m.Name, "attempt", attempt+1, "backoff", wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		resp, err := m.Model.GenerateContent(ctx, messages, options...)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return nil, lastErr
}

func (f *FailoverModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

var transientMarkers = []string{
	"429", "500", "502", "503", "504",
	"rate limit", "too many requests", "overloaded",
	"timeout", "deadline exceeded", "connection refused", "connection reset", "eof",
}

// isTransient guesses from the error text; the provider clients do not
// expose status codes uniformly.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
