package processing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"hearthbot/internal/profile"
)

// flakyModel fails the first failures calls with err, then answers.
type flakyModel struct {
	failures int
	err      error
	calls    int
	reply    string
}

func (m *flakyModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, m.err
	}
	return textReply(m.reply), nil
}

func (m *flakyModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newTestFailover(retries int, models ...NamedModel) *FailoverModel {
	f := NewFailoverModel(retries, testLogger(), models...)
	f.backoff = func(int) time.Duration { return time.Millisecond }
	return f
}

func TestFailoverRetriesTransientErrors(t *testing.T) {
	primary := &flakyModel{failures: 2, err: errors.New("API returned unexpected status code: 503"), reply: "ok"}
	f := newTestFailover(2, NamedModel{Name: "primary", Model: primary})

	resp, err := f.GenerateContent(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Content)
	assert.Equal(t, 3, primary.calls)
}

func TestFailoverMovesToNextModel(t *testing.T) {
	primary := &flakyModel{failures: 10, err: errors.New("429 Too Many Requests")}
	backup := &flakyModel{reply: "from backup"}
	f := newTestFailover(1, NamedModel{Name: "primary", Model: primary}, NamedModel{Name: "backup", Model: backup})

	out, err := f.Call(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "from backup", out)
	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, 1, backup.calls)
	assert.Equal(t, "primary→backup", f.Name())
}

func TestFailoverDoesNotRetryPermanentErrors(t *testing.T) {
	primary := &flakyModel{failures: 10, err: errors.New("invalid api key")}
	f := newTestFailover(3, NamedModel{Name: "primary", Model: primary})

	_, err := f.GenerateContent(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, primary.calls)
}

func TestFailoverAllFail(t *testing.T) {
	f := newTestFailover(0,
		NamedModel{Name: "a", Model: &flakyModel{failures: 1, err: errors.New("boom a")}},
		NamedModel{Name: "b", Model: &flakyModel{failures: 1, err: errors.New("boom b")}},
	)
	_, err := f.GenerateContent(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all models in failover chain failed")
	assert.Contains(t, err.Error(), "boom b")
}

func TestFailoverStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &flakyModel{failures: 10, err: errors.New("timeout")}
	f := NewFailoverModel(3, testLogger(), NamedModel{Name: "primary", Model: primary})

	_, err := f.GenerateContent(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, primary.calls)
}

func TestWithFallbacks(t *testing.T) {
	models := modelSourceFunc(func(provider, modelName string) (llms.Model, string, error) {
		if provider == "anthropic" {
			return nil, "", errors.New("provider anthropic is not enabled")
		}
		if modelName == "" {
			modelName = provider + "-default"
		}
		return &flakyModel{}, modelName, nil
	})
	primary := NamedModel{Name: "llama3.1", Model: &flakyModel{}}

	p := profile.Profile{ID: "assistant"}
	m, name := withFallbacks(p, primary, Shared{Models: models, Logger: testLogger()})
	assert.Same(t, primary.Model, m)
	assert.Equal(t, "llama3.1", name)

	p.Fallbacks = []string{"anthropic", "openai/gpt-4o-mini", "ollama"}
	m, name = withFallbacks(p, primary, Shared{Models: models, Logger: testLogger()})
	require.IsType(t, &FailoverModel{}, m)
	assert.Equal(t, "llama3.1→gpt-4o-mini→ollama-default", name)

	p.Fallbacks = nil
	m, _ = withFallbacks(p, primary, Shared{Models: models, LLMRetries: 2, Logger: testLogger()})
	assert.IsType(t, &FailoverModel{}, m)
}
