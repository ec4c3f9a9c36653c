package processing

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"hearthbot/internal/bus"
	"hearthbot/internal/domain"
	"hearthbot/internal/metrics"
	"hearthbot/internal/profile"
	"hearthbot/internal/tool"
)

// Lookup maps profile ids to their processing services. It is not modified
// after construction.
type Lookup struct {
	services map[string]domain.Processor
	def      string
}

func NewLookup(defaultID string, services map[string]domain.Processor) (*Lookup, error) {
	if _, ok := services[defaultID]; !ok {
		return nil, fmt.Errorf("default profile %q has no processor", defaultID)
	}
	return &Lookup{services: services, def: defaultID}, nil
}

func (l *Lookup) Processor(profileID string) (domain.Processor, bool) {
	p, ok := l.services[profileID]
	return p, ok
}

func (l *Lookup) DefaultProfile() string { return l.def }

// ModelSource resolves a profile's provider and model to a client.
type ModelSource interface {
	Model(provider, modelName string) (llms.Model, string, error)
}

// Shared holds the collaborators every profile's service uses.
type Shared struct {
	Models      ModelSource
	Tools       *tool.Registry
	Security    domain.SecurityEngine
	History     domain.MessageHistory
	Attachments AttachmentReader
	Limiter     *RateLimiter

	MaxIterations int
	HistoryLimit  int
	LLMRetries    int // transient failures retried per model
	Location      *time.Location

	Events  *bus.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// withFallbacks wraps the profile's model in a FailoverModel when the
// profile lists fallbacks or retries are enabled. Unavailable fallbacks are
// skipped.
func withFallbacks(p profile.Profile, primary NamedModel, shared Shared) (llms.Model, string) {
	chain := []NamedModel{primary}
	for _, fb := range p.Fallbacks {
		provider, modelName, _ := strings.Cut(fb, "/")
		m, name, err := shared.Models.Model(provider, modelName)
		if err != nil {
			shared.Logger.Warn("fallback model unavailable", "profile", p.ID, "fallback", fb, "err", err)
			continue
		}
		chain = append(chain, NamedModel{Name: name, Model: m})
	}
	if len(chain) == 1 && shared.LLMRetries <= 0 {
		return primary.Model, primary.Name
	}
	fm := NewFailoverModel(shared.LLMRetries, shared.Logger, chain...)
	return fm, fm.Name()
}

// Build creates a service per profile. A profile whose model cannot be
// created is skipped with a warning, unless it is the default profile.
func Build(set *profile.Set, shared Shared) (*Lookup, error) {
	if shared.Logger == nil {
		shared.Logger = slog.Default()
	}
	if shared.Limiter == nil {
		shared.Limiter = NewRateLimiter(0, 0)
	}

	services := make(map[string]domain.Processor)
	for _, p := range set.All() {
		model, modelName, err := shared.Models.Model(p.Provider, p.Model)
		if err != nil {
			if p.ID == set.DefaultID() {
				return nil, fmt.Errorf("default profile %s: %w", p.ID, err)
			}
			shared.Logger.Warn("profile disabled, model unavailable", "profile", p.ID, "err", err)
			continue
		}
		model, modelName = withFallbacks(p, NamedModel{Name: modelName, Model: model}, shared)
		svc, err := NewService(Config{
			Profile:       p,
			Model:         model,
			ModelName:     modelName,
			Tools:         shared.Tools,
			Security:      shared.Security,
			History:       shared.History,
			Attachments:   shared.Attachments,
			Limiter:       shared.Limiter,
			MaxIterations: shared.MaxIterations,
			HistoryLimit:  shared.HistoryLimit,
			Location:      shared.Location,
			Events:        shared.Events,
			Metrics:       shared.Metrics,
			Logger:        shared.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		services[p.ID] = svc
		shared.Logger.Info("profile ready", "profile", p.ID, "model", modelName)
	}
	return NewLookup(set.DefaultID(), services)
}
