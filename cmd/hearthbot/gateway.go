package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hearthbot/internal/agent"
	"hearthbot/internal/attachment"
	"hearthbot/internal/bus"
	"hearthbot/internal/channel"
	"hearthbot/internal/config"
	"hearthbot/internal/confirm"
	"hearthbot/internal/domain"
	"hearthbot/internal/memory"
	"hearthbot/internal/metrics"
	"hearthbot/internal/processing"
	"hearthbot/internal/profile"
	"hearthbot/internal/security"
	"hearthbot/internal/tool"
)

const shutdownTimeout = 15 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (Telegram + Web)",
		Long:  "Starts every enabled surface with its batcher and orchestrator. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

// surface is one running chat surface and its inbound pipeline.
type surface struct {
	chat    domain.ChatSurface
	orch    *agent.Orchestrator
	batcher *bus.Batcher
	start   func(ctx context.Context, sink channel.UpdateSink) error
}

// gateway holds the collaborators shared by every surface.
type gateway struct {
	cfg         *config.Config
	store       *memory.SQLiteStore
	attachments *attachment.Store
	confirms    *confirm.Coordinator
	profiles    *profile.Set
	processors  *processing.Lookup
	events      *bus.EventBus
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, closeLog := config.SetupLogger(cfg.General.LogFile, config.ParseLevel(cfg.General.LogLevel))
	defer closeLog()
	logger = log
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, log)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	attachments, err := attachment.NewStore(attachment.Config{
		StoragePath:   cfg.Attachments.StoragePath,
		PublicBaseURL: cfg.Attachments.PublicBaseURL,
		MaxSizeBytes:  cfg.Attachments.MaxSizeBytes,
		Index:         store,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("attachment store: %w", err)
	}

	events := bus.NewEventBus(log)
	m := metrics.New()

	if cfg.Events.AMQP.URL != "" {
		sink, err := bus.DialAMQP(ctx, bus.AMQPOptions{
			URL:      cfg.Events.AMQP.URL,
			Exchange: cfg.Events.AMQP.Exchange,
			Producer: cfg.Events.AMQP.Producer,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		sink.Attach(events)
		defer sink.Close()
		log.Info("publishing events to amqp", "exchange", cfg.Events.AMQP.Exchange)
	}

	var audit security.AuditLogger
	if cfg.Security.AuditLog {
		audit = store
	}
	secEngine, err := security.NewEngine(cfg.Security, audit, log)
	if err != nil {
		return fmt.Errorf("security engine: %w", err)
	}

	profiles, err := profile.Load(cfg.Profiles.Dir, cfg.Profiles.Default, cfg.Profiles.Commands, log)
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}

	processors, err := processing.Build(profiles, processing.Shared{
		Models:        processing.NewModelFactory(cfg.Providers),
		Tools:         tool.NewBuiltinRegistry(store, attachments, time.Local, log),
		Security:      secEngine,
		History:       store,
		Attachments:   attachments,
		Limiter:       processing.NewRateLimiter(0, float64(cfg.General.RateLimitPerMinute)),
		MaxIterations: cfg.General.MaxIterations,
		HistoryLimit:  cfg.Memory.HistoryLimit,
		LLMRetries:    cfg.General.LLMRetries,
		Location:      time.Local,
		Events:        events,
		Metrics:       m,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("processing: %w", err)
	}

	g := &gateway{
		cfg:         cfg,
		store:       store,
		attachments: attachments,
		confirms: confirm.NewCoordinator(confirm.Config{
			Audit:   audit,
			Events:  events,
			Metrics: m,
			Logger:  log,
		}),
		profiles:   profiles,
		processors: processors,
		events:     events,
		metrics:    m,
		logger:     log,
	}

	surfaces, err := g.surfaces()
	if err != nil {
		return err
	}
	if len(surfaces) == 0 {
		return errors.New("no surface enabled: enable channels.telegram or channels.web")
	}

	var wg sync.WaitGroup
	for _, s := range surfaces {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.start(ctx, s.orch.Intake(ctx, s.batcher.Add)); err != nil {
				log.Error("surface stopped", "interface", s.chat.Interface(), "err", err)
			}
		}()
	}

	log.Info("gateway started. Press Ctrl+C to stop.", "version", version, "surfaces", len(surfaces))
	<-ctx.Done()
	log.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, s := range surfaces {
		if err := s.batcher.Close(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("%s batcher: %w", s.chat.Interface(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out, forcing exit")
		shutdownErr = errors.Join(shutdownErr, errors.New("shutdown timed out"))
	}
	return shutdownErr
}

// surfaces builds the enabled surfaces, each with its own orchestrator and
// batcher.
func (g *gateway) surfaces() ([]surface, error) {
	var out []surface

	tc := g.cfg.Channels.Telegram
	if tc.Enabled && tc.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:         tc.Token,
			AllowFrom:     tc.AllowFrom,
			ParseMode:     tc.ParseMode,
			Confirmations: g.confirms,
			Logger:        g.logger,
		})
		if err := tg.Connect(); err != nil {
			return nil, err
		}
		s, err := g.pipeline(tg, tg.Start)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	} else {
		g.logger.Info("telegram surface disabled")
	}

	wc := g.cfg.Channels.Web
	if wc.Enabled {
		webCfg := channel.WebConfig{
			Host:           wc.Host,
			Port:           wc.Port,
			Path:           wc.Path,
			AllowedOrigins: wc.AllowedOrigins,
			Attachments:    g.attachments,
			Confirmations:  g.confirms,
			Config:         g.cfg,
			Logger:         g.logger,
		}
		if g.cfg.Metrics.Enabled {
			webCfg.Metrics = g.metrics
			webCfg.MetricsPath = g.cfg.Metrics.Endpoint
		}
		web := channel.NewWeb(webCfg)
		s, err := g.pipeline(web, web.Start)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	} else {
		g.logger.Info("web surface disabled")
		if g.cfg.Metrics.Enabled {
			g.logger.Warn("metrics are served by the web surface, which is disabled")
		}
	}

	return out, nil
}

func (g *gateway) pipeline(chat domain.ChatSurface, start func(context.Context, channel.UpdateSink) error) (surface, error) {
	orch, err := agent.NewOrchestrator(agent.OrchestratorConfig{
		Surface:       chat,
		History:       g.store,
		Processors:    g.processors,
		Attachments:   g.attachments,
		Confirmations: g.confirms,
		Commands:      agent.CommandProfiles(g.profiles.Commands()),
		Typing: agent.TypingConfig{
			Interval:  g.cfg.Typing.Interval(),
			StopGrace: g.cfg.Typing.StopGrace(),
		},
		MaxChunkChars:  g.cfg.Dispatch.MaxChunkChars,
		ChunkPacing:    g.cfg.Dispatch.Pacing(),
		ConfirmTimeout: g.cfg.Confirm.Timeout(),
		Debug:          g.cfg.General.Debug,
		Events:         g.events,
		Metrics:        g.metrics,
		Logger:         g.logger,
	})
	if err != nil {
		return surface{}, err
	}

	batcher, err := bus.NewBatcher(bus.BatcherConfig{
		Quiet:       g.cfg.Batching.Quiet(),
		MaxAge:      g.cfg.Batching.MaxAge(),
		Concurrency: g.cfg.General.MaxConcurrentTurns,
		Handler:     orch.ProcessBatch,
		Events:      g.events,
		Metrics:     g.metrics,
		Logger:      g.logger.With("interface", chat.Interface()),
	})
	if err != nil {
		return surface{}, err
	}
	return surface{chat: chat, orch: orch, batcher: batcher, start: start}, nil
}
