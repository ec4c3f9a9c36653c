package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:          "~/.hearthbot/workspace",
			LogLevel:           "info",
			MaxIterations:      8,
			MaxConcurrentTurns: 8,
			RateLimitPerMinute: 30,
			LLMRetries:         2,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Profiles: ProfilesConfig{
			Dir:     "~/.hearthbot/profiles",
			Default: "assistant",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				ParseMode: "HTML",
			},
			Web: WebConfig{
				Host: "127.0.0.1",
				Port: 8080,
				Path: "/ws",
			},
		},
		Memory: MemoryConfig{
			DBPath:       "~/.hearthbot/hearthbot.db",
			HistoryLimit: 40,
		},
		Attachments: AttachmentsConfig{
			StoragePath:   "~/.hearthbot/attachments",
			PublicBaseURL: "http://127.0.0.1:8080",
			MaxSizeBytes:  20 * 1024 * 1024,
		},
		Batching: BatchingConfig{
			QuietMillis:  1500,
			MaxAgeMillis: 8000,
		},
		Dispatch: DispatchConfig{
			MaxChunkChars:     4000,
			ChunkPacingMillis: 400,
		},
		Typing: TypingConfig{
			IntervalSeconds: 4,
			StopGraceMillis: 1000,
		},
		Confirm: ConfirmConfig{
			TimeoutSeconds: 600,
		},
		Security: SecurityConfig{
			DefaultPolicy:   "allow",
			Blacklist:       []string{},
			Whitelist:       defaultWhitelist(),
			ConfirmPatterns: defaultConfirmPatterns(),
			AuditLog:        true,
		},
		Events: EventsConfig{
			AMQP: AMQPConfig{
				Exchange: "hearthbot.events",
				Producer: "hearthbot",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

// Read-only tools never need a confirmation.
func defaultWhitelist() []string {
	return []string{"^list_", "^search_"}
}

func defaultConfirmPatterns() []string {
	return []string{"^delete_", "^export_"}
}
