package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hearthbot/internal/config"
	"hearthbot/internal/memory"
	"hearthbot/internal/profile"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "hearthbot",
		Short:   "hearthbot: a family assistant for Telegram and the web",
		Long:    "hearthbot batches chat messages into turns, runs them through an LLM with notes, events and files as tools, and asks before doing anything risky.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.hearthbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(configCmd())
	root.AddCommand(profilesCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.Workspace, cfg.Profiles.Dir, cfg.Attachments.StoragePath} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "profiles", config.ExpandPath(cfg.Profiles.Dir))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. batching.quietMillis)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. confirm.timeoutSeconds 300)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.ListPaths(config.Sanitize(cfg)), "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List processing profiles and their commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			set, err := profile.Load(cfg.Profiles.Dir, cfg.Profiles.Default, cfg.Profiles.Commands, logger)
			if err != nil {
				return err
			}

			commands := make(map[string][]string)
			for name, id := range set.Commands() {
				commands[id] = append(commands[id], "/"+name)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROVIDER\tMODEL\tCOMMANDS\tDEFAULT")
			for _, p := range set.All() {
				def := ""
				if p.ID == set.DefaultID() {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", p.ID, orDash(p.Provider), orDash(p.Model), commands[p.ID], def)
			}
			return tw.Flush()
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		iface string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history [conversation]",
		Short: "Show recent turns of a conversation, or list conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				convs, err := store.ListConversations(ctx, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INTERFACE\tCONVERSATION\tTURNS\tLAST")
				for _, c := range convs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Interface, c.ConversationID, c.Turns, c.LastAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			}

			turns, err := store.ThreadTurns(ctx, iface, args[0], nil, limit)
			if err != nil {
				return err
			}
			for _, t := range turns {
				thread := "-"
				if t.ThreadRootID != nil {
					thread = fmt.Sprint(*t.ThreadRootID)
				}
				fmt.Fprintf(out, "#%d [%s] %s thread=%s profile=%s\n", t.ID, t.CreatedAt.Local().Format(time.DateTime), t.Role, thread, t.ProfileID)
				switch {
				case len(t.ToolCalls) > 0:
					for _, c := range t.ToolCalls {
						fmt.Fprintf(out, "  -> %s(%s)\n", c.Name, c.Arguments)
					}
				case t.Role == "tool":
					fmt.Fprintf(out, "  <- %s: %s\n", t.ToolName, t.Content)
				}
				if t.Content != "" && t.Role != "tool" {
					fmt.Fprintf(out, "  %s\n", t.Content)
				}
				if t.ErrorTrace != "" {
					fmt.Fprintf(out, "  error: %s\n", t.ErrorTrace)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&iface, "interface", "telegram", "surface the conversation belongs to (telegram, web)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 30, "maximum number of rows")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
