package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"hearthbot/internal/bus"
	"hearthbot/internal/config"
	"hearthbot/internal/memory"
	"hearthbot/internal/processing"
	"hearthbot/internal/profile"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the hearthbot installation",
		Long: `Verifies that the configuration, database, profiles, providers and
surfaces are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			r := &report{out: out}
			cfgPath := resolveConfigPath()
			fmt.Fprintf(out, "hearthbot doctor v%s\n\n", version)

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(out, "\nRun 'hearthbot init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger); err != nil {
				r.fail("Database", err.Error())
			} else {
				store.Close()
				r.pass("Database", cfg.Memory.DBPath)
			}

			set, err := profile.Load(cfg.Profiles.Dir, cfg.Profiles.Default, cfg.Profiles.Commands, logger)
			if err != nil {
				r.fail("Profiles", err.Error())
			} else {
				r.pass("Profiles", fmt.Sprintf("%d loaded, default %s", len(set.All()), set.DefaultID()))
				models := processing.NewModelFactory(cfg.Providers)
				for _, p := range set.All() {
					if _, name, err := models.Model(p.Provider, p.Model); err != nil {
						r.warn("Profile: "+p.ID, err.Error())
					} else {
						r.pass("Profile: "+p.ID, name)
					}
				}
			}

			tc := cfg.Channels.Telegram
			switch {
			case !tc.Enabled:
				r.warn("Telegram", "disabled")
			case tc.Token == "":
				r.fail("Telegram", "enabled but no token configured")
			case len(tc.AllowFrom) == 0:
				r.warn("Telegram", "no allowFrom list, anyone can talk to the bot")
			default:
				r.pass("Telegram", fmt.Sprintf("%d allowed users", len(tc.AllowFrom)))
			}

			if wc := cfg.Channels.Web; wc.Enabled {
				addr := net.JoinHostPort(wc.Host, strconv.Itoa(wc.Port))
				if err := checkPort(addr); err != nil {
					r.warn("Web port", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					r.pass("Web port", addr+" available")
				}
			}

			if cfg.Events.AMQP.URL != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				sink, err := bus.DialAMQP(ctx, bus.AMQPOptions{
					URL:           cfg.Events.AMQP.URL,
					Exchange:      cfg.Events.AMQP.Exchange,
					Producer:      cfg.Events.AMQP.Producer,
					RetryAttempts: 1,
					Logger:        logger,
				})
				cancel()
				if err != nil {
					r.fail("AMQP", err.Error())
				} else {
					sink.Close()
					r.pass("AMQP", cfg.Events.AMQP.Exchange)
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
