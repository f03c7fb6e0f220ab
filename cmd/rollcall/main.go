package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rollcall/internal/config"
	"rollcall/internal/db"
	"rollcall/internal/domain"
	"rollcall/internal/engine"
	"rollcall/internal/migrate"
	"rollcall/internal/report"
	"rollcall/internal/server"
	"rollcall/internal/sweep"
	"rollcall/internal/tabular"
	"rollcall/internal/telegram"
)

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Rollcall CLI",
	Long: `Rollcall tracks per-topic submission compliance for a group chat.
Participants post a #Surname_GivenName tagged message in a forum topic before
that topic's deadline; rollcall records who made it (on time or late) and
sweeps the roster to flag who is still missing.
- Workspace: the .rollcall directory holding the database; rollcall.yml next
  to it configures the server, the tag alphabet, and the sweep cadence.
- Policies: the topics being tracked, each with a daily HH:MM deadline and an
  active flag. Import them from CSV with 'rollcall policy import'.
- Roster: the participants expected in every topic, in report order.
- Records: one row per (day, topic, participant) with status on_time, late,
  or absent. Duplicates are ignored; a real submission upgrades an absent row.
- Sweeps: roster minus submitted becomes absent records; rerunning a sweep
  changes nothing. 'rollcall serve' also answers /check in the chat.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROLLCALL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage rollcall.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rollcall.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate rollcall.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Manage topic policies",
	}
	p.AddCommand(policyImportCmd())
	p.AddCommand(policyListCmd())
	return p
}

func policyImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import topic policies from CSV",
		Long: `The CSV carries one topic per row: topic, deadline (HH:MM), expected
format, active flag, chat id. The header row is skipped. Import replaces the
stored policy set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, warnings, err := tabular.ReadPoliciesFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ImportPolicies(ctx, policies); err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Println("warning:", w)
				}
				fmt.Printf("imported %d policies\n", len(policies))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List topic policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				policies := e.Policies()
				if viper.GetBool("json") {
					return printJSON(policies)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Topic", "Deadline", "Active", "Chat"})
				for _, p := range policies {
					tw.AppendRow(table.Row{p.Topic, p.Deadline, p.Active, p.ChatID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rosterCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "roster",
		Short: "Manage the participant roster",
	}
	r.AddCommand(rosterImportCmd())
	r.AddCommand(rosterListCmd())
	return r
}

func rosterImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import the roster from CSV",
		Long: `One participant name per row in the first column, "Surname GivenName"
spelling matching the submission tags. The header row is skipped. Import
replaces the stored roster and fixes the report order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, warnings, err := tabular.ReadRosterFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ImportRoster(ctx, names); err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Println("warning:", w)
				}
				fmt.Printf("imported %d participants\n", len(names))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func rosterListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				roster := e.Roster()
				if viper.GetBool("json") {
					return printJSON(roster)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Name"})
				for _, p := range roster {
					tw.AppendRow(table.Row{p.Position, p.Name})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func recordsCmd() *cobra.Command {
	var day, topic string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List submission records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if day == "" {
					day = time.Now().Format("2006-01-02")
				}
				var (
					records []domain.SubmissionRecord
					err     error
				)
				if topic != "" {
					records, err = e.Repo.RecordsByDayTopic(ctx, day, topic)
				} else {
					records, err = e.Repo.RecordsByDay(ctx, day)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Day", "Topic", "Participant", "Status", "Time", "Link"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Day, rec.Topic, rec.Participant, rec.Status, rec.EventTime, rec.Link})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "calendar day YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&topic, "topic", "", "restrict to one topic")
	return cmd
}

func sweepCmd() *cobra.Command {
	var topic string
	var notify bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a compliance sweep",
		Long: `Checks every active topic (or one topic with --topic) against the
roster and records an absent row for each missing participant. Sweeps are
idempotent. With --notify the gap report is sent to the operator chat.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				results, err := e.Sweep(ctx, topic)
				if err != nil {
					return err
				}
				text := report.Format(results)
				if viper.GetBool("json") {
					if err := printJSON(results); err != nil {
						return err
					}
				} else {
					fmt.Println(text)
				}
				if !notify {
					return nil
				}
				if e.Config.Telegram.OperatorChatID == "" {
					return fmt.Errorf("--notify requires telegram.operator_chat_id in rollcall.yml")
				}
				notifier, err := notifierFromEnv(e.Config)
				if err != nil {
					return err
				}
				return notifier.Send(ctx, e.Config.Telegram.OperatorChatID, text, true)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "sweep a single topic")
	cmd.Flags().BoolVar(&notify, "notify", false, "send the report to the operator chat")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and webhook",
		Long: `Serves the operator API (bearer auth via ROLLCALL_JWT_SECRET) and the
chat webhook. ROLLCALL_BOT_TOKEN enables outbound replies and sweep reports;
ROLLCALL_WEBHOOK_SECRET, when set, must match the webhook's secret token
header. The background sweeper follows the cadence in rollcall.yml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			if basePath == "" {
				basePath = cfg.HTTP.BasePath
			}
			if basePath == "" {
				basePath = "/v0"
			}

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			if err := e.Reload(ctx); err != nil {
				return err
			}

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ROLLCALL_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ROLLCALL_JWT_SECRET is required for bearer auth")
			}
			var notifier server.Notifier
			if token := os.Getenv("ROLLCALL_BOT_TOKEN"); token != "" {
				notifier = telegram.NewNotifier(token, cfg.Telegram.APIBase)
			} else {
				fmt.Println("ROLLCALL_BOT_TOKEN not set; command replies and sweep reports disabled")
			}

			handler, err := server.New(server.Config{
				Engine:        e,
				Notifier:      notifier,
				BasePath:      basePath,
				Auth:          authCfg,
				WebhookSecret: os.Getenv("ROLLCALL_WEBHOOK_SECRET"),
			})
			if err != nil {
				return err
			}

			if notifier != nil && cfg.Telegram.OperatorChatID != "" {
				runner := &sweep.Runner{
					Engine:         e,
					Notifier:       notifier,
					OperatorChatID: cfg.Telegram.OperatorChatID,
					Interval:       cfg.SweepInterval(),
					DailyAt:        cfg.Sweep.DailyAt,
				}
				go runner.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Rollcall API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from rollcall.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from rollcall.yml)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	if err := e.Reload(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

func notifierFromEnv(cfg *config.Config) (*telegram.Notifier, error) {
	token := os.Getenv("ROLLCALL_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("ROLLCALL_BOT_TOKEN is required to send messages")
	}
	return telegram.NewNotifier(token, cfg.Telegram.APIBase), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
