package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskhub/internal/app"
	"taskhub/internal/config"
	"taskhub/internal/db"
	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
	"taskhub/internal/logging"
	"taskhub/internal/migrate"
	"taskhub/internal/server"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskhub",
		Short: "Taskhub CLI",
		Long: `Taskhub is a small task tracker with session-cookie auth and an HTTP API.
- serve: run the API (OpenAPI at <base>/openapi.json, Swagger UI at /docs).
- user / task: manage the workspace database directly; task commands act as --as <email>.
- events tail: read the audit log written by every mutation.`,
		SilenceUsage: true,
	}
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (default from config, else .)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/taskhub.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := newLogger(cfg)
			a, err := app.Open(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Auth:     a.Auth,
				Guard:    a.Guard,
				BasePath: cfg.Server.BasePath,
				Cookies:  server.CookieConfig{Name: cfg.Session.CookieName, Secure: cfg.Session.Secure},
				Logger:   log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			hookCtx, stopHooks := context.WithCancel(context.Background())
			defer stopHooks()
			dispatcher := server.NewWebhookDispatcher(a.Engine.Repo, cfg.Webhooks, log)
			hooksDone := make(chan struct{})
			go func() {
				defer close(hooksDone)
				dispatcher.Run(hookCtx)
			}()

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- srv.ListenAndServe()
			}()
			log.Info("serving taskhub API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "webhooks", len(cfg.Webhooks))
			fmt.Fprintf(cmd.OutOrStdout(), "Serving Taskhub API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)

			wait := gfshutdown.GracefulShutdown(
				context.Background(),
				cfg.Server.ShutdownTimeout,
				map[string]gfshutdown.Operation{
					"http": func(ctx context.Context) error {
						return srv.Shutdown(ctx)
					},
					"webhooks": func(ctx context.Context) error {
						stopHooks()
						select {
						case <-hooksDone:
							return nil
						case <-ctx.Done():
							return ctx.Err()
						}
					},
				},
			)

			select {
			case err := <-serveErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case code := <-wait:
				if code != 0 {
					return fmt.Errorf("shutdown finished with exit code %d", code)
				}
				log.Info("shutdown complete")
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Up(cmd.Context(), conn)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			version, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", db.Path(cfg.Database.Workspace), version)
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userAddCmd())
	usr.AddCommand(userListCmd())
	return usr
}

func userAddCmd() *cobra.Command {
	var in auth.RegisterInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Password == "" {
				in.Password = os.Getenv("TASKHUB_PASSWORD")
			}
			return withApp(func(a *app.App) error {
				u, err := a.Auth.Register(cmd.Context(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), u)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Password, "password", "", "password (or TASKHUB_PASSWORD)")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				users, err := a.Engine.Repo.ListUsers(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, u.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{Use: "task", Short: "Manage tasks of a user"}
	tsk.PersistentFlags().String("as", "", "email of the acting user")
	_ = viper.BindPFlag("as", tsk.PersistentFlags().Lookup("as"))
	tsk.AddCommand(taskListCmd())
	tsk.AddCommand(taskAddCmd())
	tsk.AddCommand(taskSetCmd())
	tsk.AddCommand(taskRmCmd())
	tsk.AddCommand(taskSummaryCmd())
	return tsk
}

func taskListCmd() *cobra.Command {
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				tasks, err := a.Engine.ListTasks(ctx, p, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Due", "Created"})
				for _, t := range tasks {
					due := ""
					if t.DueDate != nil {
						due = t.DueDate.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, due, t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Priorities, "priority", nil, "priority filter (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "status filter (repeatable or comma separated)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title substring")
	cmd.Flags().StringVar(&opts.SortBy, "sort-by", "", "sort field (status, dueDate, createdAt, title, ...)")
	cmd.Flags().StringVar(&opts.SortOrder, "sort-order", "", "asc or desc")
	return cmd
}

func taskAddCmd() *cobra.Command {
	var in engine.CreateTaskInput
	var due string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if due != "" {
				t, err := engine.ParseDueDate(due)
				if err != nil {
					return err
				}
				in.DueDate = &t
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				t, err := a.Engine.CreateTask(ctx, p, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringVar(&in.Status, "status", "", "pending, in_progress, completed or cancelled")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func taskSetCmd() *cobra.Command {
	var description, status, priority, due string
	var clearDue bool
	var version int
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Update fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.TaskPatch
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}
			if cmd.Flags().Changed("priority") {
				patch.Priority = &priority
			}
			if clearDue {
				patch.DueDateSet = true
			} else if due != "" {
				t, err := engine.ParseDueDate(due)
				if err != nil {
					return err
				}
				patch.DueDateSet = true
				patch.DueDate = &t
			}
			if cmd.Flags().Changed("version") {
				patch.Version = &version
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				t, err := a.Engine.UpdateTask(ctx, p, args[0], patch, true)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&due, "due", "", "due date")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "remove the due date")
	cmd.Flags().IntVar(&version, "version", 0, "expected version; fails on conflict")
	return cmd
}

func taskRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				ack, err := a.Engine.DeleteTask(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), ack)
			})
		},
	}
}

func taskSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				s, err := a.Engine.Summary(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Group", "Value", "Count"})
				for _, st := range domain.Statuses {
					tw.AppendRow(table.Row{"status", st, s.ByStatus[st]})
				}
				for _, pr := range domain.Priorities {
					tw.AppendRow(table.Row{"priority", pr, s.ByPriority[pr]})
				}
				tw.AppendFooter(table.Row{"total", fmt.Sprintf("overdue %d", s.Overdue), s.Total})
				tw.Render()
				fmt.Fprintf(cmd.OutOrStdout(), "completion rate: %.0f%%\n", s.CompletionRate*100)
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	evt := &cobra.Command{Use: "events", Short: "Read the audit log"}
	evt.AddCommand(eventsTailCmd())
	return evt
}

func eventsTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				evts, err := a.Engine.Repo.LatestEvents(cmd.Context(), n, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	})
	return cfgCmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the config file (defaults when absent) and applies flag
// and TASKHUB_* env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(configPath())
	if err != nil {
		return nil, err
	}
	if ws := viper.GetString("workspace"); ws != "" {
		cfg.Database.Workspace = ws
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if secret := viper.GetString("session_secret"); secret != "" {
		cfg.Session.Secret = secret
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

func withApp(fn func(*app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func withPrincipal(ctx context.Context, fn func(context.Context, *app.App, domain.Principal) error) error {
	email := strings.TrimSpace(viper.GetString("as"))
	if email == "" {
		return fmt.Errorf("--as <email> required")
	}
	return withApp(func(a *app.App) error {
		u, err := a.Engine.Repo.GetUserByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("user %s: %w", email, err)
		}
		return fn(ctx, a, u.Principal())
	})
}

func printJSONOrTable(w io.Writer, v any) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
