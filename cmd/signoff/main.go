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
	"golang.org/x/sync/errgroup"

	"signoff/internal/app"
	"signoff/internal/config"
	"signoff/internal/engine"
	"signoff/internal/notify"
	"signoff/internal/repo"
	"signoff/internal/scheduler"
	"signoff/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Signoff authorization and approval engine",
	Long: `Signoff answers "may this principal do this here?" and routes resources
through multi-step approval workflows.

Core concepts:
- Roles carry permissions of the form resource.action.context, where context
  widens from own to team, branch, region and organization.
- Principals hold one role and sit at a unit path such as acme/emea/berlin.
- Delegations lend a principal's role to a delegate for a time window.
- Templates define ordered approval steps; instances run one resource through
  a template snapshot.
- The event log records every change, view it with 'signoff log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "signoff.yml", "config file")
	rootCmd.PersistentFlags().String("store", "", "store URL (overrides store.url)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting principal id (empty acts as the system operator where allowed)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authorizeCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(principalCmd())
	rootCmd.AddCommand(delegationCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the escalation scheduler and notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			secret := jwtSecret(a.Config)
			if secret == "" {
				return fmt.Errorf("auth.jwt_secret or SIGNOFF_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
				Log:      a.Log,
				Version:  version,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			dispatcher, closeSinks, err := notify.NewDispatcher(a.Config, a.Engine.Repo, a.Log)
			if err != nil {
				return err
			}
			defer closeSinks()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if a.Config.Scheduler.Enabled {
				runner, err := scheduler.New(a.Config, a.Engine)
				if err != nil {
					return err
				}
				g.Go(func() error { return runner.Run(gctx) })
			}
			g.Go(func() error { return dispatcher.Run(gctx) })

			a.Log.Info().Str("addr", addr).Str("base_path", basePath).Str("version", version).Msg("Serving Signoff API")
			fmt.Printf("Serving Signoff API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", server.DefaultBasePath, "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and seed roles, principals and templates from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())
			fmt.Printf("Store %s is up to date\n", a.DB.Dialect)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func escalateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escalate",
		Short: "Run one escalation scan for overdue instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runner, err := scheduler.New(a.Config, a.Engine)
				if err != nil {
					return err
				}
				report, ran, err := runner.Tick(ctx)
				if ran {
					if relErr := runner.Locker.Release(ctx, runner.Holder); relErr != nil {
						a.Log.Warn().Err(relErr).Msg("Releasing scheduler lock failed")
					}
				}
				if err != nil {
					return err
				}
				if !ran {
					fmt.Println("another scheduler holds the escalation lock; nothing done")
					return nil
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Event log"}
	lc.AddCommand(logTailCmd())
	return lc
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Limit = n
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	kc := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create <principal>",
		Short: "Issue an API key for a principal; the secret is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":           key.ID,
					"principal_id": key.PrincipalID,
					"name":         key.Name,
					"created_at":   key.CreatedAt,
					"secret":       secret,
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list [principal]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := ""
			if len(args) == 1 {
				principal = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, principal)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Principal", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.PrincipalID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	kc.AddCommand(create, list, del)
	return kc
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Mint a bearer token for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := server.SignToken(jwtSecret(cfg), args[0], ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

// --- helpers ---

func openApp(ctx context.Context) (*app.App, error) {
	return app.Bootstrap(ctx, app.Options{
		ConfigPath: viper.GetString("config"),
		StoreURL:   viper.GetString("store"),
		Version:    version,
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func jwtSecret(cfg *config.Config) string {
	if s := strings.TrimSpace(viper.GetString("jwt-secret")); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}

func actor() string {
	return strings.TrimSpace(viper.GetString("actor"))
}

func requireActor() (string, error) {
	id := actor()
	if id == "" {
		return "", fmt.Errorf("--actor (or SIGNOFF_ACTOR) is required")
	}
	return id, nil
}

func splitUnit(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "/") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
