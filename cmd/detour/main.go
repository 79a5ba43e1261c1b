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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detour/internal/app"
	"detour/internal/config"
	"detour/internal/db"
	"detour/internal/engine"
	"detour/internal/feed"
	"detour/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "detour",
	Short: "Detour CLI",
	Long: `Detour proposes nearby places that likely have room right now and handles
what happens when they do not.
- Session: one attempt to find a place; proposed -> selected -> navigating -> arrived -> success or fail.
- Signals: short-lived availability reports (operator calls, walk-ins, provider feed, user reports).
- Observations: the permanent log of real visit outcomes that success rates are computed from.
- Tickets: prepaid rescue credits; a failed session can be rescued into a fresh one for one credit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DETOUR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("user-id", "local-user", "pseudonymous user the CLI acts as")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-encoding", "console", "log encoding (console, json)")
	flags.String("redis-addr", "", "redis address for current-session pointers; empty keeps them in sqlite")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.Duration("redis-ttl", 12*time.Hour, "current-session pointer lifetime in redis")
	flags.String("kafka-brokers", "", "comma separated kafka brokers")
	flags.String("kafka-group", "", "kafka consumer group id")
	flags.String("kafka-provider-topic", feed.TopicProviderAvailability, "provider availability topic")
	flags.String("kafka-events-topic", feed.TopicEvents, "event relay topic")
	flags.String("token-secret", "", "HMAC secret for API tokens")
	flags.Duration("token-ttl", 90*24*time.Hour, "API token lifetime")
	for _, name := range []string{"workspace", "json", "user-id", "log-level", "log-encoding", "redis-addr", "redis-password", "redis-db", "redis-ttl",
		"kafka-brokers", "kafka-group", "kafka-provider-topic", "kafka-events-topic", "token-secret", "token-ttl"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(venueCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(obsCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create detour.yml and the database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			created, err := app.InitWorkspace(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Wrote %s\n", config.Path(workspace))
			} else {
				fmt.Printf("Kept existing %s\n", config.Path(workspace))
			}
			fmt.Printf("Database at %s\n", db.Path(workspace))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate detour.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withFeed, withRelay, allowUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := authConfig()
			if err != nil {
				return err
			}
			auth.AllowUserHeader = allowUserHeader
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if withFeed {
					closeFeed, err := startFeedConsumer(ctx, a)
					if err != nil {
						return err
					}
					defer closeFeed()
				}
				if withRelay {
					relay, closeRelay, err := newRelay(a)
					if err != nil {
						return err
					}
					defer closeRelay()
					go func() {
						if err := relay.Run(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
							a.Log.Errorf(ctx, "event relay stopped: %v", err)
						}
					}()
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     auth,
					Log:      a.Log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Detour API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "accept X-User-Id without a token (local testing only)")
	cmd.Flags().BoolVar(&withFeed, "feed", false, "also consume the provider availability feed")
	cmd.Flags().BoolVar(&withRelay, "relay", false, "also relay events to kafka")
	return cmd
}

func authConfig() (server.AuthConfig, error) {
	secret := viper.GetString("token-secret")
	if secret == "" {
		return server.AuthConfig{}, fmt.Errorf("DETOUR_TOKEN_SECRET is required to sign tokens")
	}
	return server.AuthConfig{TokenSecret: secret, TokenTTL: viper.GetDuration("token-ttl")}, nil
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:     viper.GetString("workspace"),
		LogLevel:      viper.GetString("log-level"),
		LogEncoding:   viper.GetString("log-encoding"),
		RedisAddr:     viper.GetString("redis-addr"),
		RedisPassword: viper.GetString("redis-password"),
		RedisDB:       viper.GetInt("redis-db"),
		RedisTTL:      viper.GetDuration("redis-ttl"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func caller() engine.Caller {
	return engine.Caller{UserID: viper.GetString("user-id")}
}

func feedConfig() (feed.Config, error) {
	brokers := feed.ParseBrokers(viper.GetString("kafka-brokers"))
	if len(brokers) == 0 {
		return feed.Config{}, fmt.Errorf("--kafka-brokers or DETOUR_KAFKA_BROKERS is required")
	}
	return feed.Config{
		Brokers:       brokers,
		GroupID:       viper.GetString("kafka-group"),
		ProviderTopic: viper.GetString("kafka-provider-topic"),
		EventsTopic:   viper.GetString("kafka-events-topic"),
		RetryMax:      5,
	}, nil
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

func optionalInt(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}
