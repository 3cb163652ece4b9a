// Command voicerelay bridges browser voice clients to the upstream realtime
// API, resolving a per-assistant credential for every connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/proBhavesh/simplydash/auth"
	"github.com/proBhavesh/simplydash/config"
	"github.com/proBhavesh/simplydash/logging"
	"github.com/proBhavesh/simplydash/relay"
	"github.com/proBhavesh/simplydash/store"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "voicerelay",
		Short:         "Realtime voice relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the assistant credential store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("database-url")
			if dsn == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			return migrate(cmd.Context(), dsn)
		},
	}
	migrateCmd.Flags().String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	setKeyCmd := &cobra.Command{
		Use:   "set-key [assistant-id]",
		Short: "Store an assistant's upstream API key (read from stdin or ASSISTANT_API_KEY)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("database-url")
			if dsn == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			key := os.Getenv("ASSISTANT_API_KEY")
			if key == "" {
				if _, err := fmt.Fscanln(cmd.InOrStdin(), &key); err != nil {
					return fmt.Errorf("read key: %w", err)
				}
			}
			return setKey(cmd.Context(), dsn, args[0], key)
		},
	}
	setKeyCmd.Flags().String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	rootCmd.AddCommand(serveCmd, migrateCmd, setKeyCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "voicerelay:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := cfg.Logging.Logger()

	credentials, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var verifier auth.Verifier
	if cfg.Auth.Issuer != "" {
		verifier, err = auth.New(ctx, auth.Config{
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			TokenType: auth.TokenType(cfg.Auth.TokenType),
		})
		if err != nil {
			return err
		}
		if j, ok := verifier.(*auth.JWKSVerifier); ok {
			defer j.Close()
		}
		log.Info("auth_enabled", map[string]any{"issuer": cfg.Auth.Issuer, "token_type": cfg.Auth.TokenType})
	} else {
		log.Info("auth_disabled", nil)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := relay.NewServer(relay.Config{
		DefaultAPIKey:     cfg.Upstream.APIKey,
		UpstreamURL:       cfg.Upstream.URL,
		Model:             cfg.Upstream.Model,
		MaxPendingFrames:  cfg.Server.MaxPendingFrames,
		CredentialTimeout: cfg.Upstream.CredentialTimeout,
		DialTimeout:       cfg.Upstream.DialTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ReadLimit:         cfg.Server.ReadLimit,
	}, relay.Deps{
		Store:    credentials,
		Dialer:   relay.WebSocketDialer{ReadLimit: cfg.Server.ReadLimit},
		Verifier: verifier,
		Logger:   log,
		Registry: reg,
		Gatherer: reg,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(cfg.Server.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("relay_listening", map[string]any{"addr": cfg.Server.Addr, "path": cfg.Server.Path, "version": version})
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("relay_shutting_down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = httpSrv.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by Shutdown.
	srv.Close()
	return err
}

// openStore builds the credential store chain: Postgres, optionally behind
// Redis. Without a database every assistant uses the default key.
func openStore(ctx context.Context, cfg config.StoreConfig, log *logging.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("store_disabled", map[string]any{"reason": "no database_url"})
		return nil, func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RedisAddr == "" {
		return pg, pg.Close, nil
	}
	cache, err := store.NewRedisCache(ctx, store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       cfg.RedisDB,
		TTL:      cfg.CacheTTL,
	}, pg)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	log.Info("store_ready", map[string]any{"cache": "redis", "ttl": cfg.CacheTTL.String()})
	return cache, func() {
		_ = cache.Close()
		pg.Close()
	}, nil
}

func migrate(ctx context.Context, dsn string) error {
	pg, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer pg.Close()
	results, err := store.Migrate(ctx, pg.Pool())
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("database is up to date")
	}
	for _, r := range results {
		fmt.Printf("applied %d %s\n", r.Version, r.Source)
	}
	return nil
}

func setKey(ctx context.Context, dsn, assistantID, key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	pg, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Upsert(ctx, assistantID, key); err != nil {
		return err
	}
	fmt.Printf("stored key for %s\n", assistantID)
	return nil
}
