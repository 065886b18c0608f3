// @title           Mechanic API
// @version         1.0.0
// @description     Web administration console backend for Garage S3 clusters: session login, admin API passthrough and bucket browser.
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
//
// @tag.name         System
// @tag.description  Health, readiness and console capability endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the main listener. Configure it with MECHANIC_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the Mechanic server binary. It
// dispatches the serve, genkey and version subcommands with a plain switch on
// os.Args.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/stouder/mechanic/internal/api"
	"github.com/stouder/mechanic/internal/config"
	"github.com/stouder/mechanic/internal/crypto"
	"github.com/stouder/mechanic/internal/garage"
	_ "github.com/stouder/mechanic/internal/objectstore/minio"
	_ "github.com/stouder/mechanic/internal/objectstore/s3"
	"github.com/stouder/mechanic/internal/safego"
	"github.com/stouder/mechanic/internal/session"
	"github.com/stouder/mechanic/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		configPath := os.Getenv("CONFIG_PATH")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(cfg, configPath)
	case "genkey":
		// Prints a key suitable for session.encryption_key.
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	case "version":
		fmt.Printf("Mechanic %s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, genkey, version", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// logging.level is the one setting applied without a restart.
	if err := config.Watch(configPath, func(next *config.Config) {
		telemetry.SetLevel(next.Logging.Level)
	}); err != nil {
		slog.Warn("config file watching disabled", "error", err)
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var rdb redis.UniversalClient
	var backend session.Backend
	switch cfg.Session.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("session store: redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
		rdb = client
		backend = session.NewRedisBackend(client)
	default:
		slog.Info("session store: memory")
		backend = session.NewMemoryBackend(time.Minute)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Warn("failed to close session store", "error", err)
		}
	}()

	var cipher *crypto.TokenCipher
	if cfg.Session.EncryptionKey != "" {
		key, err := crypto.KeyFromString(cfg.Session.EncryptionKey)
		if err != nil {
			return fmt.Errorf("invalid session.encryption_key: %w", err)
		}
		if cipher, err = crypto.NewTokenCipher(key); err != nil {
			return fmt.Errorf("failed to create token cipher: %w", err)
		}
	} else if cfg.UsesRedis() {
		slog.Warn("session.encryption_key is not set: admin tokens are stored in redis unencrypted")
	}

	secret := []byte(cfg.Session.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		slog.Warn("session.secret is not set: using a random secret, sessions will not survive a restart")
	}

	deps := api.Dependencies{
		Garage:  garage.NewClient(cfg.Garage.APIURL),
		Tokens:  session.NewTokenStore(backend, cipher, cfg.Session.TTL),
		Cookies: session.NewCookieCodec(cfg.Session.CookieName, secret, cfg.Session.MaxLifetime, cfg.Session.CookieSecure),
		Redis:   rdb,
		Version: version,
	}

	// Metrics are served on their own port so the scrape path stays off the
	// public listener.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices := api.NewRouter(cfg, deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"version", version,
			"garage_api", cfg.Garage.APIURL,
			"browse_enabled", cfg.Browse.Enable,
			"static_dir", cfg.Server.StaticDir,
		)

		var err error
		if cfg.Security.TLS.Enabled {
			slog.Info("TLS enabled", "cert", cfg.Security.TLS.CertFile, "key", cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}
