package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/carepath/internal/api"
	"github.com/aixgo-dev/carepath/internal/llm/provider"
	tracing "github.com/aixgo-dev/carepath/internal/observability"
	"github.com/aixgo-dev/carepath/internal/stage"
	"github.com/aixgo-dev/carepath/internal/workflow"
	"github.com/aixgo-dev/carepath/pkg/config"
	"github.com/aixgo-dev/carepath/pkg/directory"
	"github.com/aixgo-dev/carepath/pkg/observability"
	"github.com/aixgo-dev/carepath/pkg/security"
	"github.com/aixgo-dev/carepath/pkg/session"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Service configuration file")
)

const (
	housekeepingInterval = time.Minute
	limiterIdle          = 10 * time.Minute
)

func main() {
	flag.Parse()

	log.Printf("Starting carepath v%s", Version)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	log.Printf("Config: %s, API port: %d, ops port: %d", displayPath(*configFile), cfg.Server.Port, cfg.Server.OpsPort)

	if err := run(cfg); err != nil {
		log.Fatalf("Error: %v", err)
	}
	log.Println("carepath stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracing.Init(cfg.Observability); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
	}()
	observability.InitMetrics()

	dir, err := directory.Load(cfg.Directory.Path)
	if err != nil {
		return fmt.Errorf("load provider directory: %w", err)
	}
	log.Printf("Provider directory: %d entries from %s", dir.Len(), cfg.Directory.Path)

	store, err := session.Open(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Session store close error: %v", err)
		}
	}()

	engine, err := provider.New(cfg.Engine.Provider, provider.Config{
		APIKey:        cfg.Engine.APIKey,
		BaseURL:       cfg.Engine.BaseURL,
		AzureEndpoint: cfg.Engine.AzureEndpoint,
		APIVersion:    cfg.Engine.APIVersion,
		Model:         cfg.Engine.Model,
		Timeout:       cfg.Engine.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create reasoning engine: %w", err)
	}
	log.Printf("Reasoning engine: %s model=%s key=%s", engine.Name(), cfg.Engine.Model, security.MaskSecret(cfg.Engine.APIKey))

	executor := stage.NewExecutor(provider.WrapProvider(engine),
		stage.WithModel(cfg.Engine.Model),
		stage.WithTemperature(cfg.Engine.Temperature),
		stage.WithMaxTokens(cfg.Engine.MaxTokens),
	)
	orch := workflow.New(store, executor, dir, workflow.WithMaxClarifications(cfg.Workflow.MaxClarifications))

	var opts []api.Option
	if len(cfg.Server.APIKeys) > 0 {
		auth := security.NewAPIKeyAuthenticator()
		for i, key := range cfg.Server.APIKeys {
			id := fmt.Sprintf("key-%d", i+1)
			auth.AddKey(key, &security.Principal{ID: id, Name: id})
		}
		opts = append(opts, api.WithAuthenticator(auth))
		log.Printf("API key authentication enabled (%d keys)", len(cfg.Server.APIKeys))
	}
	limiter := cfg.RateLimit.Limiter()
	if limiter != nil {
		opts = append(opts, api.WithRateLimiter(limiter))
		log.Printf("Rate limiting enabled (%.2f rps/client, global %.2f rps)",
			cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.GlobalRequestsPerSecond)
	}

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(api.NewHandler(orch, opts...)),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	checker := observability.NewHealthChecker(Version)
	checker.RegisterCheck(observability.StoreCheck(store.Ping))
	checker.RegisterCheck(observability.DirectoryCheck(dir.Len))
	opsServer := observability.NewServer(cfg.Server.OpsPort, checker)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Starting API server on :%d", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("Starting ops server on :%d", cfg.Server.OpsPort)
		if err := opsServer.Start(); err != nil {
			return fmt.Errorf("ops server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return session.NewSweeper(store, cfg.Session.SweepInterval).Run(gctx)
	})
	g.Go(func() error {
		housekeeping(gctx, limiter)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down carepath...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Ops server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// housekeeping refreshes runtime gauges and drops idle rate limiter
// buckets. limiter may be nil.
func housekeeping(ctx context.Context, limiter *security.RateLimiter) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.UpdateGoroutines()
			if limiter == nil {
				continue
			}
			if n := limiter.Prune(limiterIdle); n > 0 {
				log.Printf("Rate limiter pruned %d idle clients", n)
			}
		}
	}
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
