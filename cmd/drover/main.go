// Drover run execution server — serves the HTTP API, manages queue
// workers, and drives agent runs end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/billing"
	"github.com/droverhq/drover/pkg/buffer"
	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/cleanup"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/llm"
	"github.com/droverhq/drover/pkg/masking"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/sinks"
	"github.com/droverhq/drover/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID determines the instance identifier for multi-replica
// coordination. Priority: INSTANCE_ID env > HOSTNAME env > "local"
func resolveInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	instanceID := resolveInstanceID()

	slog.Info("Starting drover",
		"version", version.GitCommit,
		"instance_id", instanceID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"providers", stats.Providers,
		"model_aliases", stats.ModelAliases,
		"terminator_tools", stats.Terminators)

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. Connect Redis
	kvConfig, err := kvstream.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load Redis config", "error", err)
		os.Exit(1)
	}

	kv, err := kvstream.NewClient(ctx, kvConfig)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	// 4. Metrics registry
	metricsRegistry := prometheus.NewRegistry()
	m := metrics.New(metricsRegistry)

	// 5. Domain services
	inv := cache.NewInvalidator()
	runService := services.NewRunService(dbClient, inv)
	agentService := services.NewAgentService(dbClient, inv)
	messageService := services.NewMessageService(dbClient, inv)
	memoryService := services.NewMemoryService(dbClient, inv)
	contextBuilder := services.NewContextBuilder(messageService, cfg.LLM.MaxContextTokens)
	promptComposer := services.NewPromptComposer(agentService, memoryService)
	slog.Info("Services initialized")

	// 6. Billing: ledger, renewal scheduler, webhook processor
	ledger := billing.NewLedger(dbClient, kv, inv)
	renewalGate := coordination.NewRenewalGate(dbClient)
	renewals := billing.NewRenewalScheduler(dbClient, ledger, renewalGate, cfg.Billing, instanceID)
	if err := renewals.Start(); err != nil {
		slog.Error("Failed to start renewal scheduler", "error", err)
		os.Exit(1)
	}
	webhookDeduper := coordination.NewWebhookDeduper(dbClient)
	webhooks := billing.NewWebhookProcessor(webhookDeduper, ledger, renewalGate, kv, cfg.Billing)
	slog.Info("Billing initialized", "reservations_enabled", cfg.Billing.ReservationEnabled)

	// 7. Background retention sweep
	retention := cleanup.NewService(cfg.Retention, runService, webhookDeduper)
	retention.Start(ctx)

	// 8. Transcript buffer, run lifecycle, sink broker
	buf := buffer.New(messageService, buffer.Config{
		FlushInterval: cfg.Buffer.FlushInterval,
		MaxQueued:     cfg.Buffer.MaxQueued,
	})
	buf.Start()
	lc := lifecycle.NewManager(kv, runService, cfg.Run, cfg.Stream.CompletedTTL, instanceID)
	sinkBroker := sinks.NewBroker(kv, slog.Default())

	// 9. LLM provider factory, tool registry, result masking
	provider := llm.NewFactory(cfg.LLM)
	defer func() {
		if err := provider.Close(); err != nil {
			slog.Error("Error closing LLM clients", "error", err)
		}
	}()

	toolRegistry := agent.NewRegistry()
	if err := agent.RegisterBuiltins(toolRegistry); err != nil {
		slog.Error("Failed to register built-in tools", "error", err)
		os.Exit(1)
	}
	masker := masking.New(cfg.Masking)

	// 10. Start worker pool (before HTTP server)
	broker := queue.NewBroker(kv, slog.Default())
	driver := queue.NewDriver(queue.DriverDeps{
		Lifecycle:          lc,
		KV:                 kv,
		Provider:           provider,
		Runs:               runService,
		Agents:             agentService,
		Contexts:           contextBuilder,
		Ledger:             ledger,
		ReservationEnabled: cfg.Billing.ReservationEnabled,
		Registry:           toolRegistry,
		Buffer:             buf,
		Guard:              coordination.NewStepGuard(kv),
		Sinks:              sinkBroker,
		Invalidator:        inv,
		Masker:             masker,
		Prompts:            promptComposer,
		Run:                cfg.Run,
		Stream:             cfg.Stream,
		LLM:                cfg.LLM,
		Metrics:            m,
		Logger:             slog.Default(),
	})

	pool := queue.NewWorkerPool(queue.PoolDeps{
		Broker:      broker,
		Driver:      driver,
		Lifecycle:   lc,
		KV:          kv,
		Sweeps:      runService,
		Invalidator: inv,
		Worker:      cfg.Worker,
		Metrics:     m,
		Logger:      slog.Default(),
	})
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 11. Create and start HTTP server (non-blocking)
	httpServer := api.NewServer(api.ServerDeps{
		DB:       dbClient,
		KV:       kv,
		Runs:     runService,
		Pool:     pool,
		Webhooks: webhooks,
		Gatherer: metricsRegistry,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Drover started successfully",
		"instance_id", instanceID,
		"workers", cfg.Worker.WorkerCount)

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: stop claiming, drain active runs
	lc.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Worker.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — remaining runs will be orphan-swept")
	}

	renewals.Stop()
	retention.Stop()

	// Flush any buffered transcript rows before the DB handle closes
	flushCtx, flushCancel := context.WithTimeout(ctx, 10*time.Second)
	buf.Stop(flushCtx)
	flushCancel()

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
