package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seclab/aegis/internal/adapters/docker"
	"github.com/seclab/aegis/internal/adapters/duckdb"
	"github.com/seclab/aegis/internal/adapters/llm"
	"github.com/seclab/aegis/internal/adapters/shodan"
	"github.com/seclab/aegis/internal/adapters/splunk"
	appconfig "github.com/seclab/aegis/internal/config"
	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/services"
	"github.com/seclab/aegis/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting aegis kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	// Adapters
	dbPath := os.Getenv("AEGIS_DB_PATH")
	if dbPath == "" {
		dbPath = "aegis.db"
	}

	repo, err := duckdb.NewRepository(dbPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	secretKey, err := appconfig.NewSecretKey()
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}

	settingsStore, err := appconfig.NewSettingsStore(logger, repo, secretKey)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}

	cfg := settingsStore.GetConfig()

	// Core services
	eventBus := services.NewEventBus(logger)
	tracer := services.NewTraceCollector(logger, eventBus, repo)
	convStore := services.NewConversationStore(repo, 64)

	provider := llm.NewFromConfig(cfg.LLM)

	cveIndex := services.NewCVEIndex(logger, provider, repo)
	if err := cveIndex.Load(ctx); err != nil {
		logger.Warn("failed to load cve index", "error", err)
	}

	// Tool registry
	toolRegistry := domain.NewToolRegistry()

	if err := toolRegistry.Register(services.NewWebFetchTool(logger)); err != nil {
		return fmt.Errorf("failed to register web_fetch tool: %w", err)
	}
	if err := toolRegistry.Register(services.NewCVESearchTool(cveIndex)); err != nil {
		return fmt.Errorf("failed to register cve_search tool: %w", err)
	}

	if cfg.Shodan.APIKey != "" {
		shodanClient := shodan.NewClient(logger, cfg.Shodan)
		for _, tool := range shodanClient.BuildTools(ctx) {
			if err := toolRegistry.Register(tool); err != nil {
				return fmt.Errorf("failed to register %s tool: %w", tool.Name, err)
			}
		}
	} else {
		logger.Warn("shodan api key not configured, recon tools disabled")
	}

	if cfg.Splunk.BaseURL != "" && cfg.Splunk.Token != "" {
		splunkClient := splunk.NewClient(logger, cfg.Splunk.BaseURL, cfg.Splunk.Token)
		if err := toolRegistry.Register(services.NewSplunkSearchTool(logger, splunkClient)); err != nil {
			return fmt.Errorf("failed to register splunk_search tool: %w", err)
		}
	} else {
		logger.Warn("splunk not configured, siem tool disabled")
	}

	scanner, err := docker.NewScanner(logger, cfg.Scanner)
	if err != nil {
		logger.Warn("docker unavailable, port scanning disabled", "error", err)
	} else {
		defer scanner.Close()
		if err := scanner.Prune(ctx); err != nil {
			logger.Warn("failed to prune scan containers", "error", err)
		}
		if err := toolRegistry.Register(services.NewPortScanTool(logger, scanner)); err != nil {
			return fmt.Errorf("failed to register port_scan tool: %w", err)
		}
	}

	// Agent loop and workflow
	decisionEngine := services.NewDecisionEngine(logger, provider, toolRegistry, "")
	agentLoop := services.NewAgentLoop(logger, decisionEngine, toolRegistry, convStore, tracer, eventBus, cfg.Agent.MaxIterations)
	assessments := services.NewAssessmentWorkflow(logger, toolRegistry, provider, cveIndex, repo, tracer, eventBus)

	// Hot-reload: rebuild the decision collaborator when settings change.
	settingsStore.OnChange(func(updated *domain.AppConfig) {
		decisionEngine.SetProvider(llm.NewFromConfig(updated.LLM))
		logger.Info("llm provider hot-reloaded from settings change")
	})

	apiServer := kernel.NewServer(logger, agentLoop, convStore, toolRegistry, tracer, eventBus, assessments, cveIndex, settingsStore, repo)

	addr := os.Getenv("AEGIS_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: apiServer.Handler(),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting api server", "addr", addr, "tools", toolRegistry.Names())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
