package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/agent/providers"
	"github.com/osacore/osa/internal/agentloop"
	"github.com/osacore/osa/internal/auth"
	"github.com/osacore/osa/internal/bus"
	"github.com/osacore/osa/internal/config"
	agentctx "github.com/osacore/osa/internal/context"
	"github.com/osacore/osa/internal/gatewayhttp"
	"github.com/osacore/osa/internal/hooks"
	"github.com/osacore/osa/internal/orchestrator"
	"github.com/osacore/osa/internal/progress"
	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/providers/venice"
	"github.com/osacore/osa/internal/ratelimit"
	"github.com/osacore/osa/internal/sessions"
	"github.com/osacore/osa/internal/signal"
	"github.com/osacore/osa/internal/tasks"
	"github.com/osacore/osa/internal/toolregistry"
	"github.com/osacore/osa/internal/toolschema"
	"github.com/osacore/osa/internal/tools/exec"
	"github.com/osacore/osa/internal/tools/files"
	"github.com/osacore/osa/internal/tools/memorysearch"
	"github.com/osacore/osa/internal/tools/reminders"
	"github.com/osacore/osa/internal/tools/websearch"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, wires every runtime subsystem (provider
// registry, session store, tool registry, signal classifier, context
// assembler, agent loop, orchestrator), and serves the HTTP API until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting Nexus gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	registry := buildProviderRegistry(cfg, logger)

	store, err := buildSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}

	eventBus := bus.New(bus.Config{Logger: logger})
	defer eventBus.Close()

	tools := buildToolRegistry(cfg, logger)

	hookPipeline := hooks.NewPipeline(logger)
	hooks.RegisterInputSanitizer(hookPipeline)
	hooks.RegisterToolIntegrityCheck(hookPipeline, tools, toolschema.New())
	hooks.RegisterPlanGate(hookPipeline, hooks.DefaultPlanGateConfig())

	classifier := signal.New(signal.DefaultConfig(), registry, logger)
	filter := signal.NewFilter(classifier, nil)

	assembler := agentctx.New(agentctx.DefaultOptions())
	compactor := agentctx.NewCompactor(cfg.LLM.DefaultProvider, 0, &agentctx.ProviderSummarizer{Registry: registry}, eventBus)

	loop := agentloop.New(agentloop.DefaultConfig(), logger)
	loop.Classifier = classifier
	loop.Filter = filter
	loop.Sessions = store
	loop.Compactor = compactor
	loop.Assembler = assembler
	loop.Registry = registry
	loop.Tools = tools
	loop.Hooks = hookPipeline
	loop.Bus = eventBus

	orch := orchestrator.New(orchestrator.Config{
		MaxAgents:         8,
		MaxParallelAgents: 5,
		Tier:              provider.TierSpecialist,
		SubAgentConfig:    agentloop.DefaultConfig(),
	}, registry, store, tools, hookPipeline, eventBus, compactor, assembler, logger)

	activity := progress.NewTracker(eventBus)
	defer activity.Close()

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	apiKeys := make([]auth.APIKeyConfig, len(cfg.Auth.APIKeys))
	for i, k := range cfg.Auth.APIKeys {
		apiKeys[i] = auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name}
	}
	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     apiKeys,
	})

	handler := gatewayhttp.New(gatewayhttp.Handler{
		Loop:         loop,
		Orchestrator: orch,
		Classifier:   classifier,
		Providers:    registry,
		Tools:        tools,
		Bus:          eventBus,
		Sessions:     store,
		Activity:     activity,
		Limiter:      limiter,
		Auth:         authSvc,
		Logger:       logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	sigCtx, stop := ossignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Nexus gateway listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("Nexus gateway stopped gracefully")
	return nil
}

// buildProviderRegistry registers every configured LLM backend and
// maps each tier to the default provider (falling back through
// cfg.LLM.FallbackChain, in order) with that provider's default model.
func buildProviderRegistry(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	registry := provider.New()

	order := []string{cfg.LLM.DefaultProvider}
	order = append(order, cfg.LLM.FallbackChain...)

	for _, id := range order {
		pc, ok := cfg.LLM.Providers[id]
		if !ok || pc.APIKey == "" && id != "ollama" {
			continue
		}
		backend, err := buildProviderBackend(id, pc)
		if err != nil {
			logger.Warn("skipping provider backend", "provider", id, "error", err)
			continue
		}
		if backend == nil {
			continue
		}
		registry.RegisterBackend(id, backend)
		for _, tier := range []provider.Tier{provider.TierElite, provider.TierSpecialist, provider.TierUtility} {
			registry.SetTierModel(tier, id, pc.DefaultModel)
		}
	}

	return registry
}

// buildProviderBackend constructs the concrete agent.LLMProvider for a
// configured provider id. Unknown ids are reported to the caller as an
// error rather than silently skipped.
func buildProviderBackend(id string, pc config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch id {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	case "google", "gemini":
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: pc.APIKey})
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:   pc.BaseURL,
			APIKey:     pc.APIKey,
			APIVersion: pc.APIVersion,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{APIKey: pc.APIKey, DefaultModel: pc.DefaultModel})
	case "copilot_proxy", "copilot":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{BaseURL: pc.BaseURL})
	case "venice":
		return venice.NewVeniceProvider(venice.VeniceConfig{APIKey: pc.APIKey, DefaultModel: pc.DefaultModel, BaseURL: pc.BaseURL})
	default:
		return nil, fmt.Errorf("unknown provider id %q", id)
	}
}

// buildSessionStore picks a Cockroach-backed store when a database URL
// is configured, and an in-memory store otherwise (suitable for local
// development, not for production use).
func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	if cfg.Database.URL == "" {
		return sessions.NewMemoryStore(), nil
	}
	store, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, nil)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildToolRegistry wires the file, shell, web, memory, and reminder
// tools into a fresh registry, gated by their individual config
// sections. Reminder tools require a database connection, since the
// only tasks.Store implementation is Cockroach-backed.
func buildToolRegistry(cfg *config.Config, logger *slog.Logger) *toolregistry.Registry {
	reg := toolregistry.New()

	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}

	wireAgentTool(reg, files.NewReadTool(files.Config{Workspace: workspace, MaxReadBytes: 1 << 20}))
	wireAgentTool(reg, files.NewWriteTool(files.Config{Workspace: workspace}))
	wireAgentTool(reg, files.NewEditTool(files.Config{Workspace: workspace}))
	wireAgentTool(reg, files.NewApplyPatchTool(files.Config{Workspace: workspace}))

	execManager := exec.NewManager(workspace)
	wireAgentTool(reg, exec.NewExecTool("exec", execManager))
	wireAgentTool(reg, exec.NewProcessTool(execManager))

	if cfg.Tools.WebFetch.Enabled {
		maxChars := cfg.Tools.WebFetch.MaxChars
		if maxChars <= 0 {
			maxChars = 8000
		}
		wireAgentTool(reg, websearch.NewWebFetchTool(&websearch.FetchConfig{MaxChars: maxChars}))
	}
	if cfg.Tools.WebSearch.Enabled {
		wireAgentTool(reg, websearch.NewWebSearchTool(&websearch.Config{
			SearXNGURL:     cfg.Tools.WebSearch.URL,
			BraveAPIKey:    cfg.Tools.WebSearch.BraveAPIKey,
			DefaultBackend: websearch.SearchBackend(cfg.Tools.WebSearch.Provider),
		}))
	}

	if cfg.Tools.MemorySearch.Enabled {
		msCfg := &memorysearch.Config{
			Directory:     cfg.Tools.MemorySearch.Directory,
			MemoryFile:    cfg.Tools.MemorySearch.MemoryFile,
			WorkspacePath: workspace,
			MaxResults:    cfg.Tools.MemorySearch.MaxResults,
			MaxSnippetLen: cfg.Tools.MemorySearch.MaxSnippetLen,
			Mode:          cfg.Tools.MemorySearch.Mode,
			Embeddings: memorysearch.EmbeddingsConfig{
				Provider: cfg.Tools.MemorySearch.Embeddings.Provider,
				APIKey:   cfg.Tools.MemorySearch.Embeddings.APIKey,
				BaseURL:  cfg.Tools.MemorySearch.Embeddings.BaseURL,
				Model:    cfg.Tools.MemorySearch.Embeddings.Model,
				CacheDir: cfg.Tools.MemorySearch.Embeddings.CacheDir,
				CacheTTL: cfg.Tools.MemorySearch.Embeddings.CacheTTL,
			},
		}
		wireAgentTool(reg, memorysearch.NewMemoryGetTool(msCfg))
		wireAgentTool(reg, memorysearch.NewMemorySearchTool(msCfg))
	}

	if cfg.Database.URL != "" {
		taskStore, err := tasks.NewCockroachStoreFromDSN(cfg.Database.URL, nil)
		if err != nil {
			logger.Warn("reminder tools disabled: task store unavailable", "error", err)
		} else {
			wireAgentTool(reg, reminders.NewSetTool(taskStore))
			wireAgentTool(reg, reminders.NewListTool(taskStore))
			wireAgentTool(reg, reminders.NewCancelTool(taskStore))
		}
	}

	return reg
}

// wireAgentTool adapts any internal/agent.Tool (every internal/tools/*
// implementation) into the registry via toolregistry.RegisterNamed.
func wireAgentTool(reg *toolregistry.Registry, t agent.Tool) {
	reg.RegisterNamed(t.Name(), t.Description(), t.Schema(), func(ctx context.Context, params json.RawMessage) (string, bool, error) {
		result, err := t.Execute(ctx, params)
		if err != nil {
			return "", true, err
		}
		return result.Content, result.IsError, nil
	})
}
