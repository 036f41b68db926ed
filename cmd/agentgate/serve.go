package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"agentgate/internal/adapter/agentstore"
	"agentgate/internal/adapter/gateway"
	"agentgate/internal/adapter/llm"
	"agentgate/internal/adapter/tool"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/logger"
	"agentgate/internal/infra/middleware"
	"agentgate/internal/infra/tracer"
	"agentgate/internal/usecase/agents"
	"agentgate/internal/usecase/chat"
	"agentgate/internal/usecase/generation"
	"agentgate/internal/usecase/registry"
	"agentgate/internal/usecase/ritual"
)

func serve(cfgPath string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.WithoutCancel(ctx))

	// 3. LLM providers
	providers, defaultLLM, err := llm.BuildRegistry(cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	router := llm.NewPreferenceRouter(cfg.LLM.ModelRouting, providers, defaultLLM)

	// 4. Tools
	tools, err := tool.NewBuiltinRegistry(cfg.Tools, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	// 5. Agent registry, optionally backed by the store
	opts := []registry.Option{registry.WithTools(tools)}
	if cfg.Agents.StorePath != "" {
		store, err := agentstore.Open(cfg.Agents.StorePath)
		if err != nil {
			return fmt.Errorf("agent store: %w", err)
		}
		defer store.Close()
		opts = append(opts, registry.WithStore(store))
	}
	reg := registry.New(log, opts...)
	if err := agents.Seed(reg, tools, cfg.Agents, log); err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	restored, err := reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}

	// 6. Services
	metrics := gateway.NewMetrics()
	gen := generation.New(router, tools, reg, cfg.Generation, log,
		generation.WithObserver(metrics.ObserveGeneration))
	chatSvc := chat.NewService(reg, gen, cfg.Agents.Coordinator, log)
	rituals := ritual.New(reg, gen, cfg.Workflow, log,
		ritual.WithObserver(metrics.ObserveRun))

	// 7. Gateway
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Requests:       cfg.Gateway.RateLimit.Requests,
		Window:         cfg.Gateway.RateLimit.Window,
		TrustedProxies: cfg.Gateway.TrustedProxies,
	}, log)
	go limiter.Run(ctx, cfg.Gateway.RateLimit.Window)

	srv := gateway.NewServer(gateway.Deps{
		Agents:      reg,
		Chat:        chatSvc,
		Ritual:      rituals,
		RateLimiter: limiter,
		Metrics:     metrics,
		Gateway:     cfg.Gateway,
	}, cfg.Server, log)

	log.Info("agentgate starting",
		"provider", cfg.LLM.DefaultProvider,
		"agents", reg.Len(),
		"restored_agents", restored,
		"tools", tools.Names(),
		"persistent_agents", cfg.Agents.StorePath != "",
	)
	return srv.Start(ctx)
}
