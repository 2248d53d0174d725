package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/dispatch"
	"github.com/ent0n29/chatrelay/internal/generation"
	"github.com/ent0n29/chatrelay/internal/httpapi"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/session"
	"github.com/ent0n29/chatrelay/internal/store"
	"github.com/ent0n29/chatrelay/internal/subject"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Engine     *dispatch.Engine
	Registry   *session.Registry
	Store      *store.Supervisor
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Generation string

	// Cleanup should be called on shutdown to release the session store.
	Cleanup func() error
}

// Build assembles the relay object graph. The store supervisor keeps dialing
// in the background until ctx ends, so Build succeeds even while the backend
// is unreachable.
func Build(ctx context.Context, cfg config.Config, logOut io.Writer) (*BuildResult, error) {
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	dial, err := store.NewDialer(ctx, store.Config{
		Backend:     cfg.StoreBackend,
		BadgerPath:  cfg.StoreBadgerPath,
		DatabaseURL: cfg.DatabaseURL,
		Logger:      logger.With("component", "store"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	allStates := []string{string(store.StateConnected), string(store.StateDisconnected), string(store.StateRetrying)}
	supervisor := store.NewSupervisor(dial, store.SupervisorConfig{
		RetryBase:   cfg.StoreRetryBase,
		RetryMax:    cfg.StoreRetryMax,
		PingTimeout: 2 * time.Second,
		Logger:      logger.With("component", "store"),
		OnStateChange: func(s store.State) {
			metrics.SetStoreState(string(s), allStates...)
		},
	})
	metrics.SetStoreState(string(store.StateDisconnected), allStates...)
	supervisor.Start(ctx)

	generator, err := generation.New(generation.Config{
		Mode:          cfg.GenerationMode,
		HTTPURL:       cfg.GenerationHTTPURL,
		HTTPTimeout:   cfg.GenerationTimeout,
		OpenAIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		SystemPrompt:  cfg.OpenAISystemPrompt,
		Logger:        logger.With("component", "generation"),
	})
	if err != nil {
		_ = supervisor.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	genDesc := generation.Describe(generator)
	if genDesc == generation.ModeMock && !strings.EqualFold(strings.TrimSpace(cfg.GenerationMode), generation.ModeMock) {
		logger.Warn("no generation backend configured, replies come from the mock generator",
			"generation_mode", cfg.GenerationMode,
		)
	}

	var resolver subject.Resolver
	if url := strings.TrimSpace(cfg.SubjectResolverURL); url != "" {
		resolver = subject.NewHTTPResolver(url, cfg.SubjectTimeout)
	} else {
		resolver = subject.NewStaticResolver(nil)
	}

	registry := session.NewRegistry(supervisor, cfg.SessionTTL)
	turns := relay.New(registry, generator, relay.Config{
		HistoryLimit:      cfg.HistoryLimit,
		GenerationTimeout: cfg.GenerationTimeout,
		Streaming:         cfg.CapStreaming,
		Logger:            logger.With("component", "relay"),
		Metrics:           metrics,
	})
	engine := dispatch.NewEngine(registry, resolver, turns, dispatch.Config{
		Capabilities: protocol.Capabilities{
			Text:      cfg.CapText,
			Audio:     cfg.CapAudio,
			Streaming: cfg.CapStreaming,
		},
		DefaultLanguage: cfg.DefaultLanguage,
		Logger:          logger.With("component", "dispatch"),
		Metrics:         metrics,
	})

	api := httpapi.New(cfg, engine, registry, supervisor, metrics, logger.With("component", "httpapi"))

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Engine:     engine,
		Registry:   registry,
		Store:      supervisor,
		Metrics:    metrics,
		Logger:     logger,
		Generation: genDesc,
		Cleanup:    supervisor.Close,
	}, nil
}
