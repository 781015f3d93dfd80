package bootstrap

import (
	"context"
	"fmt"
	"time"

	"ai-research-be/internal/config"
	"ai-research-be/internal/controller"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/pkg/serverutils"
	"ai-research-be/internal/service"
	"ai-research-be/internal/websocket"
	"ai-research-be/pkg/client"
	"ai-research-be/pkg/database"
	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/llm/factory"
	pktNats "ai-research-be/pkg/nats"
	"ai-research-be/pkg/research/agents"
	"ai-research-be/pkg/research/bridge"
	"ai-research-be/pkg/research/memory"
	"ai-research-be/pkg/research/pipeline"
	"ai-research-be/pkg/research/signal"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	verdictCacheTTL = 30 * time.Minute
	ephemeralTTL    = 6 * time.Hour
	serviceTokenTTL = 10 * time.Minute
)

type Container struct {
	// Controllers
	ResearchController controller.IResearchController
	LogController      controller.ILogController

	ResearchService service.IResearchService
	WebSocketHub    *websocket.Hub
	Auth            fiber.Handler
	Logger          logger.ILogger

	bus     *signal.Bus
	natsPub *pktNats.Publisher
	natsSub *pktNats.Subscriber
	rdb     *redis.Client
}

func NewContainer(cfg *config.Config) (*Container, error) {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	wsLogger := logger.NewIsolatedLogger(cfg.App.HubLogFilePath)

	// 2. Infrastructure
	rdb := newRedis(cfg.App.RedisURL, sysLogger)

	durable, ephemeral, err := newStores(cfg.Store, rdb, sysLogger)
	if err != nil {
		return nil, err
	}
	ledger := memory.NewLedger(durable, ephemeral, sysLogger)

	var natsPub *pktNats.Publisher
	var natsSub *pktNats.Subscriber
	if cfg.App.NatsURL != "" {
		if natsPub, err = pktNats.NewPublisher(cfg.App.NatsURL, sysLogger); err != nil {
			sysLogger.Warn("Bootstrap", "Failed to connect NATS publisher", map[string]interface{}{"error": err.Error()})
		}
		if natsSub, err = pktNats.NewSubscriber(cfg.App.NatsURL, sysLogger); err != nil {
			sysLogger.Warn("Bootstrap", "Failed to connect NATS subscriber", map[string]interface{}{"error": err.Error()})
		}
	}

	// 3. Event Bus
	bus := signal.NewBus(signal.NewGoChannel(), signal.DefaultTopic, sysLogger)
	publisher := signal.Multi{bus}
	if natsPub != nil {
		publisher = append(publisher, natsPub)
	}

	// 4. Research agents
	llmProvider, err := factory.NewLLMProvider(
		cfg.Ai.LLMProvider,
		cfg.Ai.LLMModel,
		cfg.Ai.OllamaBaseURL,
		cfg.Ai.RequestTimeout,
		llm.Pricing{InputPer1K: cfg.Ai.InputPer1K, OutputPer1K: cfg.Ai.OutputPer1K},
	)
	if err != nil {
		return nil, fmt.Errorf("init LLM provider: %w", err)
	}
	sysLogger.Info("Bootstrap", "Using LLM provider", map[string]interface{}{
		"provider": cfg.Ai.LLMProvider,
		"model":    cfg.Ai.LLMModel,
	})

	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		LLM:             llmProvider,
		Generator:       agents.NewLLMQueryGenerator(llmProvider),
		QueryComparator: agents.NewLLMComparator(llmProvider, "web search query", verdictCacheTTL),
		PageComparator:  agents.NewLLMComparator(llmProvider, "web page", verdictCacheTTL),
		Searcher:        agents.NewSearxNGSearcher(cfg.Search.SearxNGURL, cfg.Search.MaxResults, cfg.Client.RequestTimeout),
		Scanner:         agents.NewPageScanner(llmProvider, cfg.Search.PageMaxSize, cfg.Client.RequestTimeout),
		Ledger:          ledger,
		Publisher:       publisher,
		Logger:          sysLogger,
	}, pipeline.Config{
		MaxConcurrency:     cfg.Research.MaxConcurrency,
		CostUpdateInterval: cfg.Research.CostUpdateInterval,
		ConvergenceWindow:  cfg.Research.ConvergenceWindow,
	})

	// 5. Bridge: calls the assistant's REST API, waits on the bus
	var apiOpts []client.APIOption
	if cfg.App.JwtSecret != "" {
		secret := cfg.App.JwtSecret
		apiOpts = append(apiOpts, client.WithToken(func() (string, error) {
			return serverutils.MintServiceToken(secret, "research-bridge", serviceTokenTTL)
		}))
	}
	researchBridge := bridge.New(
		client.NewAPI(cfg.Bridge.AssistantURL, cfg.Client.RequestTimeout, apiOpts...),
		bus,
		ledger,
		bridge.Config{
			PollBase:        cfg.Bridge.PollBase,
			PollAttempts:    cfg.Bridge.PollAttempts,
			MinUsableLength: cfg.Bridge.MinUsableLength,
			SignalTimeout:   cfg.Bridge.SignalTimeout,
		},
		sysLogger,
	)

	// 6. WebSocket Hub & service
	wsHub := websocket.NewHub(rdb, wsLogger)
	researchService := service.NewResearchService(
		orchestrator,
		ledger,
		wsHub,
		researchBridge,
		pipeline.Options{
			NumberOfSelectQueries:       cfg.Research.NumberOfSelectQueries,
			PercentOfTopQueriesToSearch: cfg.Research.PercentOfTopQueriesToSearch,
			PercentOfTopResultsToScan:   cfg.Research.PercentOfTopResultsToScan,
		},
		sysLogger,
	)
	wsHub.OnDisconnect(researchService.CancelClient)

	// 7. Controllers
	return &Container{
		ResearchController: controller.NewResearchController(researchService),
		LogController:      controller.NewLogController(sysLogger),
		ResearchService:    researchService,
		WebSocketHub:       wsHub,
		Auth:               serverutils.JwtMiddleware(cfg.App.JwtSecret),
		Logger:             sysLogger,
		bus:                bus,
		natsPub:            natsPub,
		natsSub:            natsSub,
		rdb:                rdb,
	}, nil
}

// Start runs the background workers: hub, completion bus and the NATS
// relay. They stop when ctx is done.
func (c *Container) Start(ctx context.Context) error {
	go c.WebSocketHub.Run(ctx)

	if err := c.bus.Start(ctx); err != nil {
		return err
	}
	if c.natsSub != nil {
		durable := "research-relay-" + uuid.NewString()[:8]
		if err := signal.StartRelay(c.natsSub, c.bus, durable, c.Logger); err != nil {
			c.Logger.Warn("Bootstrap", "NATS relay not started", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// Close waits for running turns, then releases connections.
func (c *Container) Close() {
	c.ResearchService.Wait()
	if c.natsSub != nil {
		c.natsSub.Close()
	}
	if c.natsPub != nil {
		c.natsPub.Close()
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	_ = c.Logger.Sync()
}

// newRedis returns nil when Redis is unreachable; the hub then stays
// single-instance.
func newRedis(url string, log logger.ILogger) *redis.Client {
	if url == "" {
		return nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("Bootstrap", "Failed to parse Redis URL, using it as address", map[string]interface{}{"error": err.Error()})
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("Bootstrap", "Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// newStores picks the durable backend. Non-persisted conversations always
// live in process.
func newStores(cfg config.StoreConfig, rdb *redis.Client, log logger.ILogger) (memory.KVStore, memory.KVStore, error) {
	ephemeral := memory.NewCacheStore(ephemeralTTL)

	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("memory store %q: redis is not reachable", cfg.Backend)
		}
		return memory.NewRedisStore(rdb, cfg.TTL), ephemeral, nil
	case "postgres":
		db, err := database.NewGormDBFromDSN(cfg.Connection)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store, err := memory.NewGormStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, ephemeral, nil
	case "memory":
		log.Warn("Bootstrap", "Persisted conversations are kept in process only", nil)
		return memory.NewCacheStore(cfg.TTL), ephemeral, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory store %q", cfg.Backend)
	}
}
