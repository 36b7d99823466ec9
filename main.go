package main

import (
	"context"
	"fmt"
	"log"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/api"
	"perp-trading-engine/internal/engine"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/marketdata"
	"perp-trading-engine/internal/ml"
	"perp-trading-engine/internal/news"
	"perp-trading-engine/internal/notify"
	"perp-trading-engine/internal/position"
	"perp-trading-engine/internal/risk"
	"perp-trading-engine/internal/signal"
	"perp-trading-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, &cfg.StoreConfig, logger)
	if err != nil {
		logger.Fatal("store open failed", "error", err.Error())
	}
	defer db.Close()

	// Exchange connectivity: rate limiter and circuit breaker guard every
	// outbound call; the live cache is fed by the stream.
	live := exchange.NewLiveCache()
	limiter := exchange.NewRateLimiter(nil)
	breaker := exchange.NewBreaker(nil)
	rest := exchange.NewClient(&exchange.ClientConfig{
		APIKey:      cfg.ExchangeConfig.APIKey,
		SecretKey:   cfg.ExchangeConfig.SecretKey,
		BaseURL:     cfg.ExchangeConfig.RESTBaseURL,
		HTTPTimeout: cfg.ExchangeConfig.HTTPTimeout,
	}, limiter, breaker, live, logger)

	var port exchange.Port = rest
	if cfg.ExchangeConfig.PaperTrading {
		port = exchange.NewPaper(rest, live, &exchange.PaperConfig{
			StartBalance: cfg.ExchangeConfig.PaperBalance,
			TakerFee:     cfg.ExchangeConfig.TakerFee,
		}, logger)
		logger.Info("paper trading enabled", "start_balance", cfg.ExchangeConfig.PaperBalance)
	}

	market := marketdata.New(marketdata.DefaultConfig(), port, live, logger)

	symbolNames := make([]string, 0, len(cfg.Symbols))
	symbols := make(map[string]*config.SymbolParams, len(cfg.Symbols))
	for _, p := range cfg.Symbols {
		symbolNames = append(symbolNames, p.Symbol)
		symbols[p.Symbol] = p
	}

	stream := exchange.NewStream(&exchange.StreamConfig{
		URL:                  cfg.ExchangeConfig.WSBaseURL,
		ResponseTimeout:      cfg.ExchangeConfig.WSResponseTimeout,
		PingInterval:         cfg.ExchangeConfig.WSPingInterval,
		ReconnectBase:        cfg.ExchangeConfig.WSReconnectBase,
		MaxReconnectDelay:    cfg.ExchangeConfig.WSMaxReconnectDelay,
		MaxAttempts:          cfg.ExchangeConfig.WSMaxAttempts,
		RESTFallbackInterval: cfg.ExchangeConfig.RESTFallbackInterval,
	}, symbolNames, market, live, rest, logger)
	stream.Start(ctx)

	var newsPipeline *news.Pipeline
	var newsPort signal.NewsPort
	if cfg.NewsConfig.Enabled {
		newsPipeline = news.NewPipeline(&cfg.NewsConfig, symbolNames, nil, logger)
		newsPipeline.Start(ctx)
		newsPort = newsPipeline
	}

	var ensemble *ml.Ensemble
	var mlPort signal.MLPort
	if cfg.MLConfig.Enabled {
		ensemble = ml.NewEnsemble(&cfg.MLConfig, market.CurrentPrice, logger)
		if err := ensemble.LoadModels(); err != nil {
			logger.Warn("model load failed, starting untrained", "error", err.Error())
		}
		mlPort = ensemble
	}

	fusionWeights := signal.DefaultFusionWeights()
	fusionWeights.ML = cfg.MLConfig.MLWeight
	fusionWeights.News = cfg.NewsConfig.NewsWeight
	sigEngine := signal.NewEngine(&signal.EngineConfig{Weights: fusionWeights},
		symbols, market, newsPort, mlPort, logger)

	// Risk layer. Kelly warms up from the recent ledger so sizing survives
	// restarts.
	kelly := risk.NewKellyTracker()
	if trades, err := db.TradesClosedSince(ctx, "", time.Now().AddDate(0, 0, -14)); err == nil {
		for _, t := range trades {
			kelly.Record(t.Symbol, t.PnlPct)
		}
		logger.Info("kelly warmed from ledger", "trades", len(trades))
	}
	gate := risk.NewGate(&cfg.RiskConfig, logger)
	allocator := risk.NewAllocator(&cfg.RiskConfig, kelly)

	// Notifications
	var senders []notify.Sender
	if cfg.NotificationConfig.Enabled {
		senders = append(senders,
			notify.NewTelegramSender(&cfg.NotificationConfig),
			notify.NewWebhookSender(&cfg.NotificationConfig),
		)
	}
	queue := notify.NewQueue(senders, logger)
	queue.Start()

	manager := position.NewManager(
		&cfg.ExchangeConfig, &cfg.EngineConfig, &cfg.RiskConfig,
		symbols, port, market, db, kelly,
		func(priority, message string) {
			queue.PushTrade(notify.Priority(priority), message)
		},
		logger,
	)

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
	}

	tracker := risk.NewCapitalTracker(&cfg.RiskConfig,
		func(ctx context.Context) (float64, float64, int, error) {
			balances, err := port.FetchBalance(ctx)
			if err != nil {
				return 0, 0, 0, err
			}
			var used float64
			for _, p := range cfg.Symbols {
				used += manager.UsedMargin(p.Symbol)
			}
			open, _, _ := manager.Count()
			return balances["USDT"].Total, used, open, nil
		},
		func(level string, snap risk.Snapshot) {
			priority := notify.PriorityNormal
			if level == "critical" {
				priority = notify.PriorityHigh
			}
			queue.PushAlert(priority, fmt.Sprintf(
				"Capital %s: allocation %.1f%%, drawdown %.1f%%",
				level, snap.AllocationPct*100, snap.DrawdownPct*100))
		},
		redisClient, logger)
	tracker.Start(ctx)

	deps := engine.Deps{
		Signals:   sigEngine,
		Gate:      gate,
		Allocator: allocator,
		Kelly:     kelly,
		Tracker:   tracker,
		Positions: manager,
		DB:        db,
		Port:      port,
		Alert: func(priority, message string) {
			queue.PushAlert(notify.Priority(priority), message)
		},
		Degraded: stream.Degraded,
	}
	if ensemble != nil {
		deps.ML = ensemble
	}
	if newsPipeline != nil {
		deps.News = newsPipeline
	}
	eng := engine.New(cfg, deps, logger)
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("engine start failed", "error", err.Error())
	}

	server := api.NewServer(&cfg.ServerConfig, eng, logger)
	if err := server.Start(ctx); err != nil {
		logger.Fatal("api start failed", "error", err.Error())
	}

	sigChan := make(chan os.Signal, 1)
	osignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	if err := server.Shutdown(); err != nil {
		logger.Warn("api shutdown", "error", err.Error())
	}
	eng.Stop()
	if newsPipeline != nil {
		newsPipeline.Stop()
	}
	tracker.Stop()
	stream.Stop()
	if ensemble != nil {
		if err := ensemble.SaveModels(); err != nil {
			logger.Warn("model save on shutdown", "error", err.Error())
		}
	}
	queue.Stop()
	cancel()

	logger.Info("shutdown complete")
}
