package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"grid-bot-go/config"
	"grid-bot-go/gateway"
	"grid-bot-go/infrastructure/logger"
	"grid-bot-go/ledger"
	"grid-bot-go/metrics"
	"grid-bot-go/strategy"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// .env 放 API 凭据，文件不存在不算错
	_ = godotenv.Load()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()
	zl := lg.Logger

	if cfg.MetricsAddr != "" {
		metrics.StartMetricsServer(cfg.MetricsAddr)
		zl.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feeds := startFeeds(ctx, cfg, zl)

	interval := time.Duration(cfg.TickIntervalMs) * time.Millisecond
	driver := strategy.NewDriver(zl, interval)

	for _, sc := range cfg.Strategies {
		store, err := newStore(sc)
		if err != nil {
			zl.Fatal("初始化账本存储失败", zap.String("strategy", sc.StrategyID), zap.Error(err))
		}
		gw, err := gateway.NewBinanceClient(sc.ClientType, gateway.Options{
			BaseURL:   cfg.Gateway.BaseURL,
			APIKey:    cfg.Gateway.APIKey,
			APISecret: cfg.Gateway.APISecret,
			TradeFee:  cfg.Gateway.TradeFee,
			RestRate:  cfg.Gateway.RestRate,
			RestBurst: cfg.Gateway.RestBurst,
			HTTP:      gateway.NewDefaultHTTPClient(),
			Feed:      feeds[sc.ClientType],
		})
		if err != nil {
			zl.Fatal("初始化交易所客户端失败", zap.String("strategy", sc.StrategyID), zap.Error(err))
		}
		runner, err := strategy.NewRunner(gw, store, sc.Params(), zl)
		if err != nil {
			zl.Fatal("初始化策略失败", zap.String("strategy", sc.StrategyID), zap.Error(err))
		}
		if sc.RunTarget == config.RunTargetQuit {
			zl.Info("runTarget=quit, canceling all orders", zap.String("strategy", sc.StrategyID))
			if err := runner.QuitAll(ctx); err != nil {
				zl.Fatal("退出撤单失败", zap.String("strategy", sc.StrategyID), zap.Error(err))
			}
			continue
		}
		// 启动期归属检查：带前缀却不在账本里的订单直接拒绝启动
		if err := runner.CheckRemoteOwnership(); err != nil {
			zl.Fatal("启动一致性检查失败，请人工对账", zap.String("strategy", sc.StrategyID), zap.Error(err))
		}
		driver.Add(runner)
	}

	if driver.Len() == 0 {
		zl.Info("没有待运行的策略，退出")
		return
	}

	// 配置热监听：runTarget 翻转为 quit 的策略撤单并退出调度
	watcher := config.NewWatcher(*cfgPath, cfg, zl)
	go func() {
		if err := watcher.Run(ctx, driver.RequestQuit); err != nil && ctx.Err() == nil {
			zl.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	// systemd 集成：就绪通知 + 看门狗心跳
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && sent {
		go watchdogLoop(ctx)
	}

	zl.Info("grid bot running",
		zap.Int("strategies", driver.Len()),
		zap.Duration("tickInterval", interval))
	if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
		zl.Error("driver stopped", zap.Error(err))
	}
	zl.Info("shutting down")
}

// startFeeds 为实际用到的每种客户端类型启动一条 bookTicker 组合流。
func startFeeds(ctx context.Context, cfg config.AppConfig, zl *zap.Logger) map[string]*gateway.BookTickerFeed {
	symbols := make(map[string][]string)
	for _, sc := range cfg.Strategies {
		if sc.RunTarget == config.RunTargetQuit {
			continue
		}
		symbols[sc.ClientType] = append(symbols[sc.ClientType], sc.Symbol())
	}
	feeds := make(map[string]*gateway.BookTickerFeed)
	for clientType, syms := range symbols {
		endpoint := cfg.Gateway.WSEndpoint
		if endpoint == "" {
			endpoint = gateway.BinanceSpotWSEndpoint
			if clientType == gateway.ClientTypeFutures {
				endpoint = gateway.BinanceFuturesWSEndpoint
			}
		}
		feed := gateway.NewBookTickerFeed(endpoint)
		feeds[clientType] = feed
		go feed.Run(ctx, syms)
		zl.Info("book ticker feed started",
			zap.String("clientType", clientType),
			zap.Strings("symbols", syms))
	}
	return feeds
}

func newStore(sc config.StrategyConfig) (ledger.Store, error) {
	switch sc.CacheType {
	case config.CacheTypeMem:
		return ledger.NewMemStore(), nil
	case config.CacheTypeSQLite:
		path := sc.CachePath
		if path == "" {
			path = "data/gridbot.db"
		}
		return ledger.NewSQLiteStore(path)
	default:
		return ledger.NewFileStore(sc.CachePath)
	}
}

func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
