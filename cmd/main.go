package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"libertyflow/internal/api"
	"libertyflow/internal/execution"
	"libertyflow/internal/model"
	"libertyflow/internal/notify"
	"libertyflow/internal/service"
	"libertyflow/internal/store"
	"libertyflow/internal/strategy"
	"libertyflow/pkg/clock"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("libertyflow", pflag.ExitOnError)
	configPath := flags.String("config", "config", "directory holding config.yaml")
	envFile := flags.String("env-file", ".env", "dotenv file with broker secrets")
	flags.Bool("dry-run", false, "simulate fills from the live feed instead of sending orders")
	flags.String("symbol", "", "instrument symbol override")
	flags.Float64("high", 0, "upper breakout threshold")
	flags.Float64("low", 0, "lower breakout threshold")
	flags.String("log-level", "", "log level override")
	_ = flags.Parse(os.Args[1:])

	// .env 缺失不是错误
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	cfg, err := service.LoadConfig(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if err := service.InitLogger(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 2
	}
	defer service.Logger.Sync()
	logger := service.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 行情连接
	connector := api.NewConnector(cfg.Feed)
	connector.OnOrderUpdate = func(u model.OrderUpdate) {
		logger.Info("Order update", zap.String("OrderID", u.OrderID), zap.Int("Status", u.Status))
	}
	var feed strategy.Feed = connector

	// 2. 下单通道: 实盘 REST 或模拟撮合
	var broker execution.Broker
	if cfg.Session.DryRun || cfg.Broker.Mode == "paper" {
		paper, err := execution.NewPaperBroker(cfg.Instrument.Symbol, cfg.Trailing.Resolution, clock.Real())
		if err != nil {
			logger.Error("Paper broker init failed", zap.Error(err))
			return 1
		}
		feed = strategy.WithTap(connector, paper.OnTick)
		broker = paper
		logger.Warn("DRY RUN: orders are simulated against the live feed")
	} else {
		broker = api.NewRESTBroker(cfg.Broker)
	}

	// 3. 状态存储与告警
	kv, err := store.Open(cfg.Store)
	if err != nil {
		logger.Error("Store open failed", zap.Error(err))
		return 1
	}
	defer kv.Close()
	notifier := notify.New(cfg.Notify)

	// 4. 交易会话
	sessionCfg, err := strategy.NewSessionConfig(cfg)
	if err != nil {
		logger.Error("Session config invalid", zap.Error(err))
		return 2
	}
	session, err := strategy.NewSession(sessionCfg, strategy.SessionDeps{
		Feed:     feed,
		Broker:   broker,
		Store:    kv,
		Notifier: notifier,
	})
	if err != nil {
		logger.Error("Session init failed", zap.Error(err))
		return 1
	}
	logger.Info("Starting session",
		zap.String("SessionID", session.ID()),
		zap.String("Symbol", cfg.Instrument.Symbol),
		zap.Int("Qty", cfg.Instrument.Qty()),
		zap.String("Mode", cfg.Broker.Mode),
		zap.Bool("DryRun", cfg.Session.DryRun))

	// 5. 运维接口与会话并行; 接口故障不影响交易
	var (
		g      errgroup.Group
		result model.SessionResult
	)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server, session)
		g.Go(func() error {
			if err := server.Start(serverCtx); err != nil {
				logger.Error("Ops server failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopServer()
		result = session.Run(ctx)
		return nil
	})

	_ = g.Wait()
	logger.Info("Session finished", zap.String("Result", result.String()), zap.Error(result.Err))

	if result.Status == model.StatusManual {
		return 3
	}
	return 0
}
