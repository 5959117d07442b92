package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/app"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "config/config.yaml", "config file path")
	rollback := flag.Bool("rollback", false, "roll back one migration version and exit")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		panic("invalid config: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(&cfg.Log); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	application := app.New(cfg, *configPath)

	if *rollback {
		if err := application.RollbackMigration(); err != nil {
			logger.Fatal("failed to roll back migration", zap.Error(err))
		}
		logger.Info("migration rolled back")
		return
	}

	logger.Info("starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("env", cfg.Service.Env),
		zap.Int("http_port", cfg.Service.HTTPPort),
		zap.Bool("shadow_mode", cfg.Trust.ShadowModeEnabled()),
	)

	// 启动应用
	if err := application.Run(); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down service...")

	// 优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("service stopped")
}
