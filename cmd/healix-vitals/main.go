package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "github.com/Abdulrahman-Burham/healix-sub001/common/logger"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/config"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/service"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/store"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "healix-vitals")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting healix-vitals service")

	// 创建服务
	svc, err := service.NewSyncService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create sync service", zap.Error(err))
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 登录
	if err := login(ctx, svc, cfg); err != nil {
		log.Fatal("Failed to start session", zap.Error(err))
	}

	svc.Subscribe(func(change store.Change) {
		if change != store.ChangeVitals {
			return
		}
		reading, ok := svc.CurrentVitals()
		if !ok {
			return
		}
		fields := []zap.Field{zap.Time("timestamp", reading.Timestamp)}
		for kind, sev := range svc.Severities() {
			fields = append(fields, zap.Stringer(string(kind), sev))
		}
		log.Debug("Vitals updated", fields...)
	})
	svc.OnConnectionState(func(from, to models.ConnectionState) {
		log.Info("Connection state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	})

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// 启动服务（在 goroutine 中）
	errChan := make(chan error, 1)
	go func() {
		if err := svc.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// 等待信号或错误
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		log.Error("Service error", zap.Error(err))
		cancel()
	}

	// 停止服务
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}

// login 配置了用户 ID 时直接登录，否则用 token 拉取资料确认身份
func login(ctx context.Context, svc *service.SyncService, cfg *config.Config) error {
	if cfg.Session.Token == "" {
		return fmt.Errorf("HEALIX_TOKEN is required")
	}
	if cfg.Session.UserID != "" {
		return svc.Login(ctx, models.Identity{UserID: cfg.Session.UserID}, cfg.Session.Token)
	}
	_, err := svc.LoginWithToken(ctx, cfg.Session.Token)
	return err
}
