package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/xiaopang/modguard/internal/api"
	"github.com/xiaopang/modguard/internal/config"
	"github.com/xiaopang/modguard/internal/core"
	"github.com/xiaopang/modguard/internal/logger"
	"github.com/xiaopang/modguard/internal/store"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	envPath := flag.String("env", ".env", "环境变量文件路径")
	flag.Parse()

	// 加载 .env（文件不存在时忽略，环境变量可能已注入）
	if err := godotenv.Load(*envPath); err == nil {
		log.Printf("Environment loaded from %s", *envPath)
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log.Printf("Config loaded from %s", *configPath)

	// 初始化存储
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	// 凭证池与提供商适配器
	primaryKeys := config.PrimaryKeysFromEnv()
	pool := core.NewCredentialPool(primaryKeys, cfg.Moderation.Primary.DailyQuota)
	primary := core.NewPrimaryAdapter(cfg.Moderation.Primary)
	secondary := core.NewSecondaryAdapter(cfg.Moderation.Secondary, config.SecondaryKeyFromEnv())
	log.Printf("Credential pool initialized with %d primary keys (secondary configured: %v)",
		len(primaryKeys), secondary.Configured())

	// 决策日志异步写入
	sink := store.NewAsyncSink(db, 256)
	defer sink.Close()

	// 审核编排器
	moderator := core.NewModerator(pool, primary, secondary, sink, cfg.Moderation.Primary.MaxAttempts)

	// 调用方限流器
	rateLimiter := core.NewRateLimiter()

	// 过期日志清理
	janitor := core.NewJanitor(db, cfg.Logging.RetentionDays)
	janitor.Start()
	defer janitor.Stop()

	// API 处理器与路由
	moderateHandler := api.NewModerateHandler(moderator)
	adminHandler := api.NewAdminHandler(db, pool, secondary)
	r := api.SetupRouter(cfg, moderateHandler, adminHandler, db, rateLimiter)

	// 使用 http.Server 以支持 Graceful Shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// 创建一个 context，监听 SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 在 goroutine 中启动 HTTP server
	srvErr := make(chan error, 1)
	go func() {
		log.Printf("ModGuard starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// 等待信号或服务器错误
	select {
	case err := <-srvErr:
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutdown signal received, draining connections...")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// 到这里 deferred sink.Close() / janitor.Stop() / db.Close() 会正常执行
	log.Println("Server stopped gracefully")
}
