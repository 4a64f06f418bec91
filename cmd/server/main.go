package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blingmoon/simple-approval/approval"
	"github.com/blingmoon/simple-approval/content"
	"github.com/blingmoon/simple-approval/internal/api"
	"github.com/blingmoon/simple-approval/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database failed", "driver", cfg.DB.Driver, "err", err)
		os.Exit(1)
	}
	if err := approval.AutoMigrate(db); err != nil {
		slog.Error("migrate approval tables failed", "err", err)
		os.Exit(1)
	}
	if err := content.AutoMigrate(db); err != nil {
		slog.Error("migrate content tables failed", "err", err)
		os.Exit(1)
	}

	lock, closeLock := newLock(cfg)
	defer closeLock()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher := approval.NewDispatcher()
	if err := content.RegisterSideEffects(dispatcher, db); err != nil {
		slog.Error("register side effects failed", "err", err)
		os.Exit(1)
	}
	service := approval.NewApprovalService(
		approval.NewApprovalRepo(db),
		dispatcher,
		lock,
		approval.WithStoreTimeout(cfg.Approval.StoreTimeout),
		approval.WithMetrics(approval.NewMetrics(registry)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopReconciler := func() {}
	if cfg.Reconcile.Enable {
		stopReconciler = approval.StartReconciler(ctx, service, cfg.Reconcile.Interval, &approval.ReconcileParams{
			BatchSize:   cfg.Reconcile.BatchSize,
			MaxAttempts: cfg.Reconcile.MaxAttempts,
			Grace:       cfg.Reconcile.Grace,
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	api.RegisterRoutes(router, api.NewHandler(service), api.HeaderAccessGuard{})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("approval server listening", "addr", cfg.HTTP.Addr, "db_driver", cfg.DB.Driver)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
		}
	case sig := <-shutdown:
		slog.Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "err", err)
			_ = server.Close()
		}
	}
	stopReconciler()
	slog.Info("approval server stopped")
}

// openDB 生产环境关闭 sql 日志, DebugSQL 可以重新打开
func openDB(cfg *config.Config) (*gorm.DB, error) {
	logLevel := logger.Info
	if cfg.IsProduction() && !cfg.DB.DebugSQL {
		logLevel = logger.Warn
	}
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	}
	var dialector gorm.Dialector
	switch cfg.DB.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DB.DSN)
	default:
		dialector = sqlite.Open(cfg.DB.DSN)
	}
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, err
	}
	if cfg.DB.Driver == "sqlite" {
		// sqlite 只允许一个写连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// newLock 配置了 redis 才使用分布式锁
func newLock(cfg *config.Config) (approval.ApprovalLock, func()) {
	if cfg.Redis.Addr == "" {
		slog.Warn("redis addr is empty, using in-process lock, do not run more than one replica")
		return approval.NewLocalApprovalLock(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return approval.NewRedisApprovalLock(client), func() {
		if err := client.Close(); err != nil {
			slog.Error("close redis client failed", "err", err)
		}
	}
}
