package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"chat-gateway/backend/config"
	"chat-gateway/backend/internal/authservice"
	"chat-gateway/backend/internal/cache"
	"chat-gateway/backend/internal/chat"
	"chat-gateway/backend/internal/httpapi/handler"
	"chat-gateway/backend/internal/httpapi/middleware"
	"chat-gateway/backend/internal/metrics"
	"chat-gateway/backend/internal/store"
	"chat-gateway/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
	buildTime    = ""
)

func newAuthenticator(cfg *config.Config) authservice.Authenticator {
	if cfg.Auth.Mode == "remote" {
		return authservice.NewRemoteAuthenticator(cfg.Auth.Path, 1200*time.Millisecond)
	}
	return authservice.NewJWTAuthenticator(cfg.Auth.Secret)
}

func main() {
	if buildTime == "" {
		buildTime = time.Now().Format(time.RFC3339)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("chat-gateway %s (%s) built %s, port=%d auth=%s", buildVersion, buildCommit, buildTime, cfg.Running.Port, cfg.Auth.Mode)
	gin.SetMode(cfg.Running.Mode)

	m := metrics.New()

	// 单地址用单机客户端，多地址用集群客户端
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Redis.Addrs,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Redis 挂了也能启动，缓存先走内存兜底
		log.Printf("ping redis failed, starting degraded: %v", err)
	}
	cancel()

	rc, err := cache.NewResilientCache(cache.NewRedisBackend(rdb), cache.Options{
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		FallbackMaxItems:     cfg.Cache.FallbackMaxItems,
		HealthInterval:       cfg.Cache.HealthInterval,
		ProbeTimeout:         cfg.Cache.ProbeTimeout,
		Observer:             m,
	})
	if err != nil {
		log.Fatalf("init cache failed: %v", err)
	}
	rc.Start()
	defer rc.Stop()

	db, err := store.InitMySQL(cfg.Mysql.DSN, store.PoolOptions{
		MaxOpenConns: cfg.Mysql.MaxOpenConns,
		MaxIdleConns: cfg.Mysql.MaxIdleConns,
		ConnMaxLife:  cfg.Mysql.ConnMaxLife,
	})
	if err != nil {
		log.Fatalf("open mysql failed: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	points := chat.NewPointsDispatcher(
		producer,
		cfg.Kafka.Topic,
		chat.NewInflight(chat.DefaultInflight),
		chat.PointsDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
			OnDrop:      m.PointsDropped,
		},
	)

	presence := cache.NewPresenceStore(rc, cfg.Presence.TTL)
	recent := cache.NewRecentMessageBuffer(rc, cfg.Recent.MaxMessages, cfg.Recent.TTL)
	perms := store.NewRoomStore(db)
	auth := newAuthenticator(cfg)

	hub := ws.NewHub(presence, ws.HubOptions{FanoutLimit: cfg.WebSocket.FanoutLimit, Metrics: m})
	gateway := ws.NewGateway(ws.GatewayDeps{
		Hub:      hub,
		Auth:     auth,
		Perms:    perms,
		Messages: store.NewMessageStore(db),
		Recent:   recent,
		Presence: presence,
		Names:    chat.NewNameResolver(rc, store.NewUserStore(db)),
		Points:   points,
		Inflight: chat.NewInflight(cfg.Message.MaxConcurrent),
		Metrics:  m,
	}, ws.GatewayOptions{
		MaxContentLength: cfg.Message.MaxContentLength,
		PersistTimeout:   cfg.Message.PersistTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		ReadLimit:        cfg.WebSocket.ReadLimit,
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
		PointsPerMessage: cfg.Points.PerMessage,
	})
	reaper := ws.NewReaper(hub, presence, m, cfg.WebSocket.MaxIdle, cfg.WebSocket.CleanupInterval)
	reaper.Start()

	h := handler.NewChatHandler(recent, perms, hub, rc)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 握手里自己做鉴权和房间权限检查，失败用 close code 告知客户端
	r.GET("/ws_chat/:room_id", gateway.WebSocketConnect)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "version": buildVersion})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	handler.RegisterRoutes(r, h, middleware.AuthMiddleware(auth))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down...")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancelShutdown()
	reaper.Stop()
	// 先关 websocket，Shutdown 不会等被劫持的连接
	n := hub.CloseAll(ctx)
	log.Printf("closed %d websocket connections", n)
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	points.Close()
}
