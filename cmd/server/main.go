package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/observability"
	"github.com/suPer8Hu/chat-relay/internal/ratelimit"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogFile, cfg.IsProduction())
	defer func() { _ = log.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	eventLog, closeLog := newEventLog(cfg, gdb, log)
	defer closeLog()
	limiter := ratelimit.NewLimiter(eventLog, ratelimit.EventChatRequest,
		cfg.RateLimitMax, time.Duration(cfg.RateLimitWindowSeconds)*time.Second, log)

	writer, waitWriter, closeWriter := newWriter(cfg, repo, log, metrics)
	defer closeWriter()

	svc := chat.NewService(chat.Options{
		Store:        repo,
		Gateway:      ai.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewaySiteURL, cfg.GatewayAppName),
		Identity:     auth.NewJWTVerifier(cfg.JWTSecret),
		Limiter:      limiter,
		Writer:       writer,
		SystemPrompt: cfg.SystemPrompt,
		DefaultModel: cfg.GatewayModel,
		Logger:       log,
		Metrics:      metrics,
	})

	r := httpapi.NewRouter(httpapi.Deps{Service: svc, Logger: log, Metrics: metrics, Gatherer: reg})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr),
			zap.String("rate_limit_backend", cfg.RateLimitBackend),
			zap.String("persist_mode", cfg.PersistMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	waitWriter()
	limiter.Wait()
}

func newEventLog(cfg config.Config, gdb *gorm.DB, log *zap.Logger) (ratelimit.EventLog, func()) {
	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	switch cfg.RateLimitBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal("redis ping", zap.Error(err))
		}
		return ratelimit.NewRedisLog(rdb, window), func() { _ = rdb.Close() }
	case "memory":
		return ratelimit.NewMemoryLog(window), func() {}
	case "", "db":
		return ratelimit.NewGormLog(gdb), func() {}
	default:
		log.Fatal("unsupported RATE_LIMIT_BACKEND", zap.String("backend", cfg.RateLimitBackend))
		return nil, nil
	}
}

func newWriter(cfg config.Config, repo *chat.Repo, log *zap.Logger, metrics *observability.Metrics) (chat.BackgroundWriter, func(), func()) {
	switch cfg.PersistMode {
	case "queue":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbit publisher", zap.Error(err))
		}
		w := chat.NewQueueWriter(pub, log, metrics)
		return w, w.Wait, func() { _ = pub.Close() }
	case "", "inline":
		w := chat.NewAsyncWriter(repo, log, metrics)
		return w, w.Wait, func() {}
	default:
		log.Fatal("unsupported CHAT_PERSIST_MODE", zap.String("mode", cfg.PersistMode))
		return nil, nil, nil
	}
}
