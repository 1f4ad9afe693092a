package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"go.uber.org/zap"
)

const (
	maxAttempts = 5
	retryDelay  = 2 * time.Second
)

var errBadJob = errors.New("bad persist job")

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogFile, cfg.IsProduction()).Named("worker")
	defer func() { _ = log.Sync() }()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	// the publisher declares the topology and is reused for retries
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit publisher", zap.Error(err))
	}
	defer pub.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range jobs {
				handleDelivery(ctx, wlog, repo, pub, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, log *zap.Logger, repo *chat.Repo, pub *rabbitmq.Publisher, d amqp.Delivery) {
	start := time.Now()
	attempt := rabbitmq.Attempt(d)

	job, err := persist(ctx, repo, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", zap.String("message_id", job.MessageID), zap.Error(err))
		}
		log.Debug("persisted",
			zap.String("message_id", job.MessageID),
			zap.String("conversation_id", job.ConversationID),
			zap.Duration("cost", time.Since(start)))
		return
	}

	fields := []zap.Field{
		zap.String("message_id", job.MessageID),
		zap.Int("attempt", attempt),
		zap.Duration("cost", time.Since(start)),
		zap.Error(err),
	}
	if errors.Is(err, errBadJob) || attempt >= maxAttempts {
		// dead-letter
		log.Error("persist job failed permanently", fields...)
		_ = d.Nack(false, false)
		return
	}

	log.Warn("persist job failed, retrying", fields...)
	if rerr := pub.Retry(context.WithoutCancel(ctx), d.Body, attempt+1, retryDelay); rerr != nil {
		log.Error("schedule retry failed", zap.Error(rerr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func persist(ctx context.Context, repo *chat.Repo, body []byte) (chat.PersistJob, error) {
	var job chat.PersistJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, errors.Join(errBadJob, err)
	}
	if job.MessageID == "" || job.ConversationID == "" || job.Content == "" {
		return job, errBadJob
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return job, repo.PersistFromQueue(wctx, job)
}
