package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/orientation-assistant/internal/audit"
	"github.com/suPer8Hu/orientation-assistant/internal/config"
	"github.com/suPer8Hu/orientation-assistant/internal/db"
	"github.com/suPer8Hu/orientation-assistant/internal/logger"
	"github.com/suPer8Hu/orientation-assistant/internal/store/rabbitmq"
)

const (
	module = "audit-worker"
	// deliveries that failed this many times go to the DLQ
	maxAttempts = 5
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	log := logger.NewZapLogger(cfg.LogFilePath, cfg.IsProd())
	defer log.Sync()

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		fatal(log, "db open failed", err)
	}
	if err := db.Migrate(gdb); err != nil {
		fatal(log, "db migrate failed", err)
	}
	repo := audit.NewRepo(gdb)

	// retries are parked through a publisher on its own channel
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitAuditQueue)
	if err != nil {
		fatal(log, "rabbit publisher", err)
	}
	defer pub.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		fatal(log, "rabbit dial", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		fatal(log, "rabbit channel", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitAuditQueue); err != nil {
		fatal(log, "queue declare", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		fatal(log, "qos", err)
	}

	msgs, err := ch.Consume(cfg.RabbitAuditQueue, "", false, false, false, false, nil)
	if err != nil {
		fatal(log, "consume", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info(module, "worker started", map[string]interface{}{"queue": cfg.RabbitAuditQueue, "concurrency": concurrency})

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, log, repo, pub, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info(module, "worker shutting down", nil)
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn(module, "delivery channel closed", nil)
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

type retrier interface {
	Retry(ctx context.Context, body []byte, attempt int) error
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func handleDelivery(ctx context.Context, log logger.ILogger, sink audit.Sink, retry retrier, workerID int, d amqp.Delivery) {
	process(ctx, log, sink, retry, workerID, d.Body, rabbitmq.Attempt(d.Headers), d)
}

// process persists one queued record. Undecodable bodies are dead-lettered
// at once; write failures are parked on the retry queue until maxAttempts.
func process(ctx context.Context, log logger.ILogger, sink audit.Sink, retry retrier, workerID int, body []byte, attempt int, ack acknowledger) {
	rec, err := rabbitmq.Decode(body)
	if err != nil {
		log.Warn(module, "bad message", map[string]interface{}{"worker": workerID, "error": err})
		_ = ack.Nack(false, false)
		return
	}

	start := time.Now()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	err = sink.Write(wctx, rec)
	cancel()
	if err == nil {
		if err := ack.Ack(false); err != nil {
			log.Warn(module, "ack failed", map[string]interface{}{"worker": workerID, "trace_id": rec.TraceID, "error": err})
		}
		return
	}

	details := map[string]interface{}{
		"worker":   workerID,
		"trace_id": rec.TraceID,
		"attempt":  attempt,
		"cost":     time.Since(start).String(),
		"error":    err,
	}
	if attempt+1 >= maxAttempts {
		log.Error(module, "audit record dead-lettered", details)
		_ = ack.Nack(false, false)
		return
	}
	if rerr := retry.Retry(context.WithoutCancel(ctx), body, attempt+1); rerr != nil {
		details["retry_error"] = rerr
		log.Error(module, "retry publish failed", details)
		_ = ack.Nack(false, false)
		return
	}
	log.Warn(module, "audit write failed, retrying", details)
	_ = ack.Ack(false)
}

func fatal(log logger.ILogger, msg string, err error) {
	log.Error(module, msg, map[string]interface{}{"error": err})
	_ = log.Sync()
	os.Exit(1)
}
