package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tasklane/platform/internal/app/reminders"
	"github.com/tasklane/platform/internal/eventbus"
	"github.com/tasklane/platform/internal/ledger"
	"github.com/tasklane/platform/internal/platform/dbpool"
	"github.com/tasklane/platform/internal/platform/env"
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/platform/natsutil"
	"github.com/tasklane/platform/internal/runtime"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	adminAddr := env.String("REMINDER_ADMIN_ADDR", ":9092")
	scanInterval := env.Duration("REMINDER_SCAN_INTERVAL", time.Minute)
	batchSize := env.Int("REMINDER_BATCH_SIZE", 100)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := reminders.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	if err := waitForSchema(runCtx, 30*time.Second,
		store.EnsureSchema,
		ledgerStore.EnsureSchema,
	); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	handler := reminders.NewHandler(store)
	rt := runtime.New(pool, ledgerStore, eventbus.JetStream(client.JS))
	sub, err := rt.Start(runCtx, client.JS, runtime.Consumer{
		Name:    reminders.ConsumerName,
		Subject: "task.event.>",
		Queue:   reminders.ConsumerName,
		Durable: reminders.ConsumerName,
		Handler: handler.Handle,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Println("Reminder worker listening on subject:", sub.Subject)

	publisher := eventbus.NewPublisher(eventbus.JetStream(client.JS))
	scanner := reminders.NewScanner(pool, store, publisher)
	scanner.Interval = scanInterval
	scanner.BatchSize = batchSize
	go scanner.Run(runCtx)

	go serveAdmin(adminAddr)

	<-runCtx.Done()
	if err := sub.Drain(); err != nil {
		log.Printf("reminder-worker drain failed: %v", err)
	}
}

func serveAdmin(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Printf("admin server stopped: %v", err)
	}
}

func waitForSchema(ctx context.Context, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = nil
		for _, fn := range ensure {
			attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			lastErr = fn(attemptCtx)
			cancel()
			if lastErr != nil {
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
