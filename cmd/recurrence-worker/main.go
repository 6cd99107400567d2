package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tasklane/platform/internal/app/recurrence"
	"github.com/tasklane/platform/internal/app/tasks"
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
	adminAddr := env.String("RECURRENCE_ADMIN_ADDR", ":9091")
	ledgerRetention := env.Duration("LEDGER_RETENTION", 7*24*time.Hour)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	taskRepo := tasks.NewPostgresRepository(pool)
	ledgerStore := ledger.NewStore(pool)
	if err := waitForSchema(runCtx, 30*time.Second,
		taskRepo.EnsureSchema,
		ledgerStore.EnsureSchema,
	); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := eventbus.NewPublisher(eventbus.JetStream(client.JS))
	handler := recurrence.NewHandler(taskRepo, publisher)

	rt := runtime.New(pool, ledgerStore, eventbus.JetStream(client.JS))
	sub, err := rt.Start(runCtx, client.JS, runtime.Consumer{
		Name:    recurrence.ConsumerName,
		Subject: "task.event.>",
		Queue:   recurrence.ConsumerName,
		Durable: recurrence.ConsumerName,
		Handler: handler.Handle,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Println("Recurrence worker listening on subject:", sub.Subject)

	go pruneLedger(runCtx, ledgerStore, ledgerRetention)
	go serveAdmin(adminAddr)

	<-runCtx.Done()
	if err := sub.Drain(); err != nil {
		log.Printf("recurrence-worker drain failed: %v", err)
	}
}

// pruneLedger trims old idempotency records once an hour. Retention must
// stay above the broker's redelivery horizon.
func pruneLedger(ctx context.Context, store *ledger.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune(ctx, retention)
			if err != nil {
				log.Printf("ledger prune failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("ledger prune removed %d records", removed)
			}
		}
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
