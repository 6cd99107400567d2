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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tasklane/platform/internal/app/identity"
	"github.com/tasklane/platform/internal/app/tasks"
	"github.com/tasklane/platform/internal/eventbus"
	"github.com/tasklane/platform/internal/platform/dbpool"
	"github.com/tasklane/platform/internal/platform/env"
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiAddr := env.String("TASK_API_ADDR", env.DefaultAPIAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:5173")
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	taskRepo := tasks.NewPostgresRepository(pool)
	if err := waitForSchema(runCtx, 30*time.Second,
		identityRepo.EnsureSchema,
		taskRepo.EnsureSchema,
	); err != nil {
		log.Fatal(err)
	}
	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(jwtSecret))

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := eventbus.NewPublisher(eventbus.JetStream(client.JS))
	service := tasks.NewService(taskRepo, publisher)
	handler := tasks.NewHandler(service, identitySvc, uiOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              apiAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Task API listening on %s\n", apiAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("task-api graceful shutdown failed: %v", err)
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

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, client *natsutil.Client) error {
	if err := client.Ready(); err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
