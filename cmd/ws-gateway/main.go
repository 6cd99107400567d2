package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nuid"
	"github.com/tasklane/platform/internal/eventbus"
	"github.com/tasklane/platform/internal/gateway"
	"github.com/tasklane/platform/internal/ledger"
	"github.com/tasklane/platform/internal/platform/auth"
	"github.com/tasklane/platform/internal/platform/dbpool"
	"github.com/tasklane/platform/internal/platform/env"
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/platform/natsutil"
	"github.com/tasklane/platform/internal/runtime"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gatewayAddr := env.String("WS_GATEWAY_ADDR", env.DefaultGatewayAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	ledgerStore := ledger.NewStore(pool)
	if err := waitForSchema(runCtx, 30*time.Second, ledgerStore.EnsureSchema); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	registry := gateway.NewRegistry()
	gw := gateway.New(registry, auth.NewManager(jwtSecret, 24*time.Hour))

	// Every gateway instance sees every event: no queue group, no durable
	// offset, and an instance-scoped ledger identity.
	instanceName := "ws-gateway-" + nuid.Next()
	rt := runtime.New(pool, ledgerStore, eventbus.JetStream(client.JS))
	sub, err := rt.Start(runCtx, client.JS, runtime.Consumer{
		Name:    instanceName,
		Subject: "task.event.>",
		Handler: gw.HandleEvent,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("WS gateway %s consuming subject: %s", instanceName, sub.Subject)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := client.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		connections, users, sessions := registry.Stats()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]int{
			"connections":     connections,
			"users":           users,
			"parked_sessions": sessions,
		})
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	server := &http.Server{
		Addr:              gatewayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("WS gateway listening on %s\n", gatewayAddr)
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

	if err := sub.Drain(); err != nil {
		log.Printf("ws-gateway drain failed: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("ws-gateway graceful shutdown failed: %v", err)
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
